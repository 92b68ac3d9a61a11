// Package objectstore wraps the S3-compatible storage backend behind the
// narrow interface the upload coordinator needs: multipart bookkeeping plus
// short-lived pre-signed URLs so clients never hold storage credentials.
package objectstore

import (
	"context"
	"time"
)

// Part mirrors one stored byte range of a multipart upload as the backend
// reports it.
type Part struct {
	PartNumber int
	ETag       string
	Size       int64
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Size int64
	ETag string
}

// Backend is the storage operations surface used by the coordinator. All
// URLs returned are pre-signed and expire after the configured TTL.
type Backend interface {
	CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error)
	PresignPut(ctx context.Context, key, contentType string) (string, error)
	PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int) (string, error)
	PresignGet(ctx context.Context, key string) (string, error)
	ListParts(ctx context.Context, key, uploadID string) ([]Part, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	HeadObject(ctx context.Context, key string) (ObjectInfo, error)
}

// Config describes the bucket and credentials for the S3 backend.
type Config struct {
	Endpoint   string
	Region     string
	AccessKey  string
	SecretKey  string
	Bucket     string
	Prefix     string
	UseSSL     bool
	PresignTTL time.Duration
}

// DefaultPresignTTL bounds how long issued upload URLs stay valid.
const DefaultPresignTTL = 15 * time.Minute

func (cfg Config) presignTTL() time.Duration {
	if cfg.PresignTTL <= 0 {
		return DefaultPresignTTL
	}
	return cfg.PresignTTL
}
