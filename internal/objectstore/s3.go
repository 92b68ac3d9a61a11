package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backend implements Backend against AWS S3 or any compatible store
// (MinIO and friends) via a custom endpoint with path-style addressing.
type S3Backend struct {
	client    *s3.Client
	presigner *s3.PresignClient
	cfg       Config
}

// NewS3Backend builds the backend from explicit credentials when provided,
// falling back to the ambient AWS credential chain otherwise.
func NewS3Backend(ctx context.Context, cfg Config) (*S3Backend, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("object storage bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load object storage config: %w", err)
	}

	endpoint := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Backend{
		client:    client,
		presigner: s3.NewPresignClient(client),
		cfg:       cfg,
	}, nil
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return ""
	}
	if strings.Contains(trimmed, "://") {
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			return parsed.Scheme + "://" + parsed.Host
		}
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + trimmed
}

func (b *S3Backend) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(b.cfg.Prefix), "/")
	if prefix == "" || trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func (b *S3Backend) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.applyPrefix(key)),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	result, err := b.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("create multipart upload for %s: %w", key, err)
	}
	return aws.ToString(result.UploadId), nil
}

func (b *S3Backend) PresignPut(ctx context.Context, key, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.applyPrefix(key)),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	request, err := b.presigner.PresignPutObject(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = b.cfg.presignTTL()
	})
	if err != nil {
		return "", fmt.Errorf("presign put for %s: %w", key, err)
	}
	return request.URL, nil
}

func (b *S3Backend) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int) (string, error) {
	request, err := b.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(b.cfg.Bucket),
		Key:        aws.String(b.applyPrefix(key)),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = b.cfg.presignTTL()
	})
	if err != nil {
		return "", fmt.Errorf("presign part %d for %s: %w", partNumber, key, err)
	}
	return request.URL, nil
}

func (b *S3Backend) PresignGet(ctx context.Context, key string) (string, error) {
	request, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.applyPrefix(key)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = b.cfg.presignTTL()
	})
	if err != nil {
		return "", fmt.Errorf("presign get for %s: %w", key, err)
	}
	return request.URL, nil
}

func (b *S3Backend) ListParts(ctx context.Context, key, uploadID string) ([]Part, error) {
	var (
		parts  []Part
		marker *string
	)
	for {
		result, err := b.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(b.cfg.Bucket),
			Key:              aws.String(b.applyPrefix(key)),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, fmt.Errorf("list parts for %s: %w", key, err)
		}
		for _, part := range result.Parts {
			parts = append(parts, Part{
				PartNumber: int(aws.ToInt32(part.PartNumber)),
				ETag:       strings.Trim(aws.ToString(part.ETag), `"`),
				Size:       aws.ToInt64(part.Size),
			})
		}
		if !aws.ToBool(result.IsTruncated) {
			return parts, nil
		}
		marker = result.NextPartNumberMarker
	}
}

func (b *S3Backend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	completed := make([]s3types.CompletedPart, len(parts))
	for i, part := range parts {
		completed[i] = s3types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.PartNumber)),
		}
	}
	_, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.cfg.Bucket),
		Key:             aws.String(b.applyPrefix(key)),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload for %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.cfg.Bucket),
		Key:      aws.String(b.applyPrefix(key)),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !IsNoSuchUpload(err) {
		return fmt.Errorf("abort multipart upload for %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) HeadObject(ctx context.Context, key string) (ObjectInfo, error) {
	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.applyPrefix(key)),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("head object %s: %w", key, err)
	}
	return ObjectInfo{
		Size: aws.ToInt64(result.ContentLength),
		ETag: strings.Trim(aws.ToString(result.ETag), `"`),
	}, nil
}

// IsNoSuchUpload reports whether the backend no longer knows the multipart
// upload, which an idempotent abort treats as success.
func IsNoSuchUpload(err error) bool {
	var noSuchUpload *s3types.NoSuchUpload
	return errors.As(err, &noSuchUpload)
}

// IsNotFound reports whether the backend has no object at the key.
func IsNotFound(err error) bool {
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *s3types.NoSuchKey
	return errors.As(err, &noSuchKey)
}

var _ Backend = (*S3Backend)(nil)
