// Package session stores in-flight upload session records. Sessions are
// short-lived coordination state, kept separately from lesson metadata so
// they can expire on their own schedule.
package session

import (
	"context"
	"time"

	"classreel-media/internal/planner"
)

// Record captures everything the coordinator needs to resume, complete, or
// abort an upload session after a restart.
type Record struct {
	ID              string           `json:"id"`
	LessonID        string           `json:"lessonId"`
	AssetID         string           `json:"assetId"`
	OwnerID         string           `json:"ownerId"`
	StorageKey      string           `json:"storageKey"`
	BackendUploadID string           `json:"backendUploadId,omitempty"`
	Strategy        planner.Strategy `json:"strategy"`
	PartSize        int64            `json:"partSize"`
	PartCount       int              `json:"partCount"`
	Filename        string           `json:"filename"`
	ContentType     string           `json:"contentType"`
	SizeBytes       int64            `json:"sizeBytes"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// Store persists session records with a TTL. Get reports found=false for
// both unknown and expired sessions.
type Store interface {
	Put(ctx context.Context, record Record, ttl time.Duration) error
	Get(ctx context.Context, id string) (Record, bool, error)
	Delete(ctx context.Context, id string) error
}

// DefaultTTL bounds how long an idle session survives before the coordinator
// forgets it. The backend upload itself is reaped separately.
const DefaultTTL = 24 * time.Hour
