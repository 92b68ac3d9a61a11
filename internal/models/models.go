package models

import "time"

// Lesson is the minimal owning entity for a media asset. The full course
// catalogue lives elsewhere; the upload subsystem only needs identity and
// ownership to authorise session operations.
type Lesson struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// Rendition describes one transcoded quality variant of a source video.
type Rendition struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Bitrate int    `json:"bitrate,omitempty"`
}

// MediaAsset tracks a lesson's video from first upload attempt through
// transcoding. There is exactly one asset per lesson; it is created
// implicitly the first time the lesson's content becomes a video.
type MediaAsset struct {
	ID              string      `json:"id"`
	LessonID        string      `json:"lessonId"`
	Status          string      `json:"status"`
	StorageKey      string      `json:"storageKey,omitempty"`
	UploadSessionID *string     `json:"uploadSessionId,omitempty"`
	Filename        string      `json:"filename,omitempty"`
	ContentType     string      `json:"contentType,omitempty"`
	SizeBytes       int64       `json:"sizeBytes,omitempty"`
	Progress        int         `json:"processingProgress"`
	ProcessingError string      `json:"processingError,omitempty"`
	ProcessingJobID string      `json:"processingJobId,omitempty"`
	Renditions      []Rendition `json:"renditions,omitempty"`
	ThumbnailURL    string      `json:"thumbnailUrl,omitempty"`
	DurationSeconds int         `json:"durationSeconds,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
}

// UploadPart is one durably stored byte range of an in-flight multipart
// session, as reported by the storage backend.
type UploadPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
	SizeBytes  int64  `json:"sizeBytes"`
}
