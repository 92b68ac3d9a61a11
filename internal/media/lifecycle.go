package media

import (
	"strings"
	"time"

	"classreel-media/internal/models"
)

// Lifecycle states for a lesson's media asset. The asset starts in
// StatusPending and only ever moves along the transitions listed in
// allowedTransitions; every writer (coordinator, processor callback) goes
// through Apply so races cannot regress a terminal asset.
const (
	StatusPending    = "pending"
	StatusUploading  = "uploading"
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

var allowedTransitions = map[string][]string{
	StatusPending:   {StatusUploading},
	StatusUploading: {StatusUploaded, StatusPending},
	StatusUploaded:  {StatusProcessing},
	StatusProcessing: {
		StatusCompleted,
		StatusFailed,
	},
	StatusFailed: {StatusUploading},
	// A completed asset can only move by starting a fresh upload, which
	// supersedes the previous one. Prior renditions survive until the
	// replacement reaches completed.
	StatusCompleted: {StatusUploading},
}

// ValidStatus reports whether value names a lifecycle state.
func ValidStatus(value string) bool {
	switch value {
	case StatusPending, StatusUploading, StatusUploaded, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle permits moving from one state
// to another. Same-state updates are handled separately by Apply.
func CanTransition(from, to string) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status accepts no further automatic
// transition without new external input.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Update describes a guarded mutation of a media asset. Nil pointer fields
// are left untouched; a pointer to the zero value clears the field where
// clearing is meaningful.
type Update struct {
	Status          *string
	SessionID       *string
	StorageKey      *string
	Filename        *string
	ContentType     *string
	SizeBytes       *int64
	Progress        *int
	Error           *string
	JobID           *string
	Renditions      []models.Rendition
	ThumbnailURL    *string
	DurationSeconds *int
}

// Apply runs the update through the transition guard and returns the mutated
// asset. The caller is responsible for making the read-modify-write atomic;
// Apply itself is pure.
func Apply(asset models.MediaAsset, update Update, now time.Time) (models.MediaAsset, error) {
	next := asset.Status
	if update.Status != nil {
		next = strings.TrimSpace(*update.Status)
		if !ValidStatus(next) {
			return models.MediaAsset{}, NewError(KindValidation, "unknown media status %q", next)
		}
	}

	if next != asset.Status && !CanTransition(asset.Status, next) {
		return models.MediaAsset{}, NewError(KindStateConflict, "media asset cannot move from %s to %s", asset.Status, next)
	}
	if next == asset.Status && asset.Status == StatusCompleted {
		return models.MediaAsset{}, NewError(KindStateConflict, "completed media asset is immutable without a new upload")
	}

	updated := asset
	updated.Status = next

	if update.Filename != nil {
		updated.Filename = strings.TrimSpace(*update.Filename)
	}
	if update.ContentType != nil {
		updated.ContentType = strings.TrimSpace(*update.ContentType)
	}
	if update.SizeBytes != nil {
		updated.SizeBytes = *update.SizeBytes
	}
	if update.StorageKey != nil {
		updated.StorageKey = strings.TrimSpace(*update.StorageKey)
	}
	if update.SessionID != nil {
		trimmed := strings.TrimSpace(*update.SessionID)
		if trimmed == "" {
			updated.UploadSessionID = nil
		} else {
			updated.UploadSessionID = &trimmed
		}
	}
	if update.JobID != nil {
		updated.ProcessingJobID = strings.TrimSpace(*update.JobID)
	}

	switch next {
	case StatusUploading, StatusPending:
		// Any entry into the upload phase discards stale processing state.
		updated.ProcessingError = ""
		updated.Progress = 0
		updated.CompletedAt = nil
		if next == StatusPending {
			updated.UploadSessionID = nil
			updated.StorageKey = ""
		}
	case StatusUploaded:
		updated.UploadSessionID = nil
		updated.ProcessingError = ""
		updated.Progress = 0
	case StatusProcessing:
		if update.Progress != nil {
			progress := clampProgress(*update.Progress)
			// Progress is monotonically non-decreasing while processing;
			// regressions are tolerated but never applied.
			if progress > updated.Progress || asset.Status != StatusProcessing {
				updated.Progress = progress
			}
		}
		updated.ProcessingError = ""
	case StatusCompleted:
		if len(update.Renditions) == 0 {
			return models.MediaAsset{}, NewError(KindValidation, "completed media asset requires at least one rendition")
		}
		updated.Renditions = append([]models.Rendition(nil), update.Renditions...)
		updated.Progress = 100
		updated.ProcessingError = ""
		if update.ThumbnailURL != nil {
			updated.ThumbnailURL = strings.TrimSpace(*update.ThumbnailURL)
		}
		if update.DurationSeconds != nil {
			updated.DurationSeconds = *update.DurationSeconds
		}
		completed := now.UTC()
		updated.CompletedAt = &completed
	case StatusFailed:
		message := "processing failed"
		if update.Error != nil {
			if trimmed := strings.TrimSpace(*update.Error); trimmed != "" {
				message = trimmed
			}
		}
		updated.ProcessingError = message
	}

	updated.UpdatedAt = now.UTC()
	return updated, nil
}

// ProgressRegressed reports whether the update carries a processing progress
// value lower than the one already recorded, which callers should log.
func ProgressRegressed(asset models.MediaAsset, update Update) bool {
	if update.Progress == nil || asset.Status != StatusProcessing {
		return false
	}
	return clampProgress(*update.Progress) < asset.Progress
}

func clampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}
