package api

import (
	"fmt"
	"net/http"
	"time"

	"classreel-media/internal/media"
	"classreel-media/internal/models"
)

type assetResponse struct {
	ID                 string             `json:"id"`
	LessonID           string             `json:"lessonId"`
	Status             string             `json:"status"`
	Filename           string             `json:"filename,omitempty"`
	ContentType        string             `json:"contentType,omitempty"`
	SizeBytes          int64              `json:"sizeBytes,omitempty"`
	UploadSessionID    *string            `json:"uploadSessionId,omitempty"`
	ProcessingProgress int                `json:"processingProgress"`
	ProcessingError    string             `json:"processingError,omitempty"`
	Renditions         []models.Rendition `json:"renditions,omitempty"`
	ThumbnailURL       string             `json:"thumbnailUrl,omitempty"`
	DurationSeconds    int                `json:"durationSeconds,omitempty"`
	UpdatedAt          time.Time          `json:"updatedAt"`
	CompletedAt        *time.Time         `json:"completedAt,omitempty"`
}

func newAssetResponse(asset models.MediaAsset) assetResponse {
	return assetResponse{
		ID:                 asset.ID,
		LessonID:           asset.LessonID,
		Status:             asset.Status,
		Filename:           asset.Filename,
		ContentType:        asset.ContentType,
		SizeBytes:          asset.SizeBytes,
		UploadSessionID:    asset.UploadSessionID,
		ProcessingProgress: asset.Progress,
		ProcessingError:    asset.ProcessingError,
		Renditions:         asset.Renditions,
		ThumbnailURL:       asset.ThumbnailURL,
		DurationSeconds:    asset.DurationSeconds,
		UpdatedAt:          asset.UpdatedAt,
		CompletedAt:        asset.CompletedAt,
	}
}

func (h *Handler) mediaSubtree(w http.ResponseWriter, r *http.Request, lessonID string, rest []string) {
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown media resource"))
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	switch rest[0] {
	case "status":
		h.mediaStatus(w, r, lessonID)
	case "playback":
		h.mediaPlayback(w, r, lessonID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown media resource %q", rest[0]))
	}
}

func (h *Handler) mediaStatus(w http.ResponseWriter, r *http.Request, lessonID string) {
	if _, ok := h.requireLesson(w, r, lessonID); !ok {
		return
	}
	asset, found := h.Store.GetAsset(lessonID)
	if !found {
		// No upload has been attempted yet; report the implicit pending state.
		writeJSON(w, http.StatusOK, assetResponse{LessonID: lessonID, Status: media.StatusPending})
		return
	}
	writeJSON(w, http.StatusOK, newAssetResponse(asset))
}

type playbackResponse struct {
	Status          string             `json:"status"`
	SourceURL       string             `json:"sourceUrl,omitempty"`
	Renditions      []models.Rendition `json:"renditions,omitempty"`
	ThumbnailURL    string             `json:"thumbnailUrl,omitempty"`
	DurationSeconds int                `json:"durationSeconds,omitempty"`
	Progress        int                `json:"processingProgress,omitempty"`
}

func (h *Handler) mediaPlayback(w http.ResponseWriter, r *http.Request, lessonID string) {
	if _, ok := h.requireLesson(w, r, lessonID); !ok {
		return
	}
	asset, found := h.Store.GetAsset(lessonID)
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("lesson %s has no media", lessonID))
		return
	}

	switch asset.Status {
	case media.StatusCompleted:
		sourceURL, err := h.Backend.PresignGet(r.Context(), asset.StorageKey)
		if err != nil {
			writeMediaError(w, media.WrapError(media.KindBackendRejected, "presign playback", err))
			return
		}
		writeJSON(w, http.StatusOK, playbackResponse{
			Status:          asset.Status,
			SourceURL:       sourceURL,
			Renditions:      asset.Renditions,
			ThumbnailURL:    asset.ThumbnailURL,
			DurationSeconds: asset.DurationSeconds,
		})
	case media.StatusFailed:
		writeMediaError(w, media.NewError(media.KindStateConflict, "media processing failed: %s", asset.ProcessingError))
	default:
		writeJSON(w, http.StatusAccepted, playbackResponse{Status: asset.Status, Progress: asset.Progress})
	}
}
