package api

import (
	"fmt"
	"net/http"
	"strings"

	"classreel-media/internal/media"
	"classreel-media/internal/models"
	"classreel-media/internal/observability/logging"
)

type processingCallbackRequest struct {
	Status          string             `json:"status"`
	Progress        *int               `json:"progress,omitempty"`
	Error           string             `json:"error,omitempty"`
	JobID           string             `json:"jobId,omitempty"`
	Renditions      []models.Rendition `json:"renditions,omitempty"`
	ThumbnailURL    string             `json:"thumbnailUrl,omitempty"`
	DurationSeconds *int               `json:"durationSeconds,omitempty"`
}

// ProcessingCallback handles POST /api/processing/lessons/{id}, the endpoint
// the external media processor reports lifecycle changes to.
func (h *Handler) ProcessingCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if !h.Auth.AuthorizeProcessor(bearerToken(r)) {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("processor token required"))
		return
	}

	lessonID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/processing/lessons/"), "/")
	if lessonID == "" || strings.Contains(lessonID, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("lesson id missing"))
		return
	}
	r = r.WithContext(logging.ContextWithLessonID(r.Context(), lessonID))

	var req processingCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	status := strings.TrimSpace(req.Status)
	switch status {
	case media.StatusProcessing, media.StatusCompleted, media.StatusFailed:
	default:
		writeMediaError(w, media.NewError(media.KindValidation, "processor may only report processing, completed, or failed, got %q", status))
		return
	}

	update := media.Update{
		Status:     &status,
		Progress:   req.Progress,
		Renditions: req.Renditions,
	}
	if req.Error != "" {
		update.Error = &req.Error
	}
	if req.JobID != "" {
		update.JobID = &req.JobID
	}
	if req.ThumbnailURL != "" {
		update.ThumbnailURL = &req.ThumbnailURL
	}
	update.DurationSeconds = req.DurationSeconds

	if asset, found := h.Store.GetAsset(lessonID); found && media.ProgressRegressed(asset, update) {
		h.requestLogger(r).Warn("processor reported regressed progress",
			"recorded", asset.Progress, "reported", *req.Progress)
		h.recorder().ObserveProcessingEvent("progress_regressed")
	}

	updated, err := h.Store.ApplyAssetUpdate(lessonID, update)
	if err != nil {
		writeMediaError(w, err)
		return
	}

	h.recorder().ObserveProcessingEvent(status)
	h.requestLogger(r).Info("processing update applied",
		"status", status, "progress", updated.Progress)
	writeJSON(w, http.StatusOK, newAssetResponse(updated))
}
