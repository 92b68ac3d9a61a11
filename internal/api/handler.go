// Package api implements the HTTP surface of the upload coordinator: lesson
// management, upload session lifecycle, media status, and the processor
// callback.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"classreel-media/internal/media"
	"classreel-media/internal/models"
	"classreel-media/internal/objectstore"
	"classreel-media/internal/observability/logging"
	"classreel-media/internal/observability/metrics"
	"classreel-media/internal/session"
	"classreel-media/internal/storage"
)

// UploadConfig bounds what the coordinator accepts before any backend call.
type UploadConfig struct {
	MaxFileSize     int64
	AllowedTypes    []string
	SingleThreshold int64
	SessionTTL      time.Duration
}

const defaultMaxFileSize = 8 << 30

func (cfg UploadConfig) maxFileSize() int64 {
	if cfg.MaxFileSize <= 0 {
		return defaultMaxFileSize
	}
	return cfg.MaxFileSize
}

func (cfg UploadConfig) typeAllowed(contentType string) bool {
	if len(cfg.AllowedTypes) == 0 {
		return strings.HasPrefix(contentType, "video/")
	}
	for _, allowed := range cfg.AllowedTypes {
		if strings.EqualFold(strings.TrimSpace(allowed), contentType) {
			return true
		}
	}
	return false
}

type Handler struct {
	Store      storage.Repository
	Sessions   session.Store
	Backend    objectstore.Backend
	Auth       *TokenAuth
	Dispatcher *ProcessorDispatcher
	Upload     UploadConfig
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

func NewHandler(store storage.Repository, sessions session.Store, backend objectstore.Backend, auth *TokenAuth) *Handler {
	return &Handler{
		Store:    store,
		Sessions: sessions,
		Backend:  backend,
		Auth:     auth,
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// requestLogger annotates the handler logger with the request and lesson IDs
// carried on the request context.
func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return logging.WithContext(r.Context(), h.logger())
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

// Health reports datastore reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.Store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func statusForKind(kind media.Kind) int {
	switch kind {
	case media.KindValidation:
		return http.StatusBadRequest
	case media.KindAuthorization:
		return http.StatusUnauthorized
	case media.KindNotFound:
		return http.StatusNotFound
	case media.KindStateConflict:
		return http.StatusConflict
	case media.KindBackendRejected:
		return http.StatusBadGateway
	case media.KindTransientTransport:
		return http.StatusServiceUnavailable
	case media.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeMediaError(w http.ResponseWriter, err error) {
	writeError(w, statusForKind(media.KindOf(err)), err)
}

// requireCreator authenticates the bearer token and returns the user it
// identifies.
func (h *Handler) requireCreator(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("bearer token required"))
		return "", false
	}
	userID, ok := h.Auth.AuthenticateCreator(token)
	if !ok {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid bearer token"))
		return "", false
	}
	return userID, true
}

// requireLesson authenticates the caller and loads the lesson, enforcing
// ownership.
func (h *Handler) requireLesson(w http.ResponseWriter, r *http.Request, lessonID string) (models.Lesson, bool) {
	userID, ok := h.requireCreator(w, r)
	if !ok {
		return models.Lesson{}, false
	}
	lesson, ok := h.Store.GetLesson(lessonID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("lesson %s not found", lessonID))
		return models.Lesson{}, false
	}
	if lesson.OwnerID != userID {
		writeError(w, http.StatusForbidden, fmt.Errorf("lesson %s does not belong to caller", lessonID))
		return models.Lesson{}, false
	}
	return lesson, true
}

type lessonResponse struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

func newLessonResponse(lesson models.Lesson) lessonResponse {
	return lessonResponse{
		ID:        lesson.ID,
		OwnerID:   lesson.OwnerID,
		Title:     lesson.Title,
		CreatedAt: lesson.CreatedAt,
	}
}

type createLessonRequest struct {
	Title string `json:"title"`
}

// Lessons handles the /api/lessons collection.
func (h *Handler) Lessons(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userID, ok := h.requireCreator(w, r)
		if !ok {
			return
		}
		lessons := h.Store.ListLessons(userID)
		response := make([]lessonResponse, 0, len(lessons))
		for _, lesson := range lessons {
			response = append(response, newLessonResponse(lesson))
		}
		writeJSON(w, http.StatusOK, response)
	case http.MethodPost:
		userID, ok := h.requireCreator(w, r)
		if !ok {
			return
		}
		var req createLessonRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		lesson, err := h.Store.CreateLesson(storage.CreateLessonParams{OwnerID: userID, Title: req.Title})
		if err != nil {
			writeMediaError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, newLessonResponse(lesson))
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// LessonSubtree routes /api/lessons/{id}/... to the upload and media
// handlers.
func (h *Handler) LessonSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/lessons/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("lesson id missing"))
		return
	}
	lessonID := parts[0]
	rest := parts[1:]
	r = r.WithContext(logging.ContextWithLessonID(r.Context(), lessonID))

	if len(rest) == 0 {
		h.lessonByID(w, r, lessonID)
		return
	}

	switch rest[0] {
	case "upload":
		h.uploadSubtree(w, r, lessonID, rest[1:])
	case "media":
		h.mediaSubtree(w, r, lessonID, rest[1:])
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown lesson resource %q", rest[0]))
	}
}

func (h *Handler) lessonByID(w http.ResponseWriter, r *http.Request, lessonID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	lesson, ok := h.requireLesson(w, r, lessonID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newLessonResponse(lesson))
}
