package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"classreel-media/internal/media"
	"classreel-media/internal/objectstore"
	"classreel-media/internal/observability/logging"
	"classreel-media/internal/planner"
	"classreel-media/internal/session"
	"classreel-media/internal/storage"
)

func (h *Handler) uploadSubtree(w http.ResponseWriter, r *http.Request, lessonID string, rest []string) {
	if len(rest) == 0 || rest[0] != "sessions" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown upload resource"))
		return
	}
	rest = rest[1:]

	switch {
	case len(rest) == 0:
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.createSession(w, r, lessonID)
	case len(rest) == 2 && rest[1] == "parts":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.listParts(w, r, lessonID, rest[0])
	case len(rest) == 4 && rest[1] == "parts" && rest[3] == "sign":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.signPart(w, r, lessonID, rest[0], rest[2])
	case len(rest) == 2 && rest[1] == "complete":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.completeSession(w, r, lessonID, rest[0])
	case len(rest) == 2 && rest[1] == "abort":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		h.abortSession(w, r, lessonID, rest[0])
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown session resource"))
	}
}

type createSessionRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

type createSessionResponse struct {
	SessionID  string `json:"sessionId"`
	Strategy   string `json:"strategy"`
	PartSize   int64  `json:"partSize"`
	PartCount  int    `json:"partCount"`
	StorageKey string `json:"storageKey"`
	UploadURL  string `json:"uploadUrl,omitempty"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request, lessonID string) {
	lesson, ok := h.requireLesson(w, r, lessonID)
	if !ok {
		return
	}

	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Filename = strings.TrimSpace(req.Filename)
	req.ContentType = strings.TrimSpace(req.ContentType)
	if req.Filename == "" {
		writeMediaError(w, media.NewError(media.KindValidation, "filename is required"))
		return
	}
	if req.SizeBytes <= 0 {
		writeMediaError(w, media.NewError(media.KindValidation, "file size must be positive"))
		return
	}
	if req.SizeBytes > h.Upload.maxFileSize() {
		writeMediaError(w, media.NewError(media.KindValidation, "file size %d exceeds limit %d", req.SizeBytes, h.Upload.maxFileSize()))
		return
	}
	if !h.Upload.typeAllowed(req.ContentType) {
		writeMediaError(w, media.NewError(media.KindValidation, "content type %q is not accepted", req.ContentType))
		return
	}

	ctx := r.Context()
	asset, err := h.Store.EnsureAsset(lessonID)
	if err != nil {
		writeMediaError(w, err)
		return
	}

	// A new session supersedes any in-flight one for the same lesson; the
	// old backend upload is aborted before the replacement starts.
	if asset.Status == media.StatusUploading && asset.UploadSessionID != nil {
		if err := h.releaseSession(ctx, *asset.UploadSessionID); err != nil {
			h.requestLogger(r).Warn("failed to release superseded session",
				"session_id", *asset.UploadSessionID, "error", err)
		}
		h.recorder().SessionSuperseded()
	}

	plan, err := planner.Compute(req.SizeBytes, h.Upload.SingleThreshold)
	if err != nil {
		writeMediaError(w, media.WrapError(media.KindValidation, "plan upload", err))
		return
	}

	sessionID, err := storage.GenerateSessionID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	storageKey := storage.StorageKey(lessonID, sessionID, req.Filename)

	record := session.Record{
		ID:          sessionID,
		LessonID:    lessonID,
		AssetID:     asset.ID,
		OwnerID:     lesson.OwnerID,
		StorageKey:  storageKey,
		Strategy:    plan.Strategy,
		PartSize:    plan.PartSize,
		PartCount:   plan.PartCount,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
		CreatedAt:   time.Now().UTC(),
	}

	var uploadURL string
	if plan.Strategy == planner.StrategyMultipart {
		uploadID, err := h.Backend.CreateMultipartUpload(ctx, storageKey, req.ContentType)
		if err != nil {
			writeMediaError(w, media.WrapError(media.KindBackendRejected, "create multipart upload", err))
			return
		}
		record.BackendUploadID = uploadID
	} else {
		uploadURL, err = h.Backend.PresignPut(ctx, storageKey, req.ContentType)
		if err != nil {
			writeMediaError(w, media.WrapError(media.KindBackendRejected, "presign upload", err))
			return
		}
	}

	if err := h.Sessions.Put(ctx, record, h.Upload.SessionTTL); err != nil {
		h.abandonBackendUpload(ctx, record)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	status := media.StatusUploading
	if _, err := h.Store.ApplyAssetUpdate(lessonID, media.Update{
		Status:      &status,
		SessionID:   &sessionID,
		StorageKey:  &storageKey,
		Filename:    &req.Filename,
		ContentType: &req.ContentType,
		SizeBytes:   &req.SizeBytes,
	}); err != nil {
		h.abandonBackendUpload(ctx, record)
		_ = h.Sessions.Delete(ctx, sessionID)
		writeMediaError(w, err)
		return
	}

	h.recorder().SessionCreated()
	h.requestLogger(r).Info("upload session created",
		"session_id", sessionID, "strategy", string(plan.Strategy),
		"part_count", plan.PartCount, "size_bytes", req.SizeBytes)

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:  sessionID,
		Strategy:   string(plan.Strategy),
		PartSize:   plan.PartSize,
		PartCount:  plan.PartCount,
		StorageKey: storageKey,
		UploadURL:  uploadURL,
	})
}

// releaseSession aborts the backend upload of a known session and forgets the
// record. Unknown sessions are treated as already released.
func (h *Handler) releaseSession(ctx context.Context, sessionID string) error {
	record, found, err := h.Sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if found {
		h.abandonBackendUpload(ctx, record)
	}
	return h.Sessions.Delete(ctx, sessionID)
}

func (h *Handler) abandonBackendUpload(ctx context.Context, record session.Record) {
	if record.BackendUploadID == "" {
		return
	}
	if err := h.Backend.AbortMultipartUpload(ctx, record.StorageKey, record.BackendUploadID); err != nil {
		logging.WithContext(ctx, h.logger()).Warn("failed to abort backend upload",
			"session_id", record.ID, "storage_key", record.StorageKey, "error", err)
	}
}

// loadSession fetches the record and verifies it belongs to the lesson.
func (h *Handler) loadSession(w http.ResponseWriter, r *http.Request, lessonID, sessionID string) (session.Record, bool) {
	record, found, err := h.Sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return session.Record{}, false
	}
	if !found || record.LessonID != lessonID {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload session %s not found", sessionID))
		return session.Record{}, false
	}
	return record, true
}

type signPartResponse struct {
	PartNumber int    `json:"partNumber"`
	URL        string `json:"url"`
}

func (h *Handler) signPart(w http.ResponseWriter, r *http.Request, lessonID, sessionID, partValue string) {
	if _, ok := h.requireLesson(w, r, lessonID); !ok {
		return
	}
	record, ok := h.loadSession(w, r, lessonID, sessionID)
	if !ok {
		return
	}
	if record.Strategy != planner.StrategyMultipart {
		writeMediaError(w, media.NewError(media.KindValidation, "session %s is a single-request upload", sessionID))
		return
	}
	partNumber, err := strconv.Atoi(partValue)
	if err != nil || partNumber < 1 || partNumber > record.PartCount {
		writeMediaError(w, media.NewError(media.KindValidation, "part number must be between 1 and %d", record.PartCount))
		return
	}

	url, err := h.Backend.PresignUploadPart(r.Context(), record.StorageKey, record.BackendUploadID, partNumber)
	if err != nil {
		writeMediaError(w, media.WrapError(media.KindBackendRejected, "presign part", err))
		return
	}
	writeJSON(w, http.StatusOK, signPartResponse{PartNumber: partNumber, URL: url})
}

type partResponse struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
	SizeBytes  int64  `json:"sizeBytes"`
}

func (h *Handler) listParts(w http.ResponseWriter, r *http.Request, lessonID, sessionID string) {
	if _, ok := h.requireLesson(w, r, lessonID); !ok {
		return
	}
	record, ok := h.loadSession(w, r, lessonID, sessionID)
	if !ok {
		return
	}

	response := []partResponse{}
	if record.Strategy == planner.StrategyMultipart {
		parts, err := h.Backend.ListParts(r.Context(), record.StorageKey, record.BackendUploadID)
		if err != nil {
			writeMediaError(w, media.WrapError(media.KindBackendRejected, "list parts", err))
			return
		}
		sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
		for _, part := range parts {
			response = append(response, partResponse{PartNumber: part.PartNumber, ETag: part.ETag, SizeBytes: part.Size})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"parts": response})
}

type completeSessionRequest struct {
	Parts []completedPartRequest `json:"parts"`
}

type completedPartRequest struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

func (h *Handler) completeSession(w http.ResponseWriter, r *http.Request, lessonID, sessionID string) {
	if _, ok := h.requireLesson(w, r, lessonID); !ok {
		return
	}
	record, ok := h.loadSession(w, r, lessonID, sessionID)
	if !ok {
		return
	}
	asset, found := h.Store.GetAsset(lessonID)
	if !found || asset.UploadSessionID == nil || *asset.UploadSessionID != sessionID {
		writeMediaError(w, media.NewError(media.KindStateConflict, "session %s is no longer the active upload for lesson %s", sessionID, lessonID))
		return
	}

	var req completeSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	if record.Strategy == planner.StrategyMultipart {
		parts, err := validateCompletedParts(req.Parts, record.PartCount)
		if err != nil {
			writeMediaError(w, err)
			return
		}
		if err := h.Backend.CompleteMultipartUpload(ctx, record.StorageKey, record.BackendUploadID, parts); err != nil {
			writeMediaError(w, media.WrapError(media.KindBackendRejected, "complete multipart upload", err))
			return
		}
	} else {
		info, err := h.Backend.HeadObject(ctx, record.StorageKey)
		if err != nil {
			writeMediaError(w, media.WrapError(media.KindValidation, "uploaded object not found", err))
			return
		}
		if info.Size != record.SizeBytes {
			writeMediaError(w, media.NewError(media.KindValidation, "uploaded object has %d bytes, expected %d", info.Size, record.SizeBytes))
			return
		}
	}

	status := media.StatusUploaded
	updated, err := h.Store.ApplyAssetUpdate(lessonID, media.Update{Status: &status})
	if err != nil {
		writeMediaError(w, err)
		return
	}
	_ = h.Sessions.Delete(ctx, sessionID)

	h.recorder().SessionCompleted(record.SizeBytes)
	h.requestLogger(r).Info("upload session completed",
		"session_id", sessionID, "size_bytes", record.SizeBytes)

	h.Dispatcher.Enqueue(lessonID)
	writeJSON(w, http.StatusOK, newAssetResponse(updated))
}

// validateCompletedParts enforces the contiguous 1..partCount contract before
// anything reaches the backend.
func validateCompletedParts(parts []completedPartRequest, partCount int) ([]objectstore.Part, error) {
	if len(parts) == 0 {
		return nil, media.NewError(media.KindValidation, "completed part list is required")
	}
	if len(parts) != partCount {
		return nil, media.NewError(media.KindValidation, "expected %d parts, got %d", partCount, len(parts))
	}
	seen := make(map[int]struct{}, len(parts))
	result := make([]objectstore.Part, 0, len(parts))
	for _, part := range parts {
		if part.PartNumber < 1 || part.PartNumber > partCount {
			return nil, media.NewError(media.KindValidation, "part number %d outside 1..%d", part.PartNumber, partCount)
		}
		if _, dup := seen[part.PartNumber]; dup {
			return nil, media.NewError(media.KindValidation, "duplicate part number %d", part.PartNumber)
		}
		if strings.TrimSpace(part.ETag) == "" {
			return nil, media.NewError(media.KindValidation, "part %d is missing its etag", part.PartNumber)
		}
		seen[part.PartNumber] = struct{}{}
		result = append(result, objectstore.Part{PartNumber: part.PartNumber, ETag: part.ETag})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PartNumber < result[j].PartNumber })
	return result, nil
}

func (h *Handler) abortSession(w http.ResponseWriter, r *http.Request, lessonID, sessionID string) {
	if _, ok := h.requireLesson(w, r, lessonID); !ok {
		return
	}

	asset, found := h.Store.GetAsset(lessonID)
	if found {
		switch asset.Status {
		case media.StatusUploaded, media.StatusProcessing, media.StatusCompleted:
			writeMediaError(w, media.NewError(media.KindStateConflict, "upload for lesson %s already finished", lessonID))
			return
		}
	}

	// An unknown session is treated as already released so retries stay
	// idempotent, but a record for another lesson must not be touchable from
	// this path.
	ctx := r.Context()
	record, known, err := h.Sessions.Get(ctx, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if known {
		if record.LessonID != lessonID {
			writeError(w, http.StatusNotFound, fmt.Errorf("upload session %s not found", sessionID))
			return
		}
		h.abandonBackendUpload(ctx, record)
		if err := h.Sessions.Delete(ctx, sessionID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	aborted := false
	if found && asset.Status == media.StatusUploading && asset.UploadSessionID != nil && *asset.UploadSessionID == sessionID {
		status := media.StatusPending
		if _, err := h.Store.ApplyAssetUpdate(lessonID, media.Update{Status: &status}); err != nil {
			writeMediaError(w, err)
			return
		}
		aborted = true
	}

	if aborted {
		h.recorder().SessionAborted()
		h.requestLogger(r).Info("upload session aborted", "session_id", sessionID)
	}
	w.WriteHeader(http.StatusNoContent)
}
