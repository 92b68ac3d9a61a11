package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"classreel-media/internal/media"
	"classreel-media/internal/models"
	"classreel-media/internal/observability/metrics"
	"classreel-media/internal/session"
	"classreel-media/internal/storage"
	"classreel-media/internal/testsupport/objectstub"
)

const (
	creatorBearer      = "creator-token"
	otherCreatorBearer = "other-token"
	processorBearer    = "processor-token"
)

type testEnv struct {
	handler  *Handler
	mux      *http.ServeMux
	store    *storage.Storage
	sessions *session.MemoryStore
	backend  *objectstub.Backend
	metrics  *metrics.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	auth, err := NewTokenAuth([]string{
		creatorBearer + "=creator-1",
		otherCreatorBearer + "=creator-2",
	}, processorBearer)
	if err != nil {
		t.Fatalf("NewTokenAuth error: %v", err)
	}
	backend := objectstub.New()
	t.Cleanup(backend.Close)

	env := &testEnv{
		store:    store,
		sessions: session.NewMemoryStore(),
		backend:  backend,
		metrics:  metrics.New(),
	}
	env.handler = &Handler{
		Store:    store,
		Sessions: env.sessions,
		Backend:  backend,
		Auth:     auth,
		Upload:   UploadConfig{SingleThreshold: 1 << 20},
		Metrics:  env.metrics,
	}
	env.mux = http.NewServeMux()
	env.mux.HandleFunc("/healthz", env.handler.Health)
	env.mux.HandleFunc("/api/lessons", env.handler.Lessons)
	env.mux.HandleFunc("/api/lessons/", env.handler.LessonSubtree)
	env.mux.HandleFunc("/api/processing/lessons/", env.handler.ProcessingCallback)
	return env
}

func (env *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	env.mux.ServeHTTP(recorder, request)
	return recorder
}

func (env *testEnv) createLesson(t *testing.T, ownerID, title string) models.Lesson {
	t.Helper()
	lesson, err := env.store.CreateLesson(storage.CreateLessonParams{OwnerID: ownerID, Title: title})
	if err != nil {
		t.Fatalf("CreateLesson error: %v", err)
	}
	return lesson
}

func (env *testEnv) openSession(t *testing.T, lessonID string, sizeBytes int64) createSessionResponse {
	t.Helper()
	recorder := env.do(t, http.MethodPost, "/api/lessons/"+lessonID+"/upload/sessions", creatorBearer,
		createSessionRequest{Filename: "lecture.mp4", ContentType: "video/mp4", SizeBytes: sizeBytes})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create session status = %d, body %s", recorder.Code, recorder.Body)
	}
	var created createSessionResponse
	decodeBody(t, recorder, &created)
	return created
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(recorder.Body).Decode(dest); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func decodeAPIError(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	decodeBody(t, recorder, &payload)
	return payload.Error
}

// putBytes uploads data to a pre-signed URL and returns the backend's etag.
func putBytes(t *testing.T, url string, data []byte) string {
	t.Helper()
	request, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build PUT request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("PUT %s: %v", url, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("PUT %s status = %d", url, response.StatusCode)
	}
	return strings.Trim(response.Header.Get("ETag"), `"`)
}

func TestCreateSessionSingleStrategy(t *testing.T) {
	env := newTestEnv(t)
	lesson := env.createLesson(t, "creator-1", "Intro")

	created := env.openSession(t, lesson.ID, 11)
	if created.Strategy != "single" {
		t.Fatalf("strategy = %q, want single", created.Strategy)
	}
	if created.UploadURL == "" {
		t.Fatal("single strategy response is missing uploadUrl")
	}
	if created.PartCount != 1 {
		t.Fatalf("part count = %d, want 1", created.PartCount)
	}

	asset, ok := env.store.GetAsset(lesson.ID)
	if !ok || asset.Status != media.StatusUploading {
		t.Fatalf("asset after create = %+v, %v", asset, ok)
	}
	if asset.UploadSessionID == nil || *asset.UploadSessionID != created.SessionID {
		t.Fatalf("asset session id = %v, want %s", asset.UploadSessionID, created.SessionID)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	env := newTestEnv(t)
	lesson := env.createLesson(t, "creator-1", "Intro")
	path := "/api/lessons/" + lesson.ID + "/upload/sessions"

	cases := []struct {
		name string
		req  createSessionRequest
	}{
		{"missing filename", createSessionRequest{ContentType: "video/mp4", SizeBytes: 10}},
		{"zero size", createSessionRequest{Filename: "a.mp4", ContentType: "video/mp4"}},
		{"negative size", createSessionRequest{Filename: "a.mp4", ContentType: "video/mp4", SizeBytes: -1}},
		{"bad content type", createSessionRequest{Filename: "a.txt", ContentType: "text/plain", SizeBytes: 10}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := env.do(t, http.MethodPost, path, creatorBearer, tc.req)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%s)", recorder.Code, decodeAPIError(t, recorder))
			}
		})
	}
}

func TestCreateSessionEnforcesMaxFileSize(t *testing.T) {
	env := newTestEnv(t)
	env.handler.Upload.MaxFileSize = 1 << 20
	lesson := env.createLesson(t, "creator-1", "Intro")

	recorder := env.do(t, http.MethodPost, "/api/lessons/"+lesson.ID+"/upload/sessions", creatorBearer,
		createSessionRequest{Filename: "big.mp4", ContentType: "video/mp4", SizeBytes: 2 << 20})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestCreateSessionAuth(t *testing.T) {
	env := newTestEnv(t)
	lesson := env.createLesson(t, "creator-1", "Intro")
	path := "/api/lessons/" + lesson.ID + "/upload/sessions"
	req := createSessionRequest{Filename: "a.mp4", ContentType: "video/mp4", SizeBytes: 10}

	if recorder := env.do(t, http.MethodPost, path, "", req); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", recorder.Code)
	}
	if recorder := env.do(t, http.MethodPost, path, "bogus", req); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", recorder.Code)
	}
	if recorder := env.do(t, http.MethodPost, path, otherCreatorBearer, req); recorder.Code != http.StatusForbidden {
		t.Fatalf("wrong owner status = %d, want 403", recorder.Code)
	}
	if recorder := env.do(t, http.MethodPost, "/api/lessons/nope/upload/sessions", creatorBearer, req); recorder.Code != http.StatusNotFound {
		t.Fatalf("unknown lesson status = %d, want 404", recorder.Code)
	}
}

func TestMultipartUploadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	lesson := env.createLesson(t, "creator-1", "Intro")

	created := env.openSession(t, lesson.ID, 20<<20)
	if created.Strategy != "multipart" {
		t.Fatalf("strategy = %q, want multipart", created.Strategy)
	}
	if created.PartCount != 3 {
		t.Fatalf("part count = %d, want 3", created.PartCount)
	}

	base := "/api/lessons/" + lesson.ID + "/upload/sessions/" + created.SessionID
	var completed []completedPartRequest
	var want []byte
	for part := 1; part <= created.PartCount; part++ {
		recorder := env.do(t, http.MethodPost, fmt.Sprintf("%s/parts/%d/sign", base, part), creatorBearer, nil)
		if recorder.Code != http.StatusOK {
			t.Fatalf("sign part %d status = %d, body %s", part, recorder.Code, recorder.Body)
		}
		var signed signPartResponse
		decodeBody(t, recorder, &signed)

		data := []byte(fmt.Sprintf("part-%d-bytes", part))
		etag := putBytes(t, signed.URL, data)
		completed = append(completed, completedPartRequest{PartNumber: part, ETag: etag})
		want = append(want, data...)
	}

	recorder := env.do(t, http.MethodGet, base+"/parts", creatorBearer, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list parts status = %d", recorder.Code)
	}
	var listed struct {
		Parts []partResponse `json:"parts"`
	}
	decodeBody(t, recorder, &listed)
	if len(listed.Parts) != 3 {
		t.Fatalf("listed parts = %d, want 3", len(listed.Parts))
	}
	for i, part := range listed.Parts {
		if part.PartNumber != i+1 {
			t.Fatalf("parts not sorted: %+v", listed.Parts)
		}
	}

	recorder = env.do(t, http.MethodPost, base+"/complete", creatorBearer, completeSessionRequest{Parts: completed})
	if recorder.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", recorder.Code, recorder.Body)
	}
	var asset assetResponse
	decodeBody(t, recorder, &asset)
	if asset.Status != media.StatusUploaded {
		t.Fatalf("asset status = %q, want uploaded", asset.Status)
	}

	stored, ok := env.backend.Object(created.StorageKey)
	if !ok {
		t.Fatalf("object %s not assembled", created.StorageKey)
	}
	if !bytes.Equal(stored, want) {
		t.Fatalf("assembled object = %d bytes, want %d", len(stored), len(want))
	}
	if env.backend.UploadCount() != 0 {
		t.Fatalf("open uploads = %d, want 0", env.backend.UploadCount())
	}
	if _, found, _ := env.sessions.Get(context.Background(), created.SessionID); found {
		t.Fatal("session record survived completion")
	}
}

func TestSingleUploadComplete(t *testing.T) {
	env := newTestEnv(t)
	lesson := env.createLesson(t, "creator-1", "Intro")
	data := []byte("tiny lecture")

	created := env.openSession(t, lesson.ID, int64(len(data)))
	putBytes(t, created.UploadURL, data)

	base := "/api/lessons/" + lesson.ID + "/upload/sessions/" + created.SessionID
	recorder := env.do(t, http.MethodPost, base+"/complete", creatorBearer, completeSessionRequest{})
	if recorder.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body %s", recorder.Code, recorder.Body)
	}
}

func TestSingleUploadCompleteChecksSize(t *testing.T) {
	env := newTestEnv(t)
	lesson := env.createLesson(t, "creator-1", "Intro")

	created := env.openSession(t, lesson.ID, 100)
	putBytes(t, created.UploadURL, []byte("short"))

	base := "/api/lessons/" + lesson.ID + "/upload/sessions/" + created.SessionID
	recorder := env.do(t, http.MethodPost, base+"/complete", creatorBearer, completeSessionRequest{})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("complete status = %d, want 400", recorder.Code)
	}
}

func TestSignPartValidation(t *testing.T) {
	env := newTestEnv(t)
	lesson := env.createLesson(t, "creator-1", "Intro")
	created := env.openSession(t, lesson.ID, 20<<20)
	base := "/api/lessons/" + lesson.ID + "/upload/sessions/" + created.SessionID

	for _, part := range []string{"0", "4", "abc"} {
		recorder := env.do(t, http.MethodPost, base+"/parts/"+part+"/sign", creatorBearer, nil)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("sign part %s status = %d, want 400", part, recorder.Code)
		}
	}

	recorder := env.do(t, http.MethodPost, base+"x/parts/1/sign", creatorBearer, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", recorder.Code)
	}
}

func TestSignPartRejectsSingleSession(t *testing.T) {
	env := newTestEnv(t)
	lesson := env.createLesson(t, "creator-1", "Intro")
	created := env.openSession(t, lesson.ID, 11)

	base := "/api/lessons/" + lesson.ID + "/upload/sessions/" + created.SessionID
	recorder := env.do(t, http.MethodPost, base+"/parts/1/sign", creatorBearer, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}
}

func TestCompleteValidatesPartList(t *testing.T) {
	env := newTestEnv(t)
	lesson := env.createLesson(t, "creator-1", "Intro")
	created := env.openSession(t, lesson.ID, 20<<20)
	base := "/api/lessons/" + lesson.ID + "/upload/sessions/" + created.SessionID

	cases := []struct {
		name  string
		parts []completedPartRequest
	}{
		{"empty", nil},
		{"wrong count", []completedPartRequest{{PartNumber: 1, ETag: "a"}}},
		{"duplicate", []completedPartRequest{{PartNumber: 1, ETag: "a"}, {PartNumber: 1, ETag: "b"}, {PartNumber: 3, ETag: "c"}}},
		{"out of range", []completedPartRequest{{PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: "b"}, {PartNumber: 9, ETag: "c"}}},
		{"missing etag", []completedPartRequest{{PartNumber: 1, ETag: "a"}, {PartNumber: 2}, {PartNumber: 3, ETag: "c"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := env.do(t, http.MethodPost, base+"/complete", creatorBearer, completeSessionRequest{Parts: tc.parts})
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%s)", recorder.Code, decodeAPIError(t, recorder))
			}
		})
	}
	if env.backend.UploadCount() != 1 {
		t.Fatalf("backend upload should remain open, count = %d", env.backend.UploadCount())
	}
}

func TestNewSessionSupersedesActiveUpload(t *testing.T) {
	env := newTestEnv(t)
	lesson := env.createLesson(t, "creator-1", "Intro")

	first := env.openSession(t, lesson.ID, 20<<20)
	second := env.openSession(t, lesson.ID, 20<<20)
	if first.SessionID == second.SessionID {
		t.Fatal("expected a fresh session id")
	}

	if env.backend.UploadCount() != 1 {
		t.Fatalf("open backend uploads = %d, want 1 after supersede", env.backend.UploadCount())
	}
	if _, found, _ := env.sessions.Get(context.Background(), first.SessionID); found {
		t.Fatal("superseded session record still present")
	}

	asset, _ := env.store.GetAsset(lesson.ID)
	if asset.UploadSessionID == nil || *asset.UploadSessionID != second.SessionID {
		t.Fatalf("active session = %v, want %s", asset.UploadSessionID, second.SessionID)
	}

	// Completing against the superseded session must fail fast.
	base := "/api/lessons/" + lesson.ID + "/upload/sessions/" + first.SessionID
	recorder := env.do(t, http.MethodPost, base+"/complete", creatorBearer, completeSessionRequest{})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("stale complete status = %d, want 404", recorder.Code)
	}
}

func TestAbortSession(t *testing.T) {
	env := newTestEnv(t)
	lesson := env.createLesson(t, "creator-1", "Intro")
	created := env.openSession(t, lesson.ID, 20<<20)
	base := "/api/lessons/" + lesson.ID + "/upload/sessions/" + created.SessionID

	recorder := env.do(t, http.MethodPost, base+"/abort", creatorBearer, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("abort status = %d, want 204", recorder.Code)
	}
	asset, _ := env.store.GetAsset(lesson.ID)
	if asset.Status != media.StatusPending {
		t.Fatalf("asset status = %q, want pending", asset.Status)
	}
	if env.backend.UploadCount() != 0 {
		t.Fatalf("backend uploads = %d, want 0", env.backend.UploadCount())
	}

	// Aborting again is a no-op, not an error.
	recorder = env.do(t, http.MethodPost, base+"/abort", creatorBearer, nil)
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("second abort status = %d, want 204", recorder.Code)
	}
}

func TestAbortAfterCompletionConflicts(t *testing.T) {
	env := newTestEnv(t)
	lesson := env.createLesson(t, "creator-1", "Intro")
	data := []byte("tiny lecture")
	created := env.openSession(t, lesson.ID, int64(len(data)))
	putBytes(t, created.UploadURL, data)

	base := "/api/lessons/" + lesson.ID + "/upload/sessions/" + created.SessionID
	if recorder := env.do(t, http.MethodPost, base+"/complete", creatorBearer, completeSessionRequest{}); recorder.Code != http.StatusOK {
		t.Fatalf("complete status = %d", recorder.Code)
	}

	recorder := env.do(t, http.MethodPost, base+"/abort", creatorBearer, nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("abort status = %d, want 409", recorder.Code)
	}
}

func TestFreshSessionAllocatesNewStorageKey(t *testing.T) {
	env := newTestEnv(t)
	lesson := env.createLesson(t, "creator-1", "Intro")

	first := env.openSession(t, lesson.ID, 11)
	base := "/api/lessons/" + lesson.ID + "/upload/sessions/" + first.SessionID
	if recorder := env.do(t, http.MethodPost, base+"/abort", creatorBearer, nil); recorder.Code != http.StatusNoContent {
		t.Fatalf("abort status = %d, want 204", recorder.Code)
	}

	second := env.openSession(t, lesson.ID, 11)
	if second.StorageKey == first.StorageKey {
		t.Fatalf("fresh session reused storage key %q", second.StorageKey)
	}
	if !strings.HasSuffix(second.StorageKey, "/lecture.mp4") {
		t.Fatalf("storage key = %q, want filename slug suffix", second.StorageKey)
	}
}

func TestAbortSessionRejectsForeignLesson(t *testing.T) {
	env := newTestEnv(t)
	mine := env.createLesson(t, "creator-1", "Intro")
	theirs := env.createLesson(t, "creator-2", "Other course")
	created := env.openSession(t, mine.ID, 20<<20)

	path := "/api/lessons/" + theirs.ID + "/upload/sessions/" + created.SessionID + "/abort"
	recorder := env.do(t, http.MethodPost, path, otherCreatorBearer, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("foreign abort status = %d, want 404", recorder.Code)
	}

	if _, found, _ := env.sessions.Get(context.Background(), created.SessionID); !found {
		t.Fatal("foreign abort deleted the session record")
	}
	if env.backend.UploadCount() != 1 {
		t.Fatalf("open backend uploads = %d, want untouched upload", env.backend.UploadCount())
	}
	asset, _ := env.store.GetAsset(mine.ID)
	if asset.Status != media.StatusUploading {
		t.Fatalf("asset status = %q, want uploading", asset.Status)
	}
}

func TestSessionLogsCarryLessonID(t *testing.T) {
	env := newTestEnv(t)
	var logOutput bytes.Buffer
	env.handler.Logger = slog.New(slog.NewJSONHandler(&logOutput, nil))
	lesson := env.createLesson(t, "creator-1", "Intro")

	env.openSession(t, lesson.ID, 11)

	logged := logOutput.String()
	if !strings.Contains(logged, "upload session created") {
		t.Fatalf("session log missing:\n%s", logged)
	}
	if !strings.Contains(logged, `"lesson_id":"`+lesson.ID+`"`) {
		t.Fatalf("lesson id missing from log:\n%s", logged)
	}
}

func TestSessionMetrics(t *testing.T) {
	env := newTestEnv(t)
	lesson := env.createLesson(t, "creator-1", "Intro")
	data := []byte("tiny lecture")

	created := env.openSession(t, lesson.ID, int64(len(data)))
	if env.metrics.ActiveSessions() != 1 {
		t.Fatalf("active sessions = %d, want 1", env.metrics.ActiveSessions())
	}

	putBytes(t, created.UploadURL, data)
	base := "/api/lessons/" + lesson.ID + "/upload/sessions/" + created.SessionID
	if recorder := env.do(t, http.MethodPost, base+"/complete", creatorBearer, completeSessionRequest{}); recorder.Code != http.StatusOK {
		t.Fatalf("complete status = %d", recorder.Code)
	}
	if env.metrics.ActiveSessions() != 0 {
		t.Fatalf("active sessions = %d, want 0", env.metrics.ActiveSessions())
	}
}

func TestMethodNotAllowedOnSessionRoutes(t *testing.T) {
	env := newTestEnv(t)
	lesson := env.createLesson(t, "creator-1", "Intro")

	recorder := env.do(t, http.MethodGet, "/api/lessons/"+lesson.ID+"/upload/sessions", creatorBearer, nil)
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", recorder.Code)
	}
	if allow := recorder.Header().Get("Allow"); allow != "POST" {
		t.Fatalf("Allow = %q, want POST", allow)
	}
}
