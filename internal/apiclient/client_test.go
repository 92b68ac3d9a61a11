package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"classreel-media/internal/media"
)

func TestCreateSessionRequestShape(t *testing.T) {
	var (
		gotPath   string
		gotAuth   string
		gotMethod string
		gotBody   CreateSessionRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Session{SessionID: "sess-1", Strategy: "multipart", PartSize: 8 << 20, PartCount: 3})
	}))
	defer server.Close()

	client := New(server.URL+"/", "secret")
	session, err := client.CreateSession(context.Background(), "lesson-1", CreateSessionRequest{
		Filename: "clip.mp4", ContentType: "video/mp4", SizeBytes: 20 << 20,
	})
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/lessons/lesson-1/upload/sessions" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotBody.Filename != "clip.mp4" || gotBody.SizeBytes != 20<<20 {
		t.Fatalf("body = %+v", gotBody)
	}
	if session.SessionID != "sess-1" || session.PartCount != 3 {
		t.Fatalf("session = %+v", session)
	}
}

func TestClientMapsStatusToKind(t *testing.T) {
	cases := []struct {
		status int
		kind   media.Kind
	}{
		{http.StatusBadRequest, media.KindValidation},
		{http.StatusUnauthorized, media.KindAuthorization},
		{http.StatusForbidden, media.KindAuthorization},
		{http.StatusNotFound, media.KindNotFound},
		{http.StatusConflict, media.KindStateConflict},
		{http.StatusBadGateway, media.KindBackendRejected},
		{http.StatusServiceUnavailable, media.KindTransientTransport},
		{http.StatusInternalServerError, media.KindTransientTransport},
		{http.StatusTeapot, media.KindValidation},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
		}))
		client := New(server.URL, "tok")
		_, err := client.Status(context.Background(), "lesson-1")
		server.Close()
		if !media.IsKind(err, tc.kind) {
			t.Fatalf("status %d mapped to %q, want %q", tc.status, media.KindOf(err), tc.kind)
		}
	}
}

func TestClientSurfacesServerErrorMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "session sess-1 is no longer the active upload"})
	}))
	defer server.Close()

	client := New(server.URL, "tok")
	_, err := client.Complete(context.Background(), "lesson-1", "sess-1", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); !strings.Contains(got, "no longer the active upload") {
		t.Fatalf("error = %q, want server message included", got)
	}
}

func TestClientUnreachableIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	client := New(server.URL, "tok")
	_, err := client.Status(context.Background(), "lesson-1")
	if !media.IsKind(err, media.KindTransientTransport) {
		t.Fatalf("error = %v, want transient transport", err)
	}
}

func TestClientCancelledContextWins(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := New(server.URL, "tok")
	_, err := client.Status(ctx, "lesson-1")
	if err != context.Canceled {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
