package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"classreel-media/internal/api"
	"classreel-media/internal/observability/metrics"
	"classreel-media/internal/session"
	"classreel-media/internal/storage"
	"classreel-media/internal/testsupport/objectstub"
)

func newTestServer(t *testing.T) (*Server, *metrics.Recorder) {
	t.Helper()
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	auth, err := api.NewTokenAuth([]string{"tok=creator-1"}, "")
	if err != nil {
		t.Fatalf("NewTokenAuth error: %v", err)
	}
	backend := objectstub.New()
	t.Cleanup(backend.Close)

	recorder := metrics.New()
	handler := &api.Handler{
		Store:    store,
		Sessions: session.NewMemoryStore(),
		Backend:  backend,
		Auth:     auth,
		Metrics:  recorder,
	}
	srv, err := New(handler, Config{Metrics: recorder})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return srv, recorder
}

func TestNewRequiresHandler(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	response := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(response, request)

	if response.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", response.Code)
	}
	var payload map[string]string
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("health = %q, want ok", payload["status"])
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	response := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(response, request)
	generated := response.Header().Get("X-Request-Id")
	if len(generated) != 32 {
		t.Fatalf("generated request id = %q, want 32 hex chars", generated)
	}

	request = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("X-Request-Id", "caller-supplied")
	response = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(response, request)
	if got := response.Header().Get("X-Request-Id"); got != "caller-supplied" {
		t.Fatalf("request id = %q, want caller value preserved", got)
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	for i := 0; i < 2; i++ {
		request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		srv.httpServer.Handler.ServeHTTP(httptest.NewRecorder(), request)
	}

	request := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	response := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", response.Code)
	}
	if !strings.Contains(response.Body.String(), `classreel_http_requests_total{method="GET",path="/healthz",status="200"} 2`) {
		t.Fatalf("metrics exposition missing healthz counter:\n%s", response.Body.String())
	}
}

func TestRequestLogIncludesRequestID(t *testing.T) {
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	auth, err := api.NewTokenAuth(nil, "")
	if err != nil {
		t.Fatalf("NewTokenAuth error: %v", err)
	}
	backend := objectstub.New()
	t.Cleanup(backend.Close)

	var logOutput bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logOutput, nil))
	handler := &api.Handler{
		Store:    store,
		Sessions: session.NewMemoryStore(),
		Backend:  backend,
		Auth:     auth,
		Metrics:  metrics.New(),
	}
	srv, err := New(handler, Config{Logger: logger, Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	request.Header.Set("X-Request-Id", "req-test-1")
	srv.httpServer.Handler.ServeHTTP(httptest.NewRecorder(), request)

	logged := logOutput.String()
	if !strings.Contains(logged, "request completed") {
		t.Fatalf("access log missing:\n%s", logged)
	}
	if !strings.Contains(logged, "req-test-1") {
		t.Fatalf("request id missing from log:\n%s", logged)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	request := httptest.NewRequest(http.MethodGet, "/api/unknown", nil)
	response := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(response, request)
	if response.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", response.Code)
	}
}
