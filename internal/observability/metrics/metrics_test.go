package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestRecorderWriteExposition(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/api/lessons/0123456789abcdef0123456789abcdef/media/status", 200, 50*time.Millisecond)
	recorder.SessionCreated()
	recorder.SessionCompleted(2048)
	recorder.ObserveProcessingEvent("dispatched")
	recorder.ObserveDispatchAttempt("submit_job")
	recorder.ObserveDispatchFailure("submit_job")

	var out strings.Builder
	recorder.Write(&out)
	exposition := out.String()

	for _, want := range []string{
		`classreel_http_requests_total{method="GET",path="/api/lessons/:id/media/status",status="200"} 1`,
		`classreel_upload_sessions_total{event="completed"} 1`,
		`classreel_upload_sessions_total{event="created"} 1`,
		`classreel_upload_bytes_total 2048`,
		`classreel_active_upload_sessions 0`,
		`classreel_processing_events_total{event="dispatched"} 1`,
		`classreel_dispatch_attempts_total{operation="submit_job"} 1`,
		`classreel_dispatch_failures_total{operation="submit_job"} 1`,
	} {
		if !strings.Contains(exposition, want) {
			t.Fatalf("exposition missing %q:\n%s", want, exposition)
		}
	}
}

func TestActiveSessionsGaugeNeverNegative(t *testing.T) {
	recorder := New()
	recorder.SessionAborted()
	recorder.SessionSuperseded()
	if got := recorder.ActiveSessions(); got != 0 {
		t.Fatalf("gauge = %d, want floor at 0", got)
	}

	recorder.SessionCreated()
	recorder.SessionCreated()
	recorder.SessionCompleted(10)
	if got := recorder.ActiveSessions(); got != 1 {
		t.Fatalf("gauge = %d, want 1", got)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/", "/"},
		{"", "/"},
		{"/healthz", "/healthz"},
		{"/api/lessons", "/api/lessons"},
		{"/api/lessons/0123456789abcdef0123456789abcdef", "/api/lessons/:id"},
		{"/api/lessons/lesson123/media/status", "/api/lessons/:id/media/status"},
		{"/api/lessons/abc/upload/sessions/", "/api/lessons/abc/upload/sessions"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.path); got != tc.want {
			t.Fatalf("normalizePath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestUploadEventCountsIsACopy(t *testing.T) {
	recorder := New()
	recorder.SessionCreated()
	counts := recorder.UploadEventCounts()
	counts["created"] = 99
	if recorder.UploadEventCounts()["created"] != 1 {
		t.Fatal("mutating the returned map leaked into the recorder")
	}
}
