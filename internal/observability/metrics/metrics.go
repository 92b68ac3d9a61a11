package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// upload session lifecycle events, and processing dispatch. Concurrent
// writers coordinate via a RWMutex; the active session gauge is atomic.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	uploadEvents     map[string]uint64
	uploadBytes      uint64
	processingEvents map[string]uint64
	dispatchAttempts map[string]uint64
	dispatchFailures map[string]uint64
	activeSessions   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can record immediately.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		uploadEvents:     make(map[string]uint64),
		processingEvents: make(map[string]uint64),
		dispatchAttempts: make(map[string]uint64),
		dispatchFailures: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not need
// a dedicated instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by method,
// normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionCreated records a new upload session and raises the active gauge.
func (r *Recorder) SessionCreated() {
	r.incrementUploadEvent("created")
	r.activeSessions.Add(1)
}

// SessionCompleted records a finalized upload along with the bytes it moved
// and lowers the active gauge.
func (r *Recorder) SessionCompleted(bytes int64) {
	r.incrementUploadEvent("completed")
	r.mu.Lock()
	if bytes > 0 {
		r.uploadBytes += uint64(bytes)
	}
	r.mu.Unlock()
	r.decrementGauge(&r.activeSessions)
}

// SessionAborted records an aborted upload and lowers the active gauge.
func (r *Recorder) SessionAborted() {
	r.incrementUploadEvent("aborted")
	r.decrementGauge(&r.activeSessions)
}

// SessionSuperseded records a session replaced by a newer one for the same
// lesson and lowers the active gauge.
func (r *Recorder) SessionSuperseded() {
	r.incrementUploadEvent("superseded")
	r.decrementGauge(&r.activeSessions)
}

func (r *Recorder) incrementUploadEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.uploadEvents[normalized]++
	r.mu.Unlock()
}

// ObserveProcessingEvent records a processing lifecycle event such as
// "dispatched", "completed", "failed", or "progress_regressed".
func (r *Recorder) ObserveProcessingEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.processingEvents[normalized]++
	r.mu.Unlock()
}

// ObserveDispatchAttempt records a processor dispatch attempt keyed by
// operation name.
func (r *Recorder) ObserveDispatchAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.dispatchAttempts[op]++
	r.mu.Unlock()
}

// ObserveDispatchFailure records a failed processor dispatch. The caller
// should also record the attempt separately.
func (r *Recorder) ObserveDispatchFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.dispatchFailures[op]++
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of in-flight upload sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// UploadEventCounts returns a copy of the upload event counters for tests and
// reporting.
func (r *Recorder) UploadEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.uploadEvents))
	for k, v := range r.uploadEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.uploadEvents = make(map[string]uint64)
	r.uploadBytes = 0
	r.processingEvents = make(map[string]uint64)
	r.dispatchAttempts = make(map[string]uint64)
	r.dispatchFailures = make(map[string]uint64)
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with label sets sorted
// for stable scrapes.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	uploadEvents := sortedKeys(r.uploadEvents)
	processingEvents := sortedKeys(r.processingEvents)
	dispatchOperations := r.sortedDispatchOperations()

	fmt.Fprintln(w, "# HELP classreel_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE classreel_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "classreel_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP classreel_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE classreel_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "classreel_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP classreel_upload_sessions_total Upload session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE classreel_upload_sessions_total counter")
	for _, event := range uploadEvents {
		fmt.Fprintf(w, "classreel_upload_sessions_total{event=\"%s\"} %d\n", event, r.uploadEvents[event])
	}

	fmt.Fprintln(w, "# HELP classreel_upload_bytes_total Total bytes accepted through completed uploads")
	fmt.Fprintln(w, "# TYPE classreel_upload_bytes_total counter")
	fmt.Fprintf(w, "classreel_upload_bytes_total %d\n", r.uploadBytes)

	fmt.Fprintln(w, "# HELP classreel_active_upload_sessions Current number of in-flight upload sessions")
	fmt.Fprintln(w, "# TYPE classreel_active_upload_sessions gauge")
	fmt.Fprintf(w, "classreel_active_upload_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP classreel_processing_events_total Media processing lifecycle events by type")
	fmt.Fprintln(w, "# TYPE classreel_processing_events_total counter")
	for _, event := range processingEvents {
		fmt.Fprintf(w, "classreel_processing_events_total{event=\"%s\"} %d\n", event, r.processingEvents[event])
	}

	fmt.Fprintln(w, "# HELP classreel_dispatch_attempts_total Processor dispatch operations attempted by action")
	fmt.Fprintln(w, "# TYPE classreel_dispatch_attempts_total counter")
	for _, op := range dispatchOperations {
		fmt.Fprintf(w, "classreel_dispatch_attempts_total{operation=\"%s\"} %d\n", op, r.dispatchAttempts[op])
	}

	fmt.Fprintln(w, "# HELP classreel_dispatch_failures_total Processor dispatch failures by action")
	fmt.Fprintln(w, "# TYPE classreel_dispatch_failures_total counter")
	for _, op := range dispatchOperations {
		fmt.Fprintf(w, "classreel_dispatch_failures_total{operation=\"%s\"} %d\n", op, r.dispatchFailures[op])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedDispatchOperations() []string {
	seen := make(map[string]struct{}, len(r.dispatchAttempts)+len(r.dispatchFailures))
	for op := range r.dispatchAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.dispatchFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}
