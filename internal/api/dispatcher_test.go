package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"classreel-media/internal/media"
	"classreel-media/internal/observability/metrics"
	"classreel-media/internal/storage"
)

type processorStub struct {
	mu        sync.Mutex
	jobs      []processorJobRequest
	rejectAll bool
}

func (p *processorStub) handler(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejectAll {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
		return
	}
	var job processorJobRequest
	_ = json.NewDecoder(r.Body).Decode(&job)
	p.jobs = append(p.jobs, job)
	_ = json.NewEncoder(w).Encode(processorJobResponse{JobID: "job-42"})
}

func (p *processorStub) jobCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

func uploadedAsset(t *testing.T, store *storage.Storage) string {
	t.Helper()
	lesson, err := store.CreateLesson(storage.CreateLessonParams{OwnerID: "creator-1", Title: "Intro"})
	if err != nil {
		t.Fatalf("CreateLesson error: %v", err)
	}
	if _, err := store.EnsureAsset(lesson.ID); err != nil {
		t.Fatalf("EnsureAsset error: %v", err)
	}
	for _, status := range []string{media.StatusUploading, media.StatusUploaded} {
		status := status
		if _, err := store.ApplyAssetUpdate(lesson.ID, media.Update{Status: &status}); err != nil {
			t.Fatalf("ApplyAssetUpdate(%s) error: %v", status, err)
		}
	}
	return lesson.ID
}

func waitForStatus(t *testing.T, store *storage.Storage, lessonID, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if asset, ok := store.GetAsset(lessonID); ok && asset.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	asset, _ := store.GetAsset(lessonID)
	t.Fatalf("asset status = %q, want %q", asset.Status, want)
}

func TestDispatcherSubmitsJobAndMarksProcessing(t *testing.T) {
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	stub := &processorStub{}
	server := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer server.Close()

	dispatcher := NewProcessorDispatcher(ProcessorDispatcherConfig{
		Store:    store,
		Endpoint: server.URL,
		Token:    "proc-secret",
		Workers:  1,
		Metrics:  metrics.New(),
	})
	dispatcher.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = dispatcher.Shutdown(ctx)
	}()

	lessonID := uploadedAsset(t, store)
	dispatcher.Enqueue(lessonID)
	waitForStatus(t, store, lessonID, media.StatusProcessing)

	asset, _ := store.GetAsset(lessonID)
	if asset.ProcessingJobID != "job-42" {
		t.Fatalf("job id = %q, want job-42", asset.ProcessingJobID)
	}
	if stub.jobCount() != 1 {
		t.Fatalf("jobs submitted = %d, want 1", stub.jobCount())
	}
	stub.mu.Lock()
	job := stub.jobs[0]
	stub.mu.Unlock()
	if job.LessonID != lessonID || job.AssetID != asset.ID {
		t.Fatalf("job payload = %+v", job)
	}
}

func TestDispatcherLeavesAssetUploadedOnRejection(t *testing.T) {
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	stub := &processorStub{rejectAll: true}
	server := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer server.Close()

	recorder := metrics.New()
	dispatcher := NewProcessorDispatcher(ProcessorDispatcherConfig{
		Store:    store,
		Endpoint: server.URL,
		Workers:  1,
		Metrics:  recorder,
	})
	dispatcher.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = dispatcher.Shutdown(ctx)
	}()

	lessonID := uploadedAsset(t, store)
	dispatcher.Enqueue(lessonID)

	// Give the worker time to fail; the asset must stay uploaded for a later
	// recovery pass.
	time.Sleep(100 * time.Millisecond)
	asset, _ := store.GetAsset(lessonID)
	if asset.Status != media.StatusUploaded {
		t.Fatalf("asset status = %q, want uploaded", asset.Status)
	}
}

func TestDispatcherRecoversPendingOnStart(t *testing.T) {
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	lessonID := uploadedAsset(t, store)

	stub := &processorStub{}
	server := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer server.Close()

	dispatcher := NewProcessorDispatcher(ProcessorDispatcherConfig{
		Store:    store,
		Endpoint: server.URL,
		Workers:  1,
		Metrics:  metrics.New(),
	})
	dispatcher.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = dispatcher.Shutdown(ctx)
	}()

	waitForStatus(t, store, lessonID, media.StatusProcessing)
}

func TestDispatcherNilSafe(t *testing.T) {
	var dispatcher *ProcessorDispatcher
	dispatcher.Enqueue("lesson-1")
	dispatcher.Start()
	if err := dispatcher.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown error: %v", err)
	}
}

func TestDispatcherSkipsNonUploadedAssets(t *testing.T) {
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	lesson, err := store.CreateLesson(storage.CreateLessonParams{OwnerID: "creator-1", Title: "Intro"})
	if err != nil {
		t.Fatalf("CreateLesson error: %v", err)
	}
	if _, err := store.EnsureAsset(lesson.ID); err != nil {
		t.Fatalf("EnsureAsset error: %v", err)
	}

	stub := &processorStub{}
	server := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer server.Close()

	dispatcher := NewProcessorDispatcher(ProcessorDispatcherConfig{
		Store:    store,
		Endpoint: server.URL,
		Workers:  1,
		Metrics:  metrics.New(),
	})
	dispatcher.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = dispatcher.Shutdown(ctx)
	}()

	dispatcher.Enqueue(lesson.ID)
	time.Sleep(50 * time.Millisecond)
	if stub.jobCount() != 0 {
		t.Fatalf("jobs submitted = %d for a pending asset, want 0", stub.jobCount())
	}
	asset, _ := store.GetAsset(lesson.ID)
	if asset.Status != media.StatusPending {
		t.Fatalf("asset status = %q, want pending", asset.Status)
	}
}
