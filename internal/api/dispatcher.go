package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"classreel-media/internal/media"
	"classreel-media/internal/observability/metrics"
	"classreel-media/internal/storage"
)

// ProcessorDispatcherConfig configures the worker pool that hands uploaded
// media to the external processor.
type ProcessorDispatcherConfig struct {
	Store      storage.Repository
	Endpoint   string
	Token      string
	Workers    int
	QueueSize  int
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// ProcessorDispatcher watches for uploaded assets and notifies the external
// media processor. Once the processor acknowledges a job the asset moves to
// processing; further progress arrives through the callback endpoint.
type ProcessorDispatcher struct {
	store    storage.Repository
	endpoint string
	token    string
	workers  int
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
	metrics  *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	queue chan string
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

const (
	defaultDispatchWorkers   = 2
	defaultDispatchQueueSize = 64
	defaultDispatchTimeout   = 30 * time.Second
)

func NewProcessorDispatcher(cfg ProcessorDispatcherConfig) *ProcessorDispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultDispatchWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultDispatchQueueSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessorDispatcher{
		store:    cfg.Store,
		endpoint: strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		token:    cfg.Token,
		workers:  workers,
		timeout:  timeout,
		client:   client,
		logger:   logger,
		metrics:  recorder,
		ctx:      ctx,
		cancel:   cancel,
		queue:    make(chan string, queueSize),
		inFlight: make(map[string]struct{}),
	}
}

func (d *ProcessorDispatcher) Start() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	go d.recoverPending()
}

func (d *ProcessorDispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules a lesson's uploaded media for dispatch. Safe on a nil
// dispatcher so handlers need no guard when dispatch is disabled.
func (d *ProcessorDispatcher) Enqueue(lessonID string) {
	if d == nil || strings.TrimSpace(lessonID) == "" {
		return
	}
	select {
	case <-d.ctx.Done():
		return
	default:
	}
	select {
	case d.queue <- lessonID:
	case <-d.ctx.Done():
	}
}

func (d *ProcessorDispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case lessonID := <-d.queue:
			if strings.TrimSpace(lessonID) == "" {
				continue
			}
			if !d.beginWork(lessonID) {
				continue
			}
			d.dispatch(lessonID)
			d.finishWork(lessonID)
		}
	}
}

func (d *ProcessorDispatcher) beginWork(lessonID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.inFlight[lessonID]; exists {
		return false
	}
	d.inFlight[lessonID] = struct{}{}
	return true
}

func (d *ProcessorDispatcher) finishWork(lessonID string) {
	d.mu.Lock()
	delete(d.inFlight, lessonID)
	d.mu.Unlock()
}

// recoverPending re-enqueues assets that were uploaded but never dispatched,
// typically after a restart.
func (d *ProcessorDispatcher) recoverPending() {
	if d.store == nil {
		return
	}
	for _, asset := range d.store.ListAssetsByStatus(media.StatusUploaded) {
		select {
		case <-d.ctx.Done():
			return
		default:
		}
		d.Enqueue(asset.LessonID)
	}
}

type processorJobRequest struct {
	LessonID    string `json:"lessonId"`
	AssetID     string `json:"assetId"`
	StorageKey  string `json:"storageKey"`
	ContentType string `json:"contentType,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
}

type processorJobResponse struct {
	JobID string `json:"jobId"`
}

func (d *ProcessorDispatcher) dispatch(lessonID string) {
	asset, found := d.store.GetAsset(lessonID)
	if !found || asset.Status != media.StatusUploaded {
		return
	}

	d.metrics.ObserveDispatchAttempt("submit_job")
	jobID, err := d.submitJob(asset.LessonID, processorJobRequest{
		LessonID:    asset.LessonID,
		AssetID:     asset.ID,
		StorageKey:  asset.StorageKey,
		ContentType: asset.ContentType,
		SizeBytes:   asset.SizeBytes,
	})
	if err != nil {
		d.metrics.ObserveDispatchFailure("submit_job")
		d.logger.Error("failed to dispatch processing job", "lesson_id", lessonID, "error", err)
		return
	}

	status := media.StatusProcessing
	update := media.Update{Status: &status}
	if jobID != "" {
		update.JobID = &jobID
	}
	if _, err := d.store.ApplyAssetUpdate(lessonID, update); err != nil {
		d.logger.Error("failed to mark asset processing", "lesson_id", lessonID, "error", err)
		return
	}
	d.metrics.ObserveProcessingEvent("dispatched")
	d.logger.Info("processing job dispatched", "lesson_id", lessonID, "job_id", jobID)
}

func (d *ProcessorDispatcher) submitJob(lessonID string, job processorJobRequest) (string, error) {
	if d.endpoint == "" {
		// No processor configured; jobs stay in uploaded until one is.
		return "", fmt.Errorf("processor endpoint not configured")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/jobs", d.endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit job for lesson %s: %w", lessonID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("processor rejected job for lesson %s: %s: %s", lessonID, resp.Status, strings.TrimSpace(string(body)))
	}

	var ack processorJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil && err != io.EOF {
		return "", fmt.Errorf("decode job ack: %w", err)
	}
	return ack.JobID, nil
}
