// Package uploadengine drives a file through an upload session: it plans
// with the coordinator, moves parts to pre-signed URLs with bounded
// concurrency and retries, reports progress, and resumes interrupted
// sessions from the coordinator's part listing.
package uploadengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"classreel-media/internal/apiclient"
	"classreel-media/internal/media"
	"classreel-media/internal/planner"
)

type Config struct {
	Client         *apiclient.Client
	MaxFileSize    int64
	AllowedTypes   []string
	Concurrency    int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
	StateDir       string
}

const (
	defaultConcurrency    = 3
	defaultMaxAttempts    = 4
	defaultRetryBaseDelay = 500 * time.Millisecond
)

type Engine struct {
	client         *apiclient.Client
	maxFileSize    int64
	allowedTypes   []string
	concurrency    int
	maxAttempts    int
	retryBaseDelay time.Duration
	httpClient     *http.Client
	logger         *slog.Logger
	state          *stateFile
}

func New(cfg Config) *Engine {
	engine := &Engine{
		client:         cfg.Client,
		maxFileSize:    cfg.MaxFileSize,
		allowedTypes:   cfg.AllowedTypes,
		concurrency:    cfg.Concurrency,
		maxAttempts:    cfg.MaxAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
		httpClient:     cfg.HTTPClient,
		logger:         cfg.Logger,
		state:          newStateFile(cfg.StateDir),
	}
	if engine.concurrency <= 0 {
		engine.concurrency = defaultConcurrency
	}
	if engine.maxAttempts <= 0 {
		engine.maxAttempts = defaultMaxAttempts
	}
	if engine.retryBaseDelay <= 0 {
		engine.retryBaseDelay = defaultRetryBaseDelay
	}
	if engine.httpClient == nil {
		engine.httpClient = &http.Client{}
	}
	if engine.logger == nil {
		engine.logger = slog.Default()
	}
	return engine
}

// Result summarises a finished upload.
type Result struct {
	LessonID      string
	SessionID     string
	Strategy      string
	BytesUploaded int64
	ResumedParts  int
	Duration      time.Duration
	Asset         apiclient.Asset
}

// Upload moves the file into the lesson's media slot. onProgress, when
// non-nil, receives periodic snapshots. A cancelled context aborts the
// session server-side; any other failure leaves it resumable.
func (e *Engine) Upload(ctx context.Context, lessonID, filePath string, onProgress func(Progress)) (Result, error) {
	start := time.Now()

	info, err := os.Stat(filePath)
	if err != nil {
		return Result{}, media.WrapError(media.KindValidation, "stat upload file", err)
	}
	size := info.Size()
	if size <= 0 {
		return Result{}, media.NewError(media.KindValidation, "file %s is empty", filePath)
	}
	if e.maxFileSize > 0 && size > e.maxFileSize {
		return Result{}, media.NewError(media.KindValidation, "file is %d bytes, limit is %d", size, e.maxFileSize)
	}
	contentType := detectContentType(filePath)
	if !e.typeAllowed(contentType) {
		return Result{}, media.NewError(media.KindValidation, "content type %q is not accepted", contentType)
	}

	session, resumed, err := e.openSession(ctx, lessonID, filePath, info, contentType)
	if err != nil {
		return Result{}, err
	}

	meter := newProgressMeter(size, session.PartCount)
	stopReporting := e.startReporting(meter, onProgress)
	defer stopReporting()

	var (
		result Result
		runErr error
	)
	if session.Strategy == string(planner.StrategySingle) {
		result, runErr = e.uploadSingle(ctx, lessonID, filePath, size, contentType, session, meter)
	} else {
		result, runErr = e.uploadMultipart(ctx, lessonID, filePath, size, session, meter, resumed)
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			e.abortCancelled(lessonID, filePath, session.SessionID)
		}
		return Result{}, runErr
	}

	e.state.clear(lessonID, filePath)
	stopReporting()
	if onProgress != nil {
		onProgress(meter.snapshot())
	}

	result.LessonID = lessonID
	result.SessionID = session.SessionID
	result.Strategy = session.Strategy
	result.Duration = time.Since(start)
	return result, nil
}

func (e *Engine) typeAllowed(contentType string) bool {
	if len(e.allowedTypes) == 0 {
		return strings.HasPrefix(contentType, "video/")
	}
	for _, allowed := range e.allowedTypes {
		if strings.EqualFold(strings.TrimSpace(allowed), contentType) {
			return true
		}
	}
	return false
}

func detectContentType(filePath string) string {
	if contentType := mime.TypeByExtension(filepath.Ext(filePath)); contentType != "" {
		if base, _, err := mime.ParseMediaType(contentType); err == nil {
			return base
		}
		return contentType
	}
	return "application/octet-stream"
}

// openSession reuses a stored multipart session for the same file when the
// coordinator still knows it, otherwise creates a fresh one. Single-request
// sessions are never persisted: their pre-signed URL lives only in the create
// response, so there is nothing usable to come back to.
func (e *Engine) openSession(ctx context.Context, lessonID, filePath string, info os.FileInfo, contentType string) (apiclient.Session, bool, error) {
	if state, ok := e.state.load(lessonID, filePath); ok {
		if state.Strategy == string(planner.StrategyMultipart) && state.matches(info.Size(), info.ModTime()) && state.LessonID == lessonID {
			if _, err := e.client.ListParts(ctx, lessonID, state.SessionID); err == nil {
				e.logger.Info("resuming upload session",
					"lesson_id", lessonID, "session_id", state.SessionID)
				return apiclient.Session{
					SessionID:  state.SessionID,
					Strategy:   state.Strategy,
					PartSize:   state.PartSize,
					PartCount:  state.PartCount,
					StorageKey: state.StorageKey,
				}, true, nil
			} else if !media.IsKind(err, media.KindNotFound) {
				return apiclient.Session{}, false, err
			}
		}
		e.state.clear(lessonID, filePath)
	}

	session, err := e.client.CreateSession(ctx, lessonID, apiclient.CreateSessionRequest{
		Filename:    filepath.Base(filePath),
		ContentType: contentType,
		SizeBytes:   info.Size(),
	})
	if err != nil {
		return apiclient.Session{}, false, err
	}

	if session.Strategy == string(planner.StrategyMultipart) {
		if err := e.state.save(lessonID, filePath, resumeState{
			SessionID:   session.SessionID,
			LessonID:    lessonID,
			Strategy:    session.Strategy,
			PartSize:    session.PartSize,
			PartCount:   session.PartCount,
			StorageKey:  session.StorageKey,
			FileSize:    info.Size(),
			FileModTime: info.ModTime(),
		}); err != nil {
			e.logger.Warn("failed to persist upload state", "error", err)
		}
	}
	return session, false, nil
}

func (e *Engine) startReporting(meter *progressMeter, onProgress func(Progress)) func() {
	if onProgress == nil {
		return func() {}
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				onProgress(meter.snapshot())
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (e *Engine) uploadSingle(ctx context.Context, lessonID, filePath string, size int64, contentType string, session apiclient.Session, meter *progressMeter) (Result, error) {
	if session.UploadURL == "" {
		return Result{}, media.NewError(media.KindValidation, "session %s has no upload url", session.SessionID)
	}

	err := e.withRetries(ctx, "upload file", func(attempt int) error {
		file, err := os.Open(filePath)
		if err != nil {
			return terminalError(media.WrapError(media.KindValidation, "open upload file", err))
		}
		defer file.Close()
		reader := &progressReader{r: file, meter: meter}
		_, putErr := e.put(ctx, session.UploadURL, contentType, reader, size)
		if putErr != nil {
			meter.rollback(reader.count)
		}
		return putErr
	})
	if err != nil {
		return Result{}, err
	}
	meter.partDone()

	asset, err := e.client.Complete(ctx, lessonID, session.SessionID, nil)
	if err != nil {
		return Result{}, err
	}
	return Result{BytesUploaded: size, Asset: asset}, nil
}

func (e *Engine) uploadMultipart(ctx context.Context, lessonID, filePath string, size int64, session apiclient.Session, meter *progressMeter, resumed bool) (Result, error) {
	plan := planner.Plan{
		Strategy:  planner.StrategyMultipart,
		PartSize:  session.PartSize,
		PartCount: session.PartCount,
	}

	completed := make(map[int]string, session.PartCount)
	var completedMu sync.Mutex
	resumedParts := 0

	if resumed {
		stored, err := e.client.ListParts(ctx, lessonID, session.SessionID)
		if err != nil {
			return Result{}, err
		}
		for _, part := range stored {
			_, length := plan.PartRange(part.PartNumber, size)
			if part.PartNumber < 1 || part.PartNumber > session.PartCount || part.SizeBytes != length {
				continue
			}
			completed[part.PartNumber] = part.ETag
			meter.skip(part.SizeBytes)
			meter.partDone()
			resumedParts++
		}
	}

	file, err := os.Open(filePath)
	if err != nil {
		return Result{}, media.WrapError(media.KindValidation, "open upload file", err)
	}
	defer file.Close()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.concurrency)

	var uploadedBytes int64
	for partNumber := 1; partNumber <= session.PartCount; partNumber++ {
		completedMu.Lock()
		_, done := completed[partNumber]
		completedMu.Unlock()
		if done {
			continue
		}

		partNumber := partNumber
		group.Go(func() error {
			offset, length := plan.PartRange(partNumber, size)
			etag, err := e.uploadPart(groupCtx, lessonID, session.SessionID, partNumber, file, offset, length, meter)
			if err != nil {
				return err
			}
			completedMu.Lock()
			completed[partNumber] = etag
			uploadedBytes += length
			completedMu.Unlock()
			meter.partDone()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, err
	}

	parts := make([]apiclient.CompletedPart, 0, len(completed))
	for partNumber, etag := range completed {
		parts = append(parts, apiclient.CompletedPart{PartNumber: partNumber, ETag: etag})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	asset, err := e.client.Complete(ctx, lessonID, session.SessionID, parts)
	if err != nil {
		return Result{}, err
	}
	return Result{BytesUploaded: uploadedBytes, ResumedParts: resumedParts, Asset: asset}, nil
}

// uploadPart signs and uploads one part. Each attempt requests a fresh URL,
// so an expired signature heals on retry.
func (e *Engine) uploadPart(ctx context.Context, lessonID, sessionID string, partNumber int, file *os.File, offset, length int64, meter *progressMeter) (string, error) {
	var etag string
	err := e.withRetries(ctx, fmt.Sprintf("upload part %d", partNumber), func(attempt int) error {
		url, err := e.client.SignPart(ctx, lessonID, sessionID, partNumber)
		if err != nil {
			if media.IsKind(err, media.KindTransientTransport) {
				return err
			}
			return terminalError(err)
		}
		reader := &progressReader{r: io.NewSectionReader(file, offset, length), meter: meter}
		received, err := e.put(ctx, url, "", reader, length)
		if err != nil {
			meter.rollback(reader.count)
			return err
		}
		etag = received
		return nil
	})
	if err != nil {
		return "", err
	}
	return etag, nil
}

// put performs one pre-signed PUT and returns the backend's ETag.
func (e *Engine) put(ctx context.Context, url, contentType string, body io.Reader, length int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return "", terminalError(fmt.Errorf("build part request: %w", err))
	}
	req.ContentLength = length
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", terminalError(ctx.Err())
		}
		return "", media.WrapError(media.KindTransientTransport, "storage backend unreachable", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return strings.Trim(resp.Header.Get("ETag"), `"`), nil
	case resp.StatusCode == http.StatusForbidden:
		// Signature expired or revoked; the next attempt re-signs.
		return "", media.NewError(media.KindBackendRejected, "storage backend refused signature: %s", resp.Status)
	case resp.StatusCode >= 500:
		return "", media.NewError(media.KindTransientTransport, "storage backend error: %s", resp.Status)
	default:
		return "", terminalError(media.NewError(media.KindBackendRejected, "storage backend rejected upload: %s", resp.Status))
	}
}

// terminal wraps errors that must not be retried.
type terminal struct{ err error }

func (t terminal) Error() string { return t.err.Error() }
func (t terminal) Unwrap() error { return t.err }

func terminalError(err error) error { return terminal{err: err} }

// withRetries runs op up to the attempt budget with exponential backoff,
// stopping early on terminal errors and context cancellation.
func (e *Engine) withRetries(ctx context.Context, what string, op func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(attempt)
		if err == nil {
			return nil
		}
		var stop terminal
		if errors.As(err, &stop) {
			return stop.err
		}
		lastErr = err
		if attempt < e.maxAttempts {
			delay := e.retryBaseDelay << (attempt - 1)
			e.logger.Warn("retrying after failure",
				"operation", what, "attempt", attempt, "delay", delay.String(), "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return media.WrapError(media.KindUploadFailed, fmt.Sprintf("%s: retry budget exhausted", what), lastErr)
}

// abortCancelled releases the session after a user cancellation. Best effort
// with a short deadline; the coordinator's TTL reaps anything left behind.
func (e *Engine) abortCancelled(lessonID, filePath, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.client.Abort(ctx, lessonID, sessionID); err != nil {
		e.logger.Warn("failed to abort cancelled session",
			"lesson_id", lessonID, "session_id", sessionID, "error", err)
		return
	}
	e.state.clear(lessonID, filePath)
	e.logger.Info("upload cancelled and session aborted",
		"lesson_id", lessonID, "session_id", sessionID)
}

type progressReader struct {
	r     io.Reader
	meter *progressMeter
	count int64
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.count += int64(n)
		pr.meter.add(int64(n))
	}
	return n, err
}
