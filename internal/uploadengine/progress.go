package uploadengine

import (
	"sync"
	"time"
)

// Progress is a point-in-time view of a running upload.
type Progress struct {
	UploadedBytes  int64
	TotalBytes     int64
	PartsDone      int
	PartCount      int
	BytesPerSecond float64
	// ETA is only meaningful when HasETA is true; early in an upload there
	// is not enough throughput history to estimate one.
	ETA    time.Duration
	HasETA bool
}

type sample struct {
	at    time.Time
	bytes int64
}

// progressMeter tracks uploaded bytes and derives throughput over a sliding
// window so a stalled connection shows up quickly instead of being averaged
// away.
type progressMeter struct {
	mu        sync.Mutex
	total     int64
	uploaded  int64
	partsDone int
	partCount int
	window    time.Duration
	samples   []sample
	now       func() time.Time
}

const defaultThroughputWindow = 5 * time.Second

func newProgressMeter(total int64, partCount int) *progressMeter {
	return &progressMeter{
		total:     total,
		partCount: partCount,
		window:    defaultThroughputWindow,
		now:       time.Now,
	}
}

func (m *progressMeter) add(bytes int64) {
	if bytes <= 0 {
		return
	}
	m.mu.Lock()
	m.uploaded += bytes
	m.record(m.uploaded)
	m.mu.Unlock()
}

// rollback removes a failed attempt's bytes from the uploaded total so the
// retry does not count the same range twice. Throughput samples are kept; the
// bytes really did cross the wire.
func (m *progressMeter) rollback(bytes int64) {
	if bytes <= 0 {
		return
	}
	m.mu.Lock()
	if bytes > m.uploaded {
		bytes = m.uploaded
	}
	m.uploaded -= bytes
	m.mu.Unlock()
}

// skip registers bytes already stored server-side (resumed parts) without
// counting them toward throughput.
func (m *progressMeter) skip(bytes int64) {
	if bytes <= 0 {
		return
	}
	m.mu.Lock()
	m.uploaded += bytes
	m.mu.Unlock()
}

func (m *progressMeter) partDone() {
	m.mu.Lock()
	m.partsDone++
	m.mu.Unlock()
}

func (m *progressMeter) record(uploaded int64) {
	now := m.now()
	m.samples = append(m.samples, sample{at: now, bytes: uploaded})
	cutoff := now.Add(-m.window)
	trimmed := 0
	for trimmed < len(m.samples)-1 && m.samples[trimmed].at.Before(cutoff) {
		trimmed++
	}
	m.samples = m.samples[trimmed:]
}

func (m *progressMeter) snapshot() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()

	progress := Progress{
		UploadedBytes: m.uploaded,
		TotalBytes:    m.total,
		PartsDone:     m.partsDone,
		PartCount:     m.partCount,
	}

	if len(m.samples) >= 2 {
		first := m.samples[0]
		last := m.samples[len(m.samples)-1]
		elapsed := last.at.Sub(first.at).Seconds()
		if elapsed > 0 {
			progress.BytesPerSecond = float64(last.bytes-first.bytes) / elapsed
		}
	}
	if progress.BytesPerSecond > 0 {
		remaining := m.total - m.uploaded
		if remaining > 0 {
			progress.ETA = time.Duration(float64(remaining) / progress.BytesPerSecond * float64(time.Second))
			progress.HasETA = true
		}
	}
	return progress
}
