// Package planner decides how a file of a given size is moved into object
// storage: one direct PUT for small files, or a multipart session with a
// part size scaled to keep the part count manageable.
package planner

import "fmt"

// Strategy selects between a single pre-signed PUT and a multipart session.
type Strategy string

const (
	StrategySingle    Strategy = "single"
	StrategyMultipart Strategy = "multipart"
)

const (
	// DefaultSingleThreshold is the largest file uploaded as one PUT.
	DefaultSingleThreshold = 100 << 20

	// MinPartSize is the smallest part most S3-compatible backends accept
	// for any part other than the last.
	MinPartSize = 5 << 20

	basePartSize   = 8 << 20
	mediumPartSize = 16 << 20
	largePartSize  = 32 << 20

	mediumFileThreshold = 1 << 30
	largeFileThreshold  = 5 << 30

	// maxPartCount matches the S3 multipart limit of 10,000 parts.
	maxPartCount = 10000
)

// Plan is the deterministic outcome of Compute.
type Plan struct {
	Strategy  Strategy
	PartSize  int64
	PartCount int
}

// Compute derives an upload plan for a file. threshold <= 0 selects
// DefaultSingleThreshold. The only rejected input is a non-positive size.
func Compute(fileSize, threshold int64) (Plan, error) {
	if fileSize <= 0 {
		return Plan{}, fmt.Errorf("file size must be positive, got %d", fileSize)
	}
	if threshold <= 0 {
		threshold = DefaultSingleThreshold
	}
	if fileSize <= threshold {
		return Plan{Strategy: StrategySingle, PartSize: fileSize, PartCount: 1}, nil
	}

	partSize := int64(basePartSize)
	switch {
	case fileSize > largeFileThreshold:
		partSize = largePartSize
	case fileSize > mediumFileThreshold:
		partSize = mediumPartSize
	}
	// Grow the part size further if the backend's part-count ceiling would
	// otherwise be exceeded, rounding up to a whole MiB.
	if minSize := ceilDiv(fileSize, maxPartCount); minSize > partSize {
		partSize = ceilDiv(minSize, 1<<20) << 20
	}
	if partSize < MinPartSize {
		partSize = MinPartSize
	}

	return Plan{
		Strategy:  StrategyMultipart,
		PartSize:  partSize,
		PartCount: int(ceilDiv(fileSize, partSize)),
	}, nil
}

// PartRange returns the byte offset and length of a 1-based part within a
// file of the given size.
func (p Plan) PartRange(partNumber int, fileSize int64) (offset, length int64) {
	offset = int64(partNumber-1) * p.PartSize
	length = p.PartSize
	if remaining := fileSize - offset; remaining < length {
		length = remaining
	}
	return offset, length
}

func ceilDiv(value, divisor int64) int64 {
	return (value + divisor - 1) / divisor
}
