// Package tracker polls the coordinator for a lesson's processing status
// until it reaches a terminal state or the polling budget runs out.
package tracker

import (
	"context"
	"log/slog"
	"time"

	"classreel-media/internal/apiclient"
	"classreel-media/internal/media"
)

type Config struct {
	Client   *apiclient.Client
	Interval time.Duration
	MaxWait  time.Duration
	Logger   *slog.Logger
}

const (
	defaultInterval = 3 * time.Second
	defaultMaxWait  = 30 * time.Minute
)

type Tracker struct {
	client   *apiclient.Client
	interval time.Duration
	maxWait  time.Duration
	logger   *slog.Logger
}

func New(cfg Config) *Tracker {
	tracker := &Tracker{
		client:   cfg.Client,
		interval: cfg.Interval,
		maxWait:  cfg.MaxWait,
		logger:   cfg.Logger,
	}
	if tracker.interval <= 0 {
		tracker.interval = defaultInterval
	}
	if tracker.maxWait <= 0 {
		tracker.maxWait = defaultMaxWait
	}
	if tracker.logger == nil {
		tracker.logger = slog.Default()
	}
	return tracker
}

// Track polls until the asset completes or fails. onUpdate, when non-nil,
// receives every observed status change. Reaching the polling ceiling
// returns a timeout error; the asset itself is left untouched server-side.
func (t *Tracker) Track(ctx context.Context, lessonID string, onUpdate func(apiclient.Asset)) (apiclient.Asset, error) {
	deadline := time.Now().Add(t.maxWait)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var (
		lastStatus   string
		lastProgress = -1
	)
	for {
		asset, err := t.client.Status(ctx, lessonID)
		if err != nil {
			if media.IsKind(err, media.KindTransientTransport) {
				t.logger.Warn("status poll failed, will retry", "lesson_id", lessonID, "error", err)
			} else {
				return apiclient.Asset{}, err
			}
		} else {
			if asset.Status != lastStatus || asset.ProcessingProgress != lastProgress {
				if asset.ProcessingProgress < lastProgress && asset.Status == lastStatus {
					t.logger.Warn("processing progress regressed",
						"lesson_id", lessonID, "recorded", lastProgress, "reported", asset.ProcessingProgress)
				}
				lastStatus = asset.Status
				lastProgress = asset.ProcessingProgress
				if onUpdate != nil {
					onUpdate(asset)
				}
			}
			switch asset.Status {
			case media.StatusCompleted:
				return asset, nil
			case media.StatusFailed:
				message := asset.ProcessingError
				if message == "" {
					message = "processing failed"
				}
				return asset, media.NewError(media.KindProcessingFailed, "%s", message)
			}
		}

		if time.Now().After(deadline) {
			return apiclient.Asset{}, media.NewError(media.KindTimeout,
				"lesson %s still %s after %s", lessonID, lastStatus, t.maxWait)
		}
		select {
		case <-ctx.Done():
			return apiclient.Asset{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
