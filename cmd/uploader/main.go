// Command uploader pushes a video file into a lesson and waits for the
// processing pipeline to finish.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"classreel-media/internal/apiclient"
	"classreel-media/internal/media"
	"classreel-media/internal/observability/logging"
	"classreel-media/internal/tracker"
	"classreel-media/internal/uploadengine"
)

func main() {
	apiURL := flag.String("api", "", "coordinator base URL")
	token := flag.String("token", "", "creator bearer token")
	lessonID := flag.String("lesson", "", "lesson to attach the upload to")
	filePath := flag.String("file", "", "video file to upload")
	stateDir := flag.String("state-dir", "", "directory for resumable upload state")
	concurrency := flag.Int("concurrency", 0, "parallel part uploads")
	maxAttempts := flag.Int("max-attempts", 0, "attempts per part before giving up")
	noWait := flag.Bool("no-wait", false, "exit after upload without waiting for processing")
	pollInterval := flag.Duration("poll-interval", 0, "processing status poll interval")
	maxWait := flag.Duration("max-wait", 0, "how long to wait for processing before timing out")
	logLevel := flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CLASSREEL_LOG_LEVEL")),
		Format: "text",
		Writer: os.Stderr,
	})

	baseURL := firstNonEmpty(*apiURL, os.Getenv("CLASSREEL_API_URL"))
	bearer := firstNonEmpty(*token, os.Getenv("CLASSREEL_TOKEN"))
	if baseURL == "" || bearer == "" || *lessonID == "" || *filePath == "" {
		fmt.Fprintln(os.Stderr, "usage: uploader --api URL --token TOKEN --lesson ID --file PATH")
		os.Exit(2)
	}

	resumeDir := firstNonEmpty(*stateDir, os.Getenv("CLASSREEL_STATE_DIR"))
	if resumeDir == "" {
		if cacheDir, err := os.UserCacheDir(); err == nil {
			resumeDir = filepath.Join(cacheDir, "classreel-uploader")
		}
	}

	client := apiclient.New(baseURL, bearer)
	engine := uploadengine.New(uploadengine.Config{
		Client:      client,
		Concurrency: *concurrency,
		MaxAttempts: *maxAttempts,
		Logger:      logger,
		StateDir:    resumeDir,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := engine.Upload(ctx, *lessonID, *filePath, printProgress)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "upload cancelled")
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "upload failed: %v\n", err)
		os.Exit(exitCodeFor(err))
	}

	fmt.Printf("uploaded %s (%d bytes, %d parts resumed) in %s\n",
		filepath.Base(*filePath), result.BytesUploaded, result.ResumedParts, result.Duration.Round(time.Millisecond))

	if *noWait {
		return
	}

	watcher := tracker.New(tracker.Config{
		Client:   client,
		Interval: *pollInterval,
		MaxWait:  *maxWait,
		Logger:   logger,
	})
	asset, err := watcher.Track(ctx, *lessonID, func(asset apiclient.Asset) {
		fmt.Fprintf(os.Stderr, "\rprocessing: %s %d%%    ", asset.Status, asset.ProcessingProgress)
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "processing did not finish: %v\n", err)
		os.Exit(exitCodeFor(err))
	}

	fmt.Printf("processing complete: %d renditions", len(asset.Renditions))
	if asset.DurationSeconds > 0 {
		fmt.Printf(", %ds", asset.DurationSeconds)
	}
	fmt.Println()
}

func printProgress(p uploadengine.Progress) {
	percent := 0.0
	if p.TotalBytes > 0 {
		percent = float64(p.UploadedBytes) / float64(p.TotalBytes) * 100
	}
	eta := "--"
	if p.HasETA {
		eta = p.ETA.Round(time.Second).String()
	}
	fmt.Fprintf(os.Stderr, "\rupload: %5.1f%% (%d/%d parts) %7.1f KB/s eta %s    ",
		percent, p.PartsDone, p.PartCount, p.BytesPerSecond/1024, eta)
}

func exitCodeFor(err error) int {
	switch media.KindOf(err) {
	case media.KindValidation:
		return 2
	case media.KindAuthorization:
		return 3
	case media.KindTimeout:
		return 4
	case media.KindProcessingFailed:
		return 5
	default:
		return 1
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
