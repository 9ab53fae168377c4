// Command worker runs the conversion task runners and the periodic temp
// directory reaper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sajid-bs23/sttprep-converter/internal/config"
	"github.com/sajid-bs23/sttprep-converter/internal/ffmpeg"
	"github.com/sajid-bs23/sttprep-converter/internal/jobstore"
	"github.com/sajid-bs23/sttprep-converter/internal/mediafs"
	"github.com/sajid-bs23/sttprep-converter/internal/observability/logging"
	"github.com/sajid-bs23/sttprep-converter/internal/reaper"
	"github.com/sajid-bs23/sttprep-converter/internal/retrier"
	"github.com/sajid-bs23/sttprep-converter/internal/uploader"
	"github.com/sajid-bs23/sttprep-converter/internal/urlcheck"
	"github.com/sajid-bs23/sttprep-converter/internal/worker"
)

const reapInterval = 30 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger = logging.WithComponent(logger, "worker")
	logger.Info("worker starting", "concurrency", cfg.WorkerConcurrency)

	media, err := mediafs.New(mediafs.Config{
		Root:           cfg.TempDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		MinDiskSpaceGB: cfg.MinDiskSpaceGB,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("prepare temp storage: %w", err)
	}

	store, err := jobstore.Open(cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close job store", "error", err)
		}
	}()

	queue, err := jobstore.NewQueue(store.Client(), jobstore.QueueConfig{
		VisibilityTimeout: cfg.VisibilityTimeout,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("open work queue: %w", err)
	}

	outbound := uploader.New(uploader.Config{
		Policy: urlcheck.Policy{
			AllowHTTP:    cfg.AllowHTTPCallbacks,
			AllowPrivate: cfg.AllowPrivateIPs,
		},
		UploadRetry:  retrier.Policy{MaxAttempts: cfg.UploadMaxRetries, BaseDelay: cfg.UploadRetryBackoffBase},
		WebhookRetry: retrier.Policy{MaxAttempts: cfg.WebhookMaxRetries, BaseDelay: cfg.WebhookRetryBackoffBase},
		Logger:       logger,
	})

	runner := worker.New(worker.Config{
		Store:             store,
		Queue:             queue,
		Media:             media,
		Transcoder:        ffmpeg.NewDriver(cfg.FFmpegBin, logger),
		Outbound:          outbound,
		Concurrency:       cfg.WorkerConcurrency,
		MaxTasksPerWorker: cfg.MaxTasksPerWorker,
		SoftTimeLimit:     cfg.SoftTimeLimit,
		TimeLimit:         cfg.TimeLimit,
		MaxRetries:        cfg.TaskMaxRetries,
		RetryBaseDelay:    cfg.TaskRetryBaseDelay,
		Logger:            logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner.Start()
	stopReaper := reaper.Start(ctx, reaper.New(media.Root(), cfg.TempFileTTL, store, logger), reapInterval)

	<-ctx.Done()
	logger.Info("worker shutting down")
	stopReaper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Error("runner shutdown incomplete", "error", err)
	}
	logger.Info("worker stopped")
	return nil
}
