// Command server starts the converter ingress API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sajid-bs23/sttprep-converter/internal/api"
	"github.com/sajid-bs23/sttprep-converter/internal/config"
	"github.com/sajid-bs23/sttprep-converter/internal/jobstore"
	"github.com/sajid-bs23/sttprep-converter/internal/mediafs"
	"github.com/sajid-bs23/sttprep-converter/internal/observability/logging"
	"github.com/sajid-bs23/sttprep-converter/internal/server"
	"github.com/sajid-bs23/sttprep-converter/internal/serverutil"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger = logging.WithComponent(logger, "api")
	logger.Info("service starting", "addr", cfg.ListenAddr())

	media, err := mediafs.New(mediafs.Config{
		Root:           cfg.TempDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		MinDiskSpaceGB: cfg.MinDiskSpaceGB,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("prepare temp storage: %w", err)
	}
	if err := media.ProbeWritable(); err != nil {
		return fmt.Errorf("validate temp storage: %w", err)
	}
	if err := media.BootClean(); err != nil {
		logger.Error("boot cleanup failed", "error", err)
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

	handler := api.NewHandler(store, queue, media, logger)
	srv, err := server.New(handler, server.Config{Addr: cfg.ListenAddr(), Logger: logger})
	if err != nil {
		return fmt.Errorf("configure server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		ShutdownTimeout: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("service stopped")
	return nil
}
