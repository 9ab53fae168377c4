// Package reaper periodically reclaims job directories whose jobs have
// reached a terminal state (or vanished) and whose files have outlived the
// configured TTL.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sajid-bs23/sttprep-converter/internal/jobstore"
	"github.com/sajid-bs23/sttprep-converter/internal/models"
)

// JobLookup resolves a directory name back to its job record.
type JobLookup interface {
	GetJob(ctx context.Context, jobID string) (models.Job, error)
}

// Reaper sweeps the temp root. Active jobs are never reaped regardless of
// directory age; a store failure leaves the directory alone until the next
// sweep.
type Reaper struct {
	root   string
	ttl    time.Duration
	store  JobLookup
	logger *slog.Logger
}

func New(root string, ttl time.Duration, store JobLookup, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{root: root, ttl: ttl, store: store, logger: logger}
}

// Sweep removes expired subdirectories of the temp root in one pass.
func (r *Reaper) Sweep(ctx context.Context) error {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= r.ttl {
			continue
		}
		jobID := entry.Name()
		job, err := r.store.GetJob(ctx, jobID)
		switch {
		case err == nil && !job.Status.Terminal():
			continue
		case err != nil && !errors.Is(err, jobstore.ErrNotFound):
			r.logger.Error("skipping reap, job lookup failed", "job_id", jobID, "error", err)
			continue
		}
		target := filepath.Join(r.root, jobID)
		if err := os.RemoveAll(target); err != nil {
			r.logger.Error("failed to reap job dir", "job_id", jobID, "error", err)
			continue
		}
		r.logger.Info("reaped orphaned job dir", "job_id", jobID, "path", target)
	}
	return nil
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

// Start launches the periodic sweep and returns a stop function that blocks
// until the loop has exited.
func Start(ctx context.Context, reaper *Reaper, interval time.Duration) func() {
	return startWithTicker(ctx, reaper, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startWithTicker(ctx context.Context, reaper *Reaper, interval time.Duration, newTicker tickerFactory) func() {
	if reaper == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if err := reaper.Sweep(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
					reaper.logger.Error("temp sweep failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
