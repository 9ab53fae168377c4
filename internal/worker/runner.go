// Package worker executes dequeued conversion jobs: it owns the job state
// machine, drives the transcode/upload pipeline, and applies the task-level
// retry policy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sajid-bs23/sttprep-converter/internal/ffmpeg"
	"github.com/sajid-bs23/sttprep-converter/internal/jobstore"
	"github.com/sajid-bs23/sttprep-converter/internal/mediafs"
	"github.com/sajid-bs23/sttprep-converter/internal/models"
	"github.com/sajid-bs23/sttprep-converter/internal/retrier"
)

// Store is the slice of the state store the runner mutates.
type Store interface {
	UpdateStatus(ctx context.Context, jobID string, status models.Status, errMsg string) error
}

// Queue supplies deliveries and receives acknowledgements.
type Queue interface {
	Dequeue(ctx context.Context) (*jobstore.Delivery, error)
	Ack(ctx context.Context, deliveryID string) error
}

// Transcoder abstracts the ffmpeg driver.
type Transcoder interface {
	ProbeAudioTrack(ctx context.Context, inputPath string) error
	Convert(ctx context.Context, req ffmpeg.ConvertRequest) error
}

// Outbound abstracts the artifact upload and webhook client.
type Outbound interface {
	UploadArtifact(ctx context.Context, jobID, path, outputURL, authToken string) error
	DeliverWebhook(ctx context.Context, jobID, callbackURL, authToken string, status models.Status, errMsg string) error
}

// Config assembles a Runner.
type Config struct {
	Store      Store
	Queue      Queue
	Media      *mediafs.Manager
	Transcoder Transcoder
	Outbound   Outbound

	// Concurrency is the per-process task fan-out. MaxTasksPerWorker
	// recycles a worker goroutine after that many tasks; zero disables
	// recycling.
	Concurrency       int
	MaxTasksPerWorker int

	// SoftTimeLimit cancels the pipeline gracefully; TimeLimit abandons the
	// task so the broker re-delivers it after the visibility timeout.
	SoftTimeLimit time.Duration
	TimeLimit     time.Duration

	// MaxRetries bounds task-level transcode retries; RetryBaseDelay seeds
	// the backoff.
	MaxRetries     int
	RetryBaseDelay time.Duration

	Logger *slog.Logger
}

const (
	defaultConcurrency   = 4
	defaultSoftTimeLimit = 7200 * time.Second
	defaultTimeLimit     = 7500 * time.Second
	defaultMaxRetries    = 3
	defaultRetryDelay    = 30 * time.Second

	// finishTimeout bounds the terminal store write plus webhook delivery
	// performed after the task context is already spent.
	finishTimeout = 10 * time.Minute
)

// errInputNotFound is terminal: retrying cannot make the input appear.
var errInputNotFound = errors.New("Input file not found.")

// Runner is the worker-side half of the orchestrator. Start launches the
// configured number of task loops; Shutdown stops dequeueing and waits for
// in-flight tasks to drain.
type Runner struct {
	store      Store
	queue      Queue
	media      *mediafs.Manager
	transcoder Transcoder
	outbound   Outbound

	concurrency    int
	maxTasks       int
	softTimeLimit  time.Duration
	timeLimit      time.Duration
	maxRetries     int
	retryBaseDelay time.Duration
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func New(cfg Config) *Runner {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	softLimit := cfg.SoftTimeLimit
	if softLimit <= 0 {
		softLimit = defaultSoftTimeLimit
	}
	hardLimit := cfg.TimeLimit
	if hardLimit <= softLimit {
		hardLimit = softLimit + 300*time.Second
		if hardLimit < defaultTimeLimit {
			hardLimit = defaultTimeLimit
		}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	retryDelay := cfg.RetryBaseDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:          cfg.Store,
		queue:          cfg.Queue,
		media:          cfg.Media,
		transcoder:     cfg.Transcoder,
		outbound:       cfg.Outbound,
		concurrency:    concurrency,
		maxTasks:       cfg.MaxTasksPerWorker,
		softTimeLimit:  softLimit,
		timeLimit:      hardLimit,
		maxRetries:     maxRetries,
		retryBaseDelay: retryDelay,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (r *Runner) Start() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
}

func (r *Runner) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) worker(id int) {
	defer r.wg.Done()
	handled := 0
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		delivery, err := r.queue.Dequeue(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.logger.Error("dequeue failed", "worker", id, "error", err)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if delivery == nil {
			continue
		}
		r.runTask(delivery)
		handled++
		if r.maxTasks > 0 && handled >= r.maxTasks {
			// Recycle this loop the way a worker child is replaced after
			// max-tasks-per-child.
			r.logger.Info("recycling worker loop", "worker", id, "tasks", handled)
			r.wg.Add(1)
			go r.worker(id)
			return
		}
	}
}

func (r *Runner) runTask(delivery *jobstore.Delivery) {
	sub := delivery.Submission
	logger := r.logger.With("job_id", sub.JobID)
	logger.Info("task received", "redelivered", delivery.Redelivered)

	hardCtx, cancelHard := context.WithTimeout(r.ctx, r.timeLimit)
	defer cancelHard()
	softCtx, cancelSoft := context.WithTimeout(hardCtx, r.softTimeLimit)
	defer cancelSoft()

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("Unexpected error: %v", rec)
			}
		}()
		return r.executePipeline(softCtx, sub, logger)
	}()

	switch {
	case err == nil:
		r.finish(sub, models.StatusCompleted, "", logger)
		r.ack(delivery, logger)
	case r.ctx.Err() != nil:
		// Shutting down; leave the delivery unacknowledged so another
		// worker picks it up after the visibility timeout.
		logger.Warn("task abandoned during shutdown")
	case hardCtx.Err() != nil:
		// First hard-deadline strike relies on broker re-delivery; a
		// second one is terminal.
		if delivery.Redelivered {
			r.finish(sub, models.StatusFailed, "Task timeout (hard time limit exceeded)", logger)
			r.ack(delivery, logger)
			return
		}
		logger.Error("hard time limit exceeded, leaving task for re-delivery")
	case softCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		r.finish(sub, models.StatusFailed, "Task timeout (soft time limit exceeded)", logger)
		r.ack(delivery, logger)
	default:
		r.finish(sub, models.StatusFailed, err.Error(), logger)
		r.ack(delivery, logger)
	}
}

func (r *Runner) executePipeline(ctx context.Context, sub models.Submission, logger *slog.Logger) error {
	if err := r.store.UpdateStatus(ctx, sub.JobID, models.StatusProcessing, ""); err != nil {
		return fmt.Errorf("Unexpected error: %v", err)
	}

	inputPath, err := r.media.FindInput(sub.JobID)
	if err != nil {
		if errors.Is(err, mediafs.ErrInputMissing) {
			return errInputNotFound
		}
		return fmt.Errorf("Unexpected error: %v", err)
	}

	outputPath := filepath.Join(r.media.JobDir(sub.JobID), "output.mp3")
	if err := r.transcodeWithRetries(ctx, sub.JobID, inputPath, outputPath, logger); err != nil {
		return err
	}

	if err := r.store.UpdateStatus(ctx, sub.JobID, models.StatusUploading, ""); err != nil {
		return fmt.Errorf("Unexpected error: %v", err)
	}

	artifactPath, err := r.renameArtifact(outputPath, sub.OriginalFilename)
	if err != nil {
		return fmt.Errorf("Unexpected error: %v", err)
	}

	if err := r.outbound.UploadArtifact(ctx, sub.JobID, artifactPath, sub.OutputURL, sub.OutputAuthToken); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("Upload failed: %v", err)
	}
	return nil
}

// transcodeWithRetries runs probe+convert, retrying transient transcoder
// failures with exponential backoff. Missing audio tracks and cancellation
// abort immediately.
func (r *Runner) transcodeWithRetries(ctx context.Context, jobID, inputPath, outputPath string, logger *slog.Logger) error {
	policy := retrier.Policy{MaxAttempts: r.maxRetries + 1, BaseDelay: r.retryBaseDelay}
	err := retrier.Do(ctx, policy, logger, "transcode", func() error {
		if err := r.transcoder.ProbeAudioTrack(ctx, inputPath); err != nil {
			var noAudio *ffmpeg.NoAudioTrackError
			if errors.As(err, &noAudio) || ctx.Err() != nil {
				return retrier.Permanent(err)
			}
			return err
		}
		if err := r.transcoder.Convert(ctx, ffmpeg.ConvertRequest{
			JobID:      jobID,
			InputPath:  inputPath,
			OutputPath: outputPath,
		}); err != nil {
			if ctx.Err() != nil {
				return retrier.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err == nil {
		return nil
	}
	var noAudio *ffmpeg.NoAudioTrackError
	if errors.As(err, &noAudio) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("FFmpeg failed after retries: %v", err)
}

// renameArtifact derives the upload name from the original filename, keeping
// output.mp3 when none was supplied.
func (r *Runner) renameArtifact(outputPath, originalFilename string) (string, error) {
	name := strings.TrimSpace(filepath.Base(originalFilename))
	if name == "" || name == "." {
		return outputPath, nil
	}
	derived := strings.TrimSuffix(name, filepath.Ext(name)) + ".mp3"
	if derived == filepath.Base(outputPath) {
		return outputPath, nil
	}
	target := filepath.Join(filepath.Dir(outputPath), derived)
	if err := os.Rename(outputPath, target); err != nil {
		return "", err
	}
	return target, nil
}

// finish writes the terminal state and fires the webhook. Webhook failures
// never influence the stored outcome, and the job directory is left for the
// reaper so diagnostics survive until the TTL.
func (r *Runner) finish(sub models.Submission, status models.Status, errMsg string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	if err := r.store.UpdateStatus(ctx, sub.JobID, status, errMsg); err != nil {
		logger.Error("terminal status write failed", "status", status, "error", err)
	} else {
		logger.Info("job finished", "status", status, "job_error", errMsg)
	}

	if sub.CallbackURL == "" {
		return
	}
	if err := r.outbound.DeliverWebhook(ctx, sub.JobID, sub.CallbackURL, sub.CallbackAuthToken, status, errMsg); err != nil {
		logger.Error("webhook delivery failed permanently", "url", sub.CallbackURL, "error", err)
	}
}

func (r *Runner) ack(delivery *jobstore.Delivery, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.queue.Ack(ctx, delivery.ID); err != nil {
		logger.Error("ack failed", "delivery_id", delivery.ID, "error", err)
	}
}
