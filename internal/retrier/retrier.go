// Package retrier implements the shared exponential-backoff retry primitive
// used for outbound HTTP and task-level transcode retries.
package retrier

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// Policy bounds a retry sequence. Attempt n (zero-based) sleeps
// BaseDelay*2^n plus up to one second of jitter before retrying.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// PermanentError wraps an error that must not be retried; Do unwraps it and
// returns the inner error immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Delay computes the backoff before retry attempt n, jitter included.
func (p Policy) Delay(attempt int) time.Duration {
	backoff := p.BaseDelay << attempt
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return backoff + jitter
}

// Do invokes fn until it succeeds, returns a permanent error, the attempts
// are exhausted, or the context is cancelled.
func Do(ctx context.Context, policy Policy, logger *slog.Logger, op string, fn func() error) error {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		if attempt == attempts-1 {
			break
		}
		delay := policy.Delay(attempt)
		logger.Warn("retrying operation",
			"op", op,
			"attempt", attempt+1,
			"max_attempts", attempts,
			"delay", delay.Round(10*time.Millisecond).String(),
			"error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	logger.Error("max retries reached", "op", op, "attempts", attempts, "error", err)
	return err
}
