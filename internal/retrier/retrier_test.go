package retrier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDelayWithinBackoffWindow(t *testing.T) {
	policy := Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second}
	for attempt := 0; attempt < 4; attempt++ {
		floor := policy.BaseDelay << attempt
		ceiling := floor + time.Second
		for i := 0; i < 50; i++ {
			delay := policy.Delay(attempt)
			assert.GreaterOrEqual(t, delay, floor, "attempt %d", attempt)
			assert.Less(t, delay, ceiling, "attempt %d", attempt)
		}
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, discardLogger(), "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, discardLogger(), "op", func() error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	fatal := errors.New("no audio track")
	err := Do(context.Background(), Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}, discardLogger(), "op", func() error {
		calls++
		return Permanent(fatal)
	})
	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")

	var wrapped *PermanentError
	assert.False(t, errors.As(err, &wrapped), "the wrapper is unwrapped before returning")
}

func TestDoHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	errDone := make(chan error, 1)
	go func() {
		errDone <- Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Hour}, discardLogger(), "op", func() error {
			calls++
			return fmt.Errorf("always failing")
		})
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errDone:
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}
