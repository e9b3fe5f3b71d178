package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	policy := Policy{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		BackoffRate: 2.0,
		Jitter:      JitterNone,
	}

	t.Run("exponential growth", func(t *testing.T) {
		require.Equal(t, 100*time.Millisecond, policy.Delay(0))
		require.Equal(t, 200*time.Millisecond, policy.Delay(1))
		require.Equal(t, 400*time.Millisecond, policy.Delay(2))
	})

	t.Run("capped at max delay", func(t *testing.T) {
		require.Equal(t, time.Second, policy.Delay(10))
	})

	t.Run("full jitter stays under the computed delay", func(t *testing.T) {
		jittered := policy
		jittered.Jitter = JitterFull
		for i := 0; i < 50; i++ {
			d := jittered.Delay(2)
			require.GreaterOrEqual(t, d, time.Duration(0))
			require.Less(t, d, 400*time.Millisecond)
		}
	})

	t.Run("zero values fall back to sane defaults", func(t *testing.T) {
		var p Policy
		p.Jitter = JitterNone
		require.Equal(t, time.Second, p.Delay(0))
		require.Equal(t, 2*time.Second, p.Delay(1))
	})
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	fast := Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Jitter: JitterNone}

	t.Run("succeeds on a later attempt", func(t *testing.T) {
		var calls int
		err := fast.Do(ctx, func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("temporary failure")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("returns the last error once retries are spent", func(t *testing.T) {
		var calls int
		err := fast.Do(ctx, func(ctx context.Context) error {
			calls++
			return fmt.Errorf("timeout on attempt %d", calls)
		})
		require.Error(t, err)
		require.Equal(t, 4, calls) // initial attempt plus three retries
		require.Contains(t, err.Error(), "attempt 4")
	})

	t.Run("unrecoverable errors stop immediately", func(t *testing.T) {
		var calls int
		permanent := errors.New("schema mismatch")
		err := fast.Do(ctx, func(ctx context.Context) error {
			calls++
			return permanent
		})
		require.ErrorIs(t, err, permanent)
		require.Equal(t, 1, calls)
	})

	t.Run("context cancellation interrupts the backoff sleep", func(t *testing.T) {
		slow := Policy{MaxRetries: 3, BaseDelay: time.Minute, Jitter: JitterNone}
		cancelCtx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		err := slow.Do(cancelCtx, func(ctx context.Context) error {
			return errors.New("temporary failure")
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}

type policyError struct {
	recoverable bool
}

func (e *policyError) Error() string       { return "policy error" }
func (e *policyError) IsRecoverable() bool { return e.recoverable }

func TestIsRecoverable(t *testing.T) {
	t.Run("nil is not recoverable", func(t *testing.T) {
		require.False(t, IsRecoverable(nil))
	})

	t.Run("errors may declare themselves", func(t *testing.T) {
		require.True(t, IsRecoverable(&policyError{recoverable: true}))
		require.False(t, IsRecoverable(&policyError{recoverable: false}))
		require.True(t, IsRecoverable(fmt.Errorf("wrapped: %w", &policyError{recoverable: true})))
	})

	t.Run("heuristics by error class", func(t *testing.T) {
		require.True(t, IsRecoverable(context.DeadlineExceeded))
		require.False(t, IsRecoverable(context.Canceled))
	})

	t.Run("heuristics by message", func(t *testing.T) {
		require.True(t, IsRecoverable(errors.New("dial tcp: connection refused")))
		require.True(t, IsRecoverable(errors.New("read: connection reset by peer")))
		require.True(t, IsRecoverable(errors.New("503 Service Unavailable")))
		require.False(t, IsRecoverable(errors.New("invalid argument")))
	})
}
