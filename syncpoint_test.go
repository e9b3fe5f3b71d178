package orchestra

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, opts CoordinatorOptions) (*Coordinator, *StateMachine) {
	t.Helper()
	m := newTestMachine(t)
	opts.Machine = m
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Registry == nil {
		opts.Registry = NewStaticRegistry()
	}
	c, err := NewCoordinator(opts)
	require.NoError(t, err)
	return c, m
}

func TestSynchronizationPoint(t *testing.T) {
	ctx := context.Background()

	t.Run("releases when every participant arrives", func(t *testing.T) {
		c, _ := newTestCoordinator(t, CoordinatorOptions{BarrierTimeout: 5 * time.Second})
		spID, err := c.CreateSynchronizationPoint(ctx, "wf-1", []string{"a", "b", "c"}, 0)
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 3)
		for i, agent := range []string{"a", "b", "c"} {
			wg.Add(1)
			go func(i int, agent string) {
				defer wg.Done()
				errs[i] = c.Arrive(ctx, spID, agent)
			}(i, agent)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		sp, ok := c.SyncPoint(spID)
		require.True(t, ok)
		require.Equal(t, SyncReleased, sp.Status())
		require.Equal(t, []string{"a", "b", "c"}, sp.Participants())
	})

	t.Run("arriving twice is harmless", func(t *testing.T) {
		c, _ := newTestCoordinator(t, CoordinatorOptions{})
		spID, err := c.CreateSynchronizationPoint(ctx, "wf-1", []string{"a", "b"}, time.Second)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- c.Arrive(ctx, spID, "a") }()
		go func() {
			// second arrival of a; the barrier must still wait for b
			_ = c.Arrive(ctx, spID, "a")
		}()
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, c.Arrive(ctx, spID, "b"))
		require.NoError(t, <-done)
	})

	t.Run("timeout names exactly the missing participants", func(t *testing.T) {
		c, _ := newTestCoordinator(t, CoordinatorOptions{})
		spID, err := c.CreateSynchronizationPoint(ctx, "wf-1",
			[]string{"here", "gone-1", "gone-2"}, 30*time.Millisecond)
		require.NoError(t, err)

		err = c.Arrive(ctx, spID, "here")
		require.Error(t, err)
		require.True(t, MatchesErrorType(err, ErrorTypeSynchronizationTimeout))

		var oerr *OrchestrationError
		require.ErrorAs(t, err, &oerr)
		require.Equal(t, []string{"gone-1", "gone-2"}, oerr.Details)

		sp, ok := c.SyncPoint(spID)
		require.True(t, ok)
		require.Equal(t, SyncTimedOut, sp.Status())
		require.Equal(t, []string{"gone-1", "gone-2"}, sp.Missing())

		// latecomers are turned away, not silently absorbed
		err = c.Arrive(ctx, spID, "gone-1")
		require.True(t, MatchesErrorType(err, ErrorTypeSynchronizationTimeout))
	})

	t.Run("retry budget re-arms the timer before failing", func(t *testing.T) {
		c, _ := newTestCoordinator(t, CoordinatorOptions{BarrierRetries: 2})
		timeout := 25 * time.Millisecond
		spID, err := c.CreateSynchronizationPoint(ctx, "wf-1", []string{"a", "gone"}, timeout)
		require.NoError(t, err)

		start := time.Now()
		err = c.Arrive(ctx, spID, "a")
		require.True(t, MatchesErrorType(err, ErrorTypeSynchronizationTimeout))
		// two retries mean at least three timer periods elapsed
		require.GreaterOrEqual(t, time.Since(start), 3*timeout)
	})

	t.Run("late arrival during a retry window still releases", func(t *testing.T) {
		c, _ := newTestCoordinator(t, CoordinatorOptions{BarrierRetries: 5})
		spID, err := c.CreateSynchronizationPoint(ctx, "wf-1", []string{"a", "b"}, 20*time.Millisecond)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- c.Arrive(ctx, spID, "a") }()
		time.Sleep(50 * time.Millisecond) // past the first timeout, inside the retry budget
		require.NoError(t, c.Arrive(ctx, spID, "b"))
		require.NoError(t, <-done)
	})

	t.Run("validation", func(t *testing.T) {
		c, _ := newTestCoordinator(t, CoordinatorOptions{})
		_, err := c.CreateSynchronizationPoint(ctx, "wf-1", nil, 0)
		require.True(t, MatchesErrorType(err, ErrorTypeValidation))

		_, err = c.CreateSynchronizationPoint(ctx, "wf-1", []string{"a", "a"}, 0)
		require.True(t, MatchesErrorType(err, ErrorTypeValidation))
		require.Contains(t, err.Error(), "duplicate participant")

		err = c.Arrive(ctx, "sp_missing", "a")
		require.True(t, MatchesErrorType(err, ErrorTypeValidation))

		spID, err := c.CreateSynchronizationPoint(ctx, "wf-1", []string{"a"}, time.Second)
		require.NoError(t, err)
		err = c.Arrive(ctx, spID, "stranger")
		require.True(t, MatchesErrorType(err, ErrorTypeValidation))
	})

	t.Run("refuses a barrier that would deadlock", func(t *testing.T) {
		c, _ := newTestCoordinator(t, CoordinatorOptions{BarrierTimeout: time.Minute})
		first, err := c.CreateSynchronizationPoint(ctx, "wf-1", []string{"x", "y"}, 0)
		require.NoError(t, err)

		arriveCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- c.Arrive(arriveCtx, first, "x") }()
		time.Sleep(50 * time.Millisecond) // let x block at the first barrier

		// x is tied up waiting for y; a barrier needing both would deadlock
		_, err = c.CreateSynchronizationPoint(ctx, "wf-1", []string{"x", "y"}, 0)
		require.Error(t, err)
		require.True(t, MatchesErrorType(err, ErrorTypeCircularDependency))

		// a barrier among uninvolved agents is fine
		_, err = c.CreateSynchronizationPoint(ctx, "wf-1", []string{"p", "q"}, 0)
		require.NoError(t, err)

		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("workflow cancellation releases blocked agents", func(t *testing.T) {
		c, _ := newTestCoordinator(t, CoordinatorOptions{BarrierTimeout: time.Minute})
		spID, err := c.CreateSynchronizationPoint(ctx, "wf-1", []string{"a", "b"}, 0)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- c.Arrive(ctx, spID, "a") }()
		time.Sleep(50 * time.Millisecond)

		c.ReleaseWorkflowBarriers("wf-1")
		err = <-done
		require.Error(t, err)
		require.True(t, MatchesErrorType(err, ErrorTypeSynchronizationTimeout))
		require.Contains(t, err.Error(), "was cancelled")

		sp, ok := c.SyncPoint(spID)
		require.True(t, ok)
		require.Equal(t, SyncCancelled, sp.Status())
	})

	t.Run("cancellation only touches the named workflow", func(t *testing.T) {
		c, _ := newTestCoordinator(t, CoordinatorOptions{BarrierTimeout: time.Minute})
		mine, err := c.CreateSynchronizationPoint(ctx, "wf-1", []string{"a"}, 0)
		require.NoError(t, err)
		other, err := c.CreateSynchronizationPoint(ctx, "wf-2", []string{"b", "c"}, 0)
		require.NoError(t, err)

		c.ReleaseWorkflowBarriers("wf-2")

		sp, _ := c.SyncPoint(mine)
		require.Equal(t, SyncOpen, sp.Status())
		sp, _ = c.SyncPoint(other)
		require.Equal(t, SyncCancelled, sp.Status())
	})
}

type recordingCallbacks struct {
	BaseCallbacks
	mu       sync.Mutex
	barriers []*BarrierEvent
}

func (r *recordingCallbacks) OnBarrier(ctx context.Context, event *BarrierEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.barriers = append(r.barriers, event)
}

func TestBarrierCallbacks(t *testing.T) {
	ctx := context.Background()
	cb := &recordingCallbacks{}
	c, _ := newTestCoordinator(t, CoordinatorOptions{Callbacks: cb})

	spID, err := c.CreateSynchronizationPoint(ctx, "wf-1", []string{"only"}, time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Arrive(ctx, spID, "only"))

	spID, err = c.CreateSynchronizationPoint(ctx, "wf-1", []string{"a", "gone"}, 20*time.Millisecond)
	require.NoError(t, err)
	err = c.Arrive(ctx, spID, "a")
	require.True(t, MatchesErrorType(err, ErrorTypeSynchronizationTimeout))

	cb.mu.Lock()
	defer cb.mu.Unlock()
	require.Len(t, cb.barriers, 2)
	require.False(t, cb.barriers[0].TimedOut)
	require.Equal(t, []string{"only"}, cb.barriers[0].Arrived)
	require.True(t, cb.barriers[1].TimedOut)
	require.Equal(t, []string{"a"}, cb.barriers[1].Arrived)
	require.Equal(t, []string{"gone"}, cb.barriers[1].Missing)
}
