package orchestra

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrchestrationError(t *testing.T) {
	t.Run("message formatting", func(t *testing.T) {
		err := NewError(ErrorTypeValidation, "name required")
		require.Equal(t, "validation_error: name required", err.Error())
	})

	t.Run("workflow context rides along", func(t *testing.T) {
		err := NewErrorf(ErrorTypeStaleState, "state moved").WithWorkflow("wf-1", 7)
		require.Contains(t, err.Error(), "wf-1")
		require.Contains(t, err.Error(), "checkpoint 7")
		require.Equal(t, int64(7), err.Checkpoint)
	})

	t.Run("unwrapping", func(t *testing.T) {
		inner := errors.New("disk full")
		err := &OrchestrationError{Type: ErrorTypeRecoveryFailure, Cause: "save failed", Wrapped: inner}
		require.ErrorIs(t, err, inner)

		var oerr *OrchestrationError
		require.ErrorAs(t, fmt.Errorf("outer: %w", err), &oerr)
		require.Equal(t, ErrorTypeRecoveryFailure, oerr.Type)
	})
}

func TestClassify(t *testing.T) {
	t.Run("structured errors pass through", func(t *testing.T) {
		err := NewError(ErrorTypeCircularDependency, "loop")
		require.Same(t, err, Classify(err))
		require.Same(t, err, Classify(fmt.Errorf("wrapped: %w", err)))
	})

	t.Run("context errors classify as timeouts", func(t *testing.T) {
		require.Equal(t, ErrorTypeTimeout, Classify(context.DeadlineExceeded).Type)
		require.Equal(t, ErrorTypeTimeout, Classify(context.Canceled).Type)
		require.Equal(t, ErrorTypeTimeout, Classify(errors.New("dial tcp: i/o timeout")).Type)
	})

	t.Run("unknown errors default to transient", func(t *testing.T) {
		classified := Classify(errors.New("connection reset"))
		require.Equal(t, ErrorTypeTransient, classified.Type)
		require.Equal(t, "connection reset", classified.Cause)
	})
}

func TestMatchesErrorType(t *testing.T) {
	t.Run("exact match", func(t *testing.T) {
		err := NewError(ErrorTypeStaleState, "raced")
		require.True(t, MatchesErrorType(err, ErrorTypeStaleState))
		require.False(t, MatchesErrorType(err, ErrorTypeTimeout))
	})

	t.Run("wildcard matches everything but fatal", func(t *testing.T) {
		require.True(t, MatchesErrorType(errors.New("anything"), ErrorTypeAll))
		require.True(t, MatchesErrorType(NewError(ErrorTypeTimeout, "slow"), ErrorTypeAll))
		require.False(t, MatchesErrorType(NewError(ErrorTypeFatal, "dead"), ErrorTypeAll))
	})

	t.Run("fatal only matches fatal", func(t *testing.T) {
		err := NewError(ErrorTypeFatal, "dead")
		require.True(t, MatchesErrorType(err, ErrorTypeFatal))
		require.False(t, MatchesErrorType(err, ErrorTypeTransient))
	})

	t.Run("transient excludes timeouts", func(t *testing.T) {
		require.True(t, MatchesErrorType(errors.New("flaky"), ErrorTypeTransient))
		require.False(t, MatchesErrorType(NewError(ErrorTypeTimeout, "slow"), ErrorTypeTransient))
	})
}

func TestIsStructural(t *testing.T) {
	structural := []string{
		ErrorTypeCircularDependency,
		ErrorTypeConflictUnresolved,
		ErrorTypeRecoveryFailure,
		ErrorTypeValidation,
	}
	for _, typ := range structural {
		require.True(t, IsStructural(NewError(typ, "x")), typ)
	}

	require.False(t, IsStructural(NewError(ErrorTypeTimeout, "x")))
	require.False(t, IsStructural(NewError(ErrorTypeStaleState, "x")))
	require.False(t, IsStructural(errors.New("plain")))
}
