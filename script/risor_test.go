package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRisorEngine(t *testing.T) {
	ctx := context.Background()
	engine := NewRisorEngine(map[string]any{"ctx": map[string]any{}})

	t.Run("boolean expressions", func(t *testing.T) {
		s, err := engine.Compile(ctx, `ctx["approved"] == true`)
		require.NoError(t, err)

		value, err := s.Evaluate(ctx, map[string]any{
			"ctx": map[string]any{"approved": true},
		})
		require.NoError(t, err)
		require.True(t, value.IsTruthy())

		value, err = s.Evaluate(ctx, map[string]any{
			"ctx": map[string]any{"approved": false},
		})
		require.NoError(t, err)
		require.False(t, value.IsTruthy())
	})

	t.Run("a compiled script is reusable across evaluations", func(t *testing.T) {
		s, err := engine.Compile(ctx, `ctx["count"] > 3`)
		require.NoError(t, err)
		for i, want := range []bool{false, true} {
			value, err := s.Evaluate(ctx, map[string]any{
				"ctx": map[string]any{"count": i*10 + 1},
			})
			require.NoError(t, err)
			require.Equal(t, want, value.IsTruthy())
		}
	})

	t.Run("base globals are merged under call globals", func(t *testing.T) {
		engine := NewRisorEngine(map[string]any{"threshold": 10})
		s, err := engine.Compile(ctx, `threshold`)
		require.NoError(t, err)

		value, err := s.Evaluate(ctx, nil)
		require.NoError(t, err)
		require.Equal(t, int64(10), value.Value())

		value, err = s.Evaluate(ctx, map[string]any{"threshold": 99})
		require.NoError(t, err)
		require.Equal(t, int64(99), value.Value())
	})

	t.Run("parse errors surface at compile time", func(t *testing.T) {
		_, err := engine.Compile(ctx, `ctx[`)
		require.Error(t, err)
	})

	t.Run("undeclared globals fail to compile", func(t *testing.T) {
		_, err := engine.Compile(ctx, `mystery == 1`)
		require.Error(t, err)
	})
}

func TestRisorValueConversion(t *testing.T) {
	ctx := context.Background()
	engine := NewRisorEngine(nil)

	eval := func(t *testing.T, code string) Value {
		t.Helper()
		s, err := engine.Compile(ctx, code)
		require.NoError(t, err)
		value, err := s.Evaluate(ctx, nil)
		require.NoError(t, err)
		return value
	}

	t.Run("scalars", func(t *testing.T) {
		require.Equal(t, int64(7), eval(t, `3 + 4`).Value())
		require.Equal(t, 2.5, eval(t, `5.0 / 2`).Value())
		require.Equal(t, "ready", eval(t, `"rea" + "dy"`).Value())
		require.Equal(t, true, eval(t, `1 < 2`).Value())
		require.Nil(t, eval(t, `nil`).Value())
	})

	t.Run("collections convert recursively", func(t *testing.T) {
		require.Equal(t, []any{int64(1), "two"}, eval(t, `[1, "two"]`).Value())
		require.Equal(t, map[string]any{"n": int64(1)}, eval(t, `{"n": 1}`).Value())
	})

	t.Run("strings render unquoted", func(t *testing.T) {
		require.Equal(t, "plain", eval(t, `"plain"`).String())
	})
}
