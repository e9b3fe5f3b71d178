package orchestra

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryVariables(t *testing.T) {
	c := NewMemoryVariables(map[string]any{"region": "eu", "shift": 2})

	t.Run("seeded values are readable", func(t *testing.T) {
		v, ok := c.GetVariable("region")
		require.True(t, ok)
		require.Equal(t, "eu", v)
	})

	t.Run("set, list, delete", func(t *testing.T) {
		c.SetVariable("approved", true)
		require.Equal(t, []string{"approved", "region", "shift"}, c.ListVariables())

		c.DeleteVariable("shift")
		_, ok := c.GetVariable("shift")
		require.False(t, ok)
		require.Equal(t, []string{"approved", "region"}, c.ListVariables())
	})

	t.Run("seed map is copied, not aliased", func(t *testing.T) {
		seed := map[string]any{"k": 1}
		c := NewMemoryVariables(seed)
		seed["k"] = 2
		v, _ := c.GetVariable("k")
		require.Equal(t, 1, v)
	})
}

func TestVariablesMap(t *testing.T) {
	require.Equal(t, map[string]any{}, VariablesMap(nil))

	c := NewMemoryVariables(map[string]any{"a": 1, "b": "two"})
	snapshot := VariablesMap(c)
	require.Equal(t, map[string]any{"a": 1, "b": "two"}, snapshot)

	// the snapshot does not track later changes
	c.SetVariable("c", 3)
	_, ok := snapshot["c"]
	require.False(t, ok)
}

func TestGeneratePatches(t *testing.T) {
	t.Run("no differences, no patches", func(t *testing.T) {
		m := map[string]any{"a": 1}
		require.Empty(t, GeneratePatches(m, map[string]any{"a": 1}))
	})

	t.Run("additions, changes, and deletions", func(t *testing.T) {
		original := map[string]any{"keep": 1, "change": "old", "drop": true}
		modified := map[string]any{"keep": 1, "change": "new", "add": 9}

		patches := GeneratePatches(original, modified)
		require.Len(t, patches, 3)

		byVar := map[string]Patch{}
		for _, p := range patches {
			byVar[p.Variable()] = p
		}
		require.Equal(t, "new", byVar["change"].Value())
		require.False(t, byVar["change"].Delete())
		require.Equal(t, 9, byVar["add"].Value())
		require.True(t, byVar["drop"].Delete())
	})

	t.Run("deep values compare structurally", func(t *testing.T) {
		original := map[string]any{"cfg": map[string]any{"n": 1}}
		same := map[string]any{"cfg": map[string]any{"n": 1}}
		require.Empty(t, GeneratePatches(original, same))

		changed := map[string]any{"cfg": map[string]any{"n": 2}}
		require.Len(t, GeneratePatches(original, changed), 1)
	})
}

func TestApplyPatches(t *testing.T) {
	c := NewMemoryVariables(map[string]any{"change": "old", "drop": true})
	ApplyPatches(c, []Patch{
		NewPatch(PatchOptions{Variable: "change", Value: "new"}),
		NewPatch(PatchOptions{Variable: "add", Value: 9}),
		NewPatch(PatchOptions{Variable: "drop", Delete: true}),
	})
	require.Equal(t, map[string]any{"change": "new", "add": 9}, VariablesMap(c))
}

// Applying generated patches transforms the original into the modified map.
func TestPatchRoundTrip(t *testing.T) {
	original := map[string]any{"a": 1, "b": "x", "c": true}
	modified := map[string]any{"a": 2, "c": true, "d": []string{"p", "q"}}

	c := NewMemoryVariables(original)
	ApplyPatches(c, GeneratePatches(original, modified))
	require.Equal(t, modified, VariablesMap(c))
}
