package orchestra

import (
	"reflect"
	"sort"
	"sync"
)

// VariableContainer is a container for workflow context variables, the
// values guard expressions evaluate against.
type VariableContainer interface {

	// SetVariable sets the value of a context variable.
	SetVariable(key string, value any)

	// DeleteVariable deletes a context variable.
	DeleteVariable(key string)

	// ListVariables returns a sorted slice of all variable names.
	ListVariables() []string

	// GetVariable returns the value of a context variable.
	GetVariable(key string) (value any, exists bool)
}

// MemoryVariables is an in-memory VariableContainer safe for concurrent use
type MemoryVariables struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMemoryVariables creates a container seeded with the given values
func NewMemoryVariables(values map[string]any) *MemoryVariables {
	c := &MemoryVariables{values: map[string]any{}}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

func (c *MemoryVariables) SetVariable(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

func (c *MemoryVariables) DeleteVariable(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

func (c *MemoryVariables) ListVariables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *MemoryVariables) GetVariable(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// VariablesMap snapshots a container into a plain map
func VariablesMap(container VariableContainer) map[string]any {
	if container == nil {
		return map[string]any{}
	}
	out := map[string]any{}
	for _, key := range container.ListVariables() {
		if v, ok := container.GetVariable(key); ok {
			out[key] = v
		}
	}
	return out
}

// PatchOptions is used to create a Patch.
type PatchOptions struct {
	Variable string
	Value    any
	Delete   bool
}

// Patch represents a change to a context variable.
type Patch struct {
	variable string
	value    any
	delete   bool
}

func (p Patch) Variable() string {
	return p.variable
}

func (p Patch) Value() any {
	return p.value
}

func (p Patch) Delete() bool {
	return p.delete
}

// NewPatch creates a new Patch.
func NewPatch(opts PatchOptions) Patch {
	return Patch{
		variable: opts.Variable,
		value:    opts.Value,
		delete:   opts.Delete,
	}
}

// GeneratePatches compares original and modified context maps and returns
// patches for the differences. Used on checkpoint restore to rewind the
// guard context without rebuilding it wholesale.
func GeneratePatches(original, modified map[string]any) []Patch {
	var patches []Patch
	for key, currentValue := range modified {
		if originalValue, exists := original[key]; exists {
			if !reflect.DeepEqual(originalValue, currentValue) {
				patches = append(patches, Patch{
					variable: key,
					value:    currentValue,
				})
			}
		} else {
			patches = append(patches, Patch{
				variable: key,
				value:    currentValue,
			})
		}
	}
	for key := range original {
		if _, exists := modified[key]; !exists {
			patches = append(patches, Patch{
				variable: key,
				delete:   true,
			})
		}
	}
	return patches
}

// ApplyPatches applies a list of patches to a variable container.
func ApplyPatches(container VariableContainer, patches []Patch) {
	for _, patch := range patches {
		if patch.delete {
			container.DeleteVariable(patch.variable)
		} else {
			container.SetVariable(patch.variable, patch.value)
		}
	}
}
