package orchestra

import (
	"strings"
)

// Top-level workflow states
const (
	StatePending   = "pending"
	StateActive    = "active"
	StatePaused    = "paused"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Sub-states of "active"
const (
	SubInitializing       = "initializing"
	SubExecuting          = "executing"
	SubWaitingForResource = "waiting_for_resource"
	SubSynchronizing      = "synchronizing"
)

// Sub-states of "executing"
const (
	PhasePreparation = "step_preparation"
	PhaseExecution   = "step_execution"
	PhaseValidation  = "step_validation"
	PhaseCleanup     = "step_cleanup"
)

// Path is the serializable active state path of a workflow: the stack of
// state names from the root of the state hierarchy to the current leaf,
// e.g. ["active", "executing", "step_execution"].
type Path []string

// ParsePath parses a slash-separated composite state such as
// "active/executing/step_execution".
func ParsePath(s string) Path {
	if s == "" {
		return nil
	}
	return Path(strings.Split(s, "/"))
}

// String returns the slash-separated composite state
func (p Path) String() string {
	return strings.Join(p, "/")
}

// Top returns the top-level state name
func (p Path) Top() string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// Equal reports whether two paths are identical
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// Copy returns an independent copy of the path
func (p Path) Copy() Path {
	c := make(Path, len(p))
	copy(c, p)
	return c
}

// IsTerminal reports whether the path is in a terminal top-level state.
// Terminal states have no outbound transitions.
func (p Path) IsTerminal() bool {
	switch p.Top() {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// InitialPath returns the state of a newly created workflow
func InitialPath() Path {
	return Path{StatePending}
}

// stateNode is one node in the explicit state tree. Children are the legal
// sub-states; next holds the legal transitions between sibling children.
type stateNode struct {
	name     string
	initial  string
	children map[string]*stateNode
	next     map[string][]string
}

func (n *stateNode) child(name string) *stateNode {
	if n == nil || n.children == nil {
		return nil
	}
	return n.children[name]
}

func (n *stateNode) allows(from, to string) bool {
	for _, t := range n.next[from] {
		if t == to {
			return true
		}
	}
	return false
}

// stateTree is the full workflow state hierarchy.
var stateTree = &stateNode{
	name:    "",
	initial: StatePending,
	children: map[string]*stateNode{
		StatePending: {name: StatePending},
		StateActive: {
			name:    StateActive,
			initial: SubInitializing,
			children: map[string]*stateNode{
				SubInitializing:       {name: SubInitializing},
				SubWaitingForResource: {name: SubWaitingForResource},
				SubSynchronizing:      {name: SubSynchronizing},
				SubExecuting: {
					name:    SubExecuting,
					initial: PhasePreparation,
					children: map[string]*stateNode{
						PhasePreparation: {name: PhasePreparation},
						PhaseExecution:   {name: PhaseExecution},
						PhaseValidation:  {name: PhaseValidation},
						PhaseCleanup:     {name: PhaseCleanup},
					},
					next: map[string][]string{
						PhasePreparation: {PhaseExecution},
						PhaseExecution:   {PhaseValidation},
						PhaseValidation:  {PhaseCleanup},
						PhaseCleanup:     {PhasePreparation},
					},
				},
			},
			next: map[string][]string{
				SubInitializing:       {SubExecuting},
				SubExecuting:          {SubWaitingForResource, SubSynchronizing},
				SubWaitingForResource: {SubExecuting},
				SubSynchronizing:      {SubExecuting},
			},
		},
		StatePaused:    {name: StatePaused},
		StateCompleted: {name: StateCompleted},
		StateFailed:    {name: StateFailed},
		StateCancelled: {name: StateCancelled},
	},
	next: map[string][]string{
		StatePending: {StateActive, StateCancelled},
		StateActive:  {StatePaused, StateCompleted, StateFailed, StateCancelled},
		StatePaused:  {StateActive, StateCancelled},
	},
}

// topGuards restricts specific top-level transitions to a set of active
// sub-states they are legal from. Absent entries allow any sub-state.
var topGuards = map[string]map[string][]string{
	StateActive: {
		StatePaused:    {SubExecuting, SubWaitingForResource},
		StateCompleted: {SubExecuting},
	},
}

// ExpandInitial descends the initial-child chain so that entering a
// composite state always lands on a concrete leaf, e.g. ["active"] becomes
// ["active", "initializing"].
func ExpandInitial(p Path) Path {
	out := p.Copy()
	node := stateTree
	for _, name := range out {
		node = node.child(name)
		if node == nil {
			return out
		}
	}
	for node != nil && node.initial != "" {
		out = append(out, node.initial)
		node = node.child(node.initial)
	}
	return out
}

// ValidatePath reports whether p names a real chain in the state tree.
func ValidatePath(p Path) error {
	if len(p) == 0 {
		return NewError(ErrorTypeValidation, "empty state path")
	}
	node := stateTree
	for _, name := range p {
		node = node.child(name)
		if node == nil {
			return NewErrorf(ErrorTypeValidation, "unknown state path %q", p.String())
		}
	}
	return nil
}

// ValidateTransition checks that from -> to is a legal transition. The
// transition is scoped: paths are compared level by level, and the level at
// which they diverge must permit the sibling move. Top-level moves out of
// "active" are additionally restricted to the sub-states listed in
// topGuards.
func ValidateTransition(from, to Path) error {
	if err := ValidatePath(from); err != nil {
		return err
	}
	if err := ValidatePath(to); err != nil {
		return err
	}
	if from.IsTerminal() {
		return NewErrorf(ErrorTypeValidation,
			"no transitions out of terminal state %q", from.String())
	}
	// Find the level at which the paths diverge.
	level := 0
	parent := stateTree
	for level < len(from) && level < len(to) && from[level] == to[level] {
		parent = parent.child(from[level])
		level++
	}
	if level >= len(from) || level >= len(to) {
		// One path is a prefix of the other; treat as re-entry of the same
		// composite state, which is not a transition.
		return NewErrorf(ErrorTypeValidation,
			"transition %q -> %q does not change state", from.String(), to.String())
	}
	if !parent.allows(from[level], to[level]) {
		return NewErrorf(ErrorTypeValidation,
			"illegal transition %q -> %q", from.String(), to.String())
	}
	if guards, ok := topGuards[from[level]]; ok && level+1 < len(from) {
		if allowed, ok := guards[to[level]]; ok {
			sub := from[level+1]
			legal := false
			for _, a := range allowed {
				if a == sub {
					legal = true
					break
				}
			}
			if !legal {
				return NewErrorf(ErrorTypeValidation,
					"transition %q -> %q not legal from sub-state %q",
					from.String(), to.String(), sub)
			}
		}
	}
	return nil
}
