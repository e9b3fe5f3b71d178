package orchestra

import (
	"context"
	"sort"
	"sync"
)

// ReadinessContext supplies the state reads a readiness query needs. The
// state machine implements this over the cache; tests supply fakes.
type ReadinessContext interface {
	// StepState returns the current state of a step by id
	StepState(id string) (StepState, bool)

	// StepScheduled reports whether a step has been scheduled (assigned or
	// later), which is all a parallel dependency requires of its source.
	StepScheduled(id string) bool

	// ResourceClaimed reports whether a named resource is currently held
	ResourceClaimed(name string) bool

	// EvaluateGuard evaluates a conditional dependency guard against the
	// current workflow context.
	EvaluateGuard(ctx context.Context, guard string) (bool, error)
}

// graphNode is one arena slot. Nodes reference each other by index, never
// by pointer, so the arena itself can never form pointer cycles.
type graphNode struct {
	id         string
	name       string
	workflowID string
	out        []graphEdge
	in         []graphEdge
	live       bool
}

type graphEdge struct {
	peer int
	dep  *Dependency
}

// DependencyGraph maintains the directed dependency edges across all live
// (non-terminal) workflows and guarantees they always form a DAG. Readers
// run concurrently; mutations hold an exclusive lock for the duration of
// cycle detection plus commit.
type DependencyGraph struct {
	mu    sync.RWMutex
	nodes []graphNode
	index map[string]int
	free  []int
}

// NewDependencyGraph returns an empty dependency graph
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{index: map[string]int{}}
}

// AddStep registers a step node in the graph. Adding an already present
// step is a no-op.
func (g *DependencyGraph) AddStep(workflowID, stepID, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.index[stepID]; ok {
		return
	}
	node := graphNode{id: stepID, name: name, workflowID: workflowID, live: true}
	var idx int
	if n := len(g.free); n > 0 {
		idx = g.free[n-1]
		g.free = g.free[:n-1]
		g.nodes[idx] = node
	} else {
		idx = len(g.nodes)
		g.nodes = append(g.nodes, node)
	}
	g.index[stepID] = idx
}

// AddDependency inserts a dependency edge from sourceID to targetID. The
// candidate edge is checked on an overlay of the committed graph first: if
// it would create a cycle the graph is left untouched and the error names
// the cycle path.
func (g *DependencyGraph) AddDependency(sourceID, targetID string, dep *Dependency) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	src, ok := g.index[sourceID]
	if !ok {
		return NewErrorf(ErrorTypeValidation, "unknown source step %q", sourceID)
	}
	dst, ok := g.index[targetID]
	if !ok {
		return NewErrorf(ErrorTypeValidation, "unknown target step %q", targetID)
	}
	if src == dst {
		return NewErrorf(ErrorTypeCircularDependency,
			"self dependency on step %q", g.nodes[src].name)
	}
	if cycle := g.findCycleWith(src, dst); cycle != nil {
		return &OrchestrationError{
			Type:    ErrorTypeCircularDependency,
			Cause:   "dependency would create cycle: " + joinCycle(cycle),
			Details: cycle,
		}
	}
	g.nodes[src].out = append(g.nodes[src].out, graphEdge{peer: dst, dep: dep})
	g.nodes[dst].in = append(g.nodes[dst].in, graphEdge{peer: src, dep: dep})
	return nil
}

// findCycleWith runs three-color DFS over the committed edges plus the
// candidate edge src->dst, and returns the cycle as step names if one
// exists. A grey-to-grey edge indicates a cycle. O(V+E).
func (g *DependencyGraph) findCycleWith(src, dst int) []string {
	neighbors := func(n int) []int {
		out := make([]int, 0, len(g.nodes[n].out)+1)
		for _, e := range g.nodes[n].out {
			if g.nodes[e.peer].live {
				out = append(out, e.peer)
			}
		}
		if n == src {
			out = append(out, dst)
		}
		return out
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make([]int, len(g.nodes))
	var stack []int
	var cycle []int

	var visit func(n int) bool
	visit = func(n int) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, next := range neighbors(n) {
			switch color[next] {
			case grey:
				// Found it: slice the stack from the first occurrence of next.
				for i, s := range stack {
					if s == next {
						cycle = append(append([]int{}, stack[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[n] = black
		stack = stack[:len(stack)-1]
		return false
	}

	// Only the candidate edge can introduce a cycle, so start from dst.
	if color[dst] == white && g.nodes[dst].live {
		if visit(dst) {
			names := make([]string, len(cycle))
			for i, n := range cycle {
				names[i] = g.nodes[n].name
			}
			return names
		}
	}
	return nil
}

func joinCycle(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += " -> "
		}
		out += n
	}
	return out
}

// IsReady reports whether every incoming dependency of the step is
// satisfied. Sequential and dataflow edges require the source completed;
// parallel edges require the source scheduled; conditional edges evaluate
// their guard; resource edges require the named resource unclaimed.
func (g *DependencyGraph) IsReady(ctx context.Context, stepID string, rc ReadinessContext) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	idx, ok := g.index[stepID]
	if !ok {
		return false, NewErrorf(ErrorTypeValidation, "unknown step %q", stepID)
	}
	for _, e := range g.nodes[idx].in {
		if !g.nodes[e.peer].live {
			continue
		}
		sourceID := g.nodes[e.peer].id
		switch e.dep.Type {
		case DependencySequential, DependencyDataFlow:
			state, ok := rc.StepState(sourceID)
			if !ok || state != StepCompleted {
				return false, nil
			}
		case DependencyParallel:
			if !rc.StepScheduled(sourceID) {
				return false, nil
			}
		case DependencyConditional:
			ok, err := rc.EvaluateGuard(ctx, e.dep.Guard)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		case DependencyResource:
			if rc.ResourceClaimed(e.dep.Resource) {
				return false, nil
			}
		}
	}
	return true, nil
}

// Dependents returns the outgoing edges of a step: the steps that depend
// on it, with the dependency metadata.
func (g *DependencyGraph) Dependents(stepID string) []*Dependency {
	g.mu.RLock()
	defer g.mu.RUnlock()

	idx, ok := g.index[stepID]
	if !ok {
		return nil
	}
	var out []*Dependency
	for _, e := range g.nodes[idx].out {
		if g.nodes[e.peer].live {
			out = append(out, e.dep)
		}
	}
	return out
}

// DependentIDs returns the ids of steps with an incoming edge from stepID
// of the given type.
func (g *DependencyGraph) DependentIDs(stepID string, depType DependencyType) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	idx, ok := g.index[stepID]
	if !ok {
		return nil
	}
	var ids []string
	for _, e := range g.nodes[idx].out {
		if g.nodes[e.peer].live && e.dep.Type == depType {
			ids = append(ids, g.nodes[e.peer].id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Incoming returns the incoming edges of a step paired with their source
// step ids.
func (g *DependencyGraph) Incoming(stepID string) map[string]*Dependency {
	g.mu.RLock()
	defer g.mu.RUnlock()

	idx, ok := g.index[stepID]
	if !ok {
		return nil
	}
	in := make(map[string]*Dependency, len(g.nodes[idx].in))
	for _, e := range g.nodes[idx].in {
		if g.nodes[e.peer].live {
			in[g.nodes[e.peer].id] = e.dep
		}
	}
	return in
}

// RemoveWorkflow removes every node and edge belonging to the workflow.
// Atomic with respect to concurrent readers: a reader observes the graph
// either entirely before or entirely after the removal. Terminal workflows
// are pruned this way so the arena stays sized to the live population.
func (g *DependencyGraph) RemoveWorkflow(workflowID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for idx := range g.nodes {
		node := &g.nodes[idx]
		if !node.live || node.workflowID != workflowID {
			continue
		}
		node.live = false
		delete(g.index, node.id)
		g.free = append(g.free, idx)
	}
	// Drop edges that now point at dead nodes.
	for idx := range g.nodes {
		node := &g.nodes[idx]
		if !node.live {
			node.out = nil
			node.in = nil
			continue
		}
		node.out = pruneEdges(node.out, g.nodes)
		node.in = pruneEdges(node.in, g.nodes)
	}
}

func pruneEdges(edges []graphEdge, nodes []graphNode) []graphEdge {
	kept := edges[:0]
	for _, e := range edges {
		if nodes[e.peer].live {
			kept = append(kept, e)
		}
	}
	return kept
}

// Contains reports whether the step is present in the live graph
func (g *DependencyGraph) Contains(stepID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, ok := g.index[stepID]
	return ok
}

// Size returns the number of live nodes
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.index)
}

// FindCycle runs the shared three-color cycle detection over an arbitrary
// adjacency map and returns a cycle as a node sequence, or nil. The
// coordinator applies this to its agent wait-for graph; the dependency
// graph applies the same coloring to its arena.
func FindCycle(adjacency map[string][]string) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(adjacency))
	var stack []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, next := range adjacency[n] {
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[n] = black
		stack = stack[:len(stack)-1]
		return false
	}

	nodes := make([]string, 0, len(adjacency))
	for n := range adjacency {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if color[n] == white {
			if visit(n) {
				return cycle
			}
		}
	}
	return nil
}
