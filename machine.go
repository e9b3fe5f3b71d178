package orchestra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/edgeflow-ai/orchestra/script"
)

// MachineOptions configures a state machine
type MachineOptions struct {
	Cache     *TieredCache
	Graph     *DependencyGraph
	Guards    script.Compiler
	Logger    *slog.Logger
	Callbacks Callbacks
	Feed      *Feed
}

// StateMachine owns the canonical lifecycle of workflows and steps. It is
// the single writer of canonical state: all transitions for a given
// workflow id are serialized behind a per-id mutex while different
// workflows progress fully in parallel. Every canonical write goes through
// the cache write-through path.
type StateMachine struct {
	cache     *TieredCache
	graph     *DependencyGraph
	guards    script.Compiler
	logger    *slog.Logger
	callbacks Callbacks
	feed      *Feed

	// postTransition runs after a top-level transition commits and the
	// workflow lock is released. Set once before the machine is used.
	postTransition func(context.Context, string)

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	resMu     sync.Mutex
	resources map[string]string

	idxMu    sync.RWMutex
	stepIDs  map[string]map[string]string
	defs     map[string]*Definition
	contexts map[string]VariableContainer
	live     map[string]bool
}

// NewStateMachine creates a state machine writing through the given cache
func NewStateMachine(opts MachineOptions) (*StateMachine, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if opts.Graph == nil {
		opts.Graph = NewDependencyGraph()
	}
	if opts.Guards == nil {
		// guards reference the workflow context as "ctx"; the name must be
		// declared at compile time
		opts.Guards = script.NewRisorEngine(map[string]any{"ctx": map[string]any{}})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	if opts.Feed == nil {
		opts.Feed = NewFeed(0)
	}
	return &StateMachine{
		cache:     opts.Cache,
		graph:     opts.Graph,
		guards:    opts.Guards,
		logger:    opts.Logger,
		callbacks: opts.Callbacks,
		feed:      opts.Feed,
		locks:     map[string]*sync.Mutex{},
		resources: map[string]string{},
		stepIDs:   map[string]map[string]string{},
		defs:      map[string]*Definition{},
		contexts:  map[string]VariableContainer{},
		live:      map[string]bool{},
	}, nil
}

// Graph returns the dependency graph the machine validates against
func (m *StateMachine) Graph() *DependencyGraph {
	return m.graph
}

// SetPostTransition registers a hook invoked after every committed
// top-level transition, outside the workflow lock. Must be called before
// the machine serves traffic.
func (m *StateMachine) SetPostTransition(fn func(context.Context, string)) {
	m.postTransition = fn
}

// Feed returns the event feed
func (m *StateMachine) Feed() *Feed {
	return m.feed
}

func (m *StateMachine) workflowLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

// Exclusive runs fn while holding the workflow's serialization lock.
// Checkpoint writes use this so they are mutually exclusive with a
// concurrent canonical write of the same workflow.
func (m *StateMachine) Exclusive(workflowID string, fn func() error) error {
	lock := m.workflowLock(workflowID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

func workflowKey(id string) string { return "wf:" + id }
func stepKey(id string) string     { return "stepdata:" + id }

func (m *StateMachine) saveWorkflow(ctx context.Context, w *Workflow) error {
	w.UpdatedAt = time.Now()
	return m.saveWorkflowRecord(ctx, w)
}

// saveWorkflowRecord persists a workflow exactly as given, without
// refreshing UpdatedAt. Checkpoint restoration depends on this: applying
// the same checkpoint twice must write the same bytes.
func (m *StateMachine) saveWorkflowRecord(ctx context.Context, w *Workflow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	return m.cache.Put(ctx, workflowKey(w.ID), data)
}

func (m *StateMachine) saveStep(ctx context.Context, s *Step) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal step: %w", err)
	}
	return m.cache.Put(ctx, stepKey(s.ID), data)
}

// Workflow returns a copy of the canonical workflow record
func (m *StateMachine) Workflow(ctx context.Context, id string) (*Workflow, error) {
	data, _, err := m.cache.Get(ctx, workflowKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, NewErrorf(ErrorTypeValidation, "unknown workflow %q", id)
	}
	if err != nil {
		return nil, err
	}
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return &w, nil
}

// Step returns a copy of the canonical step record
func (m *StateMachine) Step(ctx context.Context, id string) (*Step, error) {
	data, _, err := m.cache.Get(ctx, stepKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, NewErrorf(ErrorTypeValidation, "unknown step %q", id)
	}
	if err != nil {
		return nil, err
	}
	var s Step
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal step: %w", err)
	}
	return &s, nil
}

// Steps returns the workflow's steps in declaration order
func (m *StateMachine) Steps(ctx context.Context, workflowID string) ([]*Step, error) {
	w, err := m.Workflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	steps := make([]*Step, 0, len(w.StepIDs))
	for _, id := range w.StepIDs {
		s, err := m.Step(ctx, id)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// StepID resolves a step name within a workflow to its id
func (m *StateMachine) StepID(workflowID, name string) (string, bool) {
	m.idxMu.RLock()
	defer m.idxMu.RUnlock()
	id, ok := m.stepIDs[workflowID][name]
	return id, ok
}

// Definition returns the definition a workflow was created from
func (m *StateMachine) Definition(workflowID string) (*Definition, bool) {
	m.idxMu.RLock()
	defer m.idxMu.RUnlock()
	def, ok := m.defs[workflowID]
	return def, ok
}

// SetContext sets a key in the workflow's guard evaluation context
func (m *StateMachine) SetContext(workflowID, key string, value any) {
	m.Context(workflowID).SetVariable(key, value)
}

// Context returns the workflow's guard evaluation context, creating it on
// first use.
func (m *StateMachine) Context(workflowID string) VariableContainer {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	container, ok := m.contexts[workflowID]
	if !ok {
		container = NewMemoryVariables(nil)
		m.contexts[workflowID] = container
	}
	return container
}

// CreateWorkflow validates the definition's dependency graph and creates
// the workflow in state "pending" with every step "blocked". If any edge
// would create a cycle, nothing is created and the error names the cycle.
func (m *StateMachine) CreateWorkflow(ctx context.Context, def *Definition) (*Workflow, error) {
	if def == nil {
		return nil, NewError(ErrorTypeValidation, "definition is required")
	}
	workflowID := NewWorkflowID()

	steps := make([]*Step, 0, len(def.Steps()))
	byName := make(map[string]string, len(def.Steps()))
	for _, sd := range def.Steps() {
		step := &Step{
			ID:         NewStepID(),
			WorkflowID: workflowID,
			Name:       sd.Name,
			Capability: sd.Capability,
			Resource:   sd.Resource,
			Produces:   sd.Produces,
			State:      StepBlocked,
			MaxRetries: sd.MaxRetries,
		}
		steps = append(steps, step)
		byName[sd.Name] = step.ID
		m.graph.AddStep(workflowID, step.ID, sd.Name)
	}
	for _, dep := range def.Dependencies() {
		if err := m.graph.AddDependency(byName[dep.Source], byName[dep.Target], dep); err != nil {
			// Roll the partial graph back; no state was persisted yet.
			m.graph.RemoveWorkflow(workflowID)
			return nil, err
		}
	}

	now := time.Now()
	w := &Workflow{
		ID:            workflowID,
		Name:          def.Name(),
		Tenant:        def.Tenant(),
		Priority:      def.Priority(),
		State:         InitialPath(),
		Consistency:   def.Consistency(),
		FailureQuorum: def.FailureQuorum(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, s := range steps {
		w.StepIDs = append(w.StepIDs, s.ID)
	}

	lock := m.workflowLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	for _, s := range steps {
		if err := m.saveStep(ctx, s); err != nil {
			m.graph.RemoveWorkflow(workflowID)
			return nil, err
		}
	}
	if err := m.saveWorkflow(ctx, w); err != nil {
		m.graph.RemoveWorkflow(workflowID)
		return nil, err
	}

	m.idxMu.Lock()
	m.stepIDs[workflowID] = byName
	m.defs[workflowID] = def
	m.live[workflowID] = true
	m.idxMu.Unlock()

	m.feed.Publish(Event{
		Type:       EventWorkflowCreated,
		WorkflowID: workflowID,
		Data:       map[string]any{"name": def.Name()},
	})
	m.logger.Info("workflow created",
		"workflow_id", workflowID, "name", def.Name(), "steps", len(steps))
	return w.Copy(), nil
}

// Transition applies a workflow state transition atomically. The recorded
// state must match from exactly (optimistic concurrency): a stale caller
// gets ErrorTypeStaleState and must re-read before retrying. Illegal
// transitions are rejected and logged, never coerced.
func (m *StateMachine) Transition(ctx context.Context, workflowID string, from, to Path, trigger string) (Path, error) {
	next, cascades, err := m.transitionWorkflow(ctx, workflowID, from, to, trigger)
	if err != nil {
		return nil, err
	}
	if len(cascades) > 0 {
		m.cascadeBeyondWorkflow(ctx, cascades, terminalStepState(next.Top()))
	}
	if m.postTransition != nil && from.Top() != next.Top() {
		m.postTransition(ctx, workflowID)
	}
	return next, nil
}

// transitionWorkflow is the locked half of Transition. It returns the
// committed path plus the ids of steps in other workflows that depended on
// work a terminal transition closed out.
func (m *StateMachine) transitionWorkflow(ctx context.Context, workflowID string, from, to Path, trigger string) (Path, []string, error) {
	lock := m.workflowLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	w, err := m.Workflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if !w.State.Equal(from) {
		return nil, nil, NewErrorf(ErrorTypeStaleState,
			"workflow is in state %q, not %q", w.State.String(), from.String()).
			WithWorkflow(workflowID, w.CheckpointSeq)
	}
	if err := ValidateTransition(from, to); err != nil {
		m.logger.Warn("transition rejected",
			"workflow_id", workflowID,
			"from", from.String(), "to", to.String(), "trigger", trigger,
			"error", err)
		return nil, nil, err
	}

	next := to.Copy()
	switch {
	case to.Top() == StatePaused && from.Top() == StateActive:
		// Suspend, not discard, the active sub-state path.
		w.Suspended = Path(from[1:]).Copy()
		next = Path{StatePaused}
	case to.Top() == StateActive && from.Top() == StatePaused:
		if len(w.Suspended) > 0 {
			next = append(Path{StateActive}, w.Suspended...)
		} else {
			next = ExpandInitial(Path{StateActive})
		}
		w.Suspended = nil
	default:
		next = ExpandInitial(next)
	}

	w.State = next
	if err := m.saveWorkflow(ctx, w); err != nil {
		return nil, nil, err
	}

	var cascades []string
	if next.IsTerminal() {
		// A workflow that fails or is cancelled takes its unfinished
		// steps with it; completion leaves step states as they are.
		if top := next.Top(); top == StateCancelled || top == StateFailed {
			cascades, err = m.closeOutSteps(ctx, w, terminalStepState(top))
			if err != nil {
				return nil, nil, err
			}
		}
		m.finalizeTerminal(ctx, w)
	}

	event := &TransitionEvent{WorkflowID: workflowID, From: from, To: next, Trigger: trigger}
	m.callbacks.OnTransition(ctx, event)
	m.feed.Publish(Event{
		Type:       EventTransition,
		WorkflowID: workflowID,
		Data: map[string]any{
			"from": from.String(), "to": next.String(), "trigger": trigger,
		},
	})
	m.logger.Info("workflow transition",
		"workflow_id", workflowID,
		"from", from.String(), "to", next.String(), "trigger", trigger)
	return next, cascades, nil
}

// terminalStepState maps a terminal workflow state to the state its
// unfinished steps are closed into.
func terminalStepState(top string) StepState {
	if top == StateFailed {
		return StepFailed
	}
	return StepCancelled
}

// closeOutSteps forces every not-yet-terminal step of a terminal workflow
// into closed, releasing held resources. It returns the ids of steps in
// other workflows that depended on the unfinished work, so the caller can
// cascade to them after releasing this workflow's lock. Caller holds the
// workflow lock.
func (m *StateMachine) closeOutSteps(ctx context.Context, w *Workflow, closed StepState) ([]string, error) {
	var dependents []string
	seen := map[string]bool{}
	for _, stepID := range w.StepIDs {
		s, err := m.Step(ctx, stepID)
		if err != nil {
			return nil, err
		}
		if s.State == StepCompleted {
			continue
		}
		for _, depType := range []DependencyType{DependencySequential, DependencyDataFlow} {
			for _, depID := range m.graph.DependentIDs(stepID, depType) {
				ds, err := m.Step(ctx, depID)
				if err != nil || ds.WorkflowID == w.ID || seen[depID] {
					continue
				}
				seen[depID] = true
				dependents = append(dependents, depID)
			}
		}
		if s.State.IsTerminal() {
			continue
		}
		prev := s.State
		s.State = closed
		m.releaseResourcesOf(stepID)
		if err := m.saveStep(ctx, s); err != nil {
			return nil, err
		}
		m.callbacks.OnStepChange(ctx, &StepEvent{
			WorkflowID: w.ID, StepID: s.ID, StepName: s.Name,
			From: prev, To: closed,
		})
	}
	sort.Strings(dependents)
	return dependents, nil
}

// cascadeBeyondWorkflow closes blocked steps in other workflows whose
// source step can no longer complete. Runs without the source workflow's
// lock: each dependent transition serializes on its own workflow.
func (m *StateMachine) cascadeBeyondWorkflow(ctx context.Context, dependents []string, to StepState) {
	for _, id := range dependents {
		if err := m.TransitionStep(ctx, id, StepBlocked, to); err == nil {
			m.logger.Info("cascade closed dependent step",
				"step_id", id, "state", to)
		}
	}
}

// finalizeTerminal prunes a terminal workflow from the live dependency
// graph and releases any resources its steps still hold. Caller holds the
// workflow lock.
func (m *StateMachine) finalizeTerminal(ctx context.Context, w *Workflow) {
	for _, stepID := range w.StepIDs {
		m.releaseResourcesOf(stepID)
	}
	m.graph.RemoveWorkflow(w.ID)
	m.idxMu.Lock()
	delete(m.live, w.ID)
	m.idxMu.Unlock()
}

// LiveWorkflowIDs returns the ids of non-terminal workflows
func (m *StateMachine) LiveWorkflowIDs() []string {
	m.idxMu.RLock()
	defer m.idxMu.RUnlock()
	ids := make([]string, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CancelWorkflow cancels a workflow idempotently. Safe to invoke from any
// state, including mid-synchronization: all not-yet-terminal steps are
// cancelled, held resources released, and the workflow pruned from the
// live graph in a single serialized operation.
func (m *StateMachine) CancelWorkflow(ctx context.Context, workflowID string) error {
	cascades, cancelled, err := m.cancelWorkflow(ctx, workflowID)
	if err != nil || !cancelled {
		return err
	}
	m.cascadeBeyondWorkflow(ctx, cascades, StepCancelled)
	if m.postTransition != nil {
		m.postTransition(ctx, workflowID)
	}
	return nil
}

func (m *StateMachine) cancelWorkflow(ctx context.Context, workflowID string) ([]string, bool, error) {
	lock := m.workflowLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	w, err := m.Workflow(ctx, workflowID)
	if err != nil {
		return nil, false, err
	}
	if w.State.Top() == StateCancelled {
		return nil, false, nil
	}
	if w.State.IsTerminal() {
		return nil, false, NewErrorf(ErrorTypeValidation,
			"cannot cancel workflow in terminal state %q", w.State.String())
	}
	from := w.State.Copy()
	w.State = Path{StateCancelled}
	w.Suspended = nil
	if err := m.saveWorkflow(ctx, w); err != nil {
		return nil, false, err
	}
	cascades, err := m.closeOutSteps(ctx, w, StepCancelled)
	if err != nil {
		return nil, false, err
	}
	m.finalizeTerminal(ctx, w)
	m.callbacks.OnTransition(ctx, &TransitionEvent{
		WorkflowID: workflowID, From: from, To: w.State, Trigger: "cancel",
	})
	m.feed.Publish(Event{Type: EventWorkflowCancelled, WorkflowID: workflowID})
	m.logger.Info("workflow cancelled", "workflow_id", workflowID)
	return cascades, true, nil
}

// TransitionStep applies a step state transition under the owning
// workflow's lock, with the same optimistic from-state check as workflow
// transitions. Post-transition hooks unblock dependents on completion and
// propagate failure per the cascading policy.
func (m *StateMachine) TransitionStep(ctx context.Context, stepID string, from, to StepState) error {
	s, err := m.Step(ctx, stepID)
	if err != nil {
		return err
	}
	lock := m.workflowLock(s.WorkflowID)
	lock.Lock()

	// Re-read under the lock.
	s, err = m.Step(ctx, stepID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if s.State != from {
		lock.Unlock()
		return NewErrorf(ErrorTypeStaleState,
			"step %q is in state %q, not %q", s.Name, s.State, from)
	}
	if !validStepTransition(from, to) {
		lock.Unlock()
		m.logger.Warn("step transition rejected",
			"step_id", stepID, "from", from, "to", to)
		return NewErrorf(ErrorTypeValidation,
			"illegal step transition %q -> %q", from, to)
	}
	if to == StepReady {
		ready, err := m.IsStepReady(ctx, stepID)
		if err != nil {
			lock.Unlock()
			return err
		}
		if !ready {
			lock.Unlock()
			return NewErrorf(ErrorTypeValidation,
				"step %q has unsatisfied dependencies", s.Name)
		}
	}

	s.State = to
	switch to {
	case StepAssigned:
		s.Scheduled = true
	case StepReady:
		// requeued steps give up their agent and any claimed resource
		s.AgentID = ""
		m.releaseResourcesOf(stepID)
	case StepRunning:
		s.StartedAt = time.Now()
	case StepCompleted:
		s.CompletedAt = time.Now()
		m.releaseResourcesOf(stepID)
	case StepFailed, StepCancelled:
		m.releaseResourcesOf(stepID)
	}
	if err := m.saveStep(ctx, s); err != nil {
		lock.Unlock()
		return err
	}
	m.callbacks.OnStepChange(ctx, &StepEvent{
		WorkflowID: s.WorkflowID, StepID: stepID, StepName: s.Name,
		AgentID: s.AgentID, From: from, To: to,
	})
	m.feed.Publish(Event{
		Type: EventStepTransition, WorkflowID: s.WorkflowID, StepID: stepID,
		Data: map[string]any{"from": string(from), "to": string(to)},
	})
	lock.Unlock()

	// Cascades run after the owning lock is released: dependents may
	// belong to other workflows with their own serialization.
	switch to {
	case StepCompleted:
		m.unblockDependents(ctx, stepID)
	case StepFailed:
		m.propagateFailure(ctx, stepID)
	}
	return nil
}

// AssignStep records an agent assignment for a ready step and claims the
// step's declared resource.
func (m *StateMachine) AssignStep(ctx context.Context, stepID, agentID string) error {
	s, err := m.Step(ctx, stepID)
	if err != nil {
		return err
	}
	lock := m.workflowLock(s.WorkflowID)
	lock.Lock()
	defer lock.Unlock()

	s, err = m.Step(ctx, stepID)
	if err != nil {
		return err
	}
	if s.State != StepReady {
		return NewErrorf(ErrorTypeStaleState,
			"step %q is in state %q, not %q", s.Name, s.State, StepReady)
	}
	if s.Resource != "" {
		if !m.claimResource(s.Resource, stepID) {
			return NewErrorf(ErrorTypeValidation,
				"resource %q already claimed", s.Resource)
		}
	}
	s.State = StepAssigned
	s.AgentID = agentID
	s.Scheduled = true
	if err := m.saveStep(ctx, s); err != nil {
		m.releaseResourcesOf(stepID)
		return err
	}
	m.callbacks.OnStepChange(ctx, &StepEvent{
		WorkflowID: s.WorkflowID, StepID: stepID, StepName: s.Name,
		AgentID: agentID, From: StepReady, To: StepAssigned,
	})
	m.feed.Publish(Event{
		Type: EventStepAssigned, WorkflowID: s.WorkflowID,
		StepID: stepID, AgentID: agentID,
	})
	return nil
}

// PromoteReadySteps moves every blocked step whose dependencies are
// satisfied into ready. Called when a workflow starts or resumes; later
// promotions ride the completion cascade.
func (m *StateMachine) PromoteReadySteps(ctx context.Context, workflowID string) error {
	w, err := m.Workflow(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, stepID := range w.StepIDs {
		s, err := m.Step(ctx, stepID)
		if err != nil {
			return err
		}
		if s.State != StepBlocked {
			continue
		}
		ready, err := m.IsStepReady(ctx, stepID)
		if err != nil || !ready {
			continue
		}
		if err := m.TransitionStep(ctx, stepID, StepBlocked, StepReady); err != nil {
			continue
		}
	}
	return nil
}

// unblockDependents promotes blocked dependents whose dependencies are now
// satisfied.
func (m *StateMachine) unblockDependents(ctx context.Context, stepID string) {
	var dependents []string
	for _, depType := range []DependencyType{
		DependencySequential, DependencyParallel,
		DependencyConditional, DependencyResource, DependencyDataFlow,
	} {
		dependents = append(dependents, m.graph.DependentIDs(stepID, depType)...)
	}
	sort.Strings(dependents)
	seen := map[string]bool{}
	for _, id := range dependents {
		if seen[id] {
			continue
		}
		seen[id] = true
		ready, err := m.IsStepReady(ctx, id)
		if err != nil || !ready {
			continue
		}
		if err := m.TransitionStep(ctx, id, StepBlocked, StepReady); err != nil {
			// Already past blocked, or raced with another writer. Both fine.
			continue
		}
	}
}

// propagateFailure applies the cascading failure policy: sequential
// dependents fail outright; a parallel dependent fails only once the
// failed fraction of its parallel sources reaches the workflow's quorum.
func (m *StateMachine) propagateFailure(ctx context.Context, stepID string) {
	for _, id := range m.graph.DependentIDs(stepID, DependencySequential) {
		if err := m.TransitionStep(ctx, id, StepBlocked, StepFailed); err == nil {
			m.logger.Info("failure cascaded to dependent", "step_id", id)
		}
	}
	for _, id := range m.graph.DependentIDs(stepID, DependencyParallel) {
		if m.parallelQuorumFailed(ctx, id) {
			if err := m.TransitionStep(ctx, id, StepBlocked, StepFailed); err == nil {
				m.logger.Info("parallel quorum failure cascaded", "step_id", id)
			}
		}
	}
}

func (m *StateMachine) parallelQuorumFailed(ctx context.Context, stepID string) bool {
	s, err := m.Step(ctx, stepID)
	if err != nil {
		return false
	}
	w, err := m.Workflow(ctx, s.WorkflowID)
	if err != nil {
		return false
	}
	quorum := w.FailureQuorum
	if quorum <= 0 {
		quorum = DefaultFailureQuorum
	}
	var total, failed int
	for sourceID, dep := range m.graph.Incoming(stepID) {
		if dep.Type != DependencyParallel {
			continue
		}
		total++
		src, err := m.Step(ctx, sourceID)
		if err == nil && src.State == StepFailed {
			failed++
		}
	}
	if total == 0 {
		return false
	}
	return float64(failed)/float64(total) >= quorum
}

// IsStepReady reports whether all of a step's dependencies are satisfied
func (m *StateMachine) IsStepReady(ctx context.Context, stepID string) (bool, error) {
	s, err := m.Step(ctx, stepID)
	if err != nil {
		return false, err
	}
	return m.graph.IsReady(ctx, stepID, m.readiness(s.WorkflowID))
}

func (m *StateMachine) readiness(workflowID string) ReadinessContext {
	return &machineReadiness{m: m, workflowID: workflowID}
}

type machineReadiness struct {
	m          *StateMachine
	workflowID string
}

func (r *machineReadiness) StepState(id string) (StepState, bool) {
	s, err := r.m.Step(context.Background(), id)
	if err != nil {
		return "", false
	}
	return s.State, true
}

func (r *machineReadiness) StepScheduled(id string) bool {
	s, err := r.m.Step(context.Background(), id)
	if err != nil {
		return false
	}
	return s.Scheduled
}

func (r *machineReadiness) ResourceClaimed(name string) bool {
	r.m.resMu.Lock()
	defer r.m.resMu.Unlock()
	_, claimed := r.m.resources[name]
	return claimed
}

func (r *machineReadiness) EvaluateGuard(ctx context.Context, guard string) (bool, error) {
	compiled, err := r.m.guards.Compile(ctx, guard)
	if err != nil {
		return false, NewErrorf(ErrorTypeValidation, "bad guard %q: %s", guard, err)
	}
	container := r.m.Context(r.workflowID)
	globals := map[string]any{"ctx": VariablesMap(container)}
	ctx = WithVariables(WithLogger(ctx, r.m.logger), container)
	ctx = WithCompiler(ctx, r.m.guards)
	value, err := compiled.Evaluate(ctx, globals)
	if err != nil {
		return false, fmt.Errorf("guard evaluation failed: %w", err)
	}
	return value.IsTruthy(), nil
}

func (m *StateMachine) claimResource(name, stepID string) bool {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	if holder, claimed := m.resources[name]; claimed && holder != stepID {
		return false
	}
	m.resources[name] = stepID
	return true
}

func (m *StateMachine) releaseResourcesOf(stepID string) {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	for name, holder := range m.resources {
		if holder == stepID {
			delete(m.resources, name)
		}
	}
}

// ResourceClaims returns a copy of the current resource claim table
func (m *StateMachine) ResourceClaims() map[string]string {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	out := make(map[string]string, len(m.resources))
	for k, v := range m.resources {
		out[k] = v
	}
	return out
}

// restoreResources replaces the claim table entries for a workflow's steps
// from a checkpoint snapshot. Caller holds the workflow lock.
func (m *StateMachine) restoreResources(w *Workflow, claims map[string]string) {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	owned := make(map[string]bool, len(w.StepIDs))
	for _, id := range w.StepIDs {
		owned[id] = true
	}
	for name, holder := range m.resources {
		if owned[holder] {
			delete(m.resources, name)
		}
	}
	for name, holder := range claims {
		m.resources[name] = holder
	}
}
