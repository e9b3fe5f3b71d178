package orchestra

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgeflow-ai/orchestra/retry"
	"github.com/edgeflow-ai/orchestra/script"
)

// OrchestratorOptions configures an orchestrator. Only the durable store
// is required; everything else has a working default.
type OrchestratorOptions struct {
	Store        DurableStore
	Cache        CacheOptions
	Checkpointer Checkpointer
	Registry     AgentRegistry
	Guards       script.Compiler
	Retry        retry.Policy

	// ConflictPolicy overrides the default strategy per conflict type
	ConflictPolicy    map[ConflictType]ResolutionStrategy
	Safety            SafetyEvaluator
	Negotiate         NegotiateFunc
	AlternateResource AlternateResourceFunc

	BarrierTimeout   time.Duration
	BarrierRetries   int
	RecoveryInterval time.Duration

	// Journal durably records orchestration events per workflow. Defaults
	// to a no-op journal.
	Journal EventJournal

	Logger    *slog.Logger
	Callbacks Callbacks
}

// Orchestrator is the top-level façade wiring the state machine, the
// multi-agent coordinator, the conflict resolver, and the recovery
// manager over one write-through cache. It is safe for concurrent use.
type Orchestrator struct {
	store       DurableStore
	cache       *TieredCache
	machine     *StateMachine
	coordinator *Coordinator
	resolver    *ConflictResolver
	recovery    *RecoveryManager
	journal     EventJournal
	logger      *slog.Logger

	replicaMu sync.Mutex
	replicas  []*EdgeReplica
}

// New creates an orchestrator
func New(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	if opts.Registry == nil {
		opts.Registry = NewStaticRegistry()
	}
	if opts.Journal == nil {
		opts.Journal = NewNullEventJournal()
	}
	cache := NewTieredCache(opts.Store, opts.Cache)
	machine, err := NewStateMachine(MachineOptions{
		Cache:     cache,
		Guards:    opts.Guards,
		Logger:    opts.Logger,
		Callbacks: opts.Callbacks,
	})
	if err != nil {
		return nil, err
	}
	coordinator, err := NewCoordinator(CoordinatorOptions{
		Registry:       opts.Registry,
		Machine:        machine,
		Logger:         opts.Logger,
		Callbacks:      opts.Callbacks,
		BarrierTimeout: opts.BarrierTimeout,
		BarrierRetries: opts.BarrierRetries,
	})
	if err != nil {
		return nil, err
	}
	resolver, err := NewConflictResolver(ResolverOptions{
		Machine:           machine,
		Policy:            opts.ConflictPolicy,
		Safety:            opts.Safety,
		Negotiate:         opts.Negotiate,
		AlternateResource: opts.AlternateResource,
		Logger:            opts.Logger,
		Callbacks:         opts.Callbacks,
	})
	if err != nil {
		return nil, err
	}
	recovery, err := NewRecoveryManager(RecoveryOptions{
		Machine:      machine,
		Checkpointer: opts.Checkpointer,
		Retry:        opts.Retry,
		Interval:     opts.RecoveryInterval,
		Logger:       opts.Logger,
		Callbacks:    opts.Callbacks,
	})
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		store:       opts.Store,
		cache:       cache,
		machine:     machine,
		coordinator: coordinator,
		resolver:    resolver,
		recovery:    recovery,
		journal:     opts.Journal,
		logger:      opts.Logger,
	}
	// Every top-level transition checkpoints; exhausted barriers surface
	// as manual-intervention escalations.
	machine.SetPostTransition(o.checkpointQuietly)
	coordinator.SetEscalation(func(ctx context.Context, workflowID string, cause error) {
		if err := recovery.Escalate(ctx, workflowID, cause); err != nil {
			opts.Logger.Warn("barrier escalation failed",
				"workflow_id", workflowID, "error", err)
		}
	})
	return o, nil
}

// Machine returns the underlying state machine
func (o *Orchestrator) Machine() *StateMachine {
	return o.machine
}

// Coordinator returns the multi-agent coordinator
func (o *Orchestrator) Coordinator() *Coordinator {
	return o.coordinator
}

// Resolver returns the conflict resolver
func (o *Orchestrator) Resolver() *ConflictResolver {
	return o.resolver
}

// Recovery returns the recovery manager
func (o *Orchestrator) Recovery() *RecoveryManager {
	return o.recovery
}

// Events returns the orchestrator's event feed
func (o *Orchestrator) Events() *Feed {
	return o.machine.Feed()
}

// CreateWorkflow registers a definition, validates its dependency graph,
// and creates the workflow in the pending state.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, def *Definition) (*Workflow, error) {
	return o.machine.CreateWorkflow(ctx, def)
}

// Start moves a pending workflow into active execution and promotes the
// steps with no unsatisfied dependencies to ready.
func (o *Orchestrator) Start(ctx context.Context, workflowID string) error {
	if _, err := o.machine.Transition(ctx, workflowID,
		Path{StatePending}, Path{StateActive}, "start"); err != nil {
		return err
	}
	return o.machine.PromoteReadySteps(ctx, workflowID)
}

// Pause suspends an active workflow, preserving its sub-state so Resume
// restores exactly where it left off.
func (o *Orchestrator) Pause(ctx context.Context, workflowID string) error {
	w, err := o.machine.Workflow(ctx, workflowID)
	if err != nil {
		return err
	}
	_, err = o.machine.Transition(ctx, workflowID, w.State, Path{StatePaused}, "pause")
	return err
}

// Resume returns a paused workflow to its pre-pause sub-state
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) error {
	if _, err := o.machine.Transition(ctx, workflowID,
		Path{StatePaused}, Path{StateActive}, "resume"); err != nil {
		return err
	}
	return o.machine.PromoteReadySteps(ctx, workflowID)
}

// Cancel cancels a workflow, its non-terminal steps, and any open
// synchronization barriers it owns.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID string) error {
	if err := o.machine.CancelWorkflow(ctx, workflowID); err != nil {
		return err
	}
	o.coordinator.ReleaseWorkflowBarriers(workflowID)
	return nil
}

// checkpointQuietly takes a best-effort checkpoint after a top-level
// transition. Checkpoint failures never fail the transition itself.
func (o *Orchestrator) checkpointQuietly(ctx context.Context, workflowID string) {
	if _, err := o.recovery.Checkpoint(ctx, workflowID); err != nil {
		o.logger.Warn("checkpoint failed",
			"workflow_id", workflowID, "error", err)
	}
}

// Workflow returns a workflow's current record
func (o *Orchestrator) Workflow(ctx context.Context, workflowID string) (*Workflow, error) {
	return o.machine.Workflow(ctx, workflowID)
}

// Steps returns the runtime records of a workflow's steps
func (o *Orchestrator) Steps(ctx context.Context, workflowID string) ([]*Step, error) {
	return o.machine.Steps(ctx, workflowID)
}

// Assign distributes a workflow's ready steps across the registered
// agents using the given coordination protocol.
func (o *Orchestrator) Assign(ctx context.Context, workflowID string, cfg CoordinationConfig) (*CoordinationPlan, error) {
	steps, err := o.machine.Steps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	ready := make([]*Step, 0, len(steps))
	for _, s := range steps {
		if s.State == StepReady {
			ready = append(ready, s)
		}
	}
	if len(ready) == 0 {
		return nil, NewErrorf(ErrorTypeValidation, "workflow %s has no ready steps", workflowID)
	}
	if def, ok := o.machine.Definition(workflowID); ok &&
		def.Consistency() == ConsistencyBounded && o.replicaLagging() {
		return nil, NewErrorf(ErrorTypeTimeout,
			"workflow %s assignment paused: replica lag exceeds staleness bound", workflowID)
	}
	return o.coordinator.Coordinate(ctx, workflowID, ready, nil, cfg)
}

// Synchronize creates a synchronization barrier for the given agents
func (o *Orchestrator) Synchronize(ctx context.Context, workflowID string, participantIDs []string, timeout time.Duration) (string, error) {
	return o.coordinator.CreateSynchronizationPoint(ctx, workflowID, participantIDs, timeout)
}

// Arrive blocks the calling agent at a barrier until release, timeout, or
// cancellation.
func (o *Orchestrator) Arrive(ctx context.Context, syncPointID, agentID string) error {
	return o.coordinator.Arrive(ctx, syncPointID, agentID)
}

// Checkpoint snapshots the workflow so it can be restored later
func (o *Orchestrator) Checkpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	return o.recovery.Checkpoint(ctx, workflowID)
}

// Recover applies a recovery strategy to a failed workflow
func (o *Orchestrator) Recover(ctx context.Context, workflowID string, strategy RecoveryStrategy) error {
	return o.recovery.Recover(ctx, workflowID, strategy)
}

// Submit checks a batch of proposed state changes for conflicts and
// resolves what it finds. An unresolved conflict escalates the owning
// workflow to manual intervention and is returned as an error.
func (o *Orchestrator) Submit(ctx context.Context, changes []*StateChange) ([]*ConflictRecord, error) {
	conflicts, err := o.resolver.Detect(ctx, changes)
	if err != nil {
		return nil, err
	}
	records := make([]*ConflictRecord, 0, len(conflicts))
	for _, c := range conflicts {
		rec, err := o.resolver.Resolve(ctx, c)
		if rec != nil {
			records = append(records, rec)
		}
		if err != nil {
			if escErr := o.recovery.Escalate(ctx, c.Changes[0].WorkflowID, err); escErr != nil {
				o.logger.Error("escalation failed",
					"workflow_id", c.Changes[0].WorkflowID, "error", escErr)
			}
			return records, err
		}
	}
	return records, nil
}

// Conflicts returns the audit trail of conflict resolutions
func (o *Orchestrator) Conflicts() []*ConflictRecord {
	return o.resolver.Records()
}

// Replica creates an edge replica that syncs against this orchestrator's
// durable store.
func (o *Orchestrator) Replica(opts ReplicaOptions) *EdgeReplica {
	if opts.Logger == nil {
		opts.Logger = o.logger
	}
	replica := NewEdgeReplica(o.store, opts)
	o.replicaMu.Lock()
	o.replicas = append(o.replicas, replica)
	o.replicaMu.Unlock()
	return replica
}

// replicaLagging reports whether any edge replica has fallen behind its
// staleness bound.
func (o *Orchestrator) replicaLagging() bool {
	o.replicaMu.Lock()
	defer o.replicaMu.Unlock()
	for _, replica := range o.replicas {
		if replica.Lagging() {
			return true
		}
	}
	return false
}

// History returns the journaled events of a workflow
func (o *Orchestrator) History(ctx context.Context, workflowID string) ([]*Event, error) {
	return o.journal.EventHistory(ctx, workflowID)
}

// Run drives the background recovery loop and the event journal until the
// context is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator running")
	events, cancel := o.machine.Feed().Subscribe(0)
	defer cancel()
	go func() {
		for event := range events {
			if event.WorkflowID == "" {
				continue
			}
			if err := o.journal.LogEvent(ctx, &event); err != nil {
				o.logger.Error("journal write failed",
					"workflow_id", event.WorkflowID, "error", err)
			}
		}
	}()
	o.recovery.Run(ctx)
	return ctx.Err()
}

// String implements fmt.Stringer
func (o *Orchestrator) String() string {
	return fmt.Sprintf("orchestrator(live_workflows=%d)", len(o.machine.LiveWorkflowIDs()))
}
