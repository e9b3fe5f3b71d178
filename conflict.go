package orchestra

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConflictType classifies a detected contradiction between concurrent
// state changes.
type ConflictType string

const (
	// ConflictResourceContention fires when two steps claim the same named
	// resource in overlapping time windows.
	ConflictResourceContention ConflictType = "resource_contention"

	// ConflictTemporal fires when two steps with a sequential dependency
	// report timestamps that violate their ordering.
	ConflictTemporal ConflictType = "temporal_conflict"

	// ConflictDataConsistency fires when two writers target the same
	// data-flow artifact with different payloads in the same logical
	// version.
	ConflictDataConsistency ConflictType = "data_consistency"

	// ConflictSafety fires when the domain-supplied safety predicate flags
	// a combination of concurrent assignments as unsafe.
	ConflictSafety ConflictType = "safety_violation"
)

// ResolutionStrategy selects how a conflict class is resolved
type ResolutionStrategy string

const (
	// ResolvePriority lets the higher-priority workflow's change win; the
	// loser's step is requeued.
	ResolvePriority ResolutionStrategy = "priority_based"

	// ResolveNegotiation asks the competing agents to resubmit revised
	// plans; the first mutually non-conflicting pair wins.
	ResolveNegotiation ResolutionStrategy = "negotiation"

	// ResolveReallocation reassigns the losing step to an alternate
	// resource when one exists, else it blocks.
	ResolveReallocation ResolutionStrategy = "resource_reallocation"

	// ResolveReschedule defers the losing step's start past the
	// conflicting window.
	ResolveReschedule ResolutionStrategy = "temporal_rescheduling"
)

// TimeWindow is a half-open interval during which a change holds a
// resource or executes.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether two windows intersect
func (w TimeWindow) Overlaps(o TimeWindow) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// StateChange is one pending state update proposed for commit. Batches of
// pending changes are scanned for conflicts before they commit.
type StateChange struct {
	WorkflowID      string     `json:"workflow_id"`
	StepID          string     `json:"step_id"`
	AgentID         string     `json:"agent_id,omitempty"`
	Priority        int        `json:"priority"`
	Resource        string     `json:"resource,omitempty"`
	Window          TimeWindow `json:"window,omitzero"`
	Artifact        string     `json:"artifact,omitempty"`
	ArtifactVersion int64      `json:"artifact_version,omitempty"`
	Payload         []byte     `json:"payload,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// Conflict is a detected contradiction between two or more pending changes
type Conflict struct {
	Type    ConflictType   `json:"type"`
	Rule    string         `json:"rule"`
	Changes []*StateChange `json:"changes"`
}

// ConflictRecord is the write-once audit record of one resolution
type ConflictRecord struct {
	ID        string             `json:"id"`
	Type      ConflictType       `json:"type"`
	Rule      string             `json:"rule"`
	Strategy  ResolutionStrategy `json:"strategy,omitempty"`
	Outcome   string             `json:"outcome"`
	Changes   []*StateChange     `json:"changes"`
	Timestamp time.Time          `json:"timestamp"`
}

// SafetyEvaluator is the external collaborator supplying the safety rule.
// It receives the proposed concurrent assignments and returns whether the
// combination is safe, with an explanation.
type SafetyEvaluator interface {
	Evaluate(ctx context.Context, changes []*StateChange) (safe bool, explanation string, err error)
}

// NegotiateFunc asks the competing agents (via the coordinator) for
// revised plans for the conflicting changes. Each call returns one revised
// batch; the resolver re-checks it for conflicts.
type NegotiateFunc func(ctx context.Context, conflict *Conflict, round int) ([]*StateChange, error)

// AlternateResourceFunc returns a substitute for a contended resource that
// satisfies the step's constraints, if one exists.
type AlternateResourceFunc func(resource string) (string, bool)

// ResolverOptions configures a conflict resolver
type ResolverOptions struct {
	Machine           *StateMachine
	Policy            map[ConflictType]ResolutionStrategy
	Safety            SafetyEvaluator
	Negotiate         NegotiateFunc
	AlternateResource AlternateResourceFunc
	NegotiationRounds int
	Logger            *slog.Logger
	Callbacks         Callbacks
}

// ConflictResolver scans batches of pending state changes for contention
// before commit and resolves what it finds. Every resolution, successful
// or escalated, produces exactly one immutable ConflictRecord.
type ConflictResolver struct {
	machine           *StateMachine
	policy            map[ConflictType]ResolutionStrategy
	safety            SafetyEvaluator
	negotiate         NegotiateFunc
	alternateResource AlternateResourceFunc
	negotiationRounds int
	logger            *slog.Logger
	callbacks         Callbacks

	mu      sync.Mutex
	records []*ConflictRecord
}

// DefaultConflictPolicy maps each conflict type to its default strategy
func DefaultConflictPolicy() map[ConflictType]ResolutionStrategy {
	return map[ConflictType]ResolutionStrategy{
		ConflictResourceContention: ResolveReallocation,
		ConflictTemporal:           ResolveReschedule,
		ConflictDataConsistency:    ResolvePriority,
		ConflictSafety:             ResolveNegotiation,
	}
}

// NewConflictResolver creates a conflict resolver
func NewConflictResolver(opts ResolverOptions) (*ConflictResolver, error) {
	if opts.Machine == nil {
		return nil, fmt.Errorf("state machine is required")
	}
	if opts.Policy == nil {
		opts.Policy = DefaultConflictPolicy()
	}
	if opts.NegotiationRounds <= 0 {
		opts.NegotiationRounds = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	return &ConflictResolver{
		machine:           opts.Machine,
		policy:            opts.Policy,
		safety:            opts.Safety,
		negotiate:         opts.Negotiate,
		alternateResource: opts.AlternateResource,
		negotiationRounds: opts.NegotiationRounds,
		logger:            opts.Logger,
		callbacks:         opts.Callbacks,
	}, nil
}

// Detect runs every detection rule over a batch of pending changes and
// returns the conflicts found.
func (r *ConflictResolver) Detect(ctx context.Context, changes []*StateChange) ([]*Conflict, error) {
	var conflicts []*Conflict
	for i := 0; i < len(changes); i++ {
		for j := i + 1; j < len(changes); j++ {
			a, b := changes[i], changes[j]
			if a.StepID == b.StepID {
				continue
			}
			if c := detectResourceContention(a, b); c != nil {
				conflicts = append(conflicts, c)
			}
			if c := r.detectTemporal(a, b); c != nil {
				conflicts = append(conflicts, c)
			}
			if c := detectDataConsistency(a, b); c != nil {
				conflicts = append(conflicts, c)
			}
		}
	}
	if r.safety != nil && len(changes) > 1 {
		safe, explanation, err := r.safety.Evaluate(WithLogger(ctx, r.logger), changes)
		if err != nil {
			return nil, fmt.Errorf("safety evaluation failed: %w", err)
		}
		if !safe {
			conflicts = append(conflicts, &Conflict{
				Type:    ConflictSafety,
				Rule:    explanation,
				Changes: changes,
			})
		}
	}
	for _, c := range conflicts {
		r.machine.Feed().Publish(Event{
			Type:       EventConflictDetected,
			WorkflowID: c.Changes[0].WorkflowID,
			Data:       map[string]any{"type": string(c.Type), "rule": c.Rule},
		})
	}
	return conflicts, nil
}

func detectResourceContention(a, b *StateChange) *Conflict {
	if a.Resource == "" || a.Resource != b.Resource {
		return nil
	}
	if !a.Window.Overlaps(b.Window) {
		return nil
	}
	return &Conflict{
		Type: ConflictResourceContention,
		Rule: fmt.Sprintf("resource %q claimed by steps %s and %s in overlapping windows",
			a.Resource, a.StepID, b.StepID),
		Changes: []*StateChange{a, b},
	}
}

// detectTemporal checks reported timestamps against any sequential
// dependency between the two steps.
func (r *ConflictResolver) detectTemporal(a, b *StateChange) *Conflict {
	check := func(source, target *StateChange) *Conflict {
		dep, ok := r.machine.Graph().Incoming(target.StepID)[source.StepID]
		if !ok || dep.Type != DependencySequential {
			return nil
		}
		if source.Timestamp.Before(target.Timestamp) {
			return nil
		}
		return &Conflict{
			Type: ConflictTemporal,
			Rule: fmt.Sprintf("step %s must precede %s but reported a later timestamp",
				source.StepID, target.StepID),
			Changes: []*StateChange{source, target},
		}
	}
	if c := check(a, b); c != nil {
		return c
	}
	return check(b, a)
}

func detectDataConsistency(a, b *StateChange) *Conflict {
	if a.Artifact == "" || a.Artifact != b.Artifact {
		return nil
	}
	if a.ArtifactVersion != b.ArtifactVersion {
		return nil
	}
	if bytes.Equal(a.Payload, b.Payload) {
		return nil
	}
	return &Conflict{
		Type: ConflictDataConsistency,
		Rule: fmt.Sprintf("artifact %q version %d written with different payloads by steps %s and %s",
			a.Artifact, a.ArtifactVersion, a.StepID, b.StepID),
		Changes: []*StateChange{a, b},
	}
}

// Resolve applies the configured strategy for the conflict's type and
// records the outcome. Unresolved conflicts return ErrorTypeConflictUnresolved
// alongside their record; the owning workflow must then pause for manual
// intervention.
func (r *ConflictResolver) Resolve(ctx context.Context, conflict *Conflict) (*ConflictRecord, error) {
	strategy, ok := r.policy[conflict.Type]
	if !ok {
		return r.escalate(ctx, conflict, "", "no strategy configured")
	}
	var outcome string
	var err error
	switch strategy {
	case ResolvePriority:
		outcome, err = r.resolvePriority(ctx, conflict)
	case ResolveNegotiation:
		outcome, err = r.resolveNegotiation(ctx, conflict)
	case ResolveReallocation:
		outcome, err = r.resolveReallocation(ctx, conflict)
	case ResolveReschedule:
		outcome, err = r.resolveReschedule(conflict)
	default:
		err = fmt.Errorf("unknown strategy %q", strategy)
	}
	if err != nil {
		return r.escalate(ctx, conflict, strategy, err.Error())
	}
	return r.record(ctx, conflict, strategy, outcome), nil
}

// winnerLoser orders two competing changes by workflow priority, breaking
// ties toward the earlier timestamp, then the lower step id.
func winnerLoser(conflict *Conflict) (*StateChange, *StateChange) {
	a, b := conflict.Changes[0], conflict.Changes[1]
	switch {
	case a.Priority != b.Priority:
		if a.Priority > b.Priority {
			return a, b
		}
		return b, a
	case !a.Timestamp.Equal(b.Timestamp):
		if a.Timestamp.Before(b.Timestamp) {
			return a, b
		}
		return b, a
	case a.StepID < b.StepID:
		return a, b
	}
	return b, a
}

func (r *ConflictResolver) resolvePriority(ctx context.Context, conflict *Conflict) (string, error) {
	winner, loser := winnerLoser(conflict)
	r.requeueStep(ctx, loser.StepID)
	return fmt.Sprintf("step %s wins on priority; step %s requeued",
		winner.StepID, loser.StepID), nil
}

func (r *ConflictResolver) resolveNegotiation(ctx context.Context, conflict *Conflict) (string, error) {
	if r.negotiate == nil {
		return "", fmt.Errorf("no negotiation channel available")
	}
	for round := 1; round <= r.negotiationRounds; round++ {
		revised, err := r.negotiate(ctx, conflict, round)
		if err != nil {
			return "", fmt.Errorf("negotiation round %d failed: %w", round, err)
		}
		remaining, err := r.detectOnly(ctx, revised)
		if err != nil {
			return "", err
		}
		if len(remaining) == 0 {
			return fmt.Sprintf("agents converged on a non-conflicting plan in round %d", round), nil
		}
	}
	return "", fmt.Errorf("no agreement after %d negotiation rounds", r.negotiationRounds)
}

// detectOnly runs the pairwise rules without publishing detection events,
// used to evaluate renegotiated plans.
func (r *ConflictResolver) detectOnly(ctx context.Context, changes []*StateChange) ([]*Conflict, error) {
	var conflicts []*Conflict
	for i := 0; i < len(changes); i++ {
		for j := i + 1; j < len(changes); j++ {
			a, b := changes[i], changes[j]
			if a.StepID == b.StepID {
				continue
			}
			if c := detectResourceContention(a, b); c != nil {
				conflicts = append(conflicts, c)
			}
			if c := r.detectTemporal(a, b); c != nil {
				conflicts = append(conflicts, c)
			}
			if c := detectDataConsistency(a, b); c != nil {
				conflicts = append(conflicts, c)
			}
		}
	}
	if r.safety != nil && len(changes) > 1 {
		safe, explanation, err := r.safety.Evaluate(ctx, changes)
		if err != nil {
			return nil, err
		}
		if !safe {
			conflicts = append(conflicts, &Conflict{
				Type: ConflictSafety, Rule: explanation, Changes: changes,
			})
		}
	}
	return conflicts, nil
}

func (r *ConflictResolver) resolveReallocation(ctx context.Context, conflict *Conflict) (string, error) {
	_, loser := winnerLoser(conflict)
	if r.alternateResource != nil {
		if alt, ok := r.alternateResource(loser.Resource); ok {
			loser.Resource = alt
			return fmt.Sprintf("step %s reassigned to resource %q", loser.StepID, alt), nil
		}
	}
	r.blockStep(ctx, loser.StepID)
	return fmt.Sprintf("no alternate resource; step %s blocked", loser.StepID), nil
}

func (r *ConflictResolver) resolveReschedule(conflict *Conflict) (string, error) {
	winner, loser := winnerLoser(conflict)
	duration := loser.Window.End.Sub(loser.Window.Start)
	loser.Window.Start = winner.Window.End
	loser.Window.End = loser.Window.Start.Add(duration)
	return fmt.Sprintf("step %s deferred until %s",
		loser.StepID, loser.Window.Start.Format(time.RFC3339)), nil
}

func (r *ConflictResolver) requeueStep(ctx context.Context, stepID string) {
	if err := r.machine.TransitionStep(ctx, stepID, StepAssigned, StepReady); err != nil {
		r.logger.Debug("requeue skipped", "step_id", stepID, "error", err)
	}
}

func (r *ConflictResolver) blockStep(ctx context.Context, stepID string) {
	if err := r.machine.TransitionStep(ctx, stepID, StepReady, StepBlocked); err != nil {
		r.logger.Debug("block skipped", "step_id", stepID, "error", err)
	}
}

func (r *ConflictResolver) record(ctx context.Context, conflict *Conflict, strategy ResolutionStrategy, outcome string) *ConflictRecord {
	// Snapshot the changes: resolution strategies mutate the losing change
	// afterwards, and the audit record must not move with it.
	changes := make([]*StateChange, len(conflict.Changes))
	for i, change := range conflict.Changes {
		copied := *change
		copied.Payload = append([]byte(nil), change.Payload...)
		changes[i] = &copied
	}
	rec := &ConflictRecord{
		ID:        NewConflictID(),
		Type:      conflict.Type,
		Rule:      conflict.Rule,
		Strategy:  strategy,
		Outcome:   outcome,
		Changes:   changes,
		Timestamp: time.Now(),
	}
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	r.callbacks.OnConflict(ctx, &ConflictEvent{Record: rec})
	r.machine.Feed().Publish(Event{
		Type:       EventConflictResolved,
		WorkflowID: conflict.Changes[0].WorkflowID,
		Data: map[string]any{
			"conflict_id": rec.ID,
			"type":        string(rec.Type),
			"strategy":    string(rec.Strategy),
			"outcome":     rec.Outcome,
		},
	})
	r.logger.Info("conflict resolved",
		"conflict_id", rec.ID, "type", rec.Type,
		"strategy", rec.Strategy, "outcome", rec.Outcome)
	return rec
}

func (r *ConflictResolver) escalate(ctx context.Context, conflict *Conflict, strategy ResolutionStrategy, reason string) (*ConflictRecord, error) {
	rec := r.record(ctx, conflict, strategy, "escalated: "+reason)
	return rec, &OrchestrationError{
		Type:       ErrorTypeConflictUnresolved,
		Cause:      reason,
		WorkflowID: conflict.Changes[0].WorkflowID,
		Details:    rec.ID,
	}
}

// Records returns a copy of the audit trail of conflict resolutions
func (r *ConflictResolver) Records() []*ConflictRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*ConflictRecord(nil), r.records...)
}
