package orchestra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/edgeflow-ai/orchestra/retry"
)

// RecoveryStrategy selects how a failed workflow is brought back
type RecoveryStrategy string

const (
	// RecoveryAutomaticRetry re-issues the last failed steps up to a
	// bounded count with exponential backoff.
	RecoveryAutomaticRetry RecoveryStrategy = "automatic_retry"

	// RecoveryCheckpointRestore rolls the workflow back to its latest
	// checkpoint, discarding any state change after that point.
	RecoveryCheckpointRestore RecoveryStrategy = "checkpoint_restore"

	// RecoveryPartialRollback restores only the affected sub-tree of
	// steps, preserving completed siblings.
	RecoveryPartialRollback RecoveryStrategy = "partial_rollback"

	// RecoveryManualIntervention pauses the workflow and surfaces a
	// structured failure report for human action.
	RecoveryManualIntervention RecoveryStrategy = "manual_intervention"
)

// FailureReport is the structured view surfaced on escalation. It always
// carries the workflow id, the last valid checkpoint sequence, and a
// human-readable cause chain.
type FailureReport struct {
	WorkflowID    string    `json:"workflow_id"`
	CheckpointSeq int64     `json:"checkpoint_seq"`
	State         string    `json:"state"`
	Cause         string    `json:"cause"`
	Chain         []string  `json:"chain,omitempty"`
	FailedSteps   []string  `json:"failed_steps,omitempty"`
	ReportedAt    time.Time `json:"reported_at"`
}

// RecoveryOptions configures a recovery manager
type RecoveryOptions struct {
	Machine      *StateMachine
	Checkpointer Checkpointer
	Retry        retry.Policy
	Interval     time.Duration
	Logger       *slog.Logger
	Callbacks    Callbacks
}

// RecoveryManager creates and restores checkpoints and drives the
// retry/rollback policies on failure.
type RecoveryManager struct {
	machine      *StateMachine
	checkpointer Checkpointer
	retry        retry.Policy
	interval     time.Duration
	logger       *slog.Logger
	callbacks    Callbacks
}

// NewRecoveryManager creates a recovery manager
func NewRecoveryManager(opts RecoveryOptions) (*RecoveryManager, error) {
	if opts.Machine == nil {
		return nil, fmt.Errorf("state machine is required")
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewMemoryCheckpointer()
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.BaseDelay == 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	return &RecoveryManager{
		machine:      opts.Machine,
		checkpointer: opts.Checkpointer,
		retry:        opts.Retry,
		interval:     opts.Interval,
		logger:       opts.Logger,
		callbacks:    opts.Callbacks,
	}, nil
}

// Checkpoint snapshots the workflow, its steps, and its held resource
// claims under the workflow's serialization lock, so it is mutually
// exclusive with any concurrent canonical write of the same workflow.
// Reads against the cache proceed concurrently.
func (r *RecoveryManager) Checkpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	var checkpoint *Checkpoint
	err := r.machine.Exclusive(workflowID, func() error {
		w, err := r.machine.Workflow(ctx, workflowID)
		if err != nil {
			return err
		}
		sequence := w.CheckpointSeq + 1
		w.CheckpointSeq = sequence

		steps := make(map[string]*Step, len(w.StepIDs))
		for _, stepID := range w.StepIDs {
			s, err := r.machine.Step(ctx, stepID)
			if err != nil {
				return err
			}
			steps[stepID] = s
		}
		claims := map[string]string{}
		for name, holder := range r.machine.ResourceClaims() {
			if _, ok := steps[holder]; ok {
				claims[name] = holder
			}
		}
		checkpoint = &Checkpoint{
			ID:         NewCheckpointID(),
			WorkflowID: workflowID,
			Sequence:   sequence,
			Workflow:   w.Copy(),
			Steps:      steps,
			Resources:  claims,
			Context:    VariablesMap(r.machine.Context(workflowID)),
			CreatedAt:  time.Now(),
		}
		if err := r.checkpointer.SaveCheckpoint(ctx, checkpoint); err != nil {
			return err
		}
		return r.machine.saveWorkflow(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	r.callbacks.OnCheckpoint(ctx, &CheckpointEvent{
		WorkflowID: workflowID, Sequence: checkpoint.Sequence,
	})
	r.machine.Feed().Publish(Event{
		Type: EventCheckpointTaken, WorkflowID: workflowID,
		Data: map[string]any{"sequence": checkpoint.Sequence},
	})
	r.logger.Info("checkpoint taken",
		"workflow_id", workflowID, "sequence", checkpoint.Sequence)
	return checkpoint, nil
}

// Recover applies the given strategy to a workflow. Strategy selection is
// normally driven by ClassifyFailure.
func (r *RecoveryManager) Recover(ctx context.Context, workflowID string, strategy RecoveryStrategy) error {
	r.machine.Feed().Publish(Event{
		Type: EventRecoveryStarted, WorkflowID: workflowID,
		Data: map[string]any{"strategy": string(strategy)},
	})
	var err error
	switch strategy {
	case RecoveryAutomaticRetry:
		err = r.automaticRetry(ctx, workflowID)
	case RecoveryCheckpointRestore:
		err = r.checkpointRestore(ctx, workflowID)
	case RecoveryPartialRollback:
		err = r.partialRollback(ctx, workflowID)
	case RecoveryManualIntervention:
		err = r.Escalate(ctx, workflowID, errors.New("recovery requires manual intervention"))
	default:
		err = NewErrorf(ErrorTypeValidation, "unknown recovery strategy %q", strategy)
	}
	if err != nil {
		return err
	}
	r.machine.Feed().Publish(Event{
		Type: EventRecoveryCompleted, WorkflowID: workflowID,
		Data: map[string]any{"strategy": string(strategy)},
	})
	return nil
}

// ClassifyFailure maps an error to the recovery strategy to attempt first.
// Transient classes retry locally; structural classes always surface.
func ClassifyFailure(err error) RecoveryStrategy {
	switch Classify(err).Type {
	case ErrorTypeTimeout, ErrorTypeStaleState, ErrorTypeTransient:
		return RecoveryAutomaticRetry
	case ErrorTypeSynchronizationTimeout:
		// A surfaced barrier timeout means the barrier's own retry budget
		// is already spent.
		return RecoveryManualIntervention
	case ErrorTypeRecoveryFailure, ErrorTypeConflictUnresolved,
		ErrorTypeCircularDependency, ErrorTypeValidation, ErrorTypeFatal:
		return RecoveryManualIntervention
	}
	return RecoveryManualIntervention
}

// automaticRetry re-queues every failed step whose retry budget is not
// exhausted, waiting out the backoff delay for its attempt number. Steps
// past their budget escalate.
func (r *RecoveryManager) automaticRetry(ctx context.Context, workflowID string) error {
	steps, err := r.machine.Steps(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, s := range steps {
		if s.State != StepFailed {
			continue
		}
		budget := s.MaxRetries
		if budget <= 0 {
			budget = r.retry.MaxRetries
		}
		if s.RetryCount >= budget {
			return r.Escalate(ctx, workflowID,
				NewErrorf(ErrorTypeFatal, "step %q exhausted %d retries", s.Name, budget))
		}
		select {
		case <-time.After(r.retry.Delay(s.RetryCount)):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := r.requeueStep(ctx, s.ID); err != nil {
			return err
		}
	}
	return nil
}

// requeueStep moves a failed step back to blocked (or ready if its
// dependencies are already satisfied) and counts the attempt.
func (r *RecoveryManager) requeueStep(ctx context.Context, stepID string) error {
	s, err := r.machine.Step(ctx, stepID)
	if err != nil {
		return err
	}
	return r.machine.Exclusive(s.WorkflowID, func() error {
		s, err := r.machine.Step(ctx, stepID)
		if err != nil {
			return err
		}
		if s.State != StepFailed {
			return nil
		}
		s.RetryCount++
		s.AgentID = ""
		s.Scheduled = false
		s.State = StepBlocked
		if err := r.machine.saveStep(ctx, s); err != nil {
			return err
		}
		r.logger.Info("step requeued for retry",
			"step_id", stepID, "attempt", s.RetryCount)
		return nil
	})
}

// checkpointRestore rolls the workflow back to its latest checkpoint.
// Applying the same checkpoint twice yields identical state.
func (r *RecoveryManager) checkpointRestore(ctx context.Context, workflowID string) error {
	checkpoint, err := r.checkpointer.LatestCheckpoint(ctx, workflowID)
	if errors.Is(err, ErrNotFound) {
		return NewErrorf(ErrorTypeRecoveryFailure,
			"no checkpoint available for workflow %s", workflowID)
	}
	if err != nil {
		return err
	}
	return r.Apply(ctx, checkpoint)
}

// Apply writes a checkpoint's snapshot back as canonical state. Idempotent:
// the snapshot fully determines the resulting state.
func (r *RecoveryManager) Apply(ctx context.Context, checkpoint *Checkpoint) error {
	if checkpoint.Workflow == nil {
		return NewErrorf(ErrorTypeRecoveryFailure,
			"checkpoint %d for workflow %s is corrupt: missing workflow snapshot",
			checkpoint.Sequence, checkpoint.WorkflowID)
	}
	err := r.machine.Exclusive(checkpoint.WorkflowID, func() error {
		w := checkpoint.Workflow.Copy()
		for _, stepID := range w.StepIDs {
			s, ok := checkpoint.Steps[stepID]
			if !ok {
				return NewErrorf(ErrorTypeRecoveryFailure,
					"checkpoint %d for workflow %s is corrupt: missing step %s",
					checkpoint.Sequence, checkpoint.WorkflowID, stepID)
			}
			if err := r.machine.saveStep(ctx, s.Copy()); err != nil {
				return err
			}
		}
		// The snapshot's own timestamps are part of the restored state:
		// applying the same checkpoint twice must be bit-identical.
		if err := r.machine.saveWorkflowRecord(ctx, w); err != nil {
			return err
		}
		r.machine.restoreResources(w, checkpoint.Resources)
		container := r.machine.Context(checkpoint.WorkflowID)
		ApplyPatches(container, GeneratePatches(VariablesMap(container), checkpoint.Context))
		return nil
	})
	if err != nil {
		return err
	}
	r.callbacks.OnCheckpoint(ctx, &CheckpointEvent{
		WorkflowID: checkpoint.WorkflowID,
		Sequence:   checkpoint.Sequence,
		Restored:   true,
	})
	r.logger.Info("checkpoint restored",
		"workflow_id", checkpoint.WorkflowID, "sequence", checkpoint.Sequence)
	return nil
}

// partialRollback restores only the failed steps and their transitive
// dependents from the latest checkpoint, preserving completed siblings.
func (r *RecoveryManager) partialRollback(ctx context.Context, workflowID string) error {
	checkpoint, err := r.checkpointer.LatestCheckpoint(ctx, workflowID)
	if errors.Is(err, ErrNotFound) {
		return NewErrorf(ErrorTypeRecoveryFailure,
			"no checkpoint available for workflow %s", workflowID)
	}
	if err != nil {
		return err
	}
	steps, err := r.machine.Steps(ctx, workflowID)
	if err != nil {
		return err
	}

	// The affected sub-tree: failed steps plus everything downstream.
	affected := map[string]bool{}
	var frontier []string
	for _, s := range steps {
		if s.State == StepFailed {
			affected[s.ID] = true
			frontier = append(frontier, s.ID)
		}
	}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, depType := range []DependencyType{
			DependencySequential, DependencyParallel,
			DependencyConditional, DependencyResource, DependencyDataFlow,
		} {
			for _, dep := range r.machine.Graph().DependentIDs(id, depType) {
				if !affected[dep] {
					affected[dep] = true
					frontier = append(frontier, dep)
				}
			}
		}
	}

	return r.machine.Exclusive(workflowID, func() error {
		for stepID := range affected {
			snapshot, ok := checkpoint.Steps[stepID]
			if !ok {
				return NewErrorf(ErrorTypeRecoveryFailure,
					"checkpoint %d for workflow %s is corrupt: missing step %s",
					checkpoint.Sequence, workflowID, stepID)
			}
			if err := r.machine.saveStep(ctx, snapshot.Copy()); err != nil {
				return err
			}
		}
		w, err := r.machine.Workflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if w.State.Top() == StateFailed {
			restored := checkpoint.Workflow.Copy()
			restored.CheckpointSeq = w.CheckpointSeq
			return r.machine.saveWorkflow(ctx, restored)
		}
		return nil
	})
}

// Escalate pauses the workflow if it is active and publishes a structured
// failure report for operator action.
func (r *RecoveryManager) Escalate(ctx context.Context, workflowID string, cause error) error {
	var report *FailureReport
	err := r.machine.Exclusive(workflowID, func() error {
		w, err := r.machine.Workflow(ctx, workflowID)
		if err != nil {
			return err
		}
		if w.State.Top() == StateActive {
			w.Suspended = Path(w.State[1:]).Copy()
			w.State = Path{StatePaused}
			if err := r.machine.saveWorkflow(ctx, w); err != nil {
				return err
			}
		}
		var failed []string
		for _, stepID := range w.StepIDs {
			s, err := r.machine.Step(ctx, stepID)
			if err == nil && s.State == StepFailed {
				failed = append(failed, s.Name)
			}
		}
		report = &FailureReport{
			WorkflowID:    workflowID,
			CheckpointSeq: w.CheckpointSeq,
			State:         w.State.String(),
			Cause:         cause.Error(),
			Chain:         causeChain(cause),
			FailedSteps:   failed,
			ReportedAt:    time.Now(),
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.machine.Feed().Publish(Event{
		Type: EventManualEscalation, WorkflowID: workflowID,
		Data: map[string]any{
			"cause":          report.Cause,
			"checkpoint_seq": report.CheckpointSeq,
			"failed_steps":   report.FailedSteps,
		},
	})
	r.logger.Error("workflow escalated for manual intervention",
		"workflow_id", workflowID,
		"checkpoint_seq", report.CheckpointSeq,
		"cause", report.Cause)
	return nil
}

func causeChain(err error) []string {
	var chain []string
	for err != nil {
		chain = append(chain, err.Error())
		err = errors.Unwrap(err)
	}
	// Trim duplicated suffixes that plain message wrapping produces.
	var out []string
	for i, c := range chain {
		if i > 0 && strings.HasSuffix(chain[i-1], c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Run checkpoints live workflows that are in an executing sub-state at the
// configured interval, until the context is done.
func (r *RecoveryManager) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, workflowID := range r.machine.LiveWorkflowIDs() {
				w, err := r.machine.Workflow(ctx, workflowID)
				if err != nil || len(w.State) < 2 || w.State[1] != SubExecuting {
					continue
				}
				if _, err := r.Checkpoint(ctx, workflowID); err != nil {
					r.logger.Warn("interval checkpoint failed",
						"workflow_id", workflowID, "error", err)
				}
			}
		}
	}
}
