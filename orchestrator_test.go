package orchestra

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T, opts OrchestratorOptions) *Orchestrator {
	t.Helper()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Registry == nil {
		opts.Registry = NewStaticRegistry(
			&Agent{ID: "agent-1", Available: true},
			&Agent{ID: "agent-2", Available: true, Capabilities: []string{"gpu"}},
		)
	}
	o, err := New(opts)
	require.NoError(t, err)
	return o
}

func TestOrchestratorLifecycle(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, OrchestratorOptions{})

	w, err := o.CreateWorkflow(ctx, pipelineDefinition(t))
	require.NoError(t, err)
	require.Equal(t, Path{StatePending}, w.State)

	t.Run("start activates and promotes roots", func(t *testing.T) {
		require.NoError(t, o.Start(ctx, w.ID))

		current, err := o.Workflow(ctx, w.ID)
		require.NoError(t, err)
		require.Equal(t, Path{StateActive, SubInitializing}, current.State)

		steps, err := o.Steps(ctx, w.ID)
		require.NoError(t, err)
		ready := 0
		for _, s := range steps {
			if s.State == StepReady {
				ready++
			}
		}
		require.Equal(t, 1, ready)
	})

	t.Run("assign distributes the ready steps", func(t *testing.T) {
		plan, err := o.Assign(ctx, w.ID, CoordinationConfig{Protocol: ProtocolAuction})
		require.NoError(t, err)
		require.Len(t, plan.Assignments, 1)

		// nothing ready anymore
		_, err = o.Assign(ctx, w.ID, CoordinationConfig{Protocol: ProtocolAuction})
		require.True(t, MatchesErrorType(err, ErrorTypeValidation))
	})

	t.Run("pause and resume round-trip the sub-state", func(t *testing.T) {
		m := o.Machine()
		_, err := m.Transition(ctx, w.ID,
			Path{StateActive, SubInitializing}, Path{StateActive, SubExecuting}, "")
		require.NoError(t, err)
		executing := Path{StateActive, SubExecuting, PhasePreparation}

		require.NoError(t, o.Pause(ctx, w.ID))
		current, err := o.Workflow(ctx, w.ID)
		require.NoError(t, err)
		require.Equal(t, Path{StatePaused}, current.State)

		require.NoError(t, o.Resume(ctx, w.ID))
		current, err = o.Workflow(ctx, w.ID)
		require.NoError(t, err)
		require.Equal(t, executing, current.State)
	})

	t.Run("cancel closes steps and barriers", func(t *testing.T) {
		spID, err := o.Synchronize(ctx, w.ID, []string{"agent-1", "agent-2"}, time.Minute)
		require.NoError(t, err)

		require.NoError(t, o.Cancel(ctx, w.ID))

		current, err := o.Workflow(ctx, w.ID)
		require.NoError(t, err)
		require.Equal(t, Path{StateCancelled}, current.State)

		sp, ok := o.Coordinator().SyncPoint(spID)
		require.True(t, ok)
		require.Equal(t, SyncCancelled, sp.Status())
	})
}

func TestOrchestratorBarrierEscalation(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, OrchestratorOptions{
		BarrierTimeout: 20 * time.Millisecond,
		BarrierRetries: 0,
	})

	w, err := o.CreateWorkflow(ctx, pipelineDefinition(t))
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, w.ID))

	_, err = o.Synchronize(ctx, w.ID, []string{"ghost-1", "ghost-2"}, 20*time.Millisecond)
	require.NoError(t, err)

	// nobody arrives: the exhausted barrier pauses the workflow for
	// manual intervention
	require.Eventually(t, func() bool {
		current, err := o.Workflow(ctx, w.ID)
		return err == nil && current.State.Equal(Path{StatePaused})
	}, time.Second, 10*time.Millisecond)

	var escalated bool
	for _, event := range o.Machine().Feed().Recent() {
		if event.Type == EventManualEscalation && event.WorkflowID == w.ID {
			escalated = true
		}
	}
	require.True(t, escalated)
}

func TestOrchestratorStalenessGate(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, OrchestratorOptions{})

	def, err := NewDefinition(Options{
		Name:           "bounded",
		Consistency:    ConsistencyBounded,
		StalenessBound: 20 * time.Millisecond,
		Steps:          []*StepDefinition{{Name: "only"}},
	})
	require.NoError(t, err)

	w, err := o.CreateWorkflow(ctx, def)
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, w.ID))

	replica := o.Replica(ReplicaOptions{
		Name:           "edge",
		StalenessBound: 20 * time.Millisecond,
	})
	require.NoError(t, replica.Write(ctx, "cursor", []byte("1"), ConsistencyBounded))
	time.Sleep(40 * time.Millisecond)
	require.True(t, replica.Lagging())

	// a lagging replica pauses new assignment for bounded workflows
	_, err = o.Assign(ctx, w.ID, CoordinationConfig{Protocol: ProtocolAuction})
	require.True(t, MatchesErrorType(err, ErrorTypeTimeout))

	// syncing clears the lag and assignment proceeds again
	require.NoError(t, replica.Sync(ctx))
	plan, err := o.Assign(ctx, w.ID, CoordinationConfig{Protocol: ProtocolAuction})
	require.NoError(t, err)
	require.Len(t, plan.Assignments, 1)
}

func TestOrchestratorCheckpointRecover(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, OrchestratorOptions{})
	m := o.Machine()

	w, err := o.CreateWorkflow(ctx, pipelineDefinition(t))
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, w.ID))

	extract := mustStepID(t, m, w.ID, "extract")
	completeStep(t, m, extract, "agent-1")

	// the start transition already took checkpoint 1
	checkpoint, err := o.Checkpoint(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), checkpoint.Sequence)

	transform := mustStepID(t, m, w.ID, "transform")
	failStep(t, m, transform, "agent-2")

	require.NoError(t, o.Recover(ctx, w.ID, RecoveryCheckpointRestore))
	s, err := m.Step(ctx, transform)
	require.NoError(t, err)
	require.Equal(t, StepReady, s.State)
}

func TestOrchestratorCheckpointsTopLevelTransitions(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, OrchestratorOptions{})
	m := o.Machine()

	w, err := o.CreateWorkflow(ctx, pipelineDefinition(t))
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, w.ID))

	current, err := o.Workflow(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), current.CheckpointSeq)

	// sub-state transitions do not checkpoint
	_, err = m.Transition(ctx, w.ID,
		Path{StateActive, SubInitializing}, Path{StateActive, SubExecuting}, "")
	require.NoError(t, err)
	current, err = o.Workflow(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), current.CheckpointSeq)

	// completion is reachable only through the machine, and checkpoints too
	_, err = m.Transition(ctx, w.ID,
		Path{StateActive, SubExecuting, PhasePreparation}, Path{StateCompleted}, "done")
	require.NoError(t, err)
	current, err = o.Workflow(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, Path{StateCompleted}, current.State)
	require.Equal(t, int64(2), current.CheckpointSeq)
}

func TestOrchestratorSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("resolvable conflicts produce records, no error", func(t *testing.T) {
		o := newTestOrchestrator(t, OrchestratorOptions{
			AlternateResource: func(resource string) (string, bool) { return resource + "-alt", true },
		})
		records, err := o.Submit(ctx, []*StateChange{
			{WorkflowID: "wf-1", StepID: "s1", Resource: "crane", Priority: 2,
				Window: window(0, time.Hour)},
			{WorkflowID: "wf-2", StepID: "s2", Resource: "crane", Priority: 1,
				Window: window(0, time.Hour)},
		})
		require.NoError(t, err)
		require.Len(t, records, 1)
		require.Equal(t, ConflictResourceContention, records[0].Type)
		require.Equal(t, records[0].ID, o.Conflicts()[0].ID)
	})

	t.Run("a clean batch produces nothing", func(t *testing.T) {
		o := newTestOrchestrator(t, OrchestratorOptions{})
		records, err := o.Submit(ctx, []*StateChange{
			{WorkflowID: "wf-1", StepID: "s1", Resource: "a", Window: window(0, time.Hour)},
			{WorkflowID: "wf-1", StepID: "s2", Resource: "b", Window: window(0, time.Hour)},
		})
		require.NoError(t, err)
		require.Empty(t, records)
	})

	t.Run("an unresolved conflict escalates the owning workflow", func(t *testing.T) {
		o := newTestOrchestrator(t, OrchestratorOptions{
			Safety: denyAllSafety{explanation: "forbidden pairing"},
		})
		w, err := o.CreateWorkflow(ctx, pipelineDefinition(t))
		require.NoError(t, err)
		require.NoError(t, o.Start(ctx, w.ID))

		records, err := o.Submit(ctx, []*StateChange{
			{WorkflowID: w.ID, StepID: "s1"},
			{WorkflowID: w.ID, StepID: "s2"},
		})
		require.Error(t, err)
		require.True(t, MatchesErrorType(err, ErrorTypeConflictUnresolved))
		require.Len(t, records, 1)

		current, err := o.Workflow(ctx, w.ID)
		require.NoError(t, err)
		require.Equal(t, Path{StatePaused}, current.State)
	})
}

func TestOrchestratorJournal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	journal := NewFileEventJournal(t.TempDir())
	o := newTestOrchestrator(t, OrchestratorOptions{
		Journal:          journal,
		RecoveryInterval: time.Hour,
	})

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = o.Run(ctx)
	}()

	w, err := o.CreateWorkflow(ctx, pipelineDefinition(t))
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, w.ID))

	require.Eventually(t, func() bool {
		events, err := o.History(ctx, w.ID)
		if err != nil {
			return false
		}
		var created, transitioned bool
		for _, e := range events {
			switch e.Type {
			case EventWorkflowCreated:
				created = true
			case EventTransition:
				transitioned = true
			}
		}
		return created && transitioned
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-runDone

	events, err := o.History(ctx, w.ID)
	require.NoError(t, err)
	for _, e := range events {
		require.Equal(t, w.ID, e.WorkflowID)
	}
}

func TestOrchestratorReplica(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	o := newTestOrchestrator(t, OrchestratorOptions{Store: store})

	replica := o.Replica(ReplicaOptions{Name: "edge-1"})
	require.NoError(t, replica.Write(ctx, "status", []byte("ok"), ConsistencyEventual))
	require.NoError(t, replica.Sync(ctx))

	// the replica shares the orchestrator's durable store
	_, err := store.Get(ctx, "v:status")
	require.NoError(t, err)
}

func TestOrchestratorString(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t, OrchestratorOptions{})
	require.Equal(t, "orchestrator(live_workflows=0)", o.String())
	_, err := o.CreateWorkflow(ctx, pipelineDefinition(t))
	require.NoError(t, err)
	require.Equal(t, "orchestrator(live_workflows=1)", o.String())
}
