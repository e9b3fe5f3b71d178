package orchestra

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SyncPointStatus is the lifecycle state of a synchronization point
type SyncPointStatus string

const (
	SyncOpen      SyncPointStatus = "open"
	SyncReleased  SyncPointStatus = "released"
	SyncTimedOut  SyncPointStatus = "timed_out"
	SyncCancelled SyncPointStatus = "cancelled"
)

// SyncPoint is a barrier where a set of agents must all arrive before any
// may proceed. It releases when the last participant arrives, or fails
// with an explicit timeout naming exactly the missing participants.
type SyncPoint struct {
	ID         string
	WorkflowID string

	mu          sync.Mutex
	arrived     map[string]bool
	status      SyncPointStatus
	missing     []string
	retriesLeft int
	timeout     time.Duration
	timer       *time.Timer
	release     chan struct{}
}

// Status returns the current barrier status
func (sp *SyncPoint) Status() SyncPointStatus {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.status
}

// Missing returns the participants that had not arrived when the barrier
// timed out.
func (sp *SyncPoint) Missing() []string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return append([]string(nil), sp.missing...)
}

// Participants returns all participant agent ids sorted
func (sp *SyncPoint) Participants() []string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	ids := make([]string, 0, len(sp.arrived))
	for id := range sp.arrived {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (sp *SyncPoint) missingLocked() []string {
	var missing []string
	for id, arrived := range sp.arrived {
		if !arrived {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}

// CreateSynchronizationPoint establishes a barrier for the given
// participant agents. A zero timeout uses the coordinator default. The
// coordinator refuses to create a barrier whose participant set, combined
// with currently open barriers, would form a wait-for cycle among agents.
func (c *Coordinator) CreateSynchronizationPoint(ctx context.Context, workflowID string, participantIDs []string, timeout time.Duration) (string, error) {
	if len(participantIDs) == 0 {
		return "", NewError(ErrorTypeValidation, "participants required")
	}
	if timeout <= 0 {
		timeout = c.barrierTimeout
	}
	seen := map[string]bool{}
	for _, id := range participantIDs {
		if seen[id] {
			return "", NewErrorf(ErrorTypeValidation, "duplicate participant %q", id)
		}
		seen[id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cycle := c.waitForCycleLocked(participantIDs); cycle != nil {
		return "", &OrchestrationError{
			Type:    ErrorTypeCircularDependency,
			Cause:   "synchronization point would deadlock: " + joinCycle(cycle),
			Details: cycle,
		}
	}

	sp := &SyncPoint{
		ID:          NewSyncPointID(),
		WorkflowID:  workflowID,
		arrived:     map[string]bool{},
		status:      SyncOpen,
		retriesLeft: c.barrierRetries,
		timeout:     timeout,
		release:     make(chan struct{}),
	}
	for _, id := range participantIDs {
		sp.arrived[id] = false
	}
	sp.timer = time.AfterFunc(timeout, func() { c.barrierTimedOut(sp) })
	c.syncPoints[sp.ID] = sp

	c.machine.Feed().Publish(Event{
		Type: EventBarrierCreated, WorkflowID: workflowID,
		Data: map[string]any{
			"sync_point_id": sp.ID,
			"participants":  append([]string(nil), participantIDs...),
		},
	})
	c.logger.Info("synchronization point created",
		"sync_point_id", sp.ID,
		"workflow_id", workflowID,
		"participants", len(participantIDs))
	return sp.ID, nil
}

// waitForCycleLocked builds the agent wait-for graph across open barriers
// plus the candidate participant set and runs the shared cycle detection.
// Nodes are barrier ids plus the candidate; an edge P -> Q means P's
// release depends on an agent currently tied up at Q.
func (c *Coordinator) waitForCycleLocked(candidate []string) []string {
	const candidateNode = "(new)"
	inCandidate := map[string]bool{}
	for _, id := range candidate {
		inCandidate[id] = true
	}

	// Where is each agent currently blocked (arrived at an open barrier)?
	blockedAt := map[string]string{}
	// Which open barriers still need which agents?
	needs := map[string][]string{}
	for _, sp := range c.syncPoints {
		sp.mu.Lock()
		if sp.status == SyncOpen {
			for agent, arrived := range sp.arrived {
				if arrived {
					blockedAt[agent] = sp.ID
				} else {
					needs[sp.ID] = append(needs[sp.ID], agent)
				}
			}
		}
		sp.mu.Unlock()
	}

	adjacency := map[string][]string{candidateNode: nil}
	for spID := range needs {
		adjacency[spID] = nil
	}
	// The candidate's release depends on agents already blocked elsewhere.
	for _, agent := range candidate {
		if spID, ok := blockedAt[agent]; ok {
			adjacency[candidateNode] = append(adjacency[candidateNode], spID)
		}
	}
	for spID, agents := range needs {
		for _, agent := range agents {
			// An open barrier depends on the candidate if an agent it still
			// needs is about to be tied up there.
			if inCandidate[agent] {
				adjacency[spID] = append(adjacency[spID], candidateNode)
			}
			if otherID, ok := blockedAt[agent]; ok && otherID != spID {
				adjacency[spID] = append(adjacency[spID], otherID)
			}
		}
	}
	cycle := FindCycle(adjacency)
	for _, node := range cycle {
		if node == candidateNode {
			return cycle
		}
	}
	return nil
}

// Arrive registers an agent at the barrier and blocks until every
// participant has arrived, the barrier times out, or the context is done.
// This is the only intentional blocking point exposed to agents.
func (c *Coordinator) Arrive(ctx context.Context, syncPointID, agentID string) error {
	c.mu.Lock()
	sp, ok := c.syncPoints[syncPointID]
	c.mu.Unlock()
	if !ok {
		return NewErrorf(ErrorTypeValidation, "unknown synchronization point %q", syncPointID)
	}

	sp.mu.Lock()
	switch sp.status {
	case SyncReleased:
		sp.mu.Unlock()
		return nil
	case SyncTimedOut, SyncCancelled:
		missing := append([]string(nil), sp.missing...)
		sp.mu.Unlock()
		return &OrchestrationError{
			Type:    ErrorTypeSynchronizationTimeout,
			Cause:   "synchronization point is no longer open",
			Details: missing,
		}
	}
	arrived, participant := sp.arrived[agentID]
	if !participant {
		sp.mu.Unlock()
		return NewErrorf(ErrorTypeValidation,
			"agent %q is not a participant of %s", agentID, syncPointID)
	}
	if !arrived {
		sp.arrived[agentID] = true
	}
	if len(sp.missingLocked()) == 0 {
		sp.status = SyncReleased
		sp.timer.Stop()
		close(sp.release)
		sp.mu.Unlock()
		c.barrierReleased(sp)
		return nil
	}
	release := sp.release
	sp.mu.Unlock()

	select {
	case <-release:
	case <-ctx.Done():
		return ctx.Err()
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	switch sp.status {
	case SyncReleased:
		return nil
	case SyncCancelled:
		return &OrchestrationError{
			Type:  ErrorTypeSynchronizationTimeout,
			Cause: "synchronization point " + sp.ID + " was cancelled",
		}
	default:
		return &OrchestrationError{
			Type:    ErrorTypeSynchronizationTimeout,
			Cause:   "synchronization point " + sp.ID + " timed out",
			Details: append([]string(nil), sp.missing...),
		}
	}
}

// barrierTimedOut runs when a barrier's timer fires. Remaining retries
// re-arm the timer to keep waiting for the missing participants; once the
// budget is exhausted the barrier fails, naming exactly the missing
// participants, and the failure escalates through the event feed.
func (c *Coordinator) barrierTimedOut(sp *SyncPoint) {
	sp.mu.Lock()
	if sp.status != SyncOpen {
		sp.mu.Unlock()
		return
	}
	missing := sp.missingLocked()
	if len(missing) == 0 {
		sp.mu.Unlock()
		return
	}
	if sp.retriesLeft > 0 {
		sp.retriesLeft--
		sp.timer.Reset(sp.timeout)
		sp.mu.Unlock()
		c.logger.Warn("synchronization point retrying missing participants",
			"sync_point_id", sp.ID, "missing", missing)
		return
	}
	sp.status = SyncTimedOut
	sp.missing = missing
	close(sp.release)
	arrived := make([]string, 0, len(sp.arrived))
	for id, ok := range sp.arrived {
		if ok {
			arrived = append(arrived, id)
		}
	}
	sort.Strings(arrived)
	sp.mu.Unlock()

	c.callbacks.OnBarrier(context.Background(), &BarrierEvent{
		SyncPointID: sp.ID,
		WorkflowID:  sp.WorkflowID,
		Arrived:     arrived,
		Missing:     missing,
		TimedOut:    true,
	})
	c.machine.Feed().Publish(Event{
		Type: EventBarrierTimeout, WorkflowID: sp.WorkflowID,
		Data: map[string]any{
			"sync_point_id": sp.ID,
			"missing":       missing,
		},
	})
	c.logger.Warn("synchronization point timed out",
		"sync_point_id", sp.ID, "missing", missing)

	if c.escalate != nil {
		c.escalate(context.Background(), sp.WorkflowID, &OrchestrationError{
			Type:    ErrorTypeSynchronizationTimeout,
			Cause:   "synchronization point " + sp.ID + " timed out after exhausting retries",
			Details: missing,
		})
	}
}

func (c *Coordinator) barrierReleased(sp *SyncPoint) {
	c.callbacks.OnBarrier(context.Background(), &BarrierEvent{
		SyncPointID: sp.ID,
		WorkflowID:  sp.WorkflowID,
		Arrived:     sp.Participants(),
	})
	c.machine.Feed().Publish(Event{
		Type: EventBarrierReleased, WorkflowID: sp.WorkflowID,
		Data: map[string]any{"sync_point_id": sp.ID},
	})
	c.logger.Info("synchronization point released", "sync_point_id", sp.ID)
}

// SyncPoint returns a synchronization point by id
func (c *Coordinator) SyncPoint(id string) (*SyncPoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sp, ok := c.syncPoints[id]
	return sp, ok
}

// ReleaseWorkflowBarriers cancels every open synchronization point of a
// workflow. Called on workflow cancellation so no agent stays blocked.
func (c *Coordinator) ReleaseWorkflowBarriers(workflowID string) {
	c.mu.Lock()
	points := make([]*SyncPoint, 0)
	for _, sp := range c.syncPoints {
		if sp.WorkflowID == workflowID {
			points = append(points, sp)
		}
	}
	c.mu.Unlock()
	for _, sp := range points {
		sp.mu.Lock()
		if sp.status == SyncOpen {
			sp.status = SyncCancelled
			sp.missing = sp.missingLocked()
			sp.timer.Stop()
			close(sp.release)
		}
		sp.mu.Unlock()
	}
}
