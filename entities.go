package orchestra

import (
	"time"
)

// StepState represents the lifecycle state of a step
type StepState string

const (
	StepBlocked   StepState = "blocked"
	StepReady     StepState = "ready"
	StepAssigned  StepState = "assigned"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepCancelled StepState = "cancelled"
)

// IsTerminal reports whether the step state has no outbound transitions
func (s StepState) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepCancelled:
		return true
	}
	return false
}

// stepTransitions is the legal step state table.
var stepTransitions = map[StepState][]StepState{
	StepBlocked:  {StepReady, StepFailed, StepCancelled},
	StepReady:    {StepAssigned, StepBlocked, StepFailed, StepCancelled},
	StepAssigned: {StepRunning, StepReady, StepFailed, StepCancelled},
	StepRunning:  {StepCompleted, StepFailed, StepCancelled},
}

func validStepTransition(from, to StepState) bool {
	for _, t := range stepTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Workflow is the canonical runtime record of an orchestrated workflow.
// It is fully JSON serializable for checkpointing. The state machine is the
// single writer of this record; everything else reads snapshots.
type Workflow struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Tenant        string           `json:"tenant,omitempty"`
	Priority      int              `json:"priority"`
	State         Path             `json:"state"`
	Suspended     Path             `json:"suspended,omitempty"`
	Consistency   ConsistencyLevel `json:"consistency"`
	FailureQuorum float64          `json:"failure_quorum"`
	StepIDs       []string         `json:"step_ids"`
	CheckpointSeq int64            `json:"checkpoint_seq"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Copy returns an independent copy of the workflow record.
func (w *Workflow) Copy() *Workflow {
	c := *w
	c.State = w.State.Copy()
	c.Suspended = w.Suspended.Copy()
	c.StepIDs = append([]string(nil), w.StepIDs...)
	return &c
}

// Step is the canonical runtime record of a step. Created when the workflow
// is instantiated; destroyed only by workflow deletion or archival.
type Step struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	Name        string    `json:"name"`
	Capability  string    `json:"capability,omitempty"`
	Resource    string    `json:"resource,omitempty"`
	Produces    string    `json:"produces,omitempty"`
	State       StepState `json:"state"`
	AgentID     string    `json:"agent_id,omitempty"`
	RetryCount  int       `json:"retry_count"`
	MaxRetries  int       `json:"max_retries"`
	Checkpoint  string    `json:"checkpoint,omitempty"`
	Scheduled   bool      `json:"scheduled"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Copy returns an independent copy of the step record.
func (s *Step) Copy() *Step {
	c := *s
	return &c
}

// Agent is a read-mostly reference to an externally owned agent record.
// The agent registry collaborator owns and updates these; the core holds
// only this view plus assignment records.
type Agent struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities,omitempty"`
	Load         float64  `json:"load"`
	Available    bool     `json:"available"`
	Supervisor   string   `json:"supervisor,omitempty"`
}

// Can reports whether the agent advertises the named capability. An empty
// capability requirement matches any agent.
func (a *Agent) Can(capability string) bool {
	if capability == "" {
		return true
	}
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
