package orchestra

import "time"

// Checkpoint contains a complete snapshot of a workflow's canonical state:
// the workflow record, every step record, and the resource claims held by
// its steps. Sequence numbers increase monotonically per workflow.
// Checkpoints are immutable once written; superseded checkpoints may be
// garbage-collected but never mutated.
type Checkpoint struct {
	ID         string            `json:"id"`
	WorkflowID string            `json:"workflow_id"`
	Sequence   int64             `json:"sequence"`
	Workflow   *Workflow         `json:"workflow"`
	Steps      map[string]*Step  `json:"steps"`
	Resources  map[string]string `json:"resources,omitempty"`
	Context    map[string]any    `json:"context,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Copy returns a deep copy of the checkpoint
func (c *Checkpoint) Copy() *Checkpoint {
	out := &Checkpoint{
		ID:         c.ID,
		WorkflowID: c.WorkflowID,
		Sequence:   c.Sequence,
		Workflow:   c.Workflow.Copy(),
		Steps:      make(map[string]*Step, len(c.Steps)),
		Resources:  make(map[string]string, len(c.Resources)),
		Context:    make(map[string]any, len(c.Context)),
		CreatedAt:  c.CreatedAt,
	}
	for id, s := range c.Steps {
		out.Steps[id] = s.Copy()
	}
	for k, v := range c.Resources {
		out.Resources[k] = v
	}
	for k, v := range c.Context {
		out.Context[k] = v
	}
	return out
}
