package orchestra

import (
	"context"
	"sync"
)

// MemoryCheckpointer keeps checkpoints in memory. Used in tests and
// single-process deployments.
type MemoryCheckpointer struct {
	mu          sync.RWMutex
	checkpoints map[string]map[int64]*Checkpoint
}

// NewMemoryCheckpointer creates an empty in-memory checkpointer
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{checkpoints: map[string]map[int64]*Checkpoint{}}
}

// SaveCheckpoint stores a deep copy of the checkpoint
func (c *MemoryCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	bySeq, ok := c.checkpoints[checkpoint.WorkflowID]
	if !ok {
		bySeq = map[int64]*Checkpoint{}
		c.checkpoints[checkpoint.WorkflowID] = bySeq
	}
	if _, exists := bySeq[checkpoint.Sequence]; exists {
		return NewErrorf(ErrorTypeRecoveryFailure,
			"checkpoint %d already exists for workflow %s",
			checkpoint.Sequence, checkpoint.WorkflowID)
	}
	bySeq[checkpoint.Sequence] = checkpoint.Copy()
	return nil
}

// LoadCheckpoint loads a checkpoint by sequence number
func (c *MemoryCheckpointer) LoadCheckpoint(ctx context.Context, workflowID string, sequence int64) (*Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	checkpoint, ok := c.checkpoints[workflowID][sequence]
	if !ok {
		return nil, ErrNotFound
	}
	return checkpoint.Copy(), nil
}

// LatestCheckpoint loads the highest-sequence checkpoint for a workflow
func (c *MemoryCheckpointer) LatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var latest *Checkpoint
	for _, checkpoint := range c.checkpoints[workflowID] {
		if latest == nil || checkpoint.Sequence > latest.Sequence {
			latest = checkpoint
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Copy(), nil
}

// DeleteCheckpoints removes all checkpoints for a workflow
func (c *MemoryCheckpointer) DeleteCheckpoints(ctx context.Context, workflowID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checkpoints, workflowID)
	return nil
}

// NullCheckpointer discards checkpoints. Recovery is unavailable with it.
type NullCheckpointer struct{}

// NewNullCheckpointer creates a checkpointer that stores nothing
func NewNullCheckpointer() *NullCheckpointer {
	return &NullCheckpointer{}
}

func (c *NullCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	return nil
}

func (c *NullCheckpointer) LoadCheckpoint(ctx context.Context, workflowID string, sequence int64) (*Checkpoint, error) {
	return nil, ErrNotFound
}

func (c *NullCheckpointer) LatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	return nil, ErrNotFound
}

func (c *NullCheckpointer) DeleteCheckpoints(ctx context.Context, workflowID string) error {
	return nil
}
