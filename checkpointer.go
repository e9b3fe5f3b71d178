package orchestra

import (
	"context"
)

// Checkpointer persists immutable workflow checkpoints keyed by
// (workflow id, sequence number).
type Checkpointer interface {
	// SaveCheckpoint stores a checkpoint. Sequence numbers are never
	// overwritten: saving an existing (workflow, sequence) pair is an error.
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint loads a checkpoint by workflow id and sequence
	LoadCheckpoint(ctx context.Context, workflowID string, sequence int64) (*Checkpoint, error)

	// LatestCheckpoint loads the highest-sequence checkpoint for a workflow
	LatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error)

	// DeleteCheckpoints removes all checkpoint data for a workflow
	DeleteCheckpoints(ctx context.Context, workflowID string) error
}
