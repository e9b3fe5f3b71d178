package orchestra

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileCheckpointer is a file-based implementation that persists checkpoints
// to disk, one directory per workflow with one JSON file per sequence and a
// latest.json pointer.
type FileCheckpointer struct {
	dataDir string
}

// NewFileCheckpointer creates a new file-based checkpointer
func NewFileCheckpointer(dataDir string) (*FileCheckpointer, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".orchestra", "checkpoints")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileCheckpointer{dataDir: dataDir}, nil
}

func (c *FileCheckpointer) checkpointPath(workflowID string, sequence int64) string {
	return filepath.Join(c.dataDir, workflowID, fmt.Sprintf("checkpoint-%08d.json", sequence))
}

// SaveCheckpoint saves the checkpoint to disk. Existing sequences are never
// overwritten.
func (c *FileCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	workflowDir := filepath.Join(c.dataDir, checkpoint.WorkflowID)
	if err := os.MkdirAll(workflowDir, 0755); err != nil {
		return fmt.Errorf("failed to create workflow directory: %w", err)
	}
	path := c.checkpointPath(checkpoint.WorkflowID, checkpoint.Sequence)
	if _, err := os.Stat(path); err == nil {
		return NewErrorf(ErrorTypeRecoveryFailure,
			"checkpoint %d already exists for workflow %s",
			checkpoint.Sequence, checkpoint.WorkflowID)
	}
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	latest := filepath.Join(workflowDir, "latest.json")
	if err := os.WriteFile(latest, data, 0644); err != nil {
		return fmt.Errorf("failed to write latest checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint loads a checkpoint by sequence number
func (c *FileCheckpointer) LoadCheckpoint(ctx context.Context, workflowID string, sequence int64) (*Checkpoint, error) {
	return c.readCheckpoint(c.checkpointPath(workflowID, sequence))
}

// LatestCheckpoint loads the most recent checkpoint for a workflow
func (c *FileCheckpointer) LatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	return c.readCheckpoint(filepath.Join(c.dataDir, workflowID, "latest.json"))
}

func (c *FileCheckpointer) readCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, NewErrorf(ErrorTypeRecoveryFailure,
			"checkpoint file %s is corrupt: %s", path, err)
	}
	return &checkpoint, nil
}

// DeleteCheckpoints removes all checkpoint data for a workflow
func (c *FileCheckpointer) DeleteCheckpoints(ctx context.Context, workflowID string) error {
	return os.RemoveAll(filepath.Join(c.dataDir, workflowID))
}
