// Package postgres provides PostgreSQL-backed implementations of the
// durable store and checkpointer interfaces.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/edgeflow-ai/orchestra"
)

// Store is a DurableStore over a PostgreSQL table. It is the
// source-of-truth tier: a write is committed once the INSERT returns.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and prepares the schema
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	store := &Store{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing connection pool. The caller owns the pool's
// lifecycle; Close is a no-op path for it.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS orchestra_state (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS orchestra_checkpoints (
	workflow_id TEXT NOT NULL,
	sequence    BIGINT NOT NULL,
	data        BYTEA NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (workflow_id, sequence)
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Put stores a value, replacing any previous value for the key
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orchestra_state (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

// Get retrieves a value, returning orchestra.ErrNotFound for missing keys
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM orchestra_state WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestra.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM orchestra_state WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpointer persists checkpoints as immutable rows keyed by
// (workflow id, sequence). The primary key enforces write-once.
type Checkpointer struct {
	db *sql.DB
}

// NewCheckpointer creates a checkpointer sharing the store's connection
func NewCheckpointer(store *Store) *Checkpointer {
	return &Checkpointer{db: store.db}
}

// SaveCheckpoint inserts a checkpoint row. An existing (workflow, sequence)
// pair is a recovery failure, never an overwrite.
func (c *Checkpointer) SaveCheckpoint(ctx context.Context, checkpoint *orchestra.Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO orchestra_checkpoints (workflow_id, sequence, data)
		VALUES ($1, $2, $3)`,
		checkpoint.WorkflowID, checkpoint.Sequence, data)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return orchestra.NewErrorf(orchestra.ErrorTypeRecoveryFailure,
			"checkpoint %d already exists for workflow %s",
			checkpoint.Sequence, checkpoint.WorkflowID)
	}
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint loads a checkpoint by sequence number
func (c *Checkpointer) LoadCheckpoint(ctx context.Context, workflowID string, sequence int64) (*orchestra.Checkpoint, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT data FROM orchestra_checkpoints
		WHERE workflow_id = $1 AND sequence = $2`,
		workflowID, sequence)
	return scanCheckpoint(row)
}

// LatestCheckpoint loads the highest-sequence checkpoint for a workflow
func (c *Checkpointer) LatestCheckpoint(ctx context.Context, workflowID string) (*orchestra.Checkpoint, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT data FROM orchestra_checkpoints
		WHERE workflow_id = $1
		ORDER BY sequence DESC LIMIT 1`,
		workflowID)
	return scanCheckpoint(row)
}

func scanCheckpoint(row *sql.Row) (*orchestra.Checkpoint, error) {
	var data []byte
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orchestra.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var checkpoint orchestra.Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, orchestra.NewErrorf(orchestra.ErrorTypeRecoveryFailure,
			"checkpoint row is corrupt: %s", err)
	}
	return &checkpoint, nil
}

// DeleteCheckpoints removes all checkpoint rows for a workflow
func (c *Checkpointer) DeleteCheckpoints(ctx context.Context, workflowID string) error {
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM orchestra_checkpoints WHERE workflow_id = $1`,
		workflowID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}
