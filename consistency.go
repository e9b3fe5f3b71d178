package orchestra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ConsistencyLevel selects how edge replicas relate to the cloud authority
// for a workflow class.
type ConsistencyLevel string

const (
	// ConsistencyStrong blocks edge writes until the cloud acknowledges.
	// Used for safety-critical workflows.
	ConsistencyStrong ConsistencyLevel = "strong"

	// ConsistencyEventual commits locally and replicates asynchronously
	ConsistencyEventual ConsistencyLevel = "eventual"

	// ConsistencyBounded lets the edge lag the cloud by at most the
	// configured duration before new step assignment pauses.
	ConsistencyBounded ConsistencyLevel = "bounded_staleness"
)

// Versioned is a replicated value with its write timestamp and origin,
// used for last-write-wins reconciliation of scalar fields.
type Versioned struct {
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
	Origin    string    `json:"origin"`
}

// LogEntry is one append-only audit entry. Concurrently appended logs are
// merged on reconnect so that no entries are lost.
type LogEntry struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Origin  string    `json:"origin"`
	Message string    `json:"message"`
}

// MergeResolver resolves a semantic field whose edge and cloud versions
// diverged. Supplied by the domain; when nil, last-write-wins applies.
type MergeResolver func(key string, edge, cloud Versioned) Versioned

// ReplicaOptions configures an edge replica
type ReplicaOptions struct {
	Name           string
	StalenessBound time.Duration
	Resolver       MergeResolver
	SemanticKeys   map[string]bool
	Logger         *slog.Logger
}

// EdgeReplica is the edge-tier copy of workflow state. It serves local
// reads and writes while disconnected and reconciles with the cloud
// authority on Sync.
type EdgeReplica struct {
	name         string
	cloud        DurableStore
	bound        time.Duration
	resolver     MergeResolver
	semanticKeys map[string]bool
	logger       *slog.Logger

	mu          sync.Mutex
	local       map[string]Versioned
	dirty       map[string]bool
	logs        map[string][]LogEntry
	pendingLogs map[string][]LogEntry
	lastSync    time.Time
	connected   bool
}

// NewEdgeReplica creates an edge replica over the given cloud store
func NewEdgeReplica(cloud DurableStore, opts ReplicaOptions) *EdgeReplica {
	if opts.Name == "" {
		opts.Name = "edge"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &EdgeReplica{
		name:         opts.Name,
		cloud:        cloud,
		bound:        opts.StalenessBound,
		resolver:     opts.Resolver,
		semanticKeys: opts.SemanticKeys,
		logger:       opts.Logger.With("replica", opts.Name),
		local:        map[string]Versioned{},
		dirty:        map[string]bool{},
		logs:         map[string][]LogEntry{},
		pendingLogs:  map[string][]LogEntry{},
		lastSync:     time.Now(),
		connected:    true,
	}
}

// SetConnected marks the replica connected or disconnected from the cloud
func (r *EdgeReplica) SetConnected(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = connected
}

// Lagging reports whether the replica has exceeded its staleness bound.
// Under bounded-staleness consistency a lagging replica must pause new
// step assignment until a Sync succeeds.
func (r *EdgeReplica) Lagging() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bound <= 0 {
		return false
	}
	if len(r.dirty) == 0 && len(r.pendingLogs) == 0 {
		return false
	}
	return time.Since(r.lastSync) > r.bound
}

// Write stores a value at the requested consistency level. Strong writes
// block until the cloud acknowledges and fail while disconnected; eventual
// and bounded writes commit locally and replicate on Sync.
func (r *EdgeReplica) Write(ctx context.Context, key string, value []byte, level ConsistencyLevel) error {
	v := Versioned{Data: value, UpdatedAt: time.Now(), Origin: r.name}
	if level == ConsistencyStrong {
		r.mu.Lock()
		connected := r.connected
		r.mu.Unlock()
		if !connected {
			return NewErrorf(ErrorTypeTimeout,
				"strong write of %q requires cloud connectivity", key)
		}
		if err := putVersioned(ctx, r.cloud, key, v); err != nil {
			return err
		}
		r.mu.Lock()
		r.local[key] = v
		r.mu.Unlock()
		return nil
	}
	r.mu.Lock()
	r.local[key] = v
	r.dirty[key] = true
	r.mu.Unlock()
	return nil
}

// Read returns the local copy of a key, falling back to the cloud when the
// replica has never seen it.
func (r *EdgeReplica) Read(ctx context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	if v, ok := r.local[key]; ok {
		r.mu.Unlock()
		return v.Data, nil
	}
	connected := r.connected
	r.mu.Unlock()
	if !connected {
		return nil, ErrNotFound
	}
	v, err := getVersioned(ctx, r.cloud, key)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.local[key] = v
	r.mu.Unlock()
	return v.Data, nil
}

// AppendLog appends an audit entry locally; entries replicate on Sync with
// a merge that preserves all entries from both sides.
func (r *EdgeReplica) AppendLog(key string, entry LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.Origin == "" {
		entry.Origin = r.name
	}
	r.logs[key] = append(r.logs[key], entry)
	r.pendingLogs[key] = append(r.pendingLogs[key], entry)
}

// Log returns the replica's view of an audit log
func (r *EdgeReplica) Log(key string) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.logs[key]...)
}

// Sync reconciles the replica with the cloud authority: pending scalar
// writes reconcile by last-write-wins, semantic keys go through the domain
// resolver, and audit logs merge without loss. Requires connectivity.
func (r *EdgeReplica) Sync(ctx context.Context) error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return NewError(ErrorTypeTimeout, "replica disconnected")
	}
	dirtyKeys := make([]string, 0, len(r.dirty))
	for k := range r.dirty {
		dirtyKeys = append(dirtyKeys, k)
	}
	sort.Strings(dirtyKeys)
	logKeys := make([]string, 0, len(r.pendingLogs))
	for k := range r.pendingLogs {
		logKeys = append(logKeys, k)
	}
	sort.Strings(logKeys)
	r.mu.Unlock()

	for _, key := range dirtyKeys {
		if err := r.syncKey(ctx, key); err != nil {
			return err
		}
	}
	for _, key := range logKeys {
		if err := r.syncLog(ctx, key); err != nil {
			return err
		}
	}

	r.mu.Lock()
	r.lastSync = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *EdgeReplica) syncKey(ctx context.Context, key string) error {
	r.mu.Lock()
	local, ok := r.local[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	winner := local
	cloud, err := getVersioned(ctx, r.cloud, key)
	switch {
	case errors.Is(err, ErrNotFound):
		// No cloud copy; the edge write wins by default.
	case err != nil:
		return err
	case cloud.Origin != r.name && !cloud.UpdatedAt.Equal(local.UpdatedAt):
		if r.semanticKeys[key] && r.resolver != nil {
			winner = r.resolver(key, local, cloud)
		} else if cloud.UpdatedAt.After(local.UpdatedAt) {
			winner = cloud
		}
	}

	if err := putVersioned(ctx, r.cloud, key, winner); err != nil {
		return err
	}
	r.mu.Lock()
	r.local[key] = winner
	delete(r.dirty, key)
	r.mu.Unlock()
	return nil
}

func (r *EdgeReplica) syncLog(ctx context.Context, key string) error {
	cloudEntries, err := getLog(ctx, r.cloud, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	r.mu.Lock()
	merged := MergeLogs(cloudEntries, r.logs[key])
	r.logs[key] = merged
	delete(r.pendingLogs, key)
	r.mu.Unlock()

	return putLog(ctx, r.cloud, key, merged)
}

// MergeLogs merges two append-only logs into one sequence containing every
// entry from both sides exactly once, ordered by timestamp with the entry
// id as a deterministic tiebreak.
func MergeLogs(a, b []LogEntry) []LogEntry {
	seen := make(map[string]bool, len(a)+len(b))
	merged := make([]LogEntry, 0, len(a)+len(b))
	for _, e := range a {
		if !seen[e.ID] {
			seen[e.ID] = true
			merged = append(merged, e)
		}
	}
	for _, e := range b {
		if !seen[e.ID] {
			seen[e.ID] = true
			merged = append(merged, e)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if !merged[i].At.Equal(merged[j].At) {
			return merged[i].At.Before(merged[j].At)
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}

func putVersioned(ctx context.Context, store DurableStore, key string, v Versioned) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal versioned value: %w", err)
	}
	return store.Put(ctx, "v:"+key, data)
}

func getVersioned(ctx context.Context, store DurableStore, key string) (Versioned, error) {
	data, err := store.Get(ctx, "v:"+key)
	if err != nil {
		return Versioned{}, err
	}
	var v Versioned
	if err := json.Unmarshal(data, &v); err != nil {
		return Versioned{}, fmt.Errorf("failed to unmarshal versioned value: %w", err)
	}
	return v, nil
}

func putLog(ctx context.Context, store DurableStore, key string, entries []LogEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal log: %w", err)
	}
	return store.Put(ctx, "log:"+key, data)
}

func getLog(ctx context.Context, store DurableStore, key string) ([]LogEntry, error) {
	data, err := store.Get(ctx, "log:"+key)
	if err != nil {
		return nil, err
	}
	var entries []LogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal log: %w", err)
	}
	return entries, nil
}
