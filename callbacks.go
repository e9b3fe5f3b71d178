package orchestra

import (
	"context"
)

// TransitionEvent provides context for workflow state transitions
type TransitionEvent struct {
	WorkflowID string
	From       Path
	To         Path
	Trigger    string
}

// StepEvent provides context for step state changes and assignments
type StepEvent struct {
	WorkflowID string
	StepID     string
	StepName   string
	AgentID    string
	From       StepState
	To         StepState
}

// BarrierEvent provides context for synchronization point outcomes
type BarrierEvent struct {
	SyncPointID string
	WorkflowID  string
	Arrived     []string
	Missing     []string
	TimedOut    bool
}

// ConflictEvent provides context for conflict detection and resolution
type ConflictEvent struct {
	Record *ConflictRecord
}

// CheckpointEvent provides context for checkpoint creation and restoration
type CheckpointEvent struct {
	WorkflowID string
	Sequence   int64
	Restored   bool
}

// Callbacks defines the callback interface for orchestration events.
// Implementations must not block; long work belongs behind the event feed.
type Callbacks interface {
	OnTransition(ctx context.Context, event *TransitionEvent)
	OnStepChange(ctx context.Context, event *StepEvent)
	OnBarrier(ctx context.Context, event *BarrierEvent)
	OnConflict(ctx context.Context, event *ConflictEvent)
	OnCheckpoint(ctx context.Context, event *CheckpointEvent)
}

// BaseCallbacks provides a default implementation that does nothing.
// Embed this in your own callbacks to get no-op defaults.
type BaseCallbacks struct{}

func (b *BaseCallbacks) OnTransition(ctx context.Context, event *TransitionEvent) {
	// noop
}

func (b *BaseCallbacks) OnStepChange(ctx context.Context, event *StepEvent) {
	// noop
}

func (b *BaseCallbacks) OnBarrier(ctx context.Context, event *BarrierEvent) {
	// noop
}

func (b *BaseCallbacks) OnConflict(ctx context.Context, event *ConflictEvent) {
	// noop
}

func (b *BaseCallbacks) OnCheckpoint(ctx context.Context, event *CheckpointEvent) {
	// noop
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []Callbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...Callbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback Callbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) OnTransition(ctx context.Context, event *TransitionEvent) {
	for _, cb := range c.callbacks {
		cb.OnTransition(ctx, event)
	}
}

func (c *CallbackChain) OnStepChange(ctx context.Context, event *StepEvent) {
	for _, cb := range c.callbacks {
		cb.OnStepChange(ctx, event)
	}
}

func (c *CallbackChain) OnBarrier(ctx context.Context, event *BarrierEvent) {
	for _, cb := range c.callbacks {
		cb.OnBarrier(ctx, event)
	}
}

func (c *CallbackChain) OnConflict(ctx context.Context, event *ConflictEvent) {
	for _, cb := range c.callbacks {
		cb.OnConflict(ctx, event)
	}
}

func (c *CallbackChain) OnCheckpoint(ctx context.Context, event *CheckpointEvent) {
	for _, cb := range c.callbacks {
		cb.OnCheckpoint(ctx, event)
	}
}
