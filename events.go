package orchestra

import (
	"sync"
	"time"
)

// EventType identifies an entry in the orchestration event feed
type EventType string

const (
	EventWorkflowCreated   EventType = "workflow_created"
	EventTransition        EventType = "transition"
	EventStepTransition    EventType = "step_transition"
	EventStepAssigned      EventType = "step_assigned"
	EventBarrierCreated    EventType = "barrier_created"
	EventBarrierReleased   EventType = "barrier_released"
	EventBarrierTimeout    EventType = "barrier_timeout"
	EventConflictDetected  EventType = "conflict_detected"
	EventConflictResolved  EventType = "conflict_resolved"
	EventCheckpointTaken   EventType = "checkpoint_taken"
	EventRecoveryStarted   EventType = "recovery_started"
	EventRecoveryCompleted EventType = "recovery_completed"
	EventWorkflowCancelled EventType = "workflow_cancelled"
	EventManualEscalation  EventType = "manual_escalation"
)

// Event is one entry in the append-only orchestration event feed
type Event struct {
	Type       EventType      `json:"type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Time       time.Time      `json:"time"`
}

// Feed is an append-only event feed for external consumers (notification
// layers, dashboards). Publication never blocks: slow subscribers lose
// events rather than stalling orchestration, and the retained buffer drops
// its oldest entries on overflow.
type Feed struct {
	mu      sync.Mutex
	buf     []Event
	bufSize int
	subs    map[int]chan Event
	nextSub int
}

// NewFeed creates a feed retaining up to bufSize recent events
func NewFeed(bufSize int) *Feed {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &Feed{bufSize: bufSize, subs: map[int]chan Event{}}
}

// Publish appends an event to the feed and fans it out to subscribers.
// Never blocks.
func (f *Feed) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = append(f.buf, event)
	if len(f.buf) > f.bufSize {
		f.buf = f.buf[len(f.buf)-f.bufSize:]
	}
	for _, ch := range f.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a cancel function.
// The channel is buffered; events overflowing the buffer are dropped for
// that subscriber.
func (f *Feed) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch
	f.mu.Unlock()
	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Recent returns a copy of the retained event buffer
func (f *Feed) Recent() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.buf...)
}
