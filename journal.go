package orchestra

import (
	"context"
)

// EventJournal defines a durable append-only record of orchestration
// events, one stream per workflow. Unlike the in-memory feed, journal
// entries survive restarts.
type EventJournal interface {
	// LogEvent appends one event to the workflow's journal
	LogEvent(ctx context.Context, event *Event) error

	// EventHistory retrieves the journaled events for a workflow
	EventHistory(ctx context.Context, workflowID string) ([]*Event, error)
}
