package orchestra

import "context"

// NullEventJournal is a no-op implementation of EventJournal.
type NullEventJournal struct{}

func NewNullEventJournal() *NullEventJournal {
	return &NullEventJournal{}
}

func (j *NullEventJournal) LogEvent(ctx context.Context, event *Event) error {
	return nil
}

func (j *NullEventJournal) EventHistory(ctx context.Context, workflowID string) ([]*Event, error) {
	return nil, nil
}
