package orchestra

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileEventJournal is an implementation of EventJournal that logs to a file.
// A file is created per workflow. The file is formatted as newline-delimited JSON.
type FileEventJournal struct {
	directory string
}

func NewFileEventJournal(directory string) *FileEventJournal {
	return &FileEventJournal{directory: directory}
}

func (j *FileEventJournal) workflowJournalPath(workflowID string) string {
	return filepath.Join(j.directory, fmt.Sprintf("%s.jsonl", workflowID))
}

func (j *FileEventJournal) EventHistory(ctx context.Context, workflowID string) ([]*Event, error) {
	filePath := j.workflowJournalPath(workflowID)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var events []*Event
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}
	return events, nil
}

func (j *FileEventJournal) LogEvent(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	filePath := j.workflowJournalPath(event.WorkflowID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write([]byte(string(data) + "\n")); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return nil
}
