package orchestra

import (
	"context"
	"fmt"

	"github.com/fatih/color"
)

// Formatter interface for pretty output
type Formatter interface {
	PrintTransition(workflowID string, from, to Path, trigger string)
	PrintStepChange(stepID string, from, to StepState, agentID string)
	PrintConflict(record *ConflictRecord)
	PrintCheckpoint(workflowID string, sequence int64)
}

// ColorFormatter prints orchestration progress with ANSI colors
type ColorFormatter struct{}

// NewColorFormatter creates a color formatter
func NewColorFormatter() *ColorFormatter {
	return &ColorFormatter{}
}

func (f *ColorFormatter) PrintTransition(workflowID string, from, to Path, trigger string) {
	switch {
	case to.Top() == StateCompleted:
		color.Green("✓ %s: %s -> %s", workflowID, from, to)
	case to.Top() == StateFailed:
		color.Red("✗ %s: %s -> %s", workflowID, from, to)
	case to.Top() == StateCancelled:
		color.Yellow("- %s: %s -> %s", workflowID, from, to)
	default:
		color.Cyan("%s: %s -> %s (%s)", workflowID, from, to, trigger)
	}
}

func (f *ColorFormatter) PrintStepChange(stepID string, from, to StepState, agentID string) {
	suffix := ""
	if agentID != "" {
		suffix = fmt.Sprintf(" [%s]", agentID)
	}
	switch to {
	case StepCompleted:
		color.Green("  step %s: %s -> %s%s", stepID, from, to, suffix)
	case StepFailed:
		color.Red("  step %s: %s -> %s%s", stepID, from, to, suffix)
	default:
		color.White("  step %s: %s -> %s%s", stepID, from, to, suffix)
	}
}

func (f *ColorFormatter) PrintConflict(record *ConflictRecord) {
	color.Magenta("! conflict %s (%s): %s", record.ID, record.Type, record.Outcome)
}

func (f *ColorFormatter) PrintCheckpoint(workflowID string, sequence int64) {
	color.Blue("checkpoint %d taken for %s", sequence, workflowID)
}

// NullFormatter discards all output
type NullFormatter struct{}

func (f *NullFormatter) PrintTransition(string, Path, Path, string)           {}
func (f *NullFormatter) PrintStepChange(string, StepState, StepState, string) {}
func (f *NullFormatter) PrintConflict(*ConflictRecord)                        {}
func (f *NullFormatter) PrintCheckpoint(string, int64)                        {}

// FormatterCallbacks adapts a Formatter to the Callbacks interface so it
// can sit in a callback chain.
type FormatterCallbacks struct {
	BaseCallbacks
	formatter Formatter
}

// NewFormatterCallbacks wraps a formatter as callbacks
func NewFormatterCallbacks(formatter Formatter) *FormatterCallbacks {
	return &FormatterCallbacks{formatter: formatter}
}

func (c *FormatterCallbacks) OnTransition(ctx context.Context, event *TransitionEvent) {
	c.formatter.PrintTransition(event.WorkflowID, event.From, event.To, event.Trigger)
}

func (c *FormatterCallbacks) OnStepChange(ctx context.Context, event *StepEvent) {
	c.formatter.PrintStepChange(event.StepID, event.From, event.To, event.AgentID)
}

func (c *FormatterCallbacks) OnConflict(ctx context.Context, event *ConflictEvent) {
	c.formatter.PrintConflict(event.Record)
}

func (c *FormatterCallbacks) OnCheckpoint(ctx context.Context, event *CheckpointEvent) {
	c.formatter.PrintCheckpoint(event.WorkflowID, event.Sequence)
}
