package job

import (
	"fmt"
	"jobctl/pkg/cloudevent"
	"slices"
	"time"
)

// Event types for run lifecycle notifications
const (
	EventTypeRunStarted   = "jobctl.run.started"
	EventTypeRunSucceeded = "jobctl.run.succeeded"
	EventTypeRunFailed    = "jobctl.run.failed"
	EventTypeRunStopped   = "jobctl.run.stopped"
	EventTypeRunSkipped   = "jobctl.run.skipped"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for run lifecycle transitions.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates a new EventBuilder. source identifies this instance.
func NewEventBuilder(source string) *EventBuilder {
	return &EventBuilder{source: source}
}

// Build creates a new CloudEvent with the given type, subject and data.
func (b *EventBuilder) Build(eventType, subject string, data map[string]any) *cloudevent.CloudEvent {
	eventID := fmt.Sprintf("%s-%d", subject, time.Now().UnixNano())
	return cloudevent.New(eventType, b.source, subject, eventID, data)
}

// BuildStarted creates a run started event.
func (b *EventBuilder) BuildStarted(r *Run) *cloudevent.CloudEvent {
	return b.Build(EventTypeRunStarted, r.ID, runData(r))
}

// BuildFinished creates the terminal event for a run.
func (b *EventBuilder) BuildFinished(r *Run, errType ErrorType) *cloudevent.CloudEvent {
	data := runData(r)
	eventType := EventTypeRunSucceeded
	switch {
	case errType == ErrorStopped:
		eventType = EventTypeRunStopped
	case r.Status == RunFailed:
		eventType = EventTypeRunFailed
	}
	if errType != ErrorNone {
		data["errorType"] = string(errType)
	}
	if r.FinishedAt != nil {
		data["finishedAt"] = r.FinishedAt.UTC().Format(time.RFC3339)
		data["durationSeconds"] = r.Duration().Seconds()
	}
	if r.ExitCode != nil {
		data["exitCode"] = *r.ExitCode
	}
	return b.Build(eventType, r.ID, data)
}

// BuildSkipped creates an event for a due schedule whose job was busy.
func (b *EventBuilder) BuildSkipped(scheduleID, jobID, reason string) *cloudevent.CloudEvent {
	return b.Build(EventTypeRunSkipped, scheduleID, map[string]any{
		"scheduleId": scheduleID,
		"jobId":      jobID,
		"reason":     reason,
	})
}

func runData(r *Run) map[string]any {
	data := map[string]any{
		"runId":     r.ID,
		"jobId":     r.JobID,
		"runType":   string(r.Type),
		"status":    string(r.Status),
		"user":      r.User,
		"hostname":  r.Hostname,
		"startedAt": r.StartedAt.UTC().Format(time.RFC3339),
	}
	if r.JobName != "" {
		data["jobName"] = r.JobName
	}
	if r.ContainerID != "" {
		data["containerId"] = r.ContainerID
	}
	if r.RetryOf != "" {
		data["retryOf"] = r.RetryOf
	}
	return data
}
