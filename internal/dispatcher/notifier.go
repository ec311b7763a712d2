package dispatcher

import (
	"accessd/internal/manifest"
	"accessd/pkg/cloudevent"
	"log/slog"
	"time"
)

// Event types sent when a job reaches a terminal state.
const (
	EventJobFinished  = "accessd.job.finished"
	EventJobFailed    = "accessd.job.failed"
	EventJobCancelled = "accessd.job.cancelled"
)

// eventSource is the CloudEvents source of every job event.
const eventSource = "accessd/jobs"

// JobNotifier turns terminal job records into webhook events.
type JobNotifier struct {
	dispatcher Dispatcher
	url        string
	signingKey string
	logger     *slog.Logger
}

// NewJobNotifier creates a notifier posting to url.
func NewJobNotifier(d Dispatcher, url, signingKey string) *JobNotifier {
	return &JobNotifier{
		dispatcher: d,
		url:        url,
		signingKey: signingKey,
		logger:     slog.With("component", "dispatcher"),
	}
}

// JobEnded queues the event for j. Jobs that are not terminal are ignored.
func (n *JobNotifier) JobEnded(j manifest.Job) {
	event := JobEvent(j)
	if event == nil {
		return
	}
	if err := n.dispatcher.Dispatch(&Event{
		Payload:     event,
		Destination: n.url,
		SigningKey:  n.signingKey,
	}); err != nil {
		n.logger.Warn("Failed to dispatch job event", "jobId", j.ID, "type", event.Type, "error", err)
	}
}

// JobEvent builds the event for a terminal job, or nil.
func JobEvent(j manifest.Job) *cloudevent.CloudEvent {
	var eventType string
	switch j.Status {
	case manifest.StatusFinished:
		eventType = EventJobFinished
	case manifest.StatusFailed:
		eventType = EventJobFailed
	case manifest.StatusCancelled:
		eventType = EventJobCancelled
	default:
		return nil
	}

	data := map[string]any{
		"jobId":     j.ID,
		"type":      j.Type,
		"status":    string(j.Status),
		"createdAt": j.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if j.FinishedAt != nil {
		data["finishedAt"] = j.FinishedAt.UTC().Format(time.RFC3339Nano)
	}
	if j.Failure != nil {
		failure := map[string]any{
			"kind":    string(j.Failure.Kind),
			"message": j.Failure.Message,
		}
		if j.Failure.Field != "" {
			failure["field"] = j.Failure.Field
		}
		data["failure"] = failure
	}
	return cloudevent.New(eventType, eventSource, j.ID, data)
}
