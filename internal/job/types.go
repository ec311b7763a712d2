package job

import (
	"accessd/internal/manifest"
	"time"
)

// StatusNotFound is reported for job ids with no record.
const StatusNotFound manifest.Status = "not_found"

// Request represents a request to submit a job.
type Request struct {
	Type   string         `json:"type"`
	Orders map[string]any `json:"orders"`
}

// Response represents the response when a job is submitted.
type Response struct {
	ID     string          `json:"id"`
	Status manifest.Status `json:"status"`
}

// Status represents the current status of a job.
type Status struct {
	ID         string            `json:"id"`
	Type       string            `json:"type,omitempty"`
	State      manifest.Status   `json:"status"`
	CreatedAt  *time.Time        `json:"createdAt,omitempty"`
	StartedAt  *time.Time        `json:"startedAt,omitempty"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
	Failure    *manifest.Failure `json:"failure,omitempty"`
}

// ListResponse represents the response for listing jobs.
type ListResponse struct {
	Jobs []Status `json:"jobs"`
}

// CancelResponse reports whether a cancel request removed a pending job.
type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// RecoverResult counts jobs reconciled at startup.
type RecoverResult struct {
	Requeued    int
	Interrupted int
}

func statusOf(j manifest.Job) Status {
	created := j.CreatedAt
	return Status{
		ID:         j.ID,
		Type:       j.Type,
		State:      j.Status,
		CreatedAt:  &created,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Failure:    j.Failure,
	}
}
