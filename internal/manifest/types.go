package manifest

import (
	"accessd/internal/apperrors"
	"errors"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusFinished, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// allowedTransitions lists every legal status change. Terminal states have
// no outgoing edges.
var allowedTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusFinished, StatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Resource is the metadata of one stored blob.
type Resource struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	Filename  string    `json:"filename,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Failure describes why a job ended in the failed state.
type Failure struct {
	Kind    apperrors.Kind `json:"kind"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
}

// FailureFrom converts an error into a Failure, defaulting the kind to
// ExecutorFailure for errors that carry none.
func FailureFrom(err error) Failure {
	f := Failure{Kind: apperrors.KindOf(err), Message: err.Error()}
	if f.Kind == "" {
		f.Kind = apperrors.KindExecutorFailure
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		f.Field = appErr.Field
	}
	return f
}

// Job is a snapshot of one job record.
type Job struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Status     Status         `json:"status"`
	Orders     map[string]any `json:"orders"`
	CreatedAt  time.Time      `json:"createdAt"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
	ResultPath string         `json:"resultPath,omitempty"`
	Failure    *Failure       `json:"failure,omitempty"`
}

// Age returns how long the record has existed, measured from completion for
// terminal jobs and from creation otherwise.
func (j Job) Age(now time.Time) time.Duration {
	if j.FinishedAt != nil {
		return now.Sub(*j.FinishedAt)
	}
	return now.Sub(j.CreatedAt)
}
