// Package job is the orchestration facade the HTTP layer calls. It records
// and enqueues jobs, answers status queries, cancels pending work, serves
// results and reconciles state left behind by a previous run.
package job

import (
	"accessd/internal/manifest"
	"context"
	"io"
)

// Manifest is the durable job state the Service reads and writes.
//
// The Service never claims jobs or records outcomes; those transitions
// belong to the worker pool.
type Manifest interface {
	RecordJob(ctx context.Context, j manifest.Job) error
	GetJob(ctx context.Context, id string) (manifest.Job, bool, error)
	AllJobs(ctx context.Context) ([]manifest.Job, error)
	JobsWithStatus(ctx context.Context, statuses ...manifest.Status) ([]manifest.Job, error)
	SetJobStatus(ctx context.Context, id string, to manifest.Status) error
	SetJobFailure(ctx context.Context, id string, f manifest.Failure) error
	RemoveJob(ctx context.Context, id string) error
}

// Resources is the resource store exposed through the Service.
type Resources interface {
	Store(ctx context.Context, filename string, r io.Reader) (manifest.Resource, error)
	Exists(ctx context.Context, id string) (bool, error)
	FindByHash(ctx context.Context, hash string) (string, bool, error)
	List(ctx context.Context) ([]manifest.Resource, error)
	Delete(ctx context.Context, id, reason string) error
}

// Notifier is told about jobs the Service moves to a terminal state.
type Notifier interface {
	JobEnded(j manifest.Job)
}

// Config holds Service configuration.
type Config struct {
	JobDir   string   // parent of per-job output directories
	Notifier Notifier // optional
}
