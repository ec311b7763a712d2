package job

import (
	"accessd/internal/apperrors"
	"accessd/internal/ident"
	"accessd/internal/manifest"
	"accessd/internal/observability"
	"accessd/internal/queue"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Service manages job lifecycle and exposes the resource store.
//
// The manifest is the source of truth. The queue only orders pending work,
// so a job is recorded before it is enqueued and a cancel is decided by the
// manifest transition, not by the queue.
type Service struct {
	config    Config
	manifest  Manifest
	resources Resources
	queue     *queue.Queue
	metrics   *observability.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewService creates a new job service.
func NewService(cfg Config, m Manifest, resources Resources, q *queue.Queue, metrics *observability.Metrics) *Service {
	return &Service{
		config:    cfg,
		manifest:  m,
		resources: resources,
		queue:     q,
		metrics:   metrics,
		now:       time.Now,
		logger:    slog.With("component", "job"),
	}
}

// Submit records a queued job and enqueues it. Orders are checked by the
// worker that claims the job, so an unknown type is accepted here and fails
// later with UnrecognizedJobType.
func (s *Service) Submit(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, apperrors.Validation("body", "request body is required")
	}

	j := manifest.Job{
		ID:        ident.New(),
		Type:      req.Type,
		Status:    manifest.StatusQueued,
		Orders:    req.Orders,
		CreatedAt: s.now(),
	}
	if j.Orders == nil {
		j.Orders = map[string]any{}
	}
	if err := s.manifest.RecordJob(ctx, j); err != nil {
		return nil, err
	}

	logger := s.logger.With("jobId", j.ID, "type", j.Type)
	if err := s.queue.Enqueue(queue.Item{JobID: j.ID, Type: j.Type, EnqueuedAt: j.CreatedAt}); err != nil {
		// Shutting down: the record stays queued and is picked up on restart.
		logger.Warn("Job recorded but not enqueued", "error", err)
	}

	s.metrics.RecordJobSubmitted(ctx, j.Type)
	logger.Info("Job submitted")

	return &Response{ID: j.ID, Status: manifest.StatusQueued}, nil
}

// SubmitJob is Submit for callers holding the type and orders directly.
func (s *Service) SubmitJob(ctx context.Context, jobType string, orders map[string]any) (string, error) {
	resp, err := s.Submit(ctx, &Request{Type: jobType, Orders: orders})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Cancel cancels a job that no worker has claimed. It returns false for
// running, terminal and unknown jobs and leaves them untouched.
func (s *Service) Cancel(ctx context.Context, jobID string) (bool, error) {
	if err := ident.Validate("job id", jobID); err != nil {
		return false, err
	}

	j, ok, err := s.manifest.GetJob(ctx, jobID)
	if err != nil || !ok {
		return false, err
	}
	if j.Status != manifest.StatusQueued {
		return false, nil
	}

	s.queue.Cancel(jobID)
	// A worker may hold the item without having claimed it yet; the
	// manifest transition decides who wins.
	if err := s.manifest.SetJobStatus(ctx, jobID, manifest.StatusCancelled); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return false, nil
		}
		return false, err
	}

	s.metrics.RecordJobCancelled(ctx, j.Type)
	s.logger.Info("Job cancelled", "jobId", jobID)
	s.notify(ctx, jobID)
	return true, nil
}

// notify passes the job's current record to the notifier, if any.
func (s *Service) notify(ctx context.Context, jobID string) {
	if s.config.Notifier == nil {
		return
	}
	j, ok, err := s.manifest.GetJob(ctx, jobID)
	if err != nil || !ok {
		s.logger.Warn("Failed to load job for notification", "jobId", jobID, "found", ok, "error", err)
		return
	}
	s.config.Notifier.JobEnded(j)
}

// JobStatus returns the job's status, or StatusNotFound.
func (s *Service) JobStatus(ctx context.Context, jobID string) (manifest.Status, error) {
	st, err := s.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	return st.State, nil
}

// Get describes a job. Unknown ids yield a Status of StatusNotFound rather
// than an error.
func (s *Service) Get(ctx context.Context, jobID string) (*Status, error) {
	if err := ident.Validate("job id", jobID); err != nil {
		return nil, err
	}
	j, ok, err := s.manifest.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Status{ID: jobID, State: StatusNotFound}, nil
	}
	st := statusOf(j)
	return &st, nil
}

// GetJob returns the full job record.
func (s *Service) GetJob(ctx context.Context, jobID string) (manifest.Job, bool, error) {
	if err := ident.Validate("job id", jobID); err != nil {
		return manifest.Job{}, false, err
	}
	return s.manifest.GetJob(ctx, jobID)
}

// List returns a snapshot of every job record, oldest first.
func (s *Service) List(ctx context.Context) ([]manifest.Job, error) {
	return s.manifest.AllJobs(ctx)
}

// ListStatuses returns List as status documents.
func (s *Service) ListStatuses(ctx context.Context) (*ListResponse, error) {
	jobs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	resp := &ListResponse{Jobs: make([]Status, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, statusOf(j))
	}
	return resp, nil
}

// JobResultLocation returns the output directory of a finished job.
func (s *Service) JobResultLocation(ctx context.Context, jobID string) (string, bool, error) {
	j, ok, err := s.GetJob(ctx, jobID)
	if err != nil || !ok {
		return "", false, err
	}
	if j.Status != manifest.StatusFinished || j.ResultPath == "" {
		return "", false, nil
	}
	return j.ResultPath, true, nil
}

// Result returns a job that has a result to serve: a finished job with its
// output directory, or a failed job with its failure. Anything else is
// reported as not found.
func (s *Service) Result(ctx context.Context, jobID string) (manifest.Job, error) {
	j, ok, err := s.GetJob(ctx, jobID)
	if err != nil {
		return manifest.Job{}, err
	}
	if !ok {
		return manifest.Job{}, apperrors.NotFound("job", jobID)
	}
	switch j.Status {
	case manifest.StatusFinished, manifest.StatusFailed:
		return j, nil
	}
	return manifest.Job{}, apperrors.NotFound("job result", jobID)
}

// DeleteJobResults removes a terminal job's record and then its output
// directory. Queued and running jobs are refused with a conflict.
func (s *Service) DeleteJobResults(ctx context.Context, jobID string) error {
	if err := ident.Validate("job id", jobID); err != nil {
		return err
	}

	j, ok, err := s.manifest.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotFound("job", jobID)
	}
	if !j.Status.Terminal() {
		return apperrors.Conflict("job", jobID, "job is "+string(j.Status))
	}

	if err := s.manifest.RemoveJob(ctx, jobID); err != nil {
		return err
	}

	logger := s.logger.With("jobId", jobID)
	if err := os.RemoveAll(s.jobDir(jobID)); err != nil {
		logger.Error("Failed to remove job directory", "error", err)
	}
	logger.Info("Job results deleted")
	return nil
}

func (s *Service) jobDir(jobID string) string {
	return filepath.Join(s.config.JobDir, jobID)
}

// Recover reconciles jobs left over from a previous run. Running jobs had
// their worker vanish and are failed as Interrupted. Queued jobs are
// enqueued again in creation order.
func (s *Service) Recover(ctx context.Context) (RecoverResult, error) {
	var res RecoverResult

	running, err := s.manifest.JobsWithStatus(ctx, manifest.StatusRunning)
	if err != nil {
		return res, err
	}
	for _, j := range running {
		if err := s.manifest.SetJobFailure(ctx, j.ID, manifest.FailureFrom(apperrors.Interrupted(j.ID))); err != nil {
			s.logger.Warn("Failed to mark interrupted job", "jobId", j.ID, "error", err)
			continue
		}
		res.Interrupted++
		s.notify(ctx, j.ID)
	}

	queued, err := s.manifest.JobsWithStatus(ctx, manifest.StatusQueued)
	if err != nil {
		return res, err
	}
	for _, j := range queued {
		if err := s.queue.Enqueue(queue.Item{JobID: j.ID, Type: j.Type, EnqueuedAt: j.CreatedAt}); err != nil {
			return res, err
		}
		res.Requeued++
	}

	if res.Requeued+res.Interrupted > 0 {
		s.logger.Info("Recovered jobs", "requeued", res.Requeued, "interrupted", res.Interrupted)
	}
	return res, nil
}

// UploadResource stores an uploaded blob. Disallowed extensions are
// rejected before any bytes are read.
func (s *Service) UploadResource(ctx context.Context, filename string, r io.Reader) (manifest.Resource, error) {
	return s.resources.Store(ctx, filename, r)
}

// ResourceExists reports whether a resource id is known.
func (s *Service) ResourceExists(ctx context.Context, id string) (bool, error) {
	return s.resources.Exists(ctx, id)
}

// FindResourceByHash returns the oldest resource with the given content hash.
func (s *Service) FindResourceByHash(ctx context.Context, hash string) (string, bool, error) {
	return s.resources.FindByHash(ctx, hash)
}

// ListResources returns a snapshot of every resource record.
func (s *Service) ListResources(ctx context.Context) ([]manifest.Resource, error) {
	return s.resources.List(ctx)
}

// DeleteResource removes a resource on client request.
func (s *Service) DeleteResource(ctx context.Context, id string) error {
	return s.resources.Delete(ctx, id, "requested")
}
