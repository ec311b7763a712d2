// Package worker runs queued jobs on a fixed number of goroutines.
//
// Each worker dequeues a job, claims it in the manifest, resolves its
// resources, validates it against its variant, runs it in a fresh output
// directory and records the outcome. Failures of any kind are recorded on
// the job; a worker only stops when the pool is closed.
package worker

import (
	"accessd/internal/apperrors"
	"accessd/internal/executor"
	"accessd/internal/manifest"
	"accessd/internal/observability"
	"accessd/internal/queue"
	"accessd/pkg/backoff"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Jobs is the subset of the manifest workers update.
type Jobs interface {
	ClaimJob(ctx context.Context, id string) (bool, error)
	GetJob(ctx context.Context, id string) (manifest.Job, bool, error)
	SetJobResult(ctx context.Context, id, path string) error
	SetJobFailure(ctx context.Context, id string, f manifest.Failure) error
}

// Resolver maps resource ids to storage paths.
type Resolver interface {
	Resolve(ctx context.Context, id string) (string, bool, error)
}

// Runner selects variants and runs invocations.
type Runner interface {
	Lookup(jobType string) (executor.Variant, error)
	Run(ctx context.Context, inv executor.Invocation) executor.Outcome
}

// Notifier is told about jobs that reached a terminal state.
type Notifier interface {
	JobEnded(j manifest.Job)
}

// Stats holds pool statistics.
type Stats struct {
	Workers    int   // pool size
	Busy       int64 // workers currently executing a job
	QueueDepth int   // jobs waiting
	Claimed    int64 // jobs taken from the queue and claimed
	Finished   int64
	Failed     int64
	Skipped    int64 // dequeued jobs that were no longer queued
	Requeued   int64 // dequeued jobs put back after their claim kept failing
}

// Pool is a fixed-size worker pool fed by a queue.
type Pool struct {
	config    Config
	queue     *queue.Queue
	jobs      Jobs
	resources Resolver
	runner    Runner
	metrics   *observability.Metrics
	logger    *slog.Logger

	claimed  atomic.Int64
	finished atomic.Int64
	failed   atomic.Int64
	skipped  atomic.Int64
	requeued atomic.Int64
	busy     atomic.Int64

	stopCtx   context.Context // ends dequeuing
	stop      context.CancelFunc
	execCtx   context.Context // ends in-flight executions
	abort     context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a pool. Call Start to launch the workers.
func New(cfg Config, q *queue.Queue, jobs Jobs, resources Resolver, runner Runner, metrics *observability.Metrics) *Pool {
	cfg = cfg.withDefaults()
	stopCtx, stop := context.WithCancel(context.Background())
	execCtx, abort := context.WithCancel(context.Background())
	return &Pool{
		config:    cfg,
		queue:     q,
		jobs:      jobs,
		resources: resources,
		runner:    runner,
		metrics:   metrics,
		logger:    slog.With("component", "worker"),
		stopCtx:   stopCtx,
		stop:      stop,
		execCtx:   execCtx,
		abort:     abort,
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start() {
	if p.started.Swap(true) || p.closed.Load() {
		return
	}

	p.wg.Add(p.config.Workers)
	for i := 0; i < p.config.Workers; i++ {
		go p.worker(i)
	}

	if p.metrics != nil {
		go p.reportQueueDepth()
	}

	p.logger.Info("Worker pool started", "workers", p.config.Workers)
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.config.Workers,
		Busy:       p.busy.Load(),
		QueueDepth: p.queue.Len(),
		Claimed:    p.claimed.Load(),
		Finished:   p.finished.Load(),
		Failed:     p.failed.Load(),
		Skipped:    p.skipped.Load(),
		Requeued:   p.requeued.Load(),
	}
}

// Close closes the queue, stops workers from taking new jobs and waits for
// running jobs to finish. When ctx ends first, running executions are
// cancelled and Close returns ctx.Err(). Jobs still queued stay queued in
// the manifest.
func (p *Pool) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}

	p.logger.Info("Worker pool shutting down", "busy", p.busy.Load(), "queued", p.queue.Len())
	p.queue.Close()
	p.stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.abort()
		p.logger.Info("Worker pool shutdown complete",
			"finished", p.finished.Load(),
			"failed", p.failed.Load(),
		)
		return nil
	case <-ctx.Done():
		p.abort()
		<-done
		p.logger.Warn("Worker pool shutdown timed out, running jobs aborted")
		return ctx.Err()
	}
}

// reportQueueDepth periodically reports the queue depth metric.
func (p *Pool) reportQueueDepth() {
	ticker := time.NewTicker(p.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCtx.Done():
			return
		case <-ticker.C:
			p.metrics.RecordQueueDepth(context.Background(), int64(p.queue.Len()))
		}
	}
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", n)

	for {
		item, err := p.queue.Dequeue(p.stopCtx)
		if err != nil {
			logger.Debug("Worker stopped", "reason", err)
			return
		}
		p.process(item)
	}
}

// process owns one dequeued job until it reaches a terminal state.
func (p *Pool) process(item queue.Item) {
	ctx := p.execCtx
	logger := p.logger.With("jobId", item.JobID, "type", item.Type)

	claimed, err := p.claim(ctx, item.JobID)
	if err != nil {
		// The record is still queued, so the item goes back in line. A
		// closed queue leaves it for Recover on the next start.
		if qerr := p.queue.Enqueue(item); qerr != nil {
			logger.Error("Failed to claim job, left queued", "error", err, "requeueError", qerr)
			return
		}
		p.requeued.Add(1)
		logger.Warn("Failed to claim job, requeued", "error", err)
		return
	}
	if !claimed {
		p.skipped.Add(1)
		logger.Debug("Job no longer queued, skipping")
		return
	}

	p.claimed.Add(1)
	p.busy.Add(1)
	defer p.busy.Add(-1)
	p.metrics.RecordJobStarted(ctx, item.Type)
	start := time.Now()
	logger.Info("Job started")

	var outcome executor.Outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				outcome = executor.Outcome{Err: apperrors.ExecutorFailure(item.Type, fmt.Errorf("worker panic: %v", r))}
			}
		}()
		outcome = p.execute(ctx, item)
	}()

	p.record(item, outcome, start, logger)
}

// claim moves the job to running, retrying manifest errors with backoff.
// Retries stop once the pool is closing.
func (p *Pool) claim(ctx context.Context, jobID string) (bool, error) {
	var claimed bool
	err := backoff.Retry(p.stopCtx, p.config.ClaimAttempts, &backoff.Config{Initial: p.config.ClaimBackoff}, func() error {
		var err error
		claimed, err = p.jobs.ClaimJob(ctx, jobID)
		return err
	})
	return claimed, err
}

// execute checks a claimed job and runs it. Checks happen in order:
// resource references, job type, then the variant's own parameters.
func (p *Pool) execute(ctx context.Context, item queue.Item) executor.Outcome {
	job, ok, err := p.jobs.GetJob(ctx, item.JobID)
	if err != nil {
		return executor.Outcome{Err: err}
	}
	if !ok {
		return executor.Outcome{Err: apperrors.NotFound("job", item.JobID)}
	}

	var inputs []executor.Input
	for _, ref := range executor.ResourceRefs(job.Orders) {
		if ref.ID == "" {
			return executor.Outcome{Err: apperrors.MissingResource(ref.Key(), ref.ID)}
		}
		path, found, err := p.resources.Resolve(ctx, ref.ID)
		if err != nil {
			return executor.Outcome{Err: err}
		}
		if !found {
			return executor.Outcome{Err: apperrors.MissingResource(ref.Key(), ref.ID)}
		}
		inputs = append(inputs, executor.Input{Ref: ref, Path: path})
	}

	variant, err := p.runner.Lookup(job.Type)
	if err != nil {
		return executor.Outcome{Err: err}
	}
	if err := variant.Validate(job.Orders); err != nil {
		return executor.Outcome{Err: err}
	}

	outputDir := filepath.Join(p.config.JobDir, job.ID)
	if err := os.RemoveAll(outputDir); err != nil {
		return executor.Outcome{Err: apperrors.Internal("worker.prepareOutput", err)}
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return executor.Outcome{Err: apperrors.Internal("worker.prepareOutput", err)}
	}

	return p.runner.Run(ctx, executor.Invocation{
		JobID:     job.ID,
		Type:      job.Type,
		Orders:    job.Orders,
		Inputs:    inputs,
		OutputDir: outputDir,
		Variant:   variant,
	})
}

// record writes the terminal state. It runs even when executions were
// aborted so the job never stays running.
func (p *Pool) record(item queue.Item, outcome executor.Outcome, start time.Time, logger *slog.Logger) {
	ctx := context.WithoutCancel(p.execCtx)
	duration := time.Since(start)

	if outcome.Succeeded() {
		outputDir := filepath.Join(p.config.JobDir, item.JobID)
		if err := p.jobs.SetJobResult(ctx, item.JobID, outputDir); err != nil {
			logger.Error("Failed to record job result", "error", err)
			return
		}
		p.finished.Add(1)
		p.metrics.RecordJobCompleted(ctx, item.Type, true, "", duration.Seconds())
		logger.Info("Job finished", "duration", duration, "files", len(outcome.Files))
		p.notify(ctx, item.JobID, logger)
		return
	}

	failure := manifest.FailureFrom(outcome.Err)
	if err := p.jobs.SetJobFailure(ctx, item.JobID, failure); err != nil {
		logger.Error("Failed to record job failure", "error", err, "failure", failure.Message)
		return
	}
	p.failed.Add(1)
	p.metrics.RecordJobCompleted(ctx, item.Type, false, string(failure.Kind), duration.Seconds())
	logger.Warn("Job failed", "kind", failure.Kind, "error", failure.Message, "duration", duration)
	p.notify(ctx, item.JobID, logger)
}

// notify passes the recorded job to the notifier, if any.
func (p *Pool) notify(ctx context.Context, jobID string, logger *slog.Logger) {
	if p.config.Notifier == nil {
		return
	}
	j, ok, err := p.jobs.GetJob(ctx, jobID)
	if err != nil || !ok {
		logger.Warn("Failed to load job for notification", "found", ok, "error", err)
		return
	}
	p.config.Notifier.JobEnded(j)
}
