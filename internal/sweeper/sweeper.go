// Package sweeper deletes resources and job results that have outlived
// their configured lifespan.
package sweeper

import (
	"accessd/internal/manifest"
	"accessd/internal/observability"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Resources is the resource store as seen by the sweeper.
type Resources interface {
	List(ctx context.Context) ([]manifest.Resource, error)
	Delete(ctx context.Context, id, reason string) error
	RemoveOrphans(ctx context.Context, grace time.Duration) (int, error)
}

// Jobs is the job service as seen by the sweeper.
type Jobs interface {
	List(ctx context.Context) ([]manifest.Job, error)
	DeleteJobResults(ctx context.Context, id string) error
}

// Config holds sweeper configuration.
type Config struct {
	ResourceLifespan time.Duration // default: 24h
	JobLifespan      time.Duration // default: 24h
	Interval         time.Duration // default: 1m
	OrphanGrace      time.Duration // default: 1h
	JobDir           string        // scanned for directories with no job record
}

func (c Config) withDefaults() Config {
	if c.ResourceLifespan <= 0 {
		c.ResourceLifespan = 24 * time.Hour
	}
	if c.JobLifespan <= 0 {
		c.JobLifespan = 24 * time.Hour
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = time.Hour
	}
	return c
}

// Result counts what one sweep removed.
type Result struct {
	Resources int `json:"resources"`
	Jobs      int `json:"jobs"`
	Orphans   int `json:"orphans"`
	Failures  int `json:"failures"`
}

// Sweeper removes expired items on a fixed interval.
type Sweeper struct {
	config    Config
	resources Resources
	jobs      Jobs
	metrics   *observability.Metrics
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex // serializes sweeps
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a sweeper. Call Start to run it periodically.
func New(cfg Config, resources Resources, jobs Jobs, metrics *observability.Metrics) *Sweeper {
	return &Sweeper{
		config:    cfg.withDefaults(),
		resources: resources,
		jobs:      jobs,
		metrics:   metrics,
		now:       time.Now,
		logger:    slog.With("component", "sweeper"),
	}
}

// Start runs a sweep every interval until Stop is called.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	s.logger.Info("Sweeper started",
		"interval", s.config.Interval,
		"resourceLifespan", s.config.ResourceLifespan,
		"jobLifespan", s.config.JobLifespan,
	)
}

// Stop ends the periodic sweeps and waits for a sweep in progress.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. A failure on one item is logged and counted and
// does not stop the pass. Queued and running jobs are never swept.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.now()
	var res Result

	resources, err := s.resources.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list resources", "error", err)
		res.Failures++
	}
	for _, r := range resources {
		if now.Sub(r.CreatedAt) <= s.config.ResourceLifespan {
			continue
		}
		if err := s.resources.Delete(ctx, r.ID, "expired"); err != nil {
			s.logger.Warn("Failed to delete expired resource", "resourceId", r.ID, "error", err)
			res.Failures++
			continue
		}
		res.Resources++
	}

	jobs, err := s.jobs.List(ctx)
	jobsListed := err == nil
	if err != nil {
		s.logger.Error("Failed to list jobs", "error", err)
		res.Failures++
	}
	known := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		known[j.ID] = struct{}{}
		if !j.Status.Terminal() || j.Age(now) <= s.config.JobLifespan {
			continue
		}
		if err := s.jobs.DeleteJobResults(ctx, j.ID); err != nil {
			s.logger.Warn("Failed to delete expired job", "jobId", j.ID, "error", err)
			res.Failures++
			continue
		}
		res.Jobs++
	}

	orphans, err := s.resources.RemoveOrphans(ctx, s.config.OrphanGrace)
	if err != nil {
		s.logger.Warn("Failed to remove orphaned resource blobs", "error", err)
		res.Failures++
	}
	res.Orphans += orphans

	// Without a job listing every directory would look orphaned.
	if jobsListed {
		n, failed := s.removeOrphanJobDirs(known, now)
		res.Orphans += n
		res.Failures += failed
	}

	duration := time.Since(start)
	s.metrics.RecordSweep(ctx, res.Resources, res.Jobs, res.Failures, duration.Seconds())
	if res.Resources+res.Jobs+res.Orphans+res.Failures > 0 {
		s.logger.Info("Sweep complete",
			"resources", res.Resources,
			"jobs", res.Jobs,
			"orphans", res.Orphans,
			"failures", res.Failures,
			"duration", duration,
		)
	}
	return res
}

// removeOrphanJobDirs deletes job directories that have no manifest record
// and are older than the orphan grace period.
func (s *Sweeper) removeOrphanJobDirs(known map[string]struct{}, now time.Time) (removed, failed int) {
	if s.config.JobDir == "" {
		return 0, 0
	}
	entries, err := os.ReadDir(s.config.JobDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Failed to read job directory", "error", err)
			failed++
		}
		return removed, failed
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := known[entry.Name()]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) <= s.config.OrphanGrace {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.config.JobDir, entry.Name())); err != nil {
			s.logger.Warn("Failed to remove orphaned job directory", "jobId", entry.Name(), "error", err)
			failed++
			continue
		}
		removed++
	}
	return removed, failed
}
