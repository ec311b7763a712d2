package main

import (
	"accessd/internal/config"
	"accessd/internal/executor"
	"accessd/internal/executor/docker"
	"accessd/internal/job"
	"accessd/internal/manifest"
	"accessd/internal/observability"
	"accessd/internal/queue"
	"accessd/internal/resource"
	"fmt"
	"log/slog"
)

// components are the stores and services shared by every command.
type components struct {
	manifest *manifest.Manifest
	store    *resource.Store
	queue    *queue.Queue
	service  *job.Service
}

func openComponents(cfg *config.ServiceConfig, metrics *observability.Metrics, notifier job.Notifier) (*components, error) {
	m, err := manifest.Open(cfg.ManifestPath())
	if err != nil {
		return nil, err
	}

	store, err := resource.NewStore(resource.Config{
		Dir:               cfg.ResourceDir(),
		AllowedExtensions: cfg.AllowedExtensions,
	}, m, metrics)
	if err != nil {
		m.Close()
		return nil, err
	}

	q := queue.New()
	svc := job.NewService(job.Config{JobDir: cfg.JobDir(), Notifier: notifier}, m, store, q, metrics)

	return &components{manifest: m, store: store, queue: q, service: svc}, nil
}

func (c *components) Close() error {
	c.queue.Close()
	return c.manifest.Close()
}

// newBackend selects the executor backend named in the config. The
// returned close function releases backend resources.
func newBackend(cfg *config.ServiceConfig) (executor.Backend, func() error, error) {
	switch cfg.ExecutorBackend {
	case "docker":
		b, err := docker.NewBackend(docker.LoadConfigFromEnv())
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Using docker executor backend")
		return b, b.Close, nil
	case "command":
		slog.Info("Using command executor backend")
		return executor.NewCommandBackend(executor.LoadCommandConfigFromEnv()), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown executor backend %q", cfg.ExecutorBackend)
	}
}
