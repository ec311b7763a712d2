package main

import (
	"accessd/internal/api"
	"accessd/internal/dispatcher"
	"accessd/internal/executor"
	"accessd/internal/health"
	"accessd/internal/job"
	"accessd/internal/observability"
	"accessd/internal/sweeper"
	"accessd/internal/worker"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Port        string
	MetricsPort string
	Workers     int
	Backend     string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, job workers and sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringVar(&opts.Port, "port", "", "API listen port")
	cmd.Flags().StringVar(&opts.MetricsPort, "metrics-port", "", "metrics listen port")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "concurrent job executions")
	cmd.Flags().StringVar(&opts.Backend, "backend", "", "executor backend (docker|command)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	ctx := context.Background()

	svcCfg, err := loadConfig(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		svcCfg.Port = opts.Port
	}
	if cmd.Flags().Changed("metrics-port") {
		svcCfg.MetricsPort = opts.MetricsPort
	}
	if cmd.Flags().Changed("workers") && opts.Workers > 0 {
		svcCfg.Workers = opts.Workers
	}
	if cmd.Flags().Changed("backend") {
		svcCfg.ExecutorBackend = opts.Backend
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Job events go to a webhook when one is configured
	var (
		events   *dispatcher.MemoryDispatcher
		notifier job.Notifier
	)
	if svcCfg.NotifyURL != "" {
		events = dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
		notifier = dispatcher.NewJobNotifier(events, svcCfg.NotifyURL, svcCfg.NotifySigningKey)
		slog.Info("Job event notifications enabled")
	}

	comps, err := openComponents(svcCfg, metrics, notifier)
	if err != nil {
		return err
	}
	defer comps.Close()

	slog.Info("Opened manifest", "path", svcCfg.ManifestPath())

	backend, closeBackend, err := newBackend(svcCfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	registry := executor.NewRegistry(backend, executor.DefaultVariants()...)

	// Reconcile jobs left over from the previous run before workers start
	if _, err := comps.service.Recover(ctx); err != nil {
		return err
	}

	pool := worker.New(worker.Config{
		Workers:  svcCfg.Workers,
		JobDir:   svcCfg.JobDir(),
		Notifier: notifier,
	}, comps.queue, comps.manifest, comps.store, registry, metrics)
	pool.Start()

	sweep := sweeper.New(sweeper.Config{
		ResourceLifespan: svcCfg.ResourceLifespan,
		JobLifespan:      svcCfg.JobLifespan,
		Interval:         svcCfg.SweepInterval,
		JobDir:           svcCfg.JobDir(),
	}, comps.store, comps.service, metrics)
	sweep.Start()

	healthChecker := health.NewChecker(
		health.Check{Name: "manifest", Probe: health.ProbeFunc(comps.manifest.Ping), Critical: true},
		health.Check{Name: "executor", Probe: registry},
	)

	router := api.NewRouter(api.RouterConfig{
		JobService:      comps.service,
		Metrics:         metrics,
		HealthChecker:   healthChecker,
		APIKey:          svcCfg.APIKey,
		MaxUploadSize:   svcCfg.MaxUploadSize,
		UploadRateLimit: svcCfg.UploadRateLimit,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Uploads and result downloads stream large bodies, so only headers
	// are bounded by a read timeout.
	apiServer := &http.Server{
		Addr:              ":" + svcCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		sweep.Stop()
		pool.Close(context.Background())
		closeEvents(events)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting requests, finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop the sweeper and let running jobs finish
	sweep.Stop()

	slog.Info("Draining job workers")
	poolCtx, poolCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer poolCancel()
	if err := pool.Close(poolCtx); err != nil {
		slog.Warn("Worker shutdown error", "error", err)
	}

	stats := pool.Stats()
	slog.Info("Worker stats",
		"finished", stats.Finished,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"queued", stats.QueueDepth,
	)

	// Phase 4: Deliver the job events raised while draining
	closeEvents(events)

	// Jobs still queued stay queued in the manifest and are picked up on restart
	slog.Info("Shutdown complete")
	return nil
}

// closeEvents drains the event dispatcher, if one is running.
func closeEvents(events *dispatcher.MemoryDispatcher) {
	if events == nil {
		return
	}
	slog.Info("Draining event dispatcher")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := events.Close(ctx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := events.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
}
