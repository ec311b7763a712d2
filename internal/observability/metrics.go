package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs/sweeps take
// - Traffic: Request/job/upload throughput
// - Errors: Rate of failures
// - Saturation: Busy workers and queue depth
//
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsCancelled  metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter
	QueueDepth     metric.Int64Gauge

	// Resource metrics (Traffic)
	ResourcesStored  metric.Int64Counter
	ResourceBytes    metric.Int64Counter
	ResourcesDeleted metric.Int64Counter

	// Sweeper metrics (Latency, Traffic, Errors)
	SweepDuration metric.Float64Histogram
	SweepDeleted  metric.Int64Counter
	SweepErrors   metric.Int64Counter

	// Notification metrics (Latency, Traffic, Errors, Saturation)
	NotificationDuration  metric.Float64Histogram
	NotificationDelivered metric.Int64Counter
	NotificationFailed    metric.Int64Counter
	NotificationDropped   metric.Int64Counter
	NotificationQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("accessd")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job execution duration in seconds, from claim to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsCancelled, err = meter.Int64Counter(
		"jobs_cancelled_total",
		metric.WithDescription("Total number of jobs cancelled before a worker claimed them"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs currently held by a worker (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.QueueDepth, err = meter.Int64Gauge(
		"job_queue_depth",
		metric.WithDescription("Current number of jobs waiting for a worker (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Resource metrics
	m.ResourcesStored, err = meter.Int64Counter(
		"resources_stored_total",
		metric.WithDescription("Total number of resources stored"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ResourceBytes, err = meter.Int64Counter(
		"resource_bytes_total",
		metric.WithDescription("Total bytes written to resource storage"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ResourcesDeleted, err = meter.Int64Counter(
		"resources_deleted_total",
		metric.WithDescription("Total number of resources deleted"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Sweeper metrics
	m.SweepDuration, err = meter.Float64Histogram(
		"sweep_duration_seconds",
		metric.WithDescription("Expiration sweep latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SweepDeleted, err = meter.Int64Counter(
		"sweep_deleted_total",
		metric.WithDescription("Total number of expired items removed by the sweeper"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SweepErrors, err = meter.Int64Counter(
		"sweep_errors_total",
		metric.WithDescription("Total number of items the sweeper failed to remove"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notification metrics
	m.NotificationDuration, err = meter.Float64Histogram(
		"notification_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds, including retries"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationDelivered, err = meter.Int64Counter(
		"notifications_delivered_total",
		metric.WithDescription("Total job events delivered to the webhook"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationFailed, err = meter.Int64Counter(
		"notifications_failed_total",
		metric.WithDescription("Total job events that failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationDropped, err = meter.Int64Counter(
		"notifications_dropped_total",
		metric.WithDescription("Total job events dropped (buffer full or circuit open)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationQueueSize, err = meter.Int64Gauge(
		"notification_queue_size",
		metric.WithDescription("Current number of job events waiting for delivery (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a new job entering the queue.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	m.JobsTotal.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType)))
}

// RecordJobStarted records a worker claiming a job.
func (m *Metrics) RecordJobStarted(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	m.JobsActive.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType)))
}

// RecordJobCompleted records a claimed job reaching finished or failed.
// kind is the failure kind and is ignored on success.
func (m *Metrics) RecordJobCompleted(ctx context.Context, jobType string, success bool, kind string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(jobTypeAttr(jobType), successAttr(success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(jobTypeAttr(jobType)))

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType), kindAttr(kind)))
	}
}

// RecordJobCancelled records a queued job being cancelled.
func (m *Metrics) RecordJobCancelled(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	m.JobsCancelled.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType)))
}

// RecordQueueDepth records the current queue length.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Record(ctx, depth)
}

// RecordResourceStored records a resource upload of size bytes.
func (m *Metrics) RecordResourceStored(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.ResourcesStored.Add(ctx, 1)
	m.ResourceBytes.Add(ctx, size)
}

// RecordResourceDeleted records a resource removal. reason is "request" or "expired".
func (m *Metrics) RecordResourceDeleted(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ResourcesDeleted.Add(ctx, 1, metric.WithAttributes(reasonAttr(reason)))
}

// RecordSweep records one sweep pass.
func (m *Metrics) RecordSweep(ctx context.Context, resources, jobs, failures int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SweepDuration.Record(ctx, durationSeconds)
	m.SweepDeleted.Add(ctx, int64(resources), metric.WithAttributes(itemAttr("resource")))
	m.SweepDeleted.Add(ctx, int64(jobs), metric.WithAttributes(itemAttr("job")))
	if failures > 0 {
		m.SweepErrors.Add(ctx, int64(failures))
	}
}

// RecordNotificationDelivered records a delivered job event with its duration.
func (m *Metrics) RecordNotificationDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.NotificationDelivered.Add(ctx, 1)
	m.NotificationDuration.Record(ctx, durationSeconds)
}

// RecordNotificationFailed records a job event that failed after retries.
func (m *Metrics) RecordNotificationFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.NotificationFailed.Add(ctx, 1)
}

// RecordNotificationDropped records a dropped job event.
func (m *Metrics) RecordNotificationDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.NotificationDropped.Add(ctx, 1)
}

// RecordNotificationQueueSize records the current notification queue size.
func (m *Metrics) RecordNotificationQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.NotificationQueueSize.Record(ctx, size)
}
