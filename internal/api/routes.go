package api

import (
	"accessd/internal/health"
	"accessd/internal/job"
	"accessd/internal/observability"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService      *job.Service
	Metrics         *observability.Metrics
	HealthChecker   *health.Checker
	APIKey          string
	MaxUploadSize   int64
	UploadRateLimit float64 // uploads per second; 0 disables limiting
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.HealthChecker, cfg.MaxUploadSize)

	mux := http.NewServeMux()

	// Probes - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, auth(h))
	}

	upload := RateLimitMiddleware(cfg.UploadRateLimit)(http.HandlerFunc(handler.UploadResource))
	mux.Handle("POST /v1/resources", auth(upload))
	route("GET /v1/resources", handler.ListResources)
	route("GET /v1/resources/hash/{hash}", handler.FindResourceByHash)
	route("GET /v1/resources/{resourceId}", handler.GetResource)
	route("DELETE /v1/resources/{resourceId}", handler.DeleteResource)

	route("POST /v1/jobs", handler.CreateJob)
	route("GET /v1/jobs", handler.ListJobs)
	route("GET /v1/jobs/{jobId}", handler.GetJob)
	route("DELETE /v1/jobs/{jobId}", handler.DeleteJob)
	route("POST /v1/jobs/{jobId}/cancel", handler.CancelJob)
	route("GET /v1/jobs/{jobId}/result", handler.GetJobResult)
	route("GET /v1/jobs/{jobId}/files", handler.ListJobFiles)

	return chain(mux,
		RecoveryMiddleware(),
		AccessLogMiddleware(cfg.Metrics),
		CORSMiddleware(),
		ContentTypeMiddleware(),
	)
}
