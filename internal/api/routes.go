package api

import (
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"jobctl/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Deps
	Metrics   *observability.Metrics
	APIKey    string
	RateLimit rate.Limit // mutating requests per second, 0 disables limiting
	RateBurst int
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := NewHandler(cfg.Deps)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", h.Livez)
	mux.HandleFunc("GET /readyz", h.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}

	handle("POST /v1/jobs", h.CreateJob)
	handle("GET /v1/jobs", h.ListJobs)
	handle("POST /v1/jobs/auto-register", h.AutoRegister)
	handle("GET /v1/jobs/{jobId}", h.GetJob)
	handle("PUT /v1/jobs/{jobId}", h.UpdateJob)
	handle("DELETE /v1/jobs/{jobId}", h.DeleteJob)
	handle("POST /v1/jobs/{jobId}/start", h.StartJob)
	handle("POST /v1/jobs/{jobId}/stop", h.StopJob)
	handle("GET /v1/jobs/{jobId}/latest-run", h.LatestRun)

	handle("GET /v1/runs", h.ListRuns)
	handle("GET /v1/runs/{runId}", h.GetRun)
	handle("GET /v1/runs/{runId}/logs", h.RunLogs)
	handle("POST /v1/runs/{runId}/retry", h.RetryRun)
	handle("PUT /v1/runs/{runId}/complete", h.CompleteRun)

	handle("POST /v1/schedules", h.CreateSchedule)
	handle("GET /v1/schedules", h.ListSchedules)
	handle("PUT /v1/schedules/{scheduleId}/toggle", h.ToggleSchedule)
	handle("DELETE /v1/schedules/{scheduleId}", h.DeleteSchedule)

	handle("GET /v1/audit-logs", h.QueryAudit)
	handle("POST /v1/audit-logs", h.RecordAudit)

	handle("GET /v1/containers/{containerId}/logs", h.ContainerLogs)

	handle("GET /v1/users", h.ListUsers)
	handle("GET /v1/users/system", h.SystemUsers)
	handle("POST /v1/users/sync", h.SyncUsers)

	handle("GET /v1/webhooks/stats", h.WebhookStats)

	// Apply middleware chain (order matters: outermost first)
	var handler http.Handler = mux
	handler = ContentTypeMiddleware()(handler)
	if cfg.RateLimit > 0 {
		handler = RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst)(handler)
	}
	handler = CORSMiddleware()(handler)
	if cfg.Metrics != nil {
		handler = MetricsMiddleware(cfg.Metrics)(handler)
	}
	handler = LoggingMiddleware(cfg.Logger)(handler)
	handler = RecoveryMiddleware(cfg.Logger)(handler)

	return handler
}
