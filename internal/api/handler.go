// Package api provides the HTTP API handlers and routing for jobctld.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/audit"
	"jobctl/internal/dispatcher"
	"jobctl/internal/health"
	"jobctl/internal/job"
	"jobctl/internal/registry"
	"jobctl/internal/run"
	"jobctl/internal/runtime"
	"jobctl/internal/scheduler"
	"jobctl/internal/users"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// UserHeader names the acting user of a request.
const UserHeader = "X-User"

// Scheduler is the part of the scheduler the API drives.
type Scheduler interface {
	StartJob(ctx context.Context, jobID, user string) (*job.Run, error)
	StopJob(ctx context.Context, jobID, user string) (*run.Finalized, error)
	RetryRun(ctx context.Context, runID, user string) (*job.Run, error)
	BeginExternal(ctx context.Context, req run.BeginRequest, containerID string) (*job.Run, error)
	CompleteExternal(ctx context.Context, runID string, o run.Outcome) (*run.Finalized, error)
	State(jobID string) scheduler.JobState
	NextRun(scheduleID string, after time.Time) (time.Time, bool)
}

// Deps holds the components served by the API. Dispatcher may be nil when
// no webhooks are configured.
type Deps struct {
	Registry   *registry.Registry
	Scheduler  Scheduler
	Runs       *run.Tracker
	Audit      *audit.Recorder
	Runtime    runtime.Runtime
	Users      *users.Service
	Health     *health.Checker
	Dispatcher dispatcher.Dispatcher
	Logger     *slog.Logger
}

// Handler contains HTTP handlers for the jobctl API
type Handler struct {
	registry   *registry.Registry
	sched      Scheduler
	runs       *run.Tracker
	audit      *audit.Recorder
	rt         runtime.Runtime
	users      *users.Service
	health     *health.Checker
	dispatcher dispatcher.Dispatcher
	log        *slog.Logger
	now        func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(d Deps) *Handler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		registry:   d.Registry,
		sched:      d.Scheduler,
		runs:       d.Runs,
		audit:      d.Audit,
		rt:         d.Runtime,
		users:      d.Users,
		health:     d.Health,
		dispatcher: d.Dispatcher,
		log:        log.With("component", "api"),
		now:        time.Now,
	}
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the store or the container runtime is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.Serving() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

// WebhookStats handles GET /v1/webhooks/stats
func (h *Handler) WebhookStats(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		h.writeJSON(w, http.StatusOK, dispatcher.Stats{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.dispatcher.Stats())
}

// userFrom returns the acting user, System when the header is absent.
func userFrom(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get(UserHeader)); u != "" {
		return u
	}
	return job.SystemUser
}

// decode reads a JSON body into v. An empty body is allowed when
// allowEmpty is set.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
	return false
}

// pathID returns the named path value or writes a 400.
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := strings.TrimSpace(r.PathValue(name))
	if id == "" {
		h.writeError(w, http.StatusBadRequest, name+" is required")
		return "", false
	}
	return id, true
}

func queryInt(q map[string][]string, key string) (int, error) {
	v := ""
	if vals := q[key]; len(vals) > 0 {
		v = vals[0]
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperrors.Validation(key, key+" must be a non-negative integer")
	}
	return n, nil
}

// queryTime accepts RFC 3339 or unix seconds.
func queryTime(q map[string][]string, key string) (time.Time, error) {
	v := ""
	if vals := q[key]; len(vals) > 0 {
		v = vals[0]
	}
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, apperrors.Validation(key, key+" must be RFC 3339 or unix seconds")
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		h.log.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		h.log.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
