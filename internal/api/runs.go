package api

import (
	"errors"
	"net/http"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
	"jobctl/internal/run"
	"jobctl/internal/runtime"
	"jobctl/internal/store"
)

// FinalizedView reports a finalized run and its classification.
type FinalizedView struct {
	job.Run
	ErrorType    job.ErrorType `json:"errorType,omitempty"`
	Message      string        `json:"message,omitempty"`
	AlreadyFinal bool          `json:"alreadyFinal,omitempty"`
}

func finalizedView(f *run.Finalized) FinalizedView {
	return FinalizedView{Run: f.Run, ErrorType: f.ErrorType, Message: f.Message, AlreadyFinal: f.AlreadyFinal}
}

// ListRuns handles GET /v1/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q, "limit")
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	runs, err := h.runs.List(r.Context(), store.RunFilter{
		JobID:  q.Get("jobId"),
		Status: job.RunStatus(q.Get("status")),
		Type:   job.RunType(q.Get("type")),
		Limit:  limit,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /v1/runs/{runId}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.pathID(w, r, "runId")
	if !ok {
		return
	}

	d, err := h.runs.Detail(r.Context(), runID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// RunLogs handles GET /v1/runs/{runId}/logs
func (h *Handler) RunLogs(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.pathID(w, r, "runId")
	if !ok {
		return
	}

	d, err := h.runs.Detail(r.Context(), runID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if d.Logs == nil {
		h.handleError(w, r, apperrors.NotFound("logs", runID))
		return
	}
	h.writeJSON(w, http.StatusOK, d.Logs)
}

// RetryRun handles POST /v1/runs/{runId}/retry
func (h *Handler) RetryRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.pathID(w, r, "runId")
	if !ok {
		return
	}

	retried, err := h.sched.RetryRun(r.Context(), runID, userFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, retried)
}

// CompleteRequest reports the end of an externally executed run.
type CompleteRequest struct {
	ExitCode int    `json:"exitCode"`
	Logs     string `json:"logs"`
	Message  string `json:"message"`
}

// CompleteRun handles PUT /v1/runs/{runId}/complete. Only MONITORED runs
// are finalized by their reporter; the scheduler owns the rest.
func (h *Handler) CompleteRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.pathID(w, r, "runId")
	if !ok {
		return
	}
	var req CompleteRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	fin, err := h.sched.CompleteExternal(r.Context(), runID, run.Outcome{
		ExitCode: req.ExitCode,
		Logs:     req.Logs,
		Message:  req.Message,
		User:     r.Header.Get(UserHeader),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, finalizedView(fin))
}

// ContainerLogs handles GET /v1/containers/{containerId}/logs and reads
// live output from the runtime. Query: tail, since.
func (h *Handler) ContainerLogs(w http.ResponseWriter, r *http.Request) {
	containerID, ok := h.pathID(w, r, "containerId")
	if !ok {
		return
	}
	q := r.URL.Query()
	tail, err := queryInt(q, "tail")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	since, err := queryTime(q, "since")
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	lines, err := h.rt.Logs(r.Context(), containerID, runtime.LogOptions{Tail: tail, Since: since})
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			err = apperrors.NotFound("container", containerID)
		}
		h.handleError(w, r, err)
		return
	}
	if lines == nil {
		lines = []runtime.LogLine{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"containerId": containerID, "lines": lines})
}
