package api

import (
	"net/http"

	"jobctl/internal/audit"
	"jobctl/internal/job"
	"jobctl/internal/registry"
	"jobctl/internal/run"
	"jobctl/internal/scheduler"
)

// JobView is a job together with its live dispatch state.
type JobView struct {
	*job.Job
	State scheduler.JobState `json:"state"`
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var spec job.Spec
	if !h.decode(w, r, &spec, false) {
		return
	}

	j, err := h.registry.CreateJob(r.Context(), spec, userFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, j)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("includeDeleted") == "true"
	jobs, err := h.registry.ListJobs(r.Context(), includeDeleted)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, jobs)
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathID(w, r, "jobId")
	if !ok {
		return
	}

	j, err := h.registry.GetJob(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, JobView{Job: j, State: h.sched.State(jobID)})
}

// UpdateJob handles PUT /v1/jobs/{jobId}
func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathID(w, r, "jobId")
	if !ok {
		return
	}
	var spec job.Spec
	if !h.decode(w, r, &spec, false) {
		return
	}

	j, err := h.registry.UpdateJob(r.Context(), jobID, spec, userFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, j)
}

// DeleteJob handles DELETE /v1/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathID(w, r, "jobId")
	if !ok {
		return
	}

	if err := h.registry.DeleteJob(r.Context(), jobID, userFrom(r)); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartJob handles POST /v1/jobs/{jobId}/start
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathID(w, r, "jobId")
	if !ok {
		return
	}

	started, err := h.sched.StartJob(r.Context(), jobID, userFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, started)
}

// StopJob handles POST /v1/jobs/{jobId}/stop
func (h *Handler) StopJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathID(w, r, "jobId")
	if !ok {
		return
	}

	fin, err := h.sched.StopJob(r.Context(), jobID, userFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, finalizedView(fin))
}

// LatestRun handles GET /v1/jobs/{jobId}/latest-run
func (h *Handler) LatestRun(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathID(w, r, "jobId")
	if !ok {
		return
	}
	if _, err := h.registry.GetJob(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	latest, err := h.runs.Latest(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, latest)
}

// AutoRegisterResponse is returned by AutoRegister.
type AutoRegisterResponse struct {
	Job     *job.Job `json:"job"`
	Run     *job.Run `json:"run"`
	Created bool     `json:"created"`
}

// AutoRegister handles POST /v1/jobs/auto-register. It finds or creates the
// job and opens a MONITORED run that the caller completes later.
func (h *Handler) AutoRegister(w http.ResponseWriter, r *http.Request) {
	var req registry.AutoRegisterRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	if req.User == "" {
		req.User = userFrom(r)
	}

	ctx := r.Context()
	j, created, err := h.registry.AutoRegister(ctx, req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	started, err := h.sched.BeginExternal(ctx, run.BeginRequest{
		JobID:    j.ID,
		User:     req.User,
		Hostname: req.Hostname,
	}, req.ContainerID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if _, err := h.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionAutoJobStart,
		TargetType: audit.TargetRun,
		TargetID:   started.ID,
		Username:   started.User,
		After:      map[string]string{"jobId": j.ID, "hostname": started.Hostname},
	}); err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, AutoRegisterResponse{Job: j, Run: started, Created: created})
}
