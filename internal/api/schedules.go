package api

import (
	"net/http"

	"jobctl/internal/job"
	"jobctl/internal/store"
)

// CreateScheduleRequest binds a cron expression to a job.
type CreateScheduleRequest struct {
	JobID    string `json:"jobId"`
	CronExpr string `json:"cronExpression"`
}

// ToggleRequest sets a schedule's active flag. Without a body the flag is
// flipped.
type ToggleRequest struct {
	Active *bool `json:"isActive"`
}

// CreateSchedule handles POST /v1/schedules
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	sc, err := h.registry.CreateSchedule(r.Context(), req.JobID, req.CronExpr, userFrom(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.withNextRun(sc)
	h.writeJSON(w, http.StatusCreated, sc)
}

// ListSchedules handles GET /v1/schedules. Query: jobId, active.
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	schedules, err := h.registry.ListSchedules(r.Context(), store.ScheduleFilter{
		JobID:      q.Get("jobId"),
		ActiveOnly: q.Get("active") == "true",
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	for i := range schedules {
		h.withNextRun(&schedules[i])
	}
	h.writeJSON(w, http.StatusOK, schedules)
}

// ToggleSchedule handles PUT /v1/schedules/{scheduleId}/toggle
func (h *Handler) ToggleSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID, ok := h.pathID(w, r, "scheduleId")
	if !ok {
		return
	}
	var req ToggleRequest
	if !h.decode(w, r, &req, true) {
		return
	}

	var (
		sc  *job.Schedule
		err error
	)
	if req.Active == nil {
		sc, err = h.registry.ToggleSchedule(r.Context(), scheduleID, userFrom(r))
	} else {
		sc, err = h.registry.SetScheduleActive(r.Context(), scheduleID, *req.Active, userFrom(r))
	}
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.withNextRun(sc)
	h.writeJSON(w, http.StatusOK, sc)
}

// DeleteSchedule handles DELETE /v1/schedules/{scheduleId}
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID, ok := h.pathID(w, r, "scheduleId")
	if !ok {
		return
	}

	if err := h.registry.DeleteSchedule(r.Context(), scheduleID, userFrom(r)); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// withNextRun fills the next fire time of active schedules the scheduler
// has loaded.
func (h *Handler) withNextRun(sc *job.Schedule) {
	if !sc.Active {
		return
	}
	if next, ok := h.sched.NextRun(sc.ID, h.now()); ok {
		sc.NextRunAt = &next
	}
}
