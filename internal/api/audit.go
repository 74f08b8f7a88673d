package api

import (
	"encoding/json"
	"net/http"

	"jobctl/internal/audit"
	"jobctl/internal/job"
	"jobctl/internal/store"
)

// RecordAuditRequest is an audit entry submitted by a client.
type RecordAuditRequest struct {
	Action     string          `json:"actionType"`
	TargetType string          `json:"targetType"`
	TargetID   string          `json:"targetId"`
	Before     json.RawMessage `json:"beforeValue"`
	After      json.RawMessage `json:"afterValue"`
	ErrorType  job.ErrorType   `json:"errorType"`
	Message    string          `json:"message"`
}

// QueryAudit handles GET /v1/audit-logs. Query: targetType, targetId,
// actionType, username, since, until, limit.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q, "limit")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	since, err := queryTime(q, "since")
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	until, err := queryTime(q, "until")
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	entries, err := h.audit.Query(r.Context(), store.AuditFilter{
		TargetType: q.Get("targetType"),
		TargetID:   q.Get("targetId"),
		ActionType: q.Get("actionType"),
		Username:   q.Get("username"),
		Since:      since,
		Until:      until,
		Limit:      limit,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// RecordAudit handles POST /v1/audit-logs
func (h *Handler) RecordAudit(w http.ResponseWriter, r *http.Request) {
	var req RecordAuditRequest
	if !h.decode(w, r, &req, false) {
		return
	}

	e := audit.Entry{
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		Username:   userFrom(r),
		ErrorType:  req.ErrorType,
		Message:    req.Message,
	}
	if len(req.Before) > 0 {
		e.Before = req.Before
	}
	if len(req.After) > 0 {
		e.After = req.After
	}

	id, err := h.audit.Record(r.Context(), e)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]int64{"auditId": id})
}
