// Package audit records the append-only trail of state-changing events.
//
// Callers that change state inside a store transaction record through
// RecordTx with the same *store.Queries, so the entry commits or rolls back
// with the change it describes.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
	"jobctl/internal/store"
)

// Action types written by the service.
const (
	ActionCreateJob          = "CREATE_JOB"
	ActionUpdateJob          = "UPDATE_JOB"
	ActionDeleteJob          = "DELETE_JOB"
	ActionCreateSchedule     = "CREATE_SCHEDULE"
	ActionActivateSchedule   = "ACTIVATE_SCHEDULE"
	ActionDeactivateSchedule = "DEACTIVATE_SCHEDULE"
	ActionDeleteSchedule     = "DELETE_SCHEDULE"
	ActionContainerStart     = "CONTAINER_START"
	ActionContainerStop      = "CONTAINER_STOP"
	ActionContainerLogs      = "CONTAINER_LOGS"
	ActionRunStarted         = "RUN_STARTED"
	ActionRunSucceeded       = "RUN_SUCCEEDED"
	ActionRunFailed          = "RUN_FAILED"
	ActionRunStopped         = "RUN_STOPPED"
	ActionSkipped            = "SKIPPED"
	ActionAutoJobStart       = "AUTO_JOB_START"
	ActionSyncUsers          = "SYNC_USERS"
)

// Target types.
const (
	TargetJob       = "JOB"
	TargetSchedule  = "SCHEDULE"
	TargetRun       = "RUN"
	TargetContainer = "CONTAINER"
	TargetUser      = "USER"
)

// Size bounds.
const (
	MaxMessageBytes  = 10_000
	MaxSnapshotBytes = 64 << 10
)

// Entry is an audit record before it is stored. Before and After are
// marshalled to JSON; nil means no snapshot.
type Entry struct {
	Action     string
	TargetType string
	TargetID   string
	Username   string
	Before     any
	After      any
	ErrorType  job.ErrorType
	Message    string
}

// Recorder writes and reads audit entries.
type Recorder struct {
	store *store.Store
	now   func() time.Time
	log   *slog.Logger
}

// NewRecorder creates a Recorder backed by s.
func NewRecorder(s *store.Store, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: s, now: time.Now, log: log.With("component", "audit")}
}

// Record appends e in its own statement and returns the new audit id.
func (r *Recorder) Record(ctx context.Context, e Entry) (int64, error) {
	return r.RecordTx(ctx, r.store.Queries(), e)
}

// RecordTx appends e through q, typically inside Store.Tx.
func (r *Recorder) RecordTx(ctx context.Context, q *store.Queries, e Entry) (int64, error) {
	rec, err := r.build(e)
	if err != nil {
		return 0, err
	}
	id, err := q.InsertAudit(ctx, rec)
	if err != nil {
		return 0, err
	}
	r.log.Debug("Audit recorded", "auditId", id, "action", rec.Action, "targetType", rec.TargetType, "targetId", rec.TargetID)
	return id, nil
}

// Query returns entries matching f, newest first.
func (r *Recorder) Query(ctx context.Context, f store.AuditFilter) ([]job.AuditEntry, error) {
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return nil, apperrors.Validation("until", "until must not be before since")
	}
	entries, err := r.store.Queries().QueryAudit(ctx, f)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []job.AuditEntry{}
	}
	return entries, nil
}

func (r *Recorder) build(e Entry) (*job.AuditEntry, error) {
	action := strings.ToUpper(strings.TrimSpace(e.Action))
	if action == "" {
		return nil, apperrors.Validation("actionType", "action type is required")
	}
	targetType := strings.ToUpper(strings.TrimSpace(e.TargetType))
	if targetType == "" {
		return nil, apperrors.Validation("targetType", "target type is required")
	}
	username := strings.TrimSpace(e.Username)
	if username == "" {
		username = job.SystemUser
	}
	before, err := Snapshot(e.Before)
	if err != nil {
		return nil, err
	}
	after, err := Snapshot(e.After)
	if err != nil {
		return nil, err
	}
	return &job.AuditEntry{
		Action:     action,
		TargetType: targetType,
		TargetID:   e.TargetID,
		Username:   username,
		Before:     before,
		After:      after,
		ErrorType:  e.ErrorType,
		Message:    Truncate(e.Message, MaxMessageBytes),
		CreatedAt:  r.now().UTC(),
	}, nil
}

// Snapshot marshals v for storage. Oversized snapshots are replaced by a
// marker carrying their original size.
func Snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	var b []byte
	switch t := v.(type) {
	case json.RawMessage:
		if len(t) == 0 {
			return nil, nil
		}
		if !json.Valid(t) {
			return nil, apperrors.Validation("snapshot", "snapshot is not valid JSON")
		}
		b = t
	default:
		var err error
		if b, err = json.Marshal(v); err != nil {
			return nil, apperrors.Internal("audit.snapshot", err)
		}
	}
	if len(b) > MaxSnapshotBytes {
		b, _ = json.Marshal(map[string]any{"truncated": true, "bytes": len(b)})
	}
	return b, nil
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
