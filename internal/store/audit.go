package store

import (
	"context"
	"database/sql"
	"time"

	"jobctl/internal/job"
)

// AuditFilter narrows QueryAudit. Zero fields are ignored.
type AuditFilter struct {
	TargetType string
	TargetID   string
	ActionType string
	Username   string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// InsertAudit appends an entry and returns its id. Ids increase
// monotonically in insertion order.
func (q *Queries) InsertAudit(ctx context.Context, e *job.AuditEntry) (int64, error) {
	var id int64
	err := q.queryRow(ctx,
		`INSERT INTO audit_log (action_type, target_type, target_id, username, before_value, after_value,
			error_type, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		e.Action, e.TargetType, e.TargetID, e.Username, nullJSON(e.Before), nullJSON(e.After),
		string(e.ErrorType), e.Message, millis(e.CreatedAt)).Scan(&id)
	if err != nil {
		return 0, q.fail("store.insertAudit", err)
	}
	return id, nil
}

// QueryAudit returns matching entries, newest first.
func (q *Queries) QueryAudit(ctx context.Context, f AuditFilter) ([]job.AuditEntry, error) {
	var w where
	if f.TargetType != "" {
		w.add("target_type = ?", f.TargetType)
	}
	if f.TargetID != "" {
		w.add("target_id = ?", f.TargetID)
	}
	if f.ActionType != "" {
		w.add("action_type = ?", f.ActionType)
	}
	if f.Username != "" {
		w.add("username = ?", f.Username)
	}
	if !f.Since.IsZero() {
		w.add("created_at >= ?", millis(f.Since))
	}
	if !f.Until.IsZero() {
		w.add("created_at < ?", millis(f.Until))
	}
	args := append(w.args, limitOrDefault(f.Limit))
	rows, err := q.query(ctx, "store.queryAudit",
		`SELECT id, action_type, target_type, target_id, username, before_value, after_value,
			error_type, message, created_at
		FROM audit_log`+w.sql()+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.AuditEntry
	for rows.Next() {
		var (
			e             job.AuditEntry
			before, after sql.NullString
			errorType     string
			created       int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.TargetType, &e.TargetID, &e.Username, &before, &after,
			&errorType, &e.Message, &created); err != nil {
			return nil, q.fail("store.queryAudit", err)
		}
		if before.Valid {
			e.Before = []byte(before.String)
		}
		if after.Valid {
			e.After = []byte(after.String)
		}
		e.ErrorType = job.ErrorType(errorType)
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, q.fail("store.queryAudit", err)
	}
	return out, nil
}
