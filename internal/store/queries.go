package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"jobctl/internal/apperrors"
)

// execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds the statements of every table. Obtain one from
// Store.Queries or inside Store.Tx.
type Queries struct {
	db      execer
	dialect dialect
}

// DefaultLimit is applied to list queries that do not set one.
const DefaultLimit = 50

// MaxLimit caps list queries.
const MaxLimit = 1000

func (q *Queries) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := q.db.ExecContext(ctx, q.dialect.rebind(query), args...)
	if err != nil {
		return nil, q.fail(op, err)
	}
	return res, nil
}

func (q *Queries) query(ctx context.Context, op, query string, args ...any) (*sql.Rows, error) {
	rows, err := q.db.QueryContext(ctx, q.dialect.rebind(query), args...)
	if err != nil {
		return nil, q.fail(op, err)
	}
	return rows, nil
}

func (q *Queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.dialect.rebind(query), args...)
}

func (q *Queries) fail(op string, err error) error {
	if isUniqueViolation(err) {
		return &apperrors.Error{
			Sentinel: apperrors.ErrConflict,
			Message:  op + ": record already exists",
			Op:       op,
			Cause:    err,
		}
	}
	return apperrors.Persistence(op, err)
}

// rowErr maps a single-row scan error.
func (q *Queries) rowErr(op, resource, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound(resource, id)
	}
	return q.fail(op, err)
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return min(n, MaxLimit)
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

// nullJSON stores empty snapshots as NULL.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// where accumulates AND-ed conditions.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, arg any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, arg)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	s := " WHERE " + w.clauses[0]
	for _, c := range w.clauses[1:] {
		s += " AND " + c
	}
	return s
}
