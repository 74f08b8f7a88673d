package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

const jobColumns = `id, name, type, image, command, environment, description, owner,
	timeout_seconds, status, created_at, updated_at, deleted_at`

// InsertJob stores a new job.
func (q *Queries) InsertJob(ctx context.Context, j *job.Job) error {
	env, err := json.Marshal(envOrEmpty(j.Environment))
	if err != nil {
		return apperrors.Internal("store.insertJob", err)
	}
	_, err = q.exec(ctx, "store.insertJob",
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.Type, j.Image, j.Command, string(env), j.Description, j.Owner,
		j.TimeoutSeconds, string(j.Status), millis(j.CreatedAt), millis(j.UpdatedAt), nullMillis(j.DeletedAt))
	return err
}

// UpdateJob rewrites the editable columns of a job.
func (q *Queries) UpdateJob(ctx context.Context, j *job.Job) error {
	env, err := json.Marshal(envOrEmpty(j.Environment))
	if err != nil {
		return apperrors.Internal("store.updateJob", err)
	}
	res, err := q.exec(ctx, "store.updateJob",
		`UPDATE jobs SET name = ?, type = ?, image = ?, command = ?, environment = ?, description = ?,
			owner = ?, timeout_seconds = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		j.Name, j.Type, j.Image, j.Command, string(env), j.Description,
		j.Owner, j.TimeoutSeconds, millis(j.UpdatedAt), j.ID)
	if err != nil {
		return err
	}
	return expectOne(res, "store.updateJob", "job", j.ID)
}

// SetJobStatus records the job's lifecycle status.
func (q *Queries) SetJobStatus(ctx context.Context, id string, status job.Status, at time.Time) error {
	res, err := q.exec(ctx, "store.setJobStatus",
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, string(status), millis(at), id)
	if err != nil {
		return err
	}
	return expectOne(res, "store.setJobStatus", "job", id)
}

// SoftDeleteJob marks a job deleted. Its runs and audit trail are kept.
func (q *Queries) SoftDeleteJob(ctx context.Context, id string, at time.Time) error {
	res, err := q.exec(ctx, "store.deleteJob",
		`UPDATE jobs SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		millis(at), millis(at), id)
	if err != nil {
		return err
	}
	return expectOne(res, "store.deleteJob", "job", id)
}

// GetJob loads a job, deleted or not.
func (q *Queries) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := q.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		return nil, q.rowErr("store.getJob", "job", id, err)
	}
	return j, nil
}

// FindJob returns the newest live job with the given name. An empty owner
// matches any owner.
func (q *Queries) FindJob(ctx context.Context, name, owner string) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE name = ? AND deleted_at IS NULL`
	args := []any{name}
	if owner != "" {
		query += ` AND owner = ?`
		args = append(args, owner)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`
	j, err := scanJob(q.queryRow(ctx, query, args...))
	if err != nil {
		return nil, q.rowErr("store.findJob", "job", name, err)
	}
	return j, nil
}

// ListJobs returns jobs ordered by creation time, newest first.
func (q *Queries) ListJobs(ctx context.Context, includeDeleted bool) ([]job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := q.query(ctx, "store.listJobs", query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, q.fail("store.listJobs", err)
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, q.fail("store.listJobs", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*job.Job, error) {
	var (
		j                job.Job
		env              []byte
		status           string
		created, updated int64
		deleted          sql.NullInt64
	)
	if err := s.Scan(&j.ID, &j.Name, &j.Type, &j.Image, &j.Command, &env, &j.Description, &j.Owner,
		&j.TimeoutSeconds, &status, &created, &updated, &deleted); err != nil {
		return nil, err
	}
	if len(env) > 0 {
		if err := json.Unmarshal(env, &j.Environment); err != nil {
			return nil, err
		}
	}
	if len(j.Environment) == 0 {
		j.Environment = nil
	}
	j.Status = job.Status(status)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	j.DeletedAt = timePtr(deleted)
	return &j, nil
}

func envOrEmpty(env map[string]string) map[string]string {
	if env == nil {
		return map[string]string{}
	}
	return env
}

func expectOne(res sql.Result, op, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Persistence(op, err)
	}
	if n == 0 {
		return apperrors.NotFound(resource, id)
	}
	return nil
}
