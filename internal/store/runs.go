package store

import (
	"context"
	"database/sql"
	"time"

	"jobctl/internal/job"
)

const runColumns = `r.id, r.job_id, j.name, r.container_id, r.run_type, r.status, r.username, r.hostname,
	r.schedule_id, r.retry_of, r.started_at, r.finished_at, r.exit_code, r.error_type, r.message`

const runFrom = ` FROM runs r JOIN jobs j ON j.id = r.job_id`

// RunFilter narrows ListRuns. Results are newest first.
type RunFilter struct {
	JobID  string
	Status job.RunStatus
	Type   job.RunType
	Limit  int
}

// RunRecord is a run row including its stored classification.
type RunRecord struct {
	job.Run
	ErrorType job.ErrorType
	Message   string
}

// FinishParams are written once when a run leaves RUNNING.
type FinishParams struct {
	Status     job.RunStatus
	ExitCode   int
	FinishedAt time.Time
	ErrorType  job.ErrorType
	Message    string
}

// InsertRun stores a new run. A second RUNNING run for the same job
// violates idx_runs_one_running and returns a conflict.
func (q *Queries) InsertRun(ctx context.Context, r *job.Run) error {
	_, err := q.exec(ctx, "store.insertRun",
		`INSERT INTO runs (id, job_id, container_id, run_type, status, username, hostname,
			schedule_id, retry_of, started_at, finished_at, exit_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobID, r.ContainerID, string(r.Type), string(r.Status), r.User, r.Hostname,
		r.ScheduleID, r.RetryOf, millis(r.StartedAt), nullMillis(r.FinishedAt), nullInt(r.ExitCode))
	return err
}

// GetRun loads one run.
func (q *Queries) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	rec, err := scanRun(q.queryRow(ctx, `SELECT `+runColumns+runFrom+` WHERE r.id = ?`, id))
	if err != nil {
		return nil, q.rowErr("store.getRun", "run", id, err)
	}
	return rec, nil
}

// RunningRun returns the job's RUNNING run, or a not found error.
func (q *Queries) RunningRun(ctx context.Context, jobID string) (*RunRecord, error) {
	rec, err := scanRun(q.queryRow(ctx,
		`SELECT `+runColumns+runFrom+` WHERE r.job_id = ? AND r.status = ?`, jobID, string(job.RunRunning)))
	if err != nil {
		return nil, q.rowErr("store.runningRun", "running run for job", jobID, err)
	}
	return rec, nil
}

// LatestRun returns the job's most recently started run.
func (q *Queries) LatestRun(ctx context.Context, jobID string) (*RunRecord, error) {
	rec, err := scanRun(q.queryRow(ctx,
		`SELECT `+runColumns+runFrom+` WHERE r.job_id = ? ORDER BY r.started_at DESC, r.id DESC LIMIT 1`, jobID))
	if err != nil {
		return nil, q.rowErr("store.latestRun", "run for job", jobID, err)
	}
	return rec, nil
}

// ListRuns returns runs matching f, newest first.
func (q *Queries) ListRuns(ctx context.Context, f RunFilter) ([]RunRecord, error) {
	var w where
	if f.JobID != "" {
		w.add("r.job_id = ?", f.JobID)
	}
	if f.Status != "" {
		w.add("r.status = ?", string(f.Status))
	}
	if f.Type != "" {
		w.add("r.run_type = ?", string(f.Type))
	}
	args := append(w.args, limitOrDefault(f.Limit))
	rows, err := q.query(ctx, "store.listRuns",
		`SELECT `+runColumns+runFrom+w.sql()+` ORDER BY r.started_at DESC, r.id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, q.fail("store.listRuns", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, q.fail("store.listRuns", err)
	}
	return out, nil
}

// SetRunContainer records the container executing a run.
func (q *Queries) SetRunContainer(ctx context.Context, runID, containerID string) error {
	res, err := q.exec(ctx, "store.setRunContainer",
		`UPDATE runs SET container_id = ? WHERE id = ?`, containerID, runID)
	if err != nil {
		return err
	}
	return expectOne(res, "store.setRunContainer", "run", runID)
}

// FinishRun moves a RUNNING run to its terminal state. It reports false
// when the run was already terminal, leaving the row untouched.
func (q *Queries) FinishRun(ctx context.Context, runID string, p FinishParams) (bool, error) {
	res, err := q.exec(ctx, "store.finishRun",
		`UPDATE runs SET status = ?, exit_code = ?, finished_at = ?, error_type = ?, message = ?
		WHERE id = ? AND status = ?`,
		string(p.Status), p.ExitCode, millis(p.FinishedAt), string(p.ErrorType), p.Message,
		runID, string(job.RunRunning))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, q.fail("store.finishRun", err)
	}
	return n == 1, nil
}

// PutRunLogs stores the log snapshot of a run, replacing any earlier one.
func (q *Queries) PutRunLogs(ctx context.Context, l *job.RunLogs) error {
	_, err := q.exec(ctx, "store.putRunLogs",
		`INSERT INTO run_logs (run_id, logs, truncated, captured_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET logs = excluded.logs, truncated = excluded.truncated,
			captured_at = excluded.captured_at`,
		l.RunID, l.Text, l.Truncated, millis(l.CapturedAt))
	return err
}

// GetRunLogs loads the log snapshot of a run.
func (q *Queries) GetRunLogs(ctx context.Context, runID string) (*job.RunLogs, error) {
	var (
		l        job.RunLogs
		captured int64
	)
	err := q.queryRow(ctx, `SELECT run_id, logs, truncated, captured_at FROM run_logs WHERE run_id = ?`, runID).
		Scan(&l.RunID, &l.Text, &l.Truncated, &captured)
	if err != nil {
		return nil, q.rowErr("store.getRunLogs", "logs for run", runID, err)
	}
	l.CapturedAt = fromMillis(captured)
	return &l, nil
}

func scanRun(s scanner) (*RunRecord, error) {
	var (
		rec       RunRecord
		runType   string
		status    string
		errorType string
		started   int64
		finished  sql.NullInt64
		exitCode  sql.NullInt64
	)
	if err := s.Scan(&rec.ID, &rec.JobID, &rec.JobName, &rec.ContainerID, &runType, &status, &rec.User,
		&rec.Hostname, &rec.ScheduleID, &rec.RetryOf, &started, &finished, &exitCode,
		&errorType, &rec.Message); err != nil {
		return nil, err
	}
	rec.Type = job.RunType(runType)
	rec.Status = job.RunStatus(status)
	rec.ErrorType = job.ErrorType(errorType)
	rec.StartedAt = fromMillis(started)
	rec.FinishedAt = timePtr(finished)
	rec.ExitCode = intPtr(exitCode)
	return &rec, nil
}
