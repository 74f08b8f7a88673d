package store

import (
	"context"

	"jobctl/internal/job"
)

const scheduleColumns = `id, job_id, cron_expression, is_active, created_at`

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	JobID      string
	ActiveOnly bool
}

// InsertSchedule stores a new schedule.
func (q *Queries) InsertSchedule(ctx context.Context, s *job.Schedule) error {
	_, err := q.exec(ctx, "store.insertSchedule",
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.JobID, s.CronExpr, s.Active, millis(s.CreatedAt))
	return err
}

// GetSchedule loads one schedule.
func (q *Queries) GetSchedule(ctx context.Context, id string) (*job.Schedule, error) {
	s, err := scanSchedule(q.queryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if err != nil {
		return nil, q.rowErr("store.getSchedule", "schedule", id, err)
	}
	return s, nil
}

// ListSchedules returns schedules ordered by creation time.
func (q *Queries) ListSchedules(ctx context.Context, f ScheduleFilter) ([]job.Schedule, error) {
	var w where
	if f.JobID != "" {
		w.add("job_id = ?", f.JobID)
	}
	if f.ActiveOnly {
		w.add("is_active = ?", true)
	}
	rows, err := q.query(ctx, "store.listSchedules",
		`SELECT `+scheduleColumns+` FROM schedules`+w.sql()+` ORDER BY created_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, q.fail("store.listSchedules", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, q.fail("store.listSchedules", err)
	}
	return out, nil
}

// SetScheduleActive flips is_active.
func (q *Queries) SetScheduleActive(ctx context.Context, id string, active bool) error {
	res, err := q.exec(ctx, "store.setScheduleActive",
		`UPDATE schedules SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	return expectOne(res, "store.setScheduleActive", "schedule", id)
}

// DeleteSchedule removes a schedule row.
func (q *Queries) DeleteSchedule(ctx context.Context, id string) error {
	res, err := q.exec(ctx, "store.deleteSchedule", `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res, "store.deleteSchedule", "schedule", id)
}

func scanSchedule(s scanner) (*job.Schedule, error) {
	var (
		sc      job.Schedule
		created int64
	)
	if err := s.Scan(&sc.ID, &sc.JobID, &sc.CronExpr, &sc.Active, &created); err != nil {
		return nil, err
	}
	sc.CreatedAt = fromMillis(created)
	return &sc, nil
}
