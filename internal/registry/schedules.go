package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"jobctl/internal/apperrors"
	"jobctl/internal/audit"
	"jobctl/internal/cron"
	"jobctl/internal/job"
	"jobctl/internal/store"
)

// CreateSchedule attaches an active cron schedule to a live job.
func (r *Registry) CreateSchedule(ctx context.Context, jobID, expr, user string) (*job.Schedule, error) {
	user = userOrSystem(user)
	expr = strings.TrimSpace(expr)
	if err := cron.Validate(expr); err != nil {
		return nil, err
	}
	if strings.TrimSpace(jobID) == "" {
		return nil, apperrors.Validation("jobId", "job id is required")
	}

	s := &job.Schedule{
		ID:        uuid.NewString(),
		JobID:     jobID,
		CronExpr:  expr,
		Active:    true,
		CreatedAt: r.now().UTC(),
	}
	err := r.store.Tx(ctx, func(q *store.Queries) error {
		j, err := q.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return apperrors.Validation("jobId", fmt.Sprintf("job %s does not exist", jobID))
			}
			return err
		}
		if j.Deleted() {
			return apperrors.Validation("jobId", fmt.Sprintf("job %s is deleted", jobID))
		}
		if err := q.InsertSchedule(ctx, s); err != nil {
			return err
		}
		_, err = r.audit.RecordTx(ctx, q, audit.Entry{
			Action:     audit.ActionCreateSchedule,
			TargetType: audit.TargetSchedule,
			TargetID:   s.ID,
			Username:   user,
			After:      s,
			Message:    fmt.Sprintf("schedule %q for job %s", expr, j.Name),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	r.notifyChanged(*s)
	r.log.Info("Schedule created", "scheduleId", s.ID, "jobId", jobID, "cron", expr, "user", user)
	return s, nil
}

// SetScheduleActive activates or deactivates a schedule. Setting the
// current value is a no-op and writes no audit entry.
func (r *Registry) SetScheduleActive(ctx context.Context, scheduleID string, active bool, user string) (*job.Schedule, error) {
	user = userOrSystem(user)
	var (
		after   job.Schedule
		changed bool
	)
	err := r.store.Tx(ctx, func(q *store.Queries) error {
		before, err := q.GetSchedule(ctx, scheduleID)
		if err != nil {
			return err
		}
		after = *before
		if before.Active == active {
			return nil
		}
		if active {
			j, err := q.GetJob(ctx, before.JobID)
			if err != nil {
				return err
			}
			if j.Deleted() {
				return apperrors.Conflict("schedule", scheduleID, "job is deleted")
			}
		}
		if err := q.SetScheduleActive(ctx, scheduleID, active); err != nil {
			return err
		}
		after.Active = active
		changed = true

		action := audit.ActionDeactivateSchedule
		if active {
			action = audit.ActionActivateSchedule
		}
		_, err = r.audit.RecordTx(ctx, q, audit.Entry{
			Action:     action,
			TargetType: audit.TargetSchedule,
			TargetID:   scheduleID,
			Username:   user,
			Before:     map[string]bool{"isActive": before.Active},
			After:      map[string]bool{"isActive": active},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		r.notifyChanged(after)
		r.log.Info("Schedule toggled", "scheduleId", scheduleID, "active", active, "user", user)
	}
	return &after, nil
}

// ToggleSchedule flips a schedule's active flag.
func (r *Registry) ToggleSchedule(ctx context.Context, scheduleID, user string) (*job.Schedule, error) {
	s, err := r.store.Queries().GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	return r.SetScheduleActive(ctx, scheduleID, !s.Active, user)
}

// DeleteSchedule removes a schedule. A run it already triggered keeps going.
func (r *Registry) DeleteSchedule(ctx context.Context, scheduleID, user string) error {
	user = userOrSystem(user)
	err := r.store.Tx(ctx, func(q *store.Queries) error {
		before, err := q.GetSchedule(ctx, scheduleID)
		if err != nil {
			return err
		}
		if err := q.DeleteSchedule(ctx, scheduleID); err != nil {
			return err
		}
		_, err = r.audit.RecordTx(ctx, q, audit.Entry{
			Action:     audit.ActionDeleteSchedule,
			TargetType: audit.TargetSchedule,
			TargetID:   scheduleID,
			Username:   user,
			Before:     before,
		})
		return err
	})
	if err != nil {
		return err
	}
	if r.observer != nil {
		r.observer.ScheduleRemoved(scheduleID)
	}
	r.log.Info("Schedule deleted", "scheduleId", scheduleID, "user", user)
	return nil
}

// GetSchedule returns one schedule.
func (r *Registry) GetSchedule(ctx context.Context, scheduleID string) (*job.Schedule, error) {
	return r.store.Queries().GetSchedule(ctx, scheduleID)
}

// ListSchedules returns schedules in creation order.
func (r *Registry) ListSchedules(ctx context.Context, f store.ScheduleFilter) ([]job.Schedule, error) {
	schedules, err := r.store.Queries().ListSchedules(ctx, f)
	if err != nil {
		return nil, err
	}
	if schedules == nil {
		schedules = []job.Schedule{}
	}
	return schedules, nil
}

// ActiveSchedules returns the schedules the cron engine should evaluate.
func (r *Registry) ActiveSchedules(ctx context.Context) ([]job.Schedule, error) {
	return r.ListSchedules(ctx, store.ScheduleFilter{ActiveOnly: true})
}

func (r *Registry) notifyChanged(s job.Schedule) {
	if r.observer != nil {
		r.observer.ScheduleChanged(s)
	}
}
