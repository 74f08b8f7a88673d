// Package registry manages job and schedule definitions. Every mutation
// commits together with exactly one audit entry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobctl/internal/apperrors"
	"jobctl/internal/audit"
	"jobctl/internal/job"
	"jobctl/internal/store"
)

// ScheduleObserver is told about schedule changes after they commit so the
// cron engine can track the active set.
type ScheduleObserver interface {
	ScheduleChanged(s job.Schedule)
	ScheduleRemoved(scheduleID string)
}

// Registry owns jobs and schedules.
type Registry struct {
	store    *store.Store
	audit    *audit.Recorder
	observer ScheduleObserver
	log      *slog.Logger
	now      func() time.Time
}

// New creates a Registry.
func New(s *store.Store, rec *audit.Recorder, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: s, audit: rec, log: log.With("component", "registry"), now: time.Now}
}

// Observe registers the observer notified of schedule changes.
func (r *Registry) Observe(o ScheduleObserver) {
	r.observer = o
}

// CreateJob validates spec and stores a new job owned by spec.Owner, or by
// user when no owner is given.
func (r *Registry) CreateJob(ctx context.Context, spec job.Spec, user string) (*job.Job, error) {
	user = userOrSystem(user)
	spec = normalizeSpec(spec, user)
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	j := &job.Job{
		ID:             uuid.NewString(),
		Name:           spec.Name,
		Type:           spec.Type,
		Image:          spec.Image,
		Command:        spec.Command,
		Environment:    spec.Environment,
		Description:    spec.Description,
		Owner:          spec.Owner,
		TimeoutSeconds: spec.TimeoutSeconds,
		Status:         job.StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := r.store.Tx(ctx, func(q *store.Queries) error {
		if err := q.InsertJob(ctx, j); err != nil {
			return err
		}
		_, err := r.audit.RecordTx(ctx, q, audit.Entry{
			Action:     audit.ActionCreateJob,
			TargetType: audit.TargetJob,
			TargetID:   j.ID,
			Username:   user,
			After:      j,
			Message:    fmt.Sprintf("job %s created", j.Name),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("Job created", "jobId", j.ID, "name", j.Name, "user", user)
	return j, nil
}

// UpdateJob replaces the editable fields of a job. Jobs with a running run
// cannot be changed.
func (r *Registry) UpdateJob(ctx context.Context, jobID string, spec job.Spec, user string) (*job.Job, error) {
	user = userOrSystem(user)
	keepOwner := strings.TrimSpace(spec.Owner) == ""
	spec = normalizeSpec(spec, user)
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	var updated *job.Job
	err := r.store.Tx(ctx, func(q *store.Queries) error {
		before, err := liveJob(ctx, q, jobID)
		if err != nil {
			return err
		}
		if err := notRunning(ctx, q, before); err != nil {
			return err
		}

		after := *before
		after.Name = spec.Name
		after.Type = spec.Type
		after.Image = spec.Image
		after.Command = spec.Command
		after.Environment = spec.Environment
		after.Description = spec.Description
		if !keepOwner {
			after.Owner = spec.Owner
		}
		after.TimeoutSeconds = spec.TimeoutSeconds
		after.UpdatedAt = r.now().UTC()
		if err := q.UpdateJob(ctx, &after); err != nil {
			return err
		}
		_, err = r.audit.RecordTx(ctx, q, audit.Entry{
			Action:     audit.ActionUpdateJob,
			TargetType: audit.TargetJob,
			TargetID:   jobID,
			Username:   user,
			Before:     before,
			After:      &after,
		})
		updated = &after
		return err
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("Job updated", "jobId", jobID, "user", user)
	return updated, nil
}

// DeleteJob soft-deletes a job and deactivates its schedules. Runs and the
// audit trail are kept.
func (r *Registry) DeleteJob(ctx context.Context, jobID, user string) error {
	user = userOrSystem(user)
	var deactivated []job.Schedule
	err := r.store.Tx(ctx, func(q *store.Queries) error {
		j, err := liveJob(ctx, q, jobID)
		if err != nil {
			return err
		}
		if err := notRunning(ctx, q, j); err != nil {
			return err
		}
		schedules, err := q.ListSchedules(ctx, store.ScheduleFilter{JobID: jobID, ActiveOnly: true})
		if err != nil {
			return err
		}
		for _, s := range schedules {
			if err := q.SetScheduleActive(ctx, s.ID, false); err != nil {
				return err
			}
			s.Active = false
			deactivated = append(deactivated, s)
		}
		if err := q.SoftDeleteJob(ctx, jobID, r.now().UTC()); err != nil {
			return err
		}
		_, err = r.audit.RecordTx(ctx, q, audit.Entry{
			Action:     audit.ActionDeleteJob,
			TargetType: audit.TargetJob,
			TargetID:   jobID,
			Username:   user,
			Before:     j,
			Message:    fmt.Sprintf("job %s deleted, %d schedule(s) deactivated", j.Name, len(deactivated)),
		})
		return err
	})
	if err != nil {
		return err
	}
	for _, s := range deactivated {
		r.notifyChanged(s)
	}
	r.log.Info("Job deleted", "jobId", jobID, "user", user, "schedulesDeactivated", len(deactivated))
	return nil
}

// GetJob returns a job, including a soft-deleted one.
func (r *Registry) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	return r.store.Queries().GetJob(ctx, jobID)
}

// ListJobs returns jobs newest first.
func (r *Registry) ListJobs(ctx context.Context, includeDeleted bool) ([]job.Job, error) {
	jobs, err := r.store.Queries().ListJobs(ctx, includeDeleted)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	return jobs, nil
}

func liveJob(ctx context.Context, q *store.Queries, jobID string) (*job.Job, error) {
	j, err := q.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Deleted() {
		return nil, apperrors.NotFound("job", jobID)
	}
	return j, nil
}

func notRunning(ctx context.Context, q *store.Queries, j *job.Job) error {
	_, err := q.RunningRun(ctx, j.ID)
	switch {
	case err == nil:
		return apperrors.AlreadyRunning(j.ID)
	case errors.Is(err, apperrors.ErrNotFound):
		return nil
	default:
		return err
	}
}

// normalizeSpec trims and defaults spec. An empty owner becomes owner.
func normalizeSpec(s job.Spec, owner string) job.Spec {
	if strings.TrimSpace(s.Owner) == "" {
		s.Owner = owner
	}
	s.Owner = strings.TrimSpace(s.Owner)
	s.Type = strings.TrimSpace(s.Type)
	job.ApplyDefaults(&s)
	if s.Environment != nil {
		s.Environment = maps.Clone(s.Environment)
	}
	return s
}

func validateSpec(s job.Spec) error {
	return job.Validate(&s)
}

func userOrSystem(user string) string {
	if u := strings.TrimSpace(user); u != "" {
		return u
	}
	return job.SystemUser
}
