package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"jobctl/internal/apperrors"
	"jobctl/internal/audit"
	"jobctl/internal/job"
	"jobctl/internal/store"
)

// ExternalImage stands in for the image of jobs launched outside the
// runtime, such as host processes wrapped by job-reporter.
const ExternalImage = "external"

// AutoRegisterRequest describes an execution the service did not start.
type AutoRegisterRequest struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	Command     string            `json:"command"`
	Description string            `json:"description"`
	Environment map[string]string `json:"environment"`
	User        string            `json:"user"`
	Hostname    string            `json:"hostname"`
	ContainerID string            `json:"containerId"`
}

// AutoRegister finds the live job named req.Name owned by req.User, creating
// both the user and the job when missing. It reports whether the job is new.
func (r *Registry) AutoRegister(ctx context.Context, req AutoRegisterRequest) (*job.Job, bool, error) {
	user := userOrSystem(req.User)
	image := req.Image
	if image == "" {
		image = ExternalImage
	}
	spec := normalizeSpec(job.Spec{
		Name:        req.Name,
		Image:       image,
		Command:     req.Command,
		Description: req.Description,
		Environment: req.Environment,
	}, user)
	if err := validateSpec(spec); err != nil {
		return nil, false, err
	}

	var (
		j       *job.Job
		created bool
	)
	err := r.store.Tx(ctx, func(q *store.Queries) error {
		now := r.now().UTC()
		if _, err := q.EnsureUser(ctx, &job.User{
			ID:        uuid.NewString(),
			Username:  user,
			Email:     user + "@auto-detected.local",
			Role:      "developer",
			CreatedAt: now,
		}); err != nil {
			return err
		}

		existing, err := q.FindJob(ctx, spec.Name, user)
		if err == nil {
			j = existing
			return nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}

		j = &job.Job{
			ID:          uuid.NewString(),
			Name:        spec.Name,
			Type:        spec.Type,
			Image:       spec.Image,
			Command:     spec.Command,
			Environment: spec.Environment,
			Description: spec.Description,
			Owner:       user,
			Status:      job.StatusCreated,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := q.InsertJob(ctx, j); err != nil {
			return err
		}
		created = true
		_, err = r.audit.RecordTx(ctx, q, audit.Entry{
			Action:     audit.ActionCreateJob,
			TargetType: audit.TargetJob,
			TargetID:   j.ID,
			Username:   user,
			After:      j,
			Message:    fmt.Sprintf("job %s auto-registered from %s", j.Name, hostnameOrUnknown(req.Hostname)),
		})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		r.log.Info("Job auto-registered", "jobId", j.ID, "name", j.Name, "user", user, "hostname", req.Hostname)
	}
	return j, created, nil
}

func hostnameOrUnknown(h string) string {
	if h == "" {
		return job.UnknownHostname
	}
	return h
}
