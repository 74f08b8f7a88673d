package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"

	"go.yaml.in/yaml/v3"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
	"jobctl/internal/store"
)

// Definitions is the document read by ImportFile.
//
//	jobs:
//	  - name: nightly-backup
//	    image: alpine:3.20
//	    command: /backup.sh
//	    timeoutSeconds: 1800
//	    schedules: ["0 0 2 * * *"]
type Definitions struct {
	Jobs []Definition `yaml:"jobs"`
}

// Definition is one declared job and its schedules.
type Definition struct {
	job.Spec  `yaml:",inline"`
	Schedules []string `yaml:"schedules"`
}

// ImportResult counts what ImportFile changed.
type ImportResult struct {
	Created          int
	Updated          int
	Unchanged        int
	Skipped          int
	SchedulesCreated int
}

// ImportFile applies the definitions in path. Jobs are matched by name and
// owner; schedules by expression. Nothing is deleted, so importing the same
// file twice changes nothing the second time.
func (r *Registry) ImportFile(ctx context.Context, path, user string) (*ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job definitions: %w", err)
	}
	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, apperrors.Validation("jobs", fmt.Sprintf("parse %s: %v", path, err))
	}
	return r.Import(ctx, defs, user)
}

// Import applies already parsed definitions. See ImportFile.
func (r *Registry) Import(ctx context.Context, defs Definitions, user string) (*ImportResult, error) {
	user = userOrSystem(user)
	res := &ImportResult{}
	seen := make(map[string]bool, len(defs.Jobs))
	for i, d := range defs.Jobs {
		spec := normalizeSpec(d.Spec, user)
		if err := validateSpec(spec); err != nil {
			return res, fmt.Errorf("jobs[%d]: %w", i, err)
		}
		if seen[spec.Name+"\x00"+spec.Owner] {
			return res, apperrors.Validation("name", fmt.Sprintf("jobs[%d]: duplicate job %q", i, spec.Name))
		}
		seen[spec.Name+"\x00"+spec.Owner] = true

		j, err := r.applyDefinition(ctx, spec, user, res)
		if err != nil {
			return res, fmt.Errorf("job %s: %w", spec.Name, err)
		}
		if j == nil {
			continue
		}
		if err := r.applySchedules(ctx, j.ID, d.Schedules, user, res); err != nil {
			return res, fmt.Errorf("job %s: %w", spec.Name, err)
		}
	}
	r.log.Info("Job definitions imported", "created", res.Created, "updated", res.Updated,
		"unchanged", res.Unchanged, "skipped", res.Skipped, "schedulesCreated", res.SchedulesCreated)
	return res, nil
}

func (r *Registry) applyDefinition(ctx context.Context, spec job.Spec, user string, res *ImportResult) (*job.Job, error) {
	existing, err := r.store.Queries().FindJob(ctx, spec.Name, spec.Owner)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		j, err := r.CreateJob(ctx, spec, user)
		if err != nil {
			return nil, err
		}
		res.Created++
		return j, nil
	case err != nil:
		return nil, err
	}

	if sameSpec(existing, spec) {
		res.Unchanged++
		return existing, nil
	}
	j, err := r.UpdateJob(ctx, existing.ID, spec, user)
	if errors.Is(err, apperrors.ErrAlreadyRunning) {
		r.log.Warn("Job definition not applied while running", "jobId", existing.ID, "name", spec.Name)
		res.Skipped++
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	res.Updated++
	return j, nil
}

func (r *Registry) applySchedules(ctx context.Context, jobID string, exprs []string, user string, res *ImportResult) error {
	current, err := r.store.Queries().ListSchedules(ctx, store.ScheduleFilter{JobID: jobID})
	if err != nil {
		return err
	}
	have := make([]string, 0, len(current))
	for _, s := range current {
		have = append(have, s.CronExpr)
	}
	for _, expr := range exprs {
		if slices.Contains(have, expr) {
			continue
		}
		if _, err := r.CreateSchedule(ctx, jobID, expr, user); err != nil {
			return err
		}
		have = append(have, expr)
		res.SchedulesCreated++
	}
	return nil
}

func sameSpec(j *job.Job, s job.Spec) bool {
	return j.Type == s.Type &&
		j.Image == s.Image &&
		j.Command == s.Command &&
		j.Description == s.Description &&
		j.TimeoutSeconds == s.TimeoutSeconds &&
		maps.Equal(j.Environment, s.Environment)
}
