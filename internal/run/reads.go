package run

import (
	"context"
	"errors"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
	"jobctl/internal/store"
)

// Get returns a run with its classification, without logs.
func (t *Tracker) Get(ctx context.Context, runID string) (*job.RunDetail, error) {
	rec, err := t.store.Queries().GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &job.RunDetail{Run: rec.Run, ErrorType: rec.ErrorType, Message: rec.Message}, nil
}

// Detail returns a run together with its stored log snapshot, if any.
func (t *Tracker) Detail(ctx context.Context, runID string) (*job.RunDetail, error) {
	q := t.store.Queries()
	rec, err := q.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	d := &job.RunDetail{Run: rec.Run, ErrorType: rec.ErrorType, Message: rec.Message}
	logs, err := q.GetRunLogs(ctx, runID)
	switch {
	case err == nil:
		d.Logs = logs
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, err
	}
	return d, nil
}

// List returns runs newest first.
func (t *Tracker) List(ctx context.Context, f store.RunFilter) ([]job.RunDetail, error) {
	if f.Status != "" && f.Status != job.RunRunning && !f.Status.Terminal() {
		return nil, apperrors.Validation("status", "unknown run status "+string(f.Status))
	}
	if f.Type != "" && !f.Type.Valid() {
		return nil, apperrors.Validation("runType", "unknown run type "+string(f.Type))
	}
	recs, err := t.store.Queries().ListRuns(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]job.RunDetail, 0, len(recs))
	for _, rec := range recs {
		out = append(out, job.RunDetail{Run: rec.Run, ErrorType: rec.ErrorType, Message: rec.Message})
	}
	return out, nil
}

// Latest returns the most recent run of jobID.
func (t *Tracker) Latest(ctx context.Context, jobID string) (*job.RunDetail, error) {
	rec, err := t.store.Queries().LatestRun(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &job.RunDetail{Run: rec.Run, ErrorType: rec.ErrorType, Message: rec.Message}, nil
}

// Running returns every run currently in RUNNING state.
func (t *Tracker) Running(ctx context.Context) ([]job.RunDetail, error) {
	return t.List(ctx, store.RunFilter{Status: job.RunRunning, Limit: store.MaxLimit})
}

// Reconcile settles RUNNING runs after a restart. live holds the ids of
// containers that are still running. Runs without a live container are
// finalized as orphaned; the rest are returned so supervision can resume.
// MONITORED runs without a container are reported by an external process
// and are left alone.
func (t *Tracker) Reconcile(ctx context.Context, live map[string]bool) ([]job.RunDetail, error) {
	running, err := t.Running(ctx)
	if err != nil {
		return nil, err
	}
	var resumed []job.RunDetail
	for _, r := range running {
		if r.Type == job.RunMonitored && r.ContainerID == "" {
			continue
		}
		if r.ContainerID != "" && live[r.ContainerID] {
			resumed = append(resumed, r)
			continue
		}
		if _, err := t.FinalizeRun(ctx, r.ID, Outcome{Reason: ReasonOrphaned}); err != nil {
			return resumed, err
		}
		t.log.Warn("Orphaned run finalized", "runId", r.ID, "jobId", r.JobID, "containerId", r.ContainerID)
	}
	return resumed, nil
}
