package scheduler

import (
	"context"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/run"
	"jobctl/internal/runtime"
)

// Recover loads the active schedules and reconciles runs left RUNNING by a
// previous process: runs whose container exited meanwhile are finalized
// with its exit code, runs whose container is gone are finalized as
// orphaned, and runs whose container still runs are supervised again.
// A run that crashed before its container was attached is matched to the
// container through its run id label. It must be called before Run.
func (s *Scheduler) Recover(ctx context.Context) error {
	schedules, err := s.registry.ActiveSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sc := range schedules {
		s.applySchedule(sc, false)
	}

	containers, err := s.rt.List(ctx)
	if err != nil {
		return apperrors.Adapter("scheduler.recover", err)
	}
	live := make(map[string]bool, len(containers))
	exited := make(map[string]bool, len(containers))
	byRun := make(map[string]string, len(containers))
	for _, c := range containers {
		if runID := c.Labels[runtime.LabelRunID]; runID != "" {
			byRun[runID] = c.ID
		}
		if c.Running() {
			live[c.ID] = true
		} else {
			exited[c.ID] = true
		}
	}

	running, err := s.runs.Running(ctx)
	if err != nil {
		return err
	}
	var finished, attached int
	for i := range running {
		r := &running[i]
		if r.ContainerID != "" {
			continue
		}
		id, ok := byRun[r.ID]
		if !ok {
			continue
		}
		if err := s.runs.AttachContainer(ctx, r.ID, id); err != nil {
			return err
		}
		r.ContainerID = id
		attached++
		s.log.Info("Attached container found on recovery", "jobId", r.JobID, "runId", r.ID, "containerId", id)
	}

	for _, r := range running {
		if r.ContainerID == "" || !exited[r.ContainerID] {
			continue
		}
		st, err := s.rt.Inspect(ctx, r.ContainerID)
		if err != nil {
			continue // left for Reconcile
		}
		fin, err := s.runs.FinalizeRun(ctx, r.ID, run.Outcome{
			ExitCode: st.ExitCode,
			Logs:     s.snapshotLogs(ctx, r.ContainerID),
		})
		if err != nil {
			return err
		}
		if !fin.AlreadyFinal {
			s.finished(ctx, fin)
			finished++
		}
	}

	resumed, err := s.runs.Reconcile(ctx, live)
	if err != nil {
		return err
	}
	for _, r := range resumed {
		timeout := s.cfg.MaxRuntime
		if j, err := s.registry.GetJob(ctx, r.JobID); err == nil {
			timeout = s.timeoutFor(j)
		}
		remaining := max(timeout-time.Since(r.StartedAt), time.Millisecond)

		if err := s.slots.reserve(r.JobID, &slot{
			runID:     r.ID,
			runType:   r.Type,
			startedAt: r.StartedAt,
			timeout:   remaining,
		}); err != nil {
			s.log.Warn("Duplicate running run on recovery", "jobId", r.JobID, "runId", r.ID)
			continue
		}
		s.supervise(r.JobID, r.ID, r.ContainerID, remaining)
	}

	s.log.Info("Recovery complete",
		"schedules", s.cron.Len(),
		"running", len(running),
		"attached", attached,
		"finished", finished,
		"resumed", len(resumed))
	return nil
}
