package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/audit"
	"jobctl/internal/job"
	"jobctl/internal/run"
	"jobctl/internal/store"
)

type result[T any] struct {
	v   T
	err error
}

// call queues a command and waits for its reply.
func call[T any](ctx context.Context, s *Scheduler, m message, reply <-chan result[T]) (T, error) {
	var zero T
	select {
	case s.msgs <- m:
	case <-s.done:
		return zero, s.unavailable()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.v, r.err
	case <-s.done:
		// The loop may have answered just before exiting.
		select {
		case r := <-reply:
			return r.v, r.err
		default:
			return zero, s.unavailable()
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// StartJob starts a MANUAL run of jobID on behalf of user. It returns once
// the run is recorded; the container starts asynchronously.
func (s *Scheduler) StartJob(ctx context.Context, jobID, user string) (*job.Run, error) {
	reply := make(chan result[*job.Run], 1)
	return call(ctx, s, startCmd{req: startRequest{jobID: jobID, user: user, runType: job.RunManual}, reply: reply}, reply)
}

// RetryRun starts a RETRY run of the job behind a FAILED run.
func (s *Scheduler) RetryRun(ctx context.Context, runID, user string) (*job.Run, error) {
	reply := make(chan result[*job.Run], 1)
	return call(ctx, s, retryCmd{runID: runID, user: user, reply: reply}, reply)
}

// StopJob stops the running run of jobID. The run is finalized as STOPPED
// immediately; the container is stopped in the background with the
// configured grace period.
func (s *Scheduler) StopJob(ctx context.Context, jobID, user string) (*run.Finalized, error) {
	reply := make(chan result[*run.Finalized], 1)
	return call(ctx, s, stopCmd{jobID: jobID, user: user, reply: reply}, reply)
}

type startRequest struct {
	jobID      string
	user       string
	runType    job.RunType
	retryOf    string
	scheduleID string
}

func (s *Scheduler) start(ctx context.Context, req startRequest) (*job.Run, error) {
	if s.slots.busy(req.jobID) {
		return nil, apperrors.AlreadyRunning(req.jobID)
	}
	j, err := s.registry.GetJob(ctx, req.jobID)
	if err != nil {
		return nil, err
	}
	if j.Deleted() {
		return nil, apperrors.Conflict("job", j.ID, "job is deleted")
	}
	return s.begin(ctx, j, req)
}

// begin records the run, claims the job's slot and dispatches the container.
func (s *Scheduler) begin(ctx context.Context, j *job.Job, req startRequest) (*job.Run, error) {
	r, err := s.runs.BeginRun(ctx, run.BeginRequest{
		JobID:      j.ID,
		Type:       req.runType,
		User:       req.user,
		Hostname:   s.cfg.Hostname,
		RetryOf:    req.retryOf,
		ScheduleID: req.scheduleID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.slots.reserve(j.ID, &slot{
		runID:     r.ID,
		runType:   r.Type,
		startedAt: r.StartedAt,
		timeout:   s.timeoutFor(j),
	}); err != nil {
		// Nothing will supervise the run, so close it before reporting.
		if _, ferr := s.runs.FinalizeRun(ctx, r.ID, run.Outcome{Reason: run.ReasonStartFailed, Message: err.Error()}); ferr != nil {
			return nil, ferr
		}
		return nil, apperrors.Internal("scheduler.reserve", err)
	}

	s.cfg.Metrics.RecordRunStarted(ctx, string(r.Type))
	s.publish(s.events.BuildStarted(r))

	s.workers.Add(1)
	go s.dispatch(j, r)
	return r, nil
}

func (s *Scheduler) retry(ctx context.Context, runID, user string) (*job.Run, error) {
	prev, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if prev.Status != job.RunFailed {
		return nil, apperrors.Conflict("run", runID, fmt.Sprintf("only FAILED runs can be retried, run is %s", prev.Status))
	}
	return s.start(ctx, startRequest{jobID: prev.JobID, user: user, runType: job.RunRetry, retryOf: runID})
}

func (s *Scheduler) stop(ctx context.Context, jobID, user string) (*run.Finalized, error) {
	sl, ok := s.slots.get(jobID)
	if !ok {
		return s.stopUnsupervised(ctx, jobID, user)
	}
	if sl.stopping {
		return s.runs.FinalizeRun(ctx, sl.runID, run.Outcome{Reason: run.ReasonStopped, User: user})
	}

	s.slots.markStopping(jobID)
	fin, err := s.runs.FinalizeRun(ctx, sl.runID, run.Outcome{Reason: run.ReasonStopped, User: user})
	if err != nil {
		return nil, err
	}
	if sl.containerID != "" {
		if _, err := s.audit.Record(ctx, audit.Entry{
			Action:     audit.ActionContainerStop,
			TargetType: audit.TargetContainer,
			TargetID:   sl.containerID,
			Username:   user,
			After:      map[string]string{"runId": sl.runID, "jobId": jobID},
		}); err != nil {
			return nil, err
		}
	}
	if sl.phase == PhaseSupervising {
		s.stopContainer(jobID, sl.runID, sl.containerID)
	}
	if !fin.AlreadyFinal {
		s.finished(ctx, fin)
	}
	s.log.Info("Run stopped", "jobId", jobID, "runId", sl.runID, "user", user, "phase", sl.phase)
	return fin, nil
}

// stopUnsupervised finalizes a RUNNING run this scheduler does not
// supervise, such as one reported by job-reporter.
func (s *Scheduler) stopUnsupervised(ctx context.Context, jobID, user string) (*run.Finalized, error) {
	running, err := s.runs.List(ctx, store.RunFilter{JobID: jobID, Status: job.RunRunning, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(running) == 0 {
		if _, err := s.registry.GetJob(ctx, jobID); err != nil {
			return nil, err
		}
		return nil, apperrors.Conflict("job", jobID, "job is not running")
	}
	fin, err := s.runs.FinalizeRun(ctx, running[0].ID, run.Outcome{Reason: run.ReasonStopped, User: user})
	if err != nil {
		return nil, err
	}
	if !fin.AlreadyFinal {
		s.finished(ctx, fin)
	}
	return fin, nil
}

// skip records a due schedule that could not start because its job is busy.
func (s *Scheduler) skip(ctx context.Context, sc job.Schedule, reason string) error {
	s.cfg.Metrics.RecordScheduleSkipped(ctx)
	_, err := s.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionSkipped,
		TargetType: audit.TargetSchedule,
		TargetID:   sc.ID,
		After:      map[string]string{"jobId": sc.JobID, "cronExpression": sc.CronExpr},
		Message:    reason,
	})
	if err != nil {
		return err
	}
	s.publish(s.events.BuildSkipped(sc.ID, sc.JobID, reason))
	s.log.Info("Scheduled run skipped", "scheduleId", sc.ID, "jobId", sc.JobID, "reason", reason)
	return nil
}

// finished emits metrics and the terminal event of a run.
func (s *Scheduler) finished(ctx context.Context, fin *run.Finalized) {
	r := fin.Run
	s.cfg.Metrics.RecordRunFinished(ctx, string(r.Type), string(r.Status), string(fin.ErrorType), r.Duration().Seconds())
	s.publish(s.events.BuildFinished(&r, fin.ErrorType))
}

func (s *Scheduler) timeoutFor(j *job.Job) time.Duration {
	if j.TimeoutSeconds > 0 {
		return time.Duration(j.TimeoutSeconds) * time.Second
	}
	return s.cfg.MaxRuntime
}

// isBusy reports whether err means the job already has a run.
func isBusy(err error) bool {
	return errors.Is(err, apperrors.ErrAlreadyRunning)
}
