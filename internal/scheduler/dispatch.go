package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobctl/internal/audit"
	"jobctl/internal/job"
	"jobctl/internal/run"
	"jobctl/internal/runtime"
)

// tick starts the runs of every schedule due at now.
func (s *Scheduler) tick(ctx context.Context, now time.Time) error {
	for _, id := range s.cron.Tick(now) {
		sc, ok := s.schedules[id]
		if !ok {
			s.cron.Remove(id)
			continue
		}
		s.cfg.Metrics.RecordScheduleFired(ctx)

		if s.slots.busy(sc.JobID) {
			if err := s.fatal(s.skip(ctx, sc, "job is already running"), "Failed to record skip", "scheduleId", id); err != nil {
				return err
			}
			continue
		}
		_, err := s.start(ctx, startRequest{
			jobID:      sc.JobID,
			user:       job.SystemUser,
			runType:    job.RunScheduled,
			scheduleID: sc.ID,
		})
		if isBusy(err) {
			err = s.skip(ctx, sc, "job has a run in progress")
		}
		if err := s.fatal(err, "Scheduled start failed", "scheduleId", id, "jobId", sc.JobID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) applySchedule(sc job.Schedule, removed bool) {
	if removed || !sc.Active {
		delete(s.schedules, sc.ID)
		s.cron.Remove(sc.ID)
		return
	}
	if err := s.cron.Set(sc.ID, sc.CronExpr); err != nil {
		s.log.Warn("Ignoring invalid schedule", "scheduleId", sc.ID, "error", err)
		return
	}
	s.schedules[sc.ID] = sc
}

// dispatch starts the container of r off the loop and reports back.
func (s *Scheduler) dispatch(j *job.Job, r *job.Run) {
	defer s.workers.Done()
	id, err := s.rt.Start(s.workCtx, runtime.Spec{
		Name:    containerName(j.Name, r.ID),
		Image:   j.Image,
		Command: j.Command,
		Env:     j.Environment,
		Labels: map[string]string{
			runtime.LabelJobID: j.ID,
			runtime.LabelRunID: r.ID,
		},
	})
	s.post(startedMsg{jobID: j.ID, runID: r.ID, containerID: id, err: err})
}

func (s *Scheduler) onStarted(ctx context.Context, m startedMsg) error {
	sl, ok := s.slots.get(m.jobID)
	if !ok || sl.runID != m.runID {
		// The run was released while starting; nothing supervises it.
		if m.err == nil {
			s.stopContainer(m.jobID, m.runID, m.containerID)
		}
		return nil
	}

	if m.err != nil {
		s.slots.release(m.jobID)
		s.cfg.Metrics.RecordRuntimeError(ctx, "start")
		s.log.Warn("Container failed to start", "jobId", m.jobID, "runId", m.runID, "error", m.err)
		fin, err := s.runs.FinalizeRun(ctx, m.runID, run.Outcome{Reason: run.ReasonStartFailed, Message: m.err.Error()})
		if err != nil {
			return s.fatal(err, "Failed to finalize run", "runId", m.runID)
		}
		if !fin.AlreadyFinal {
			s.finished(ctx, fin)
		}
		return nil
	}

	if err := s.runs.AttachContainer(ctx, m.runID, m.containerID); err != nil {
		if err := s.fatal(err, "Failed to attach container", "runId", m.runID); err != nil {
			return err
		}
	}
	if _, err := s.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionContainerStart,
		TargetType: audit.TargetContainer,
		TargetID:   m.containerID,
		After:      map[string]string{"runId": m.runID, "jobId": m.jobID},
	}); err != nil {
		if err := s.fatal(err, "Failed to audit container start", "runId", m.runID); err != nil {
			return err
		}
	}

	s.supervise(m.jobID, m.runID, m.containerID, sl.timeout)
	s.log.Info("Container started", "jobId", m.jobID, "runId", m.runID, "containerId", m.containerID)
	if sl.stopping {
		s.stopContainer(m.jobID, m.runID, m.containerID)
	}
	return nil
}

// supervise commits the slot and waits for the container in a goroutine.
func (s *Scheduler) supervise(jobID, runID, containerID string, timeout time.Duration) {
	ctx, cancel := context.WithCancel(s.workCtx)
	s.slots.commit(jobID, containerID, cancel)
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		defer cancel()
		o, ok := s.await(ctx, runID, containerID, timeout)
		if !ok {
			return
		}
		s.post(exitedMsg{jobID: jobID, runID: runID, outcome: o})
	}()
}

// await waits for the container to exit within timeout and builds the
// outcome. It reports false when supervision was cancelled.
func (s *Scheduler) await(ctx context.Context, runID, containerID string, timeout time.Duration) (run.Outcome, bool) {
	waitCtx, cancelWait := context.WithTimeout(ctx, timeout)
	code, err := s.rt.Wait(waitCtx, containerID)
	timedOut := errors.Is(waitCtx.Err(), context.DeadlineExceeded)
	cancelWait()

	var o run.Outcome
	switch {
	case err == nil:
		o = run.Outcome{ExitCode: code}
	case ctx.Err() != nil:
		return o, false
	case timedOut:
		s.log.Warn("Run exceeded maximum runtime", "runId", runID, "containerId", containerID, "timeout", timeout)
		o = run.Outcome{
			Reason:   run.ReasonTimeout,
			ExitCode: s.forceStop(ctx, containerID),
			Message:  fmt.Sprintf("exceeded maximum runtime of %s", timeout),
		}
	default:
		s.cfg.Metrics.RecordRuntimeError(ctx, "wait")
		o = run.Outcome{Reason: run.ReasonOrphaned, Message: "lost track of container: " + err.Error()}
	}
	o.Logs = s.snapshotLogs(ctx, containerID)
	return o, true
}

// forceStop stops a container that outlived its run and returns its exit
// code, or run.ExitStopped when the runtime cannot tell.
func (s *Scheduler) forceStop(ctx context.Context, containerID string) int {
	if err := s.rt.Stop(ctx, containerID, s.cfg.StopGrace); err != nil {
		s.cfg.Metrics.RecordRuntimeError(ctx, "stop")
		s.log.Warn("Failed to stop timed out container", "containerId", containerID, "error", err)
		return run.ExitStopped
	}
	st, err := s.rt.Inspect(ctx, containerID)
	if err != nil || st.Running {
		return run.ExitStopped
	}
	return st.ExitCode
}

func (s *Scheduler) snapshotLogs(ctx context.Context, containerID string) string {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	lines, err := s.rt.Logs(ctx, containerID, runtime.LogOptions{Tail: s.cfg.LogTail})
	if err != nil {
		s.log.Debug("No logs captured", "containerId", containerID, "error", err)
		return ""
	}
	return runtime.JoinLogs(lines)
}

func (s *Scheduler) onExited(ctx context.Context, m exitedMsg) error {
	if sl, ok := s.slots.get(m.jobID); ok && sl.runID == m.runID {
		s.slots.release(m.jobID)
	}
	fin, err := s.runs.FinalizeRun(ctx, m.runID, m.outcome)
	if err != nil {
		return s.fatal(err, "Failed to finalize run", "runId", m.runID)
	}
	if fin.AlreadyFinal {
		// Stopped runs are finalized before the container exits.
		return s.fatal(s.runs.SaveLogs(ctx, m.runID, m.outcome.Logs), "Failed to save logs", "runId", m.runID)
	}
	s.finished(ctx, fin)
	return nil
}

// stopConfirmSlack bounds how long a stop may take beyond its grace period.
const stopConfirmSlack = 10 * time.Second

var errStillRunning = errors.New("container still running after stop")

// stopContainer asks the runtime to stop a container in the background and
// checks that it is gone. A container that outlives the stop is reported
// with its logs so the job can be released.
func (s *Scheduler) stopContainer(jobID, runID, containerID string) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		ctx, cancel := context.WithTimeout(s.workCtx, s.cfg.StopGrace+stopConfirmSlack)
		defer cancel()
		m := stopDoneMsg{jobID: jobID, runID: runID}
		m.err = s.rt.Stop(ctx, containerID, s.cfg.StopGrace)
		if m.err == nil {
			if st, err := s.rt.Inspect(ctx, containerID); err == nil && st.Running {
				m.err = errStillRunning
			}
		}
		if m.err != nil && s.workCtx.Err() == nil {
			m.logs = s.snapshotLogs(s.workCtx, containerID)
		}
		s.post(m)
	}()
}

func (s *Scheduler) onStopDone(ctx context.Context, m stopDoneMsg) error {
	if m.err == nil {
		return nil
	}
	s.cfg.Metrics.RecordRuntimeError(ctx, "stop")
	s.log.Warn("Runtime could not confirm stop", "jobId", m.jobID, "runId", m.runID, "error", m.err)
	// The run is already final; stop supervising so the job frees up.
	if sl, ok := s.slots.get(m.jobID); ok && sl.runID == m.runID {
		if released, _ := s.slots.release(m.jobID); released != nil && released.cancel != nil {
			released.cancel()
		}
	}
	return s.fatal(s.runs.SaveLogs(ctx, m.runID, m.logs), "Failed to save logs", "runId", m.runID)
}

// containerName builds a readable, unique docker container name.
func containerName(jobName, runID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		case r == ' ':
			return '-'
		}
		return -1
	}, jobName)
	if len(clean) > 40 {
		clean = clean[:40]
	}
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	if clean == "" {
		return "jobctl-" + short
	}
	return "jobctl-" + clean + "-" + short
}
