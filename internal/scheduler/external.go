package scheduler

import (
	"context"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
	"jobctl/internal/run"
)

// BeginExternal opens a MONITORED run for an execution the scheduler did
// not start, such as a job-reporter command or a tracked container. The
// run is tied to containerID when one is given.
func (s *Scheduler) BeginExternal(ctx context.Context, req run.BeginRequest, containerID string) (*job.Run, error) {
	reply := make(chan result[*job.Run], 1)
	return call(ctx, s, beginExternalCmd{req: req, containerID: containerID, reply: reply}, reply)
}

// CompleteExternal finalizes a MONITORED run with the outcome its reporter
// observed. Runs of any other type are owned by the scheduler and rejected.
func (s *Scheduler) CompleteExternal(ctx context.Context, runID string, o run.Outcome) (*run.Finalized, error) {
	reply := make(chan result[*run.Finalized], 1)
	return call(ctx, s, completeExternalCmd{runID: runID, outcome: o, reply: reply}, reply)
}

func (s *Scheduler) beginExternal(ctx context.Context, req run.BeginRequest, containerID string) (*job.Run, error) {
	if s.slots.busy(req.JobID) {
		return nil, apperrors.AlreadyRunning(req.JobID)
	}
	req.Type = job.RunMonitored
	r, err := s.runs.BeginRun(ctx, req)
	if err != nil {
		return nil, err
	}
	if containerID != "" {
		if err := s.runs.AttachContainer(ctx, r.ID, containerID); err != nil {
			return nil, err
		}
		r.ContainerID = containerID
	}
	s.cfg.Metrics.RecordRunStarted(ctx, string(r.Type))
	s.publish(s.events.BuildStarted(r))
	return r, nil
}

func (s *Scheduler) completeExternal(ctx context.Context, runID string, o run.Outcome) (*run.Finalized, error) {
	current, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current.Type != job.RunMonitored {
		return nil, apperrors.Conflict("run", runID, "only MONITORED runs can be completed by a reporter")
	}
	fin, err := s.runs.FinalizeRun(ctx, runID, o)
	if err != nil {
		return nil, err
	}
	if !fin.AlreadyFinal {
		s.finished(ctx, fin)
	}
	return fin, nil
}

type beginExternalCmd struct {
	req         run.BeginRequest
	containerID string
	reply       chan result[*job.Run]
}

func (c beginExternalCmd) handle(ctx context.Context, s *Scheduler) error {
	r, err := s.beginExternal(ctx, c.req, c.containerID)
	c.reply <- result[*job.Run]{r, err}
	return fatalOnly(err)
}

func (c beginExternalCmd) fail(err error) { c.reply <- result[*job.Run]{err: err} }

type completeExternalCmd struct {
	runID   string
	outcome run.Outcome
	reply   chan result[*run.Finalized]
}

func (c completeExternalCmd) handle(ctx context.Context, s *Scheduler) error {
	fin, err := s.completeExternal(ctx, c.runID, c.outcome)
	c.reply <- result[*run.Finalized]{fin, err}
	return fatalOnly(err)
}

func (c completeExternalCmd) fail(err error) { c.reply <- result[*run.Finalized]{err: err} }
