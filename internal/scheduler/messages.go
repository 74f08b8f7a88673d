package scheduler

import (
	"context"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
	"jobctl/internal/run"
)

// message is handled on the loop goroutine. A non-nil error stops the loop.
type message interface {
	handle(ctx context.Context, s *Scheduler) error
}

// command is a message with a caller waiting for the reply.
type command interface {
	message
	fail(err error)
}

type startCmd struct {
	req   startRequest
	reply chan result[*job.Run]
}

func (c startCmd) handle(ctx context.Context, s *Scheduler) error {
	r, err := s.start(ctx, c.req)
	c.reply <- result[*job.Run]{r, err}
	return fatalOnly(err)
}

func (c startCmd) fail(err error) { c.reply <- result[*job.Run]{err: err} }

type retryCmd struct {
	runID string
	user  string
	reply chan result[*job.Run]
}

func (c retryCmd) handle(ctx context.Context, s *Scheduler) error {
	r, err := s.retry(ctx, c.runID, c.user)
	c.reply <- result[*job.Run]{r, err}
	return fatalOnly(err)
}

func (c retryCmd) fail(err error) { c.reply <- result[*job.Run]{err: err} }

type stopCmd struct {
	jobID string
	user  string
	reply chan result[*run.Finalized]
}

func (c stopCmd) handle(ctx context.Context, s *Scheduler) error {
	fin, err := s.stop(ctx, c.jobID, c.user)
	c.reply <- result[*run.Finalized]{fin, err}
	return fatalOnly(err)
}

func (c stopCmd) fail(err error) { c.reply <- result[*run.Finalized]{err: err} }

// startedMsg reports the outcome of a container start.
type startedMsg struct {
	jobID       string
	runID       string
	containerID string
	err         error
}

func (m startedMsg) handle(ctx context.Context, s *Scheduler) error {
	return s.onStarted(ctx, m)
}

// exitedMsg reports that a supervised run ended.
type exitedMsg struct {
	jobID   string
	runID   string
	outcome run.Outcome
}

func (m exitedMsg) handle(ctx context.Context, s *Scheduler) error {
	return s.onExited(ctx, m)
}

// stopDoneMsg reports the result of a stop request sent to the runtime.
type stopDoneMsg struct {
	jobID string
	runID string
	err   error
	logs  string // snapshot taken when the stop was not confirmed
}

func (m stopDoneMsg) handle(ctx context.Context, s *Scheduler) error {
	return s.onStopDone(ctx, m)
}

// scheduleMsg keeps the cron set in sync with the registry.
type scheduleMsg struct {
	schedule job.Schedule
	removed  bool
}

func (m scheduleMsg) handle(ctx context.Context, s *Scheduler) error {
	s.applySchedule(m.schedule, m.removed)
	return nil
}

func fatalOnly(err error) error {
	if apperrors.IsFatal(err) {
		return err
	}
	return nil
}
