// Package scheduler is the orchestrator core. A single loop goroutine owns
// every dispatch decision: cron ticks, manual starts, stops, retries and
// the reports of the goroutines that start and supervise containers.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/audit"
	"jobctl/internal/cron"
	"jobctl/internal/job"
	"jobctl/internal/run"
	"jobctl/internal/runtime"
	"jobctl/pkg/cloudevent"
)

// Registry is the scheduler's read access to job definitions.
type Registry interface {
	GetJob(ctx context.Context, jobID string) (*job.Job, error)
	ActiveSchedules(ctx context.Context) ([]job.Schedule, error)
}

// Notifier receives run lifecycle events. Publish must not block.
type Notifier interface {
	Publish(ev *cloudevent.CloudEvent)
}

// Scheduler dispatches and supervises runs.
type Scheduler struct {
	cfg      Config
	rt       runtime.Runtime
	runs     *run.Tracker
	registry Registry
	cron     *cron.Engine
	audit    *audit.Recorder
	notifier Notifier
	events   *job.EventBuilder
	log      *slog.Logger

	msgs      chan message
	slots     *slotTable
	schedules map[string]job.Schedule // loop-owned

	// workers tracks start and supervise goroutines.
	workers  sync.WaitGroup
	workCtx  context.Context
	stopWork context.CancelFunc

	done    chan struct{}
	running sync.Once
	err     error // set before done is closed
}

// New creates a Scheduler. notifier may be nil.
func New(cfg Config, rt runtime.Runtime, runs *run.Tracker, reg Registry, engine *cron.Engine, rec *audit.Recorder, notifier Notifier) *Scheduler {
	cfg = cfg.withDefaults()
	workCtx, stopWork := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		rt:        rt,
		runs:      runs,
		registry:  reg,
		cron:      engine,
		audit:     rec,
		notifier:  notifier,
		events:    job.NewEventBuilder(cfg.EventSource),
		log:       cfg.Logger.With("component", "scheduler"),
		msgs:      make(chan message, cfg.QueueSize),
		slots:     newSlotTable(),
		schedules: make(map[string]job.Schedule),
		workCtx:   workCtx,
		stopWork:  stopWork,
		done:      make(chan struct{}),
	}
}

// Run processes ticks and messages until ctx is cancelled or a persistence
// failure makes further bookkeeping impossible. In the latter case it
// returns an error matching apperrors.ErrPersistence. Supervisors are
// cancelled on return; their runs stay RUNNING for the next Recover.
func (s *Scheduler) Run(ctx context.Context) error {
	started := false
	s.running.Do(func() { started = true })
	if !started {
		return apperrors.Internal("scheduler.run", errors.New("already running"))
	}

	ticks := s.cfg.ticks
	if ticks == nil {
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	s.log.Info("Scheduler started", "schedules", s.cron.Len(), "tickInterval", s.cfg.TickInterval)
	err := s.loop(ctx, ticks)

	s.err = err
	close(s.done)
	s.stopWork()
	s.slots.cancelAll()
	s.workers.Wait()
	s.failPending()

	if err != nil {
		s.log.Error("Scheduler stopped", "error", err)
		return err
	}
	s.log.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticks <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticks:
			if err := s.tick(ctx, now); err != nil {
				return err
			}
		case m := <-s.msgs:
			if err := m.handle(ctx, s); err != nil {
				return err
			}
		}
	}
}

// failPending answers commands still queued when the loop exits.
func (s *Scheduler) failPending() {
	for {
		select {
		case m := <-s.msgs:
			if c, ok := m.(command); ok {
				c.fail(s.unavailable())
			}
		default:
			return
		}
	}
}

func (s *Scheduler) unavailable() error {
	if s.err != nil {
		return apperrors.Unavailable("scheduler", s.err.Error())
	}
	return apperrors.Unavailable("scheduler", "shutting down")
}

// State returns the live dispatch state of jobID.
func (s *Scheduler) State(jobID string) JobState {
	return s.slots.state(jobID)
}

// Active returns the number of jobs currently dispatching or supervised.
func (s *Scheduler) Active() int {
	return s.slots.len()
}

// NextRun returns the next fire time of an active schedule.
func (s *Scheduler) NextRun(scheduleID string, after time.Time) (time.Time, bool) {
	return s.cron.Next(scheduleID, after)
}

// ScheduleChanged implements registry.ScheduleObserver.
func (s *Scheduler) ScheduleChanged(sc job.Schedule) {
	s.post(scheduleMsg{schedule: sc})
}

// ScheduleRemoved implements registry.ScheduleObserver.
func (s *Scheduler) ScheduleRemoved(scheduleID string) {
	s.post(scheduleMsg{schedule: job.Schedule{ID: scheduleID}, removed: true})
}

// post enqueues an internal message. It gives up once the loop has exited.
func (s *Scheduler) post(m message) {
	select {
	case s.msgs <- m:
	case <-s.done:
	}
}

// fatal reports whether err must stop the loop and logs it otherwise.
func (s *Scheduler) fatal(err error, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	if apperrors.IsFatal(err) {
		return err
	}
	s.log.Warn(msg, append(args, "error", err)...)
	return nil
}

func (s *Scheduler) publish(ev *cloudevent.CloudEvent) {
	if s.notifier != nil {
		s.notifier.Publish(ev)
	}
}
