// Package monitor records containers started outside jobctl. Containers
// carrying the track label are registered as MONITORED runs when they exit.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/audit"
	"jobctl/internal/job"
	"jobctl/internal/registry"
	"jobctl/internal/run"
	"jobctl/internal/runtime"
	"jobctl/pkg/backoff"
)

// Label keys read from tracked containers.
const (
	LabelUser = "jobctl.user"
	LabelName = "jobctl.name"
)

// Source is the part of the container runtime the monitor needs.
type Source interface {
	runtime.EventSource
	Logs(ctx context.Context, containerID string, opts runtime.LogOptions) ([]runtime.LogLine, error)
}

// Runs opens and finalizes MONITORED runs. The scheduler implements it so
// run transitions stay on its loop.
type Runs interface {
	BeginExternal(ctx context.Context, req run.BeginRequest, containerID string) (*job.Run, error)
	CompleteExternal(ctx context.Context, runID string, o run.Outcome) (*run.Finalized, error)
}

// Config for a Monitor.
type Config struct {
	Label    string // default: jobctl.track=true
	Hostname string
	LogTail  int            // default: 500
	Backoff  backoff.Config // reconnect delay
	Logger   *slog.Logger
}

// Monitor turns exit events of tracked containers into finalized runs.
type Monitor struct {
	cfg   Config
	src   Source
	reg   *registry.Registry
	runs  Runs
	audit *audit.Recorder
	log   *slog.Logger
}

// New creates a Monitor.
func New(cfg Config, src Source, reg *registry.Registry, runs Runs, rec *audit.Recorder) *Monitor {
	if cfg.Label == "" {
		cfg.Label = runtime.LabelTrack + "=true"
	}
	if cfg.LogTail <= 0 {
		cfg.LogTail = 500
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{cfg: cfg, src: src, reg: reg, runs: runs, audit: rec, log: cfg.Logger.With("component", "monitor")}
}

// Run consumes exit events until ctx is cancelled, resubscribing with
// backoff when the stream fails. Persistence failures end it.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("Monitor started", "label", m.cfg.Label)
	attempt := 0
	for {
		err := m.consume(ctx, &attempt)
		if ctx.Err() != nil {
			m.log.Info("Monitor stopped")
			return nil
		}
		if apperrors.IsFatal(err) {
			return err
		}
		attempt++
		m.log.Warn("Event stream interrupted, reconnecting", "attempt", attempt, "error", err)
		if err := backoff.Wait(ctx, attempt, &m.cfg.Backoff); err != nil {
			m.log.Info("Monitor stopped")
			return nil
		}
	}
}

func (m *Monitor) consume(ctx context.Context, attempt *int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, errs := m.src.Exits(ctx, m.cfg.Label)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			if err == nil {
				err = errors.New("event stream closed")
			}
			return err
		case ev, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}
			*attempt = 0
			if _, err := m.Record(ctx, ev); err != nil {
				if apperrors.IsFatal(err) {
					return err
				}
				m.log.Warn("Failed to record container exit", "containerId", ev.ContainerID, "error", err)
			}
		}
	}
}

// Record registers ev as a MONITORED run of the job named after the
// container and finalizes it with the exit code and a log snapshot.
// Containers started by the scheduler are ignored and return nil.
func (m *Monitor) Record(ctx context.Context, ev runtime.ExitEvent) (*run.Finalized, error) {
	if ev.Labels[runtime.LabelRunID] != "" {
		return nil, nil
	}
	name := jobName(ev)
	user := ev.Labels[LabelUser]

	j, _, err := m.reg.AutoRegister(ctx, registry.AutoRegisterRequest{
		Name:        name,
		Image:       ev.Image,
		User:        user,
		Hostname:    m.cfg.Hostname,
		ContainerID: ev.ContainerID,
		Description: "container monitored on " + m.cfg.Hostname,
	})
	if err != nil {
		return nil, err
	}

	r, err := m.runs.BeginExternal(ctx, run.BeginRequest{
		JobID:    j.ID,
		User:     user,
		Hostname: m.cfg.Hostname,
	}, ev.ContainerID)
	if err != nil {
		return nil, err
	}

	logs := m.snapshot(ctx, ev.ContainerID)
	fin, err := m.runs.CompleteExternal(ctx, r.ID, run.Outcome{ExitCode: ev.ExitCode, Logs: logs})
	if err != nil {
		return nil, err
	}

	tail, _ := run.TailBytes(logs, audit.MaxMessageBytes)
	if _, err := m.audit.Record(ctx, audit.Entry{
		Action:     audit.ActionContainerLogs,
		TargetType: audit.TargetContainer,
		TargetID:   ev.ContainerID,
		Username:   fin.Run.User,
		After:      map[string]any{"runId": r.ID, "jobId": j.ID, "exitCode": ev.ExitCode},
		ErrorType:  fin.ErrorType,
		Message:    tail,
	}); err != nil {
		return nil, err
	}

	m.log.Info("Monitored container recorded",
		"containerId", ev.ContainerID, "jobId", j.ID, "runId", r.ID, "exitCode", ev.ExitCode)
	return fin, nil
}

func (m *Monitor) snapshot(ctx context.Context, containerID string) string {
	lines, err := m.src.Logs(ctx, containerID, runtime.LogOptions{Tail: m.cfg.LogTail})
	if err != nil {
		m.log.Debug("Logs unavailable", "containerId", containerID, "error", err)
		return ""
	}
	return runtime.JoinLogs(lines)
}

// jobName prefers the explicit name label, then the container name.
func jobName(ev runtime.ExitEvent) string {
	if n := strings.TrimSpace(ev.Labels[LabelName]); n != "" {
		return n
	}
	if n := strings.TrimPrefix(ev.Name, "/"); n != "" {
		return n
	}
	return ev.ContainerID
}
