package scheduler

import (
	"log/slog"
	"time"

	"jobctl/internal/observability"
)

// Config configures a Scheduler. Zero values use defaults.
type Config struct {
	TickInterval time.Duration // default: 1s
	MaxRuntime   time.Duration // default: 1h, overridden per job by timeoutSeconds
	StopGrace    time.Duration // default: 10s
	QueueSize    int           // default: 256
	LogTail      int           // lines snapshotted at finalization (default: 500)
	Hostname     string        // recorded on runs the scheduler starts
	EventSource  string        // CloudEvents source attribute (default: "jobctl")

	Metrics *observability.Metrics
	Logger  *slog.Logger

	// ticks replaces the ticker; tests drive the clock through it.
	ticks <-chan time.Time
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.MaxRuntime <= 0 {
		c.MaxRuntime = time.Hour
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.LogTail <= 0 {
		c.LogTail = 500
	}
	if c.EventSource == "" {
		c.EventSource = "jobctl"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
