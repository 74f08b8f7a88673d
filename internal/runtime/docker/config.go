package docker

import (
	"log/slog"
	"time"

	"jobctl/internal/observability"
)

// Config holds configuration for the Docker runtime.
type Config struct {
	RetentionPeriod     time.Duration          // How long exited containers are kept (default 15m)
	MaintenanceInterval time.Duration          // How often to remove expired containers (default 1m)
	Network             string                 // Network mode for job containers (default: daemon default)
	ExtraHosts          []string               // Extra /etc/hosts entries (e.g., ["db.internal:host-gateway"])
	PullTimeout         time.Duration          // Ceiling for an image pull (default 5m)
	Metrics             *observability.Metrics // optional
	Logger              *slog.Logger           // optional
}

func (c *Config) withDefaults() {
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 15 * time.Minute
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Minute
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
