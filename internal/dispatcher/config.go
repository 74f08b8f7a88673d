package dispatcher

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"jobctl/pkg/backoff"
)

// Delivery defaults that rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultInitialBackoff   = 100 * time.Millisecond
	defaultMaxBackoff       = 5 * time.Second
	defaultBackoffJitter    = 0.2
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
	defaultRateLimit        = rate.Limit(20)
	defaultRateBurst        = 10
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // pending events buffer (default: 1000)
	Workers     int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	UserAgent   string        // default: jobctl

	MaxRetries int            // retries after the first attempt (default: 3)
	Backoff    backoff.Config // delay between retries

	// RateLimit caps requests per second to a single destination host.
	RateLimit rate.Limit
	RateBurst int

	BreakerThreshold int
	BreakerCooldown  time.Duration

	Logger *slog.Logger
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "jobctl"
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = defaultInitialBackoff
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = defaultMaxBackoff
	}
	if c.Backoff.Jitter <= 0 {
		c.Backoff.Jitter = defaultBackoffJitter
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = defaultRateBurst
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
