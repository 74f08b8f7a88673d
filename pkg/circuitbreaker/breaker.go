// Package circuitbreaker implements the circuit breaker pattern.
//
// A breaker tracks consecutive failures against one destination and stops
// traffic to it for a cooldown once a threshold is crossed.
//
// States:
//   - Closed: requests allowed
//   - Open: too many failures, requests blocked
//   - HalfOpen: cooldown elapsed, a single probe request allowed
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Testing if recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateFunc is called after a breaker changes state. It runs without the
// breaker lock held.
type StateFunc func(key string, from, to State)

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold     int           // Failures before circuit opens (default: 5)
	Cooldown      time.Duration // Time before half-open (default: 30s)
	OnStateChange StateFunc     // optional
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern for a single destination.
type Breaker struct {
	key string
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool // a half-open probe is in flight
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	return newKeyed("", cfg)
}

func newKeyed(key string, cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{key: key, cfg: cfg, state: Closed}
}

// Allow returns true if a request should be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := true
	switch b.state {
	case Open:
		if time.Since(b.lastFailure) > b.cfg.Cooldown {
			b.state = HalfOpen
			b.probing = true
		} else {
			allowed = false
		}
	case HalfOpen:
		if b.probing {
			allowed = false
		} else {
			b.probing = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.transition(func() {
		b.failures = 0
		b.probing = false
		b.state = Closed
	})
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.transition(func() {
		b.failures++
		b.lastFailure = time.Now()
		b.probing = false
		if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
			b.state = Open
		}
	})
}

// Reset resets the breaker to closed state.
func (b *Breaker) Reset() {
	b.transition(func() {
		b.state = Closed
		b.failures = 0
		b.probing = false
	})
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) transition(fn func()) {
	b.mu.Lock()
	from := b.state
	fn()
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.key, from, to)
	}
}
