// Package cron evaluates cron expressions against a second-resolution clock.
//
// The Engine is trigger-only: it answers which schedules are due for a given
// instant and keeps no backlog. Dispatch belongs to the caller.
package cron

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobctl/internal/apperrors"
)

// DefaultMaxCatchUp bounds how far back a Tick looks for missed fire times.
const DefaultMaxCatchUp = time.Minute

// parser accepts both 6-field (with seconds) and classic 5-field specs,
// plus descriptors such as @every 30s and @daily.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Options configures an Engine. Zero values use defaults.
type Options struct {
	Location   *time.Location // default: time.Local
	MaxCatchUp time.Duration  // default: DefaultMaxCatchUp
}

// Engine holds the active cron set. It is safe for concurrent use.
type Engine struct {
	loc        *time.Location
	maxCatchUp time.Duration

	mu        sync.Mutex
	schedules map[string]*entry
	last      time.Time
}

type entry struct {
	expr  string
	sched cron.Schedule
	next  time.Time // zero until the first Tick after Set
}

// New creates an empty Engine.
func New(opts Options) *Engine {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxCatchUp <= 0 {
		opts.MaxCatchUp = DefaultMaxCatchUp
	}
	return &Engine{
		loc:        opts.Location,
		maxCatchUp: opts.MaxCatchUp,
		schedules:  make(map[string]*entry),
	}
}

// Validate parses expr and returns a validation error when it is malformed.
func Validate(expr string) error {
	_, err := parse(expr)
	return err
}

func parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, apperrors.Validation("cronExpression", "cron expression is required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, apperrors.Validation("cronExpression", fmt.Sprintf("invalid cron expression %q: %v", expr, err))
	}
	return sched, nil
}

// Set adds or replaces the schedule registered under id.
func (e *Engine) Set(id, expr string) error {
	sched, err := parse(expr)
	if err != nil {
		return err
	}
	expr = strings.TrimSpace(expr)
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.schedules[id]; ok && cur.expr == expr {
		return nil
	}
	e.schedules[id] = &entry{expr: expr, sched: sched}
	return nil
}

// Remove drops id from the active set. Unknown ids are ignored.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	delete(e.schedules, id)
	e.mu.Unlock()
}

// Len returns the number of active schedules.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.schedules)
}

// Next returns the next fire time of id after t. Once the engine has
// ticked it reports the pending fire time, which matters for @every specs.
func (e *Engine) Next(id string, t time.Time) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.schedules[id]
	if !ok {
		return time.Time{}, false
	}
	if !en.next.IsZero() && en.next.After(t) {
		return en.next, true
	}
	return en.sched.Next(t.In(e.loc)), true
}

// NextFor computes the next fire time of expr after t without registering it.
func (e *Engine) NextFor(expr string, t time.Time) (time.Time, error) {
	sched, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t.In(e.loc)), nil
}

// Tick returns the ids of schedules due at now, sorted. A schedule is due
// when its pending fire time has arrived. Fire times missed by less than
// MaxCatchUp are coalesced into a single trigger; older ones are dropped
// unless now is itself a fire time. A schedule registered since the last
// Tick only fires for the current second, never for the past. Evaluating
// the same second twice yields nothing the second time.
func (e *Engine) Tick(now time.Time) []string {
	now = now.In(e.loc).Truncate(time.Second)
	prev := now.Add(-time.Second)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.last.IsZero() && !now.After(e.last) {
		return nil
	}
	e.last = now

	var due []string
	for id, en := range e.schedules {
		if en.next.IsZero() {
			en.next = en.sched.Next(prev)
		}
		if en.next.After(now) {
			continue
		}
		if now.Sub(en.next) <= e.maxCatchUp || en.sched.Next(prev).Equal(now) {
			due = append(due, id)
		}
		en.next = en.sched.Next(now)
	}
	slices.Sort(due)
	return due
}
