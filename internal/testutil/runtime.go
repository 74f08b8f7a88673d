package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/runtime"
)

// FakeRuntime is an in-memory runtime.Runtime and runtime.EventSource.
// Containers run until Exit or Stop is called.
type FakeRuntime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer
	started    []runtime.Spec
	subs       []fakeSub

	// StartErr, when set, is returned by Start.
	StartErr error
	// IgnoreStop makes Stop succeed without stopping the container.
	IgnoreStop bool
	// StopErr, when set, is returned by Stop.
	StopErr error
	// ReadyErr, when set, is returned by Ready.
	ReadyErr error
	// StopExitCode is the exit code of a stopped container (default 143).
	StopExitCode int
}

type fakeContainer struct {
	c       runtime.Container
	state   runtime.State
	logs    []runtime.LogLine
	done    chan struct{}
	stopped int
}

type fakeSub struct {
	ctx   context.Context
	label string
	ch    chan runtime.ExitEvent
}

// NewFakeRuntime creates an empty fake runtime.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{containers: make(map[string]*fakeContainer), StopExitCode: 143}
}

// Start records spec and creates a running container.
func (f *FakeRuntime) Start(ctx context.Context, spec runtime.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return "", apperrors.Adapter("fake.start", f.StartErr)
	}
	f.seq++
	id := fmt.Sprintf("fake-%d", f.seq)
	labels := map[string]string{runtime.LabelManagedBy: runtime.ManagedBy}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	f.containers[id] = &fakeContainer{
		c: runtime.Container{
			ID: id, Name: spec.Name, Image: spec.Image, State: "running",
			Labels: labels, Created: time.Now().UTC(),
		},
		state: runtime.State{Status: "running", Running: true, StartedAt: time.Now().UTC()},
		done:  make(chan struct{}),
	}
	f.started = append(f.started, spec)
	return id, nil
}

// Add registers an existing container, e.g. one that survived a restart.
func (f *FakeRuntime) Add(c runtime.Container, running bool, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc := &fakeContainer{c: c, done: make(chan struct{})}
	if running {
		fc.c.State = "running"
		fc.state = runtime.State{Status: "running", Running: true}
	} else {
		fc.c.State = "exited"
		fc.state = runtime.State{Status: "exited", ExitCode: exitCode, FinishedAt: time.Now().UTC()}
		close(fc.done)
	}
	f.containers[c.ID] = fc
}

// SetLogs sets the output returned by Logs for id.
func (f *FakeRuntime) SetLogs(id string, lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fc, ok := f.containers[id]; ok {
		fc.logs = fc.logs[:0]
		for _, l := range lines {
			fc.logs = append(fc.logs, runtime.LogLine{Timestamp: time.Now().UTC(), Stream: "stdout", Message: l})
		}
	}
}

// Exit makes a running container exit with code and notifies subscribers.
func (f *FakeRuntime) Exit(id string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitLocked(id, code)
}

func (f *FakeRuntime) exitLocked(id string, code int) {
	fc, ok := f.containers[id]
	if !ok || !fc.state.Running {
		return
	}
	now := time.Now().UTC()
	fc.state.Running = false
	fc.state.Status = "exited"
	fc.state.ExitCode = code
	fc.state.FinishedAt = now
	fc.c.State = "exited"
	close(fc.done)

	ev := runtime.ExitEvent{ContainerID: id, Name: fc.c.Name, Image: fc.c.Image, ExitCode: code, Labels: fc.c.Labels, At: now}
	for _, s := range f.subs {
		if !matchLabel(fc.c.Labels, s.label) || s.ctx.Err() != nil {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Remove deletes a container as if it had been garbage collected.
func (f *FakeRuntime) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
}

// Stop exits the container with StopExitCode unless IgnoreStop is set.
func (f *FakeRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StopErr != nil {
		return apperrors.Adapter("fake.stop", f.StopErr)
	}
	fc, ok := f.containers[id]
	if !ok {
		return apperrors.Adapter("fake.stop", runtime.ErrNotFound)
	}
	fc.stopped++
	if !f.IgnoreStop {
		f.exitLocked(id, f.StopExitCode)
	}
	return nil
}

// Inspect returns the container state.
func (f *FakeRuntime) Inspect(ctx context.Context, id string) (runtime.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc, ok := f.containers[id]
	if !ok {
		return runtime.State{}, apperrors.Adapter("fake.inspect", runtime.ErrNotFound)
	}
	return fc.state, nil
}

// Wait blocks until the container exits or ctx is done.
func (f *FakeRuntime) Wait(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	fc, ok := f.containers[id]
	f.mu.Unlock()
	if !ok {
		return -1, apperrors.Adapter("fake.wait", runtime.ErrNotFound)
	}
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-fc.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return fc.state.ExitCode, nil
	}
}

// Logs returns the lines set with SetLogs.
func (f *FakeRuntime) Logs(ctx context.Context, id string, opts runtime.LogOptions) ([]runtime.LogLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc, ok := f.containers[id]
	if !ok {
		return nil, apperrors.Adapter("fake.logs", runtime.ErrNotFound)
	}
	lines := append([]runtime.LogLine(nil), fc.logs...)
	if opts.Tail > 0 && len(lines) > opts.Tail {
		lines = lines[len(lines)-opts.Tail:]
	}
	return lines, nil
}

// List returns every known container.
func (f *FakeRuntime) List(ctx context.Context) ([]runtime.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtime.Container, 0, len(f.containers))
	for _, fc := range f.containers {
		out = append(out, fc.c)
	}
	return out, nil
}

// Ready returns ReadyErr.
func (f *FakeRuntime) Ready(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ReadyErr
}

// Exits subscribes to exit events of containers matching label.
func (f *FakeRuntime) Exits(ctx context.Context, label string) (<-chan runtime.ExitEvent, <-chan error) {
	ch := make(chan runtime.ExitEvent, 16)
	f.mu.Lock()
	f.subs = append(f.subs, fakeSub{ctx: ctx, label: label, ch: ch})
	f.mu.Unlock()
	return ch, make(chan error)
}

// Subscribers returns the number of live Exits subscriptions.
func (f *FakeRuntime) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if s.ctx.Err() == nil {
			n++
		}
	}
	return n
}

// Started returns the specs passed to Start, in order.
func (f *FakeRuntime) Started() []runtime.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.Spec(nil), f.started...)
}

// StopCalls returns how often Stop was called for id.
func (f *FakeRuntime) StopCalls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fc, ok := f.containers[id]; ok {
		return fc.stopped
	}
	return 0
}

// RunningIDs returns the ids of running containers.
func (f *FakeRuntime) RunningIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, fc := range f.containers {
		if fc.state.Running {
			ids = append(ids, id)
		}
	}
	return ids
}

func matchLabel(labels map[string]string, filter string) bool {
	key, value, hasValue := strings.Cut(filter, "=")
	v, ok := labels[key]
	if !ok {
		return false
	}
	return !hasValue || v == value
}

var (
	_ runtime.Runtime     = (*FakeRuntime)(nil)
	_ runtime.EventSource = (*FakeRuntime)(nil)
)
