//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"jobctl/internal/api"
	"jobctl/internal/audit"
	"jobctl/internal/cron"
	"jobctl/internal/dispatcher"
	"jobctl/internal/health"
	"jobctl/internal/monitor"
	"jobctl/internal/registry"
	"jobctl/internal/run"
	"jobctl/internal/runtime/docker"
	"jobctl/internal/scheduler"
	"jobctl/internal/store"
	"jobctl/internal/testutil"
	"jobctl/internal/users"
)

// stack is a complete jobctld wired to the local Docker daemon and a
// temporary SQLite database.
type stack struct {
	URL        string
	rt         *docker.Client
	dispatcher *dispatcher.MemoryDispatcher
}

type stackOptions struct {
	webhooks   []dispatcher.Target
	maxRuntime time.Duration
}

func newStack(tb testing.TB, opts stackOptions) *stack {
	tb.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	log := testutil.Logger()

	st, err := store.Open(ctx, store.Config{DSN: filepath.Join(tb.TempDir(), "jobctl.db")}, log)
	if err != nil {
		tb.Fatalf("Failed to open store: %v", err)
	}
	rt, err := docker.New(docker.Config{RetentionPeriod: 5 * time.Minute, Logger: log})
	if err != nil {
		tb.Fatalf("Failed to create Docker runtime: %v", err)
	}

	rec := audit.NewRecorder(st, log)
	reg := registry.New(st, rec, log)
	runs := run.NewTracker(st, rec, log)
	d := dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 1000, Workers: 4, Logger: log}, nil)

	var notifier scheduler.Notifier
	if len(opts.webhooks) > 0 {
		notifier = dispatcher.NewWebhooks(d, opts.webhooks, "e2e-key", log)
	}
	sched := scheduler.New(scheduler.Config{
		TickInterval: 200 * time.Millisecond,
		MaxRuntime:   opts.maxRuntime,
		StopGrace:    2 * time.Second,
		Hostname:     "e2e",
		Logger:       log,
	}, rt, runs, reg, cron.New(cron.Options{Location: time.UTC}), rec, notifier)
	reg.Observe(sched)
	if err := sched.Recover(ctx); err != nil {
		tb.Fatalf("Recover failed: %v", err)
	}
	mon := monitor.New(monitor.Config{Hostname: "e2e", Logger: log}, rt, reg, sched, rec)

	done := make(chan struct{}, 2)
	go func() { _ = sched.Run(ctx); done <- struct{}{} }()
	go func() { _ = mon.Run(ctx); done <- struct{}{} }()

	router := api.NewRouter(api.RouterConfig{Deps: api.Deps{
		Registry:   reg,
		Scheduler:  sched,
		Runs:       runs,
		Audit:      rec,
		Runtime:    rt,
		Users:      users.New(st, rec, users.DefaultPasswd, log),
		Health:     health.NewChecker(health.Check{Name: "store", Probe: health.ReadyFunc(st.Ping)}, health.Check{Name: "docker", Probe: rt}),
		Dispatcher: d,
		Logger:     log,
	}})
	server := httptest.NewServer(router)

	tb.Cleanup(func() {
		server.Close()
		cancel()
		<-done
		<-done
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = d.Close(closeCtx)
		_ = rt.Close()
		_ = st.Close()
	})
	return &stack{URL: server.URL, rt: rt, dispatcher: d}
}

// call sends a JSON request and decodes the response into out.
func (s *stack) call(tb testing.TB, method, path string, body, out any) int {
	tb.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		tb.Fatalf("Failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(api.UserHeader, "e2e")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		tb.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			tb.Fatalf("Failed to decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}
