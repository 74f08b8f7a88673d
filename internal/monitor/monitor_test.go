package monitor

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"jobctl/internal/apperrors"
	"jobctl/internal/audit"
	"jobctl/internal/cron"
	"jobctl/internal/job"
	"jobctl/internal/registry"
	"jobctl/internal/run"
	"jobctl/internal/runtime"
	"jobctl/internal/scheduler"
	"jobctl/internal/store"
	"jobctl/internal/testutil"
	"jobctl/pkg/cloudevent"
)

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) Publish(ev *cloudevent.CloudEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, ev.Type)
}

func (l *eventLog) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.types)
}

type fixture struct {
	mon    *Monitor
	rt     *testutil.FakeRuntime
	st     *store.Store
	reg    *registry.Registry
	runs   *run.Tracker
	audit  *audit.Recorder
	events *eventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := testutil.NewStore(t)
	rec := audit.NewRecorder(st, testutil.Logger())
	reg := registry.New(st, rec, testutil.Logger())
	runs := run.NewTracker(st, rec, testutil.Logger())
	rt := testutil.NewFakeRuntime()
	events := &eventLog{}

	sched := scheduler.New(scheduler.Config{TickInterval: time.Hour, Logger: testutil.Logger()},
		rt, runs, reg, cron.New(cron.Options{Location: time.UTC}), rec, events)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = sched.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	mon := New(Config{Hostname: "host-1", Logger: testutil.Logger()}, rt, reg, sched, rec)
	return &fixture{mon: mon, rt: rt, st: st, reg: reg, runs: runs, audit: rec, events: events}
}

func TestRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.rt.Add(runtime.Container{ID: "ext-1", Name: "/nightly-report", Image: "report:1"}, true, 0)
	f.rt.SetLogs("ext-1", "starting", "permission denied")

	fin, err := f.mon.Record(ctx, runtime.ExitEvent{
		ContainerID: "ext-1",
		Name:        "/nightly-report",
		Image:       "report:1",
		ExitCode:    1,
		Labels:      map[string]string{runtime.LabelTrack: "true", LabelUser: "erin"},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if fin.Run.Type != job.RunMonitored || fin.Run.Status != job.RunFailed {
		t.Errorf("Expected FAILED MONITORED run, got %s %s", fin.Run.Type, fin.Run.Status)
	}
	if fin.Run.User != "erin" || fin.Run.Hostname != "host-1" || fin.Run.ContainerID != "ext-1" {
		t.Errorf("Expected run by erin on host-1 for ext-1, got %+v", fin.Run)
	}

	j, err := f.reg.GetJob(ctx, fin.Run.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Name != "nightly-report" || j.Image != "report:1" || j.Owner != "erin" {
		t.Errorf("Expected auto-registered job, got %+v", j)
	}

	d, _ := f.runs.Detail(ctx, fin.Run.ID)
	if d.Logs == nil || d.Logs.Text != "starting\npermission denied\n" {
		t.Errorf("Expected log snapshot, got %+v", d.Logs)
	}

	entries, _ := f.audit.Query(ctx, store.AuditFilter{ActionType: audit.ActionContainerLogs})
	if len(entries) != 1 || entries[0].TargetID != "ext-1" || entries[0].Username != "erin" {
		t.Fatalf("Expected one CONTAINER_LOGS entry for ext-1, got %+v", entries)
	}

	want := []string{job.EventTypeRunStarted, job.EventTypeRunFailed}
	if got := f.events.seen(); !slices.Equal(got, want) {
		t.Errorf("Expected events %v, got %v", want, got)
	}

	// A second exit of the same container name reuses the job.
	fin2, err := f.mon.Record(ctx, runtime.ExitEvent{ContainerID: "ext-2", Name: "/nightly-report", Labels: map[string]string{LabelUser: "erin"}})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if fin2.Run.JobID != j.ID || fin2.Run.Status != job.RunSuccess {
		t.Errorf("Expected successful run of %s, got %+v", j.ID, fin2.Run)
	}
}

func TestRecord_IgnoresScheduledContainers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	fin, err := f.mon.Record(context.Background(), runtime.ExitEvent{
		ContainerID: "c1",
		Labels:      map[string]string{runtime.LabelRunID: "r1"},
	})
	if err != nil || fin != nil {
		t.Errorf("Expected container to be ignored, got %+v, %v", fin, err)
	}
	jobs, _ := f.reg.ListJobs(context.Background(), true)
	if len(jobs) != 0 {
		t.Errorf("Expected no jobs, got %d", len(jobs))
	}
}

func TestJobName(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		ev       runtime.ExitEvent
		expected string
	}{
		{"label wins", runtime.ExitEvent{Name: "/c", Labels: map[string]string{LabelName: "backup"}}, "backup"},
		{"container name", runtime.ExitEvent{Name: "/nightly"}, "nightly"},
		{"falls back to id", runtime.ExitEvent{ContainerID: "abc"}, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := jobName(tt.ev); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mon.Run(ctx) }()

	testutil.MustWaitFor(t, func() bool { return f.rt.Subscribers() == 1 })

	f.rt.Add(runtime.Container{ID: "ext-9", Name: "/cleanup", Labels: map[string]string{runtime.LabelTrack: "true"}}, true, 0)
	f.rt.Add(runtime.Container{ID: "other", Name: "/untracked"}, true, 0)
	f.rt.Exit("other", 0)
	f.rt.Exit("ext-9", 2)

	runs := testutil.Eventually(t, "monitored run", func() ([]job.RunDetail, bool) {
		runs, err := f.runs.List(context.Background(), store.RunFilter{Type: job.RunMonitored})
		return runs, err == nil && len(runs) == 1
	})
	if runs[0].ContainerID != "ext-9" || *runs[0].ExitCode != 2 || runs[0].User != job.SystemUser {
		t.Errorf("Expected System run for ext-9 with exit 2, got %+v", runs[0])
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Expected clean stop, got %v", err)
	}
}

func TestRun_StopsOnPersistenceFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	done := make(chan error, 1)
	go func() { done <- f.mon.Run(context.Background()) }()
	testutil.MustWaitFor(t, func() bool { return f.rt.Subscribers() == 1 })

	_ = f.st.Close()
	f.rt.Add(runtime.Container{ID: "ext", Name: "/x", Labels: map[string]string{runtime.LabelTrack: "true"}}, true, 0)
	f.rt.Exit("ext", 0)

	err := <-done
	if !errors.Is(err, apperrors.ErrPersistence) {
		t.Errorf("Expected persistence error, got %v", err)
	}
}
