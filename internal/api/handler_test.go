package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"jobctl/internal/audit"
	"jobctl/internal/cron"
	"jobctl/internal/health"
	"jobctl/internal/job"
	"jobctl/internal/registry"
	"jobctl/internal/run"
	"jobctl/internal/runtime"
	"jobctl/internal/scheduler"
	"jobctl/internal/testutil"
	"jobctl/internal/users"
)

type testServer struct {
	srv   *httptest.Server
	rt    *testutil.FakeRuntime
	sched *scheduler.Scheduler
}

func newTestServer(t *testing.T, mutate func(*RouterConfig)) *testServer {
	t.Helper()
	st := testutil.NewStore(t)
	rec := audit.NewRecorder(st, testutil.Logger())
	reg := registry.New(st, rec, testutil.Logger())
	runs := run.NewTracker(st, rec, testutil.Logger())
	rt := testutil.NewFakeRuntime()
	sched := scheduler.New(scheduler.Config{TickInterval: time.Hour, Logger: testutil.Logger()},
		rt, runs, reg, cron.New(cron.Options{Location: time.UTC}), rec, nil)
	reg.Observe(sched)

	passwd := filepath.Join(t.TempDir(), "passwd")
	_ = os.WriteFile(passwd, []byte("root:x:0:0::/root:/bin/bash\nalice:x:1000:1000::/home/alice:/bin/bash\n"), 0o600)

	cfg := RouterConfig{
		Deps: Deps{
			Registry:  reg,
			Scheduler: sched,
			Runs:      runs,
			Audit:     rec,
			Runtime:   rt,
			Users:     users.New(st, rec, passwd, testutil.Logger()),
			Health: health.NewChecker(
				health.Check{Name: "runtime", Probe: rt},
				health.Check{Name: "store", Probe: health.ReadyFunc(st.Ping)},
			),
			Logger: testutil.Logger(),
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	if err := sched.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sched.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(NewRouter(cfg))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &testServer{srv: srv, rt: rt, sched: sched}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, s.srv.URL+path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(UserHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (s *testServer) createJob(t *testing.T, name string) job.Job {
	t.Helper()
	var j job.Job
	if code := s.do(t, http.MethodPost, "/v1/jobs", job.Spec{Name: name, Image: "alpine:3.20", Command: "true"}, &j); code != http.StatusCreated {
		t.Fatalf("Expected 201 creating job, got %d", code)
	}
	return j
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	var resp health.Response
	if code := s.do(t, http.MethodGet, "/livez", nil, &resp); code != http.StatusOK || resp.Status != health.StatusHealthy {
		t.Errorf("Expected healthy liveness, got %d %s", code, resp.Status)
	}
	if code := s.do(t, http.MethodGet, "/readyz", nil, &resp); code != http.StatusOK {
		t.Errorf("Expected ready, got %d %+v", code, resp)
	}
}

func TestReadyz_RuntimeDown(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	s.rt.ReadyErr = context.DeadlineExceeded

	var resp health.Response
	if code := s.do(t, http.MethodGet, "/readyz", nil, &resp); code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", code)
	}
	if resp.Checks["runtime"].Status != health.StatusUnhealthy {
		t.Errorf("Expected runtime check to fail, got %+v", resp.Checks)
	}
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	j := s.createJob(t, "backup")
	if j.Owner != "alice" {
		t.Errorf("Expected owner from X-User, got %s", j.Owner)
	}

	var started job.Run
	if code := s.do(t, http.MethodPost, "/v1/jobs/"+j.ID+"/start", nil, &started); code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", code)
	}
	if started.Type != job.RunManual || started.User != "alice" {
		t.Errorf("Expected MANUAL run by alice, got %+v", started)
	}

	var errResp map[string]string
	if code := s.do(t, http.MethodPost, "/v1/jobs/"+j.ID+"/start", nil, &errResp); code != http.StatusConflict {
		t.Errorf("Expected 409 for second start, got %d", code)
	}

	view := testutil.Eventually(t, "supervised job", func() (JobView, bool) {
		var v JobView
		s.do(t, http.MethodGet, "/v1/jobs/"+j.ID, nil, &v)
		return v, v.State.Phase == scheduler.PhaseSupervising
	})
	if view.Name != "backup" || view.State.RunID != started.ID {
		t.Errorf("Expected live state for %s, got %+v", started.ID, view)
	}

	s.rt.SetLogs(view.State.ContainerID, "line one")
	var stopped FinalizedView
	if code := s.do(t, http.MethodPost, "/v1/jobs/"+j.ID+"/stop", nil, &stopped); code != http.StatusOK {
		t.Fatalf("Expected 200 stopping, got %d", code)
	}
	if stopped.ErrorType != job.ErrorStopped || stopped.Status != job.RunFailed {
		t.Errorf("Expected stopped run, got %+v", stopped)
	}

	var latest job.RunDetail
	if code := s.do(t, http.MethodGet, "/v1/jobs/"+j.ID+"/latest-run", nil, &latest); code != http.StatusOK || latest.ID != started.ID {
		t.Errorf("Expected latest run %s, got %d %+v", started.ID, code, latest)
	}

	logs := testutil.Eventually(t, "run logs", func() (job.RunLogs, bool) {
		var l job.RunLogs
		code := s.do(t, http.MethodGet, "/v1/runs/"+started.ID+"/logs", nil, &l)
		return l, code == http.StatusOK
	})
	if logs.Text != "line one\n" {
		t.Errorf("Expected captured logs, got %q", logs.Text)
	}

	var runs []job.RunDetail
	s.do(t, http.MethodGet, "/v1/runs?jobId="+j.ID+"&status=FAILED", nil, &runs)
	if len(runs) != 1 {
		t.Errorf("Expected 1 failed run, got %d", len(runs))
	}

	var retried job.Run
	if code := s.do(t, http.MethodPost, "/v1/runs/"+started.ID+"/retry", nil, &retried); code != http.StatusAccepted {
		t.Fatalf("Expected 202 retrying, got %d", code)
	}
	if retried.RetryOf != started.ID || retried.Type != job.RunRetry {
		t.Errorf("Expected retry of %s, got %+v", started.ID, retried)
	}
}

func TestJobCRUD(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	j := s.createJob(t, "report")

	var updated job.Job
	if code := s.do(t, http.MethodPut, "/v1/jobs/"+j.ID, job.Spec{Name: "report", Image: "alpine:3.21"}, &updated); code != http.StatusOK {
		t.Fatalf("Expected 200 updating, got %d", code)
	}
	if updated.Image != "alpine:3.21" {
		t.Errorf("Expected new image, got %s", updated.Image)
	}

	var errResp map[string]string
	if code := s.do(t, http.MethodPost, "/v1/jobs", job.Spec{Name: "no-image"}, &errResp); code != http.StatusBadRequest {
		t.Errorf("Expected 400 without image, got %d", code)
	}
	if errResp["error"] == "" {
		t.Error("Expected error message")
	}

	if code := s.do(t, http.MethodDelete, "/v1/jobs/"+j.ID, nil, nil); code != http.StatusNoContent {
		t.Errorf("Expected 204 deleting, got %d", code)
	}
	if code := s.do(t, http.MethodGet, "/v1/jobs/"+j.ID, nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", code)
	}

	var jobs []job.Job
	s.do(t, http.MethodGet, "/v1/jobs", nil, &jobs)
	if len(jobs) != 0 {
		t.Errorf("Expected no live jobs, got %d", len(jobs))
	}
	s.do(t, http.MethodGet, "/v1/jobs?includeDeleted=true", nil, &jobs)
	if len(jobs) != 1 {
		t.Errorf("Expected deleted job listed, got %d", len(jobs))
	}
}

func TestSchedules(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	j := s.createJob(t, "hourly")

	var sc job.Schedule
	if code := s.do(t, http.MethodPost, "/v1/schedules", CreateScheduleRequest{JobID: j.ID, CronExpr: "0 * * * *"}, &sc); code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	if code := s.do(t, http.MethodPost, "/v1/schedules", CreateScheduleRequest{JobID: j.ID, CronExpr: "not cron"}, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid cron, got %d", code)
	}

	list := testutil.Eventually(t, "next fire time", func() ([]job.Schedule, bool) {
		var l []job.Schedule
		s.do(t, http.MethodGet, "/v1/schedules?jobId="+j.ID, nil, &l)
		return l, len(l) == 1 && l[0].NextRunAt != nil
	})
	if list[0].NextRunAt.Minute() != 0 || list[0].NextRunAt.Second() != 0 {
		t.Errorf("Expected next run on the hour, got %v", list[0].NextRunAt)
	}

	var toggled job.Schedule
	s.do(t, http.MethodPut, "/v1/schedules/"+sc.ID+"/toggle", nil, &toggled)
	if toggled.Active {
		t.Error("Expected toggle without body to deactivate")
	}
	active := true
	s.do(t, http.MethodPut, "/v1/schedules/"+sc.ID+"/toggle", ToggleRequest{Active: &active}, &toggled)
	if !toggled.Active {
		t.Error("Expected explicit activation")
	}

	if code := s.do(t, http.MethodDelete, "/v1/schedules/"+sc.ID, nil, nil); code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", code)
	}
	if code := s.do(t, http.MethodDelete, "/v1/schedules/"+sc.ID, nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404 for deleted schedule, got %d", code)
	}
}

func TestAutoRegisterAndComplete(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	var reg AutoRegisterResponse
	req := registry.AutoRegisterRequest{Name: "host-backup", Command: "backup.sh", Hostname: "db-1"}
	if code := s.do(t, http.MethodPost, "/v1/jobs/auto-register", req, &reg); code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", code)
	}
	if !reg.Created || reg.Run.Type != job.RunMonitored || reg.Run.User != "alice" || reg.Job.Image != registry.ExternalImage {
		t.Errorf("Unexpected registration: %+v %+v", reg.Job, reg.Run)
	}

	var fin FinalizedView
	if code := s.do(t, http.MethodPut, "/v1/runs/"+reg.Run.ID+"/complete", CompleteRequest{ExitCode: 127, Logs: "backup.sh: not found"}, &fin); code != http.StatusOK {
		t.Fatalf("Expected 200 completing, got %d", code)
	}
	if fin.Status != job.RunFailed || fin.ErrorType != job.ErrorScript {
		t.Errorf("Expected FAILED/SCRIPT_ERROR, got %s/%s", fin.Status, fin.ErrorType)
	}

	var again FinalizedView
	s.do(t, http.MethodPut, "/v1/runs/"+reg.Run.ID+"/complete", CompleteRequest{ExitCode: 0}, &again)
	if !again.AlreadyFinal || again.Status != job.RunFailed {
		t.Errorf("Expected completion to be idempotent, got %+v", again)
	}

	var second AutoRegisterResponse
	if code := s.do(t, http.MethodPost, "/v1/jobs/auto-register", req, &second); code != http.StatusOK || second.Created || second.Job.ID != reg.Job.ID {
		t.Errorf("Expected existing job reused, got %d %+v", code, second)
	}

	var detail job.RunDetail
	s.do(t, http.MethodGet, "/v1/runs/"+second.Run.ID, nil, &detail)
	if detail.Status != job.RunRunning {
		t.Errorf("Expected second run RUNNING, got %s", detail.Status)
	}
}

func TestCompleteRun_RejectsScheduledRuns(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	j := s.createJob(t, "managed")

	var started job.Run
	s.do(t, http.MethodPost, "/v1/jobs/"+j.ID+"/start", nil, &started)
	if code := s.do(t, http.MethodPut, "/v1/runs/"+started.ID+"/complete", CompleteRequest{}, nil); code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", code)
	}
	if code := s.do(t, http.MethodPut, "/v1/runs/missing/complete", CompleteRequest{}, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}
}

func TestAuditEndpoints(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	s.createJob(t, "audited")

	var created map[string]int64
	body := map[string]any{"actionType": "view_dashboard", "targetType": "ui", "targetId": "home", "afterValue": map[string]int{"widgets": 3}}
	if code := s.do(t, http.MethodPost, "/v1/audit-logs", body, &created); code != http.StatusCreated || created["auditId"] == 0 {
		t.Fatalf("Expected 201 with id, got %d %v", code, created)
	}

	var entries []job.AuditEntry
	s.do(t, http.MethodGet, "/v1/audit-logs?username=alice", nil, &entries)
	if len(entries) != 2 || entries[0].Action != "VIEW_DASHBOARD" || entries[1].Action != audit.ActionCreateJob {
		t.Errorf("Expected client entry then CREATE_JOB, got %+v", entries)
	}
	if string(entries[0].After) != `{"widgets":3}` {
		t.Errorf("Expected after snapshot, got %s", entries[0].After)
	}

	if code := s.do(t, http.MethodGet, "/v1/audit-logs?limit=-1", nil, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative limit, got %d", code)
	}
	if code := s.do(t, http.MethodGet, "/v1/audit-logs?since=yesterday", nil, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad since, got %d", code)
	}
	if code := s.do(t, http.MethodPost, "/v1/audit-logs", map[string]string{"targetType": "x"}, nil); code != http.StatusBadRequest {
		t.Errorf("Expected 400 without action, got %d", code)
	}
}

func TestContainerLogs(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)
	s.rt.Add(runtimeContainer("c1"), true, 0)
	s.rt.SetLogs("c1", "a", "b", "c")

	var resp struct {
		Lines []struct {
			Message string `json:"message"`
		} `json:"lines"`
	}
	if code := s.do(t, http.MethodGet, "/v1/containers/c1/logs?tail=2", nil, &resp); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if len(resp.Lines) != 2 || resp.Lines[0].Message != "b" {
		t.Errorf("Expected last two lines, got %+v", resp.Lines)
	}
	if code := s.do(t, http.MethodGet, "/v1/containers/missing/logs", nil, nil); code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}
}

func TestUsersEndpoints(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, nil)

	var system []users.SystemUser
	s.do(t, http.MethodGet, "/v1/users/system", nil, &system)
	if len(system) != 1 || system[0].Username != "alice" {
		t.Errorf("Expected alice as system user, got %+v", system)
	}

	var res users.SyncResult
	if code := s.do(t, http.MethodPost, "/v1/users/sync", nil, &res); code != http.StatusOK || res.Created != 1 {
		t.Errorf("Expected one created user, got %d %+v", code, res)
	}

	var list []job.User
	s.do(t, http.MethodGet, "/v1/users", nil, &list)
	if len(list) != 1 {
		t.Errorf("Expected one user, got %d", len(list))
	}
}

func TestAuthAndRateLimit(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, func(c *RouterConfig) {
		c.APIKey = "secret"
		c.RateLimit = rate.Every(time.Hour)
		c.RateBurst = 1
	})

	req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/v1/jobs", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", resp.StatusCode)
	}

	post := func() int {
		req, _ := http.NewRequest(http.MethodPost, s.srv.URL+"/v1/jobs", strings.NewReader(`{"name":"x","image":"alpine"}`))
		req.Header.Set("Authorization", "Bearer secret")
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post(); code != http.StatusCreated {
		t.Errorf("Expected 201 within burst, got %d", code)
	}
	if code := post(); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 beyond burst, got %d", code)
	}

	// Reads are never limited and health stays open.
	if code := s.do(t, http.MethodGet, "/livez", nil, nil); code != http.StatusOK {
		t.Errorf("Expected 200 for livez, got %d", code)
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware(testutil.Logger())(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	handler := ContentTypeMiddleware()(inner)

	req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected status %d, got %d", http.StatusUnsupportedMediaType, w.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/test", bytes.NewBufferString("{}"))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	handler := CORSMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), UserHeader) {
		t.Errorf("Expected %s to be allowed, got %q", UserHeader, w.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestUserFrom(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := userFrom(req); got != job.SystemUser {
		t.Errorf("Expected %s without header, got %s", job.SystemUser, got)
	}
	req.Header.Set(UserHeader, "  bob ")
	if got := userFrom(req); got != "bob" {
		t.Errorf("Expected bob, got %s", got)
	}
}

func runtimeContainer(id string) runtime.Container {
	return runtime.Container{ID: id, Name: "/" + id}
}
