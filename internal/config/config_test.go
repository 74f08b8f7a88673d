package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"jobctl/internal/testutil"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := NewLoader("").Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Server.Port != "8080" || cfg.Store.Driver != "sqlite" {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
	if cfg.Scheduler.TickInterval != time.Second || cfg.Scheduler.MaxRuntime != time.Hour {
		t.Errorf("Expected scheduler defaults, got %+v", cfg.Scheduler)
	}
	if !cfg.Monitor.Enabled || cfg.Monitor.Label != "jobctl.track=true" {
		t.Errorf("Expected monitor defaults, got %+v", cfg.Monitor)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	keyFile := writeFile(t, dir, "api-key", "  s3cret\n")
	path := writeFile(t, dir, "jobctld.yaml", `
server:
  port: "9000"
  apiKeyFile: `+keyFile+`
scheduler:
  maxRuntime: 30m
  timezone: Europe/Berlin
webhooks:
  urls: ["http://hooks.local/all"]
  targets:
    - url: http://hooks.local/failures
      events: [jobctl.run.failed]
      headers:
        Authorization: Bearer x
log:
  level: debug
`)
	t.Setenv("JOBCTL_SERVER_PORT", "9100")
	t.Setenv("JOBCTL_STORE_DRIVER", "postgres")

	cfg, err := NewLoader(path).Load()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Errorf("Expected env override 9100, got %s", cfg.Server.Port)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Expected env override postgres, got %s", cfg.Store.Driver)
	}
	if cfg.Server.APIKey != "s3cret" {
		t.Errorf("Expected api key from file, got %q", cfg.Server.APIKey)
	}
	if cfg.Scheduler.MaxRuntime != 30*time.Minute || cfg.Scheduler.Timezone != "Europe/Berlin" {
		t.Errorf("Expected scheduler from file, got %+v", cfg.Scheduler)
	}
	targets := cfg.Webhooks.AllTargets()
	if len(targets) != 2 || targets[0].URL != "http://hooks.local/all" || targets[1].Events[0] != "jobctl.run.failed" {
		t.Errorf("Expected merged targets, got %+v", targets)
	}
	if targets[1].Headers["authorization"] != "Bearer x" && targets[1].Headers["Authorization"] != "Bearer x" {
		t.Errorf("Expected target header, got %v", targets[1].Headers)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Log.Level)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
	}{
		{"bad level", "log:\n  level: loud\n"},
		{"bad driver", "store:\n  driver: mysql\n"},
		{"bad timezone", "scheduler:\n  timezone: Mars/Olympus\n"},
		{"target without url", "webhooks:\n  targets:\n    - events: [x]\n"},
		{"target with bad scheme", "webhooks:\n  urls: [\"ftp://hooks.local\"]\n"},
		{"malformed yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeFile(t, t.TempDir(), "jobctld.yaml", tt.content)
			if _, err := NewLoader(path).Load(); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in       string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.expected)
		}
	}
}

func TestWatchLevel(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "jobctld.yaml", "log:\n  level: info\n")
	l := NewLoader(path)
	if _, err := l.Load(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var level slog.LevelVar
	l.WatchLevel(&level, testutil.Logger())

	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	testutil.MustWaitFor(t, func() bool { return level.Level() == slog.LevelDebug })
}
