package docker

import (
	"testing"
	"time"

	"github.com/docker/docker/api/types/events"

	"jobctl/internal/runtime"
)

func TestParseLines(t *testing.T) {
	t.Parallel()
	raw := "2025-03-10T12:00:01.000000001Z hello\r\n" +
		"2025-03-10T12:00:02Z world\n" +
		"\n" +
		"no-timestamp line\n"

	lines := parseLines(raw, "stdout")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %d: %+v", len(lines), lines)
	}
	if lines[0].Message != "hello" || lines[0].Stream != "stdout" {
		t.Errorf("Expected timestamp stripped, got %+v", lines[0])
	}
	want := time.Date(2025, 3, 10, 12, 0, 2, 0, time.UTC)
	if !lines[1].Timestamp.Equal(want) {
		t.Errorf("Expected timestamp %v, got %v", want, lines[1].Timestamp)
	}
	if lines[2].Message != "no-timestamp line" || !lines[2].Timestamp.IsZero() {
		t.Errorf("Expected unparsed line kept verbatim, got %+v", lines[2])
	}
}

func TestToExitEvent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		attrs    map[string]string
		wantCode int
	}{
		{"success", map[string]string{"exitCode": "0", "name": "nightly", "image": "alpine", "jobctl.track": "true"}, 0},
		{"failure", map[string]string{"exitCode": "137", "name": "nightly", "image": "alpine"}, 137},
		{"missing code", map[string]string{"name": "nightly"}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev := toExitEvent(events.Message{
				Actor:    events.Actor{ID: "c1", Attributes: tt.attrs},
				TimeNano: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano(),
			})
			if ev.ExitCode != tt.wantCode {
				t.Errorf("Expected exit code %d, got %d", tt.wantCode, ev.ExitCode)
			}
			if ev.ContainerID != "c1" || ev.Name != tt.attrs["name"] {
				t.Errorf("Expected id and name carried over, got %+v", ev)
			}
			if _, ok := ev.Labels["exitCode"]; ok {
				t.Error("Expected exitCode to be excluded from labels")
			}
			if tt.attrs[runtime.LabelTrack] != "" && ev.Labels[runtime.LabelTrack] != "true" {
				t.Errorf("Expected track label kept, got %v", ev.Labels)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	var cfg Config
	cfg.withDefaults()

	if cfg.RetentionPeriod != 15*time.Minute {
		t.Errorf("Expected 15m retention, got %v", cfg.RetentionPeriod)
	}
	if cfg.MaintenanceInterval != time.Minute {
		t.Errorf("Expected 1m maintenance interval, got %v", cfg.MaintenanceInterval)
	}
	if cfg.Logger == nil {
		t.Error("Expected default logger")
	}
}
