package job

import (
	"strings"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		spec    *Spec
		wantErr bool
		errMsg  string
	}{
		{
			name:    "empty name",
			spec:    &Spec{Type: TypeContainer, Image: "alpine"},
			wantErr: true,
			errMsg:  "job name is required",
		},
		{
			name:    "name with spaces",
			spec:    &Spec{Name: "my job", Type: TypeContainer, Image: "alpine"},
			wantErr: true,
			errMsg:  "alphanumeric",
		},
		{
			name:    "empty image",
			spec:    &Spec{Name: "backup", Type: TypeContainer},
			wantErr: true,
			errMsg:  "image is required",
		},
		{
			name:    "unsupported type",
			spec:    &Spec{Name: "backup", Type: "PYTHON", Image: "alpine"},
			wantErr: true,
			errMsg:  "unsupported job type",
		},
		{
			name:    "negative timeout",
			spec:    &Spec{Name: "backup", Type: TypeContainer, Image: "alpine", TimeoutSeconds: -1},
			wantErr: true,
			errMsg:  "timeout must be between",
		},
		{
			name: "bad env key",
			spec: &Spec{
				Name: "backup", Type: TypeContainer, Image: "alpine",
				Environment: map[string]string{"1BAD": "x"},
			},
			wantErr: true,
			errMsg:  "invalid environment variable name",
		},
		{
			name: "valid full spec",
			spec: &Spec{
				Name:           "etl.nightly",
				Type:           TypeContainer,
				Image:          "worker:latest",
				Command:        "python etl.py",
				Environment:    map[string]string{"STAGE": "prod"},
				Owner:          "alice",
				TimeoutSeconds: 600,
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tt.spec)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error containing %q", tt.errMsg)
				} else if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Expected error containing %q, got %q", tt.errMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	spec := &Spec{Name: "  backup ", Image: "alpine", Type: "container"}

	ApplyDefaults(spec)

	if spec.Name != "backup" {
		t.Errorf("Expected trimmed name, got %q", spec.Name)
	}
	if spec.Type != TypeContainer {
		t.Errorf("Expected type %s, got %s", TypeContainer, spec.Type)
	}
	if spec.Owner != SystemUser {
		t.Errorf("Expected default owner %s, got %s", SystemUser, spec.Owner)
	}
}

func TestValidateURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"", false},
		{"https://hooks.example.com/runs", false},
		{"ftp://example.com", true},
		{"http://", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestEventBuilder_BuildFinished(t *testing.T) {
	t.Parallel()
	b := NewEventBuilder("jobctl/test")
	started := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	exitCode := -1

	tests := []struct {
		name     string
		status   RunStatus
		errType  ErrorType
		wantType string
	}{
		{"success", RunSuccess, ErrorNone, EventTypeRunSucceeded},
		{"failure", RunFailed, ErrorScript, EventTypeRunFailed},
		{"stopped", RunFailed, ErrorStopped, EventTypeRunStopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			run := &Run{
				ID: "r1", JobID: "j1", Type: RunManual, Status: tt.status,
				StartedAt: started, FinishedAt: &finished, ExitCode: &exitCode,
			}
			ev := b.BuildFinished(run, tt.errType)
			if ev.Type != tt.wantType {
				t.Errorf("Expected type %s, got %s", tt.wantType, ev.Type)
			}
			if ev.Subject != "r1" {
				t.Errorf("Expected subject r1, got %s", ev.Subject)
			}
			if ev.Data["durationSeconds"] != 90.0 {
				t.Errorf("Expected duration 90, got %v", ev.Data["durationSeconds"])
			}
			if tt.errType != ErrorNone && ev.Data["errorType"] != string(tt.errType) {
				t.Errorf("Expected errorType %s, got %v", tt.errType, ev.Data["errorType"])
			}
		})
	}
}

func TestFilteredEvents(t *testing.T) {
	t.Parallel()
	if !FilteredEvents(EventTypeRunFailed, nil) {
		t.Error("Expected empty filter to allow all events")
	}
	if FilteredEvents(EventTypeRunStarted, []string{EventTypeRunFailed}) {
		t.Error("Expected filter to block started events")
	}
}
