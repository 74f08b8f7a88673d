// Package runtime defines the container runtime boundary used by the
// scheduler, the monitor and the API. Implementations live in subpackages.
package runtime

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a container does not exist (anymore).
var ErrNotFound = errors.New("container not found")

// Labels set on every container this service creates.
const (
	LabelManagedBy = "managed-by"
	ManagedBy      = "jobctl"
	LabelJobID     = "jobctl.job-id"
	LabelRunID     = "jobctl.run-id"
	// LabelTrack opts an externally started container into monitoring.
	LabelTrack = "jobctl.track"
)

// Spec describes a container to start.
type Spec struct {
	Name    string
	Image   string
	Command string // run through /bin/sh -c when set
	Env     map[string]string
	Labels  map[string]string
}

// State is a point-in-time view of a container.
type State struct {
	Status     string // created, running, exited, ...
	Running    bool
	ExitCode   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// LogOptions bounds a log read. Zero values mean all lines, from the start.
type LogOptions struct {
	Tail  int
	Since time.Time
}

// LogLine is one line of container output.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Message   string    `json:"message"`
}

// Container summarises a managed container.
type Container struct {
	ID      string
	Name    string
	Image   string
	State   string
	Labels  map[string]string
	Created time.Time
}

// Running reports whether the container is currently executing.
func (c Container) Running() bool {
	return c.State == "running"
}

// ExitEvent reports that a container stopped.
type ExitEvent struct {
	ContainerID string
	Name        string
	Image       string
	ExitCode    int
	Labels      map[string]string
	At          time.Time
}

// Runtime starts, observes and stops containers.
type Runtime interface {
	// Start pulls the image when missing, then creates and starts a container.
	Start(ctx context.Context, spec Spec) (string, error)
	// Stop asks the container to exit, killing it after grace.
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Inspect(ctx context.Context, containerID string) (State, error)
	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context, containerID string) (int, error)
	// Logs returns a finite snapshot of container output.
	Logs(ctx context.Context, containerID string, opts LogOptions) ([]LogLine, error)
	// List returns containers labelled as managed by this service.
	List(ctx context.Context) ([]Container, error)
	Ready(ctx context.Context) error
}

// EventSource streams container exit events for containers carrying label.
type EventSource interface {
	Exits(ctx context.Context, label string) (<-chan ExitEvent, <-chan error)
}

// JoinLogs renders lines as plain text, one per line, prefixing stderr.
func JoinLogs(lines []LogLine) string {
	var b strings.Builder
	for _, l := range lines {
		if l.Stream == "stderr" {
			b.WriteString("[stderr] ")
		}
		b.WriteString(l.Message)
		b.WriteByte('\n')
	}
	return b.String()
}
