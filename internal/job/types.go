// Package job defines the records the orchestrator persists and serves:
// jobs, schedules, runs, run logs, audit entries and users.
package job

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle status of a Job.
type Status string

// Job status constants
const (
	StatusCreated Status = "CREATED"
	StatusRunning Status = "RUNNING"
	StatusStopped Status = "STOPPED"
)

// TypeContainer is the only job type the orchestrator can execute.
const TypeContainer = "CONTAINER"

// Job is a named unit of work bound to a container image and command.
type Job struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	Image          string            `json:"image"`
	Command        string            `json:"command,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
	Description    string            `json:"description,omitempty"`
	Owner          string            `json:"owner"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"` // 0 uses the scheduler ceiling
	Status         Status            `json:"status"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	DeletedAt      *time.Time        `json:"deletedAt,omitempty"`
}

// Deleted reports whether the job was removed by DeleteJob.
func (j *Job) Deleted() bool {
	return j.DeletedAt != nil
}

// Spec is the client-editable part of a Job.
type Spec struct {
	Name           string            `json:"name" yaml:"name"`
	Type           string            `json:"type" yaml:"type"`
	Image          string            `json:"image" yaml:"image"`
	Command        string            `json:"command" yaml:"command"`
	Environment    map[string]string `json:"environment" yaml:"environment"`
	Description    string            `json:"description" yaml:"description"`
	Owner          string            `json:"owner" yaml:"owner"`
	TimeoutSeconds int               `json:"timeoutSeconds" yaml:"timeoutSeconds"`
}

// Schedule binds a cron expression to exactly one Job.
type Schedule struct {
	ID        string     `json:"id"`
	JobID     string     `json:"jobId"`
	CronExpr  string     `json:"cronExpression"`
	Active    bool       `json:"isActive"`
	CreatedAt time.Time  `json:"createdAt"`
	NextRunAt *time.Time `json:"nextRunAt,omitempty"` // read model only, not persisted
}

// RunType identifies what initiated a Run.
type RunType string

// Run type constants
const (
	RunManual    RunType = "MANUAL"
	RunScheduled RunType = "SCHEDULED"
	RunMonitored RunType = "MONITORED"
	RunRetry     RunType = "RETRY"
)

// Valid reports whether t is a known run type.
func (t RunType) Valid() bool {
	switch t {
	case RunManual, RunScheduled, RunMonitored, RunRetry:
		return true
	}
	return false
}

// RunStatus is the state of a Run.
type RunStatus string

// Run status constants
const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

// Terminal reports whether s is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed
}

// ErrorType is the classification of a failed Run.
type ErrorType string

// Error type constants
const (
	ErrorNone       ErrorType = ""
	ErrorPermission ErrorType = "PERMISSION_ERROR"
	ErrorScript     ErrorType = "SCRIPT_ERROR"
	ErrorResource   ErrorType = "RESOURCE_ERROR"
	ErrorStopped    ErrorType = "STOPPED"
)

// Default initiator and host for runs that carry none.
const (
	SystemUser      = "System"
	UnknownHostname = "Unknown"
)

// Run is one execution attempt of a Job.
type Run struct {
	ID          string     `json:"runId"`
	JobID       string     `json:"jobId"`
	JobName     string     `json:"jobName,omitempty"`
	ContainerID string     `json:"containerId,omitempty"`
	Type        RunType    `json:"runType"`
	Status      RunStatus  `json:"status"`
	User        string     `json:"user"`
	Hostname    string     `json:"hostname"`
	ScheduleID  string     `json:"scheduleId,omitempty"`
	RetryOf     string     `json:"retryOf,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunLogs is the log snapshot captured when a Run was finalized.
type RunLogs struct {
	RunID      string    `json:"runId"`
	Text       string    `json:"logs"`
	Truncated  bool      `json:"truncated"`
	CapturedAt time.Time `json:"capturedAt"`
}

// RunDetail is a Run together with its captured logs and classification.
type RunDetail struct {
	Run
	ErrorType ErrorType `json:"errorType,omitempty"`
	Message   string    `json:"message,omitempty"`
	Logs      *RunLogs  `json:"logs,omitempty"`
}

// AuditEntry is an immutable record of a state-changing event.
type AuditEntry struct {
	ID         int64           `json:"auditId"`
	Action     string          `json:"actionType"`
	TargetType string          `json:"targetType"`
	TargetID   string          `json:"targetId"`
	Username   string          `json:"username"`
	Before     json.RawMessage `json:"beforeValue,omitempty"`
	After      json.RawMessage `json:"afterValue,omitempty"`
	ErrorType  ErrorType       `json:"errorType,omitempty"`
	Message    string          `json:"message,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// User is an account that can own jobs or initiate runs.
type User struct {
	ID        string    `json:"userId"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role"`
	UID       *int      `json:"uid,omitempty"`
	HomeDir   string    `json:"homeDir,omitempty"`
	Shell     string    `json:"shell,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
