// Package run tracks the lifecycle of runs: creation with the
// one-running-run-per-job guarantee, finalization with classification and
// log snapshots, read models, and reconciliation after a restart.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobctl/internal/apperrors"
	"jobctl/internal/audit"
	"jobctl/internal/job"
	"jobctl/internal/store"
)

// MaxLogBytes bounds the stored log snapshot. The tail is kept.
const MaxLogBytes = 10_000

// BeginRequest describes a run about to start.
type BeginRequest struct {
	JobID      string
	Type       job.RunType
	User       string
	Hostname   string
	RetryOf    string
	ScheduleID string
}

// Outcome describes how a run ended.
type Outcome struct {
	ExitCode int
	Logs     string
	Reason   Reason
	Message  string
	User     string // who caused the outcome; defaults to the run's user
}

// Finalized is the terminal view of a run.
type Finalized struct {
	Run          job.Run
	ErrorType    job.ErrorType
	Message      string
	AlreadyFinal bool
}

// Tracker owns run state transitions. Every transition commits together
// with its job status change and audit entry.
type Tracker struct {
	store *store.Store
	audit *audit.Recorder
	log   *slog.Logger
	now   func() time.Time

	mu sync.Mutex // serializes BeginRun
}

// NewTracker creates a Tracker.
func NewTracker(s *store.Store, rec *audit.Recorder, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: s, audit: rec, log: log.With("component", "run"), now: time.Now}
}

// BeginRun creates a RUNNING run for req.JobID and marks the job RUNNING.
// It fails with apperrors.ErrAlreadyRunning if the job has a RUNNING run.
func (t *Tracker) BeginRun(ctx context.Context, req BeginRequest) (*job.Run, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return nil, apperrors.Validation("jobId", "job id is required")
	}
	if !req.Type.Valid() {
		return nil, apperrors.Validation("runType", fmt.Sprintf("unknown run type %q", req.Type))
	}
	user := strings.TrimSpace(req.User)
	if user == "" {
		user = job.SystemUser
	}
	hostname := strings.TrimSpace(req.Hostname)
	if hostname == "" {
		hostname = job.UnknownHostname
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var r *job.Run
	err := t.store.Tx(ctx, func(q *store.Queries) error {
		j, err := q.GetJob(ctx, req.JobID)
		if err != nil {
			return err
		}
		if j.Deleted() {
			return apperrors.Conflict("job", j.ID, "job is deleted")
		}
		if _, err := q.RunningRun(ctx, j.ID); err == nil {
			return apperrors.AlreadyRunning(j.ID)
		} else if !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}

		now := t.now().UTC()
		r = &job.Run{
			ID:         uuid.NewString(),
			JobID:      j.ID,
			JobName:    j.Name,
			Type:       req.Type,
			Status:     job.RunRunning,
			User:       user,
			Hostname:   hostname,
			ScheduleID: req.ScheduleID,
			RetryOf:    req.RetryOf,
			StartedAt:  now,
		}
		if err := q.InsertRun(ctx, r); err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				return apperrors.AlreadyRunning(j.ID)
			}
			return err
		}
		if err := q.SetJobStatus(ctx, j.ID, job.StatusRunning, now); err != nil {
			return err
		}
		_, err = t.audit.RecordTx(ctx, q, audit.Entry{
			Action:     audit.ActionRunStarted,
			TargetType: audit.TargetRun,
			TargetID:   r.ID,
			Username:   user,
			After:      r,
			Message:    fmt.Sprintf("%s run of job %s started", r.Type, j.Name),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	t.log.Info("Run started", "runId", r.ID, "jobId", r.JobID, "runType", r.Type, "user", r.User)
	return r, nil
}

// AttachContainer records the container executing runID.
func (t *Tracker) AttachContainer(ctx context.Context, runID, containerID string) error {
	return t.store.Queries().SetRunContainer(ctx, runID, containerID)
}

// FinalizeRun moves runID to SUCCESS or FAILED exactly once. Later calls
// return the stored result with AlreadyFinal set and write nothing.
func (t *Tracker) FinalizeRun(ctx context.Context, runID string, o Outcome) (*Finalized, error) {
	var res *Finalized
	err := t.store.Tx(ctx, func(q *store.Queries) error {
		rec, err := q.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() {
			res = &Finalized{Run: rec.Run, ErrorType: rec.ErrorType, Message: rec.Message, AlreadyFinal: true}
			return nil
		}

		status, exitCode, errType := classifyOutcome(o)
		message := o.Message
		if message == "" {
			message = defaultMessage(o.Reason, exitCode)
		}
		if errType != job.ErrorNone && errType != job.ErrorStopped {
			if hint, phrase := AnalyzeLogs(o.Logs); hint != job.ErrorNone {
				message = fmt.Sprintf("%s; logs suggest %s (%q)", message, hint, phrase)
			}
		}
		message = audit.Truncate(message, audit.MaxMessageBytes)

		now := t.now().UTC()
		applied, err := q.FinishRun(ctx, runID, store.FinishParams{
			Status:     status,
			ExitCode:   exitCode,
			FinishedAt: now,
			ErrorType:  errType,
			Message:    message,
		})
		if err != nil {
			return err
		}
		if !applied {
			return apperrors.Conflict("run", runID, "run was finalized concurrently")
		}

		if o.Logs != "" {
			text, truncated := TailBytes(o.Logs, MaxLogBytes)
			if err := q.PutRunLogs(ctx, &job.RunLogs{RunID: runID, Text: text, Truncated: truncated, CapturedAt: now}); err != nil {
				return err
			}
		}
		if err := q.SetJobStatus(ctx, rec.JobID, job.StatusStopped, now); err != nil {
			return err
		}

		final := rec.Run
		final.Status = status
		final.ExitCode = &exitCode
		final.FinishedAt = &now

		user := o.User
		if user == "" {
			user = rec.User
		}
		_, err = t.audit.RecordTx(ctx, q, audit.Entry{
			Action:     outcomeAction(status, errType),
			TargetType: audit.TargetRun,
			TargetID:   runID,
			Username:   user,
			Before:     map[string]any{"status": rec.Status},
			After: map[string]any{
				"status":    status,
				"exitCode":  exitCode,
				"errorType": errType,
				"duration":  final.Duration().Seconds(),
			},
			ErrorType: errType,
			Message:   message,
		})
		if err != nil {
			return err
		}
		res = &Finalized{Run: final, ErrorType: errType, Message: message}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !res.AlreadyFinal {
		t.log.Info("Run finished", "runId", runID, "jobId", res.Run.JobID, "status", res.Run.Status,
			"exitCode", *res.Run.ExitCode, "errorType", res.ErrorType)
	}
	return res, nil
}

func outcomeAction(status job.RunStatus, errType job.ErrorType) string {
	switch {
	case errType == job.ErrorStopped:
		return audit.ActionRunStopped
	case status == job.RunSuccess:
		return audit.ActionRunSucceeded
	default:
		return audit.ActionRunFailed
	}
}

func defaultMessage(reason Reason, exitCode int) string {
	switch reason {
	case ReasonStopped:
		return "stopped by request"
	case ReasonTimeout:
		return "exceeded maximum runtime"
	case ReasonStartFailed:
		return "container failed to start"
	case ReasonOrphaned:
		return "orphaned on restart"
	}
	return ExitMessage(exitCode)
}

// TailBytes keeps the last max bytes of s, starting at a line boundary
// when one is available, and reports whether anything was dropped.
func TailBytes(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	tail := s[len(s)-max:]
	if i := strings.IndexByte(tail, '\n'); i >= 0 && i < len(tail)-1 {
		tail = tail[i+1:]
	}
	return tail, true
}

// SaveLogs stores a log snapshot for a run that is already final, such as
// a stopped run whose container exited afterwards. Empty logs are ignored.
func (t *Tracker) SaveLogs(ctx context.Context, runID, logs string) error {
	if logs == "" {
		return nil
	}
	text, truncated := TailBytes(logs, MaxLogBytes)
	return t.store.Queries().PutRunLogs(ctx, &job.RunLogs{
		RunID:      runID,
		Text:       text,
		Truncated:  truncated,
		CapturedAt: t.now().UTC(),
	})
}
