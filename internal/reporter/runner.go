// Package reporter wraps a host command so its execution is recorded by
// jobctld as a MONITORED run.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Exit codes for commands that could not be started, as a shell reports them.
const (
	ExitNotExecutable = 126
	ExitNotFound      = 127
)

// killGrace is how long a cancelled command has between SIGTERM and SIGKILL.
const killGrace = 10 * time.Second

// Runner executes a command and reports it.
type Runner struct {
	cfg    *Config
	client *Client
	log    *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

// NewRunner creates a Runner. Command output is passed through to the
// process's own stdout and stderr.
func NewRunner(cfg *Config, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cfg:    cfg,
		client: NewClient(cfg.ServerURL, cfg.APIKey, cfg.User, cfg.RequestTimeout, cfg.Retries),
		log:    log.With("component", "reporter"),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// Run registers the execution, runs argv and reports its outcome. It
// returns the command's exit code. A server that cannot be reached never
// prevents the command from running.
func (r *Runner) Run(ctx context.Context, argv []string) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("no command given")
	}
	name := r.cfg.JobName
	if name == "" {
		name = filepath.Base(argv[0])
	}
	log := r.log.With("job", name)

	runID := ""
	reg, err := r.client.Register(ctx, RegisterRequest{
		Name:        name,
		Command:     strings.Join(argv, " "),
		Description: r.cfg.Description,
		User:        r.cfg.User,
		Hostname:    r.cfg.Hostname,
	})
	if err != nil {
		log.Warn("Failed to register run, continuing offline", "error", err)
	} else {
		runID = reg.Run.ID
		log = log.With("runId", runID, "jobId", reg.Job.ID)
		log.Info("Run registered", "created", reg.Created)
	}

	tail := newTailBuffer(r.cfg.MaxOutput)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = io.MultiWriter(r.stdout, tail)
	cmd.Stderr = io.MultiWriter(r.stderr, tail)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	started := time.Now()
	code, message := exitStatus(cmd.Run())
	log.Info("Command finished", "exitCode", code, "duration", time.Since(started))

	if runID == "" {
		return code, nil
	}

	// Report even when ctx was cancelled by a signal.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RequestTimeout*time.Duration(r.cfg.Retries+1))
	defer cancel()
	if err := r.client.Complete(reportCtx, runID, Completion{ExitCode: code, Logs: tail.String(), Message: message}); err != nil {
		log.Warn("Failed to report completion", "error", err)
	}
	return code, nil
}

// exitStatus converts the result of cmd.Run into an exit code and, for
// commands that never ran normally, a message.
func exitStatus(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), fmt.Sprintf("killed by signal %s", ws.Signal())
		}
		return ee.ExitCode(), ""
	}
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return ExitNotFound, err.Error()
	case errors.Is(err, fs.ErrPermission):
		return ExitNotExecutable, err.Error()
	default:
		return 1, err.Error()
	}
}
