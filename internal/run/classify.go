package run

import (
	"fmt"
	"strings"

	"jobctl/internal/job"
)

// Exit codes recorded when the container's own code is unavailable.
const (
	ExitStopped     = -1
	ExitStartFailed = 125
)

// Reason says why a run is being finalized. The zero value is a natural exit.
type Reason string

// Finalization reasons
const (
	ReasonExited      Reason = ""
	ReasonStopped     Reason = "STOPPED"
	ReasonTimeout     Reason = "TIMEOUT"
	ReasonStartFailed Reason = "START_FAILED"
	ReasonOrphaned    Reason = "ORPHANED"
)

// Classify maps a container exit code to an error type.
//
//	0          none
//	126        PERMISSION_ERROR (command not executable)
//	127        SCRIPT_ERROR (command not found)
//	255, >128  RESOURCE_ERROR (killed by signal, e.g. OOM)
//	otherwise  SCRIPT_ERROR
func Classify(exitCode int) job.ErrorType {
	switch {
	case exitCode == 0:
		return job.ErrorNone
	case exitCode == 126:
		return job.ErrorPermission
	case exitCode == 127:
		return job.ErrorScript
	case exitCode == 255 || exitCode > 128:
		return job.ErrorResource
	default:
		return job.ErrorScript
	}
}

// classifyOutcome resolves the terminal status, exit code and error type.
// Reasons other than a natural exit override the exit-code class.
func classifyOutcome(o Outcome) (job.RunStatus, int, job.ErrorType) {
	switch o.Reason {
	case ReasonStopped:
		return job.RunFailed, ExitStopped, job.ErrorStopped
	case ReasonStartFailed:
		return job.RunFailed, ExitStartFailed, job.ErrorResource
	case ReasonTimeout, ReasonOrphaned:
		code := o.ExitCode
		if code == 0 {
			// Unknown: the container never reported a code.
			code = ExitStopped
		}
		return job.RunFailed, code, job.ErrorResource
	}
	errType := Classify(o.ExitCode)
	if errType == job.ErrorNone {
		return job.RunSuccess, o.ExitCode, job.ErrorNone
	}
	return job.RunFailed, o.ExitCode, errType
}

// ExitMessage describes an exit code for humans.
func ExitMessage(exitCode int) string {
	switch exitCode {
	case 0:
		return "completed successfully"
	case 126:
		return "command is not executable (exit 126)"
	case 127:
		return "command not found (exit 127)"
	case 137:
		return "container killed (exit 137, likely out of memory)"
	case 143:
		return "container terminated by signal (exit 143)"
	}
	return fmt.Sprintf("container exited with code %d", exitCode)
}

var logPatterns = []struct {
	errType  job.ErrorType
	patterns []string
}{
	{job.ErrorPermission, []string{"permission denied", "access denied", "forbidden", "unauthorized", "not allowed", "operation not permitted"}},
	{job.ErrorResource, []string{"out of memory", "memory limit", "no space left", "disk space", "cannot allocate memory", "resource temporarily unavailable", "oomkilled"}},
	{job.ErrorScript, []string{"syntax error", "command not found", "module not found", "no such file", "traceback", "exception"}},
}

// AnalyzeLogs looks for well-known failure phrases in logs and returns the
// error type they suggest together with the matched phrase. It is a hint
// for operators; the exit-code classification stays authoritative.
func AnalyzeLogs(logs string) (job.ErrorType, string) {
	if logs == "" {
		return job.ErrorNone, ""
	}
	lower := strings.ToLower(logs)
	for _, group := range logPatterns {
		for _, p := range group.patterns {
			if strings.Contains(lower, p) {
				return group.errType, p
			}
		}
	}
	return job.ErrorNone, ""
}
