package child

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// ExitReason describes why a worker terminated
type ExitReason string

const (
	ExitReasonSuccess ExitReason = "success" // Exit code 0
	ExitReasonError   ExitReason = "error"   // Exit code != 0
	ExitReasonSignal  ExitReason = "signal"  // Killed by signal
	ExitReasonOOM     ExitReason = "oom"     // Out of memory killed
	ExitReasonUnknown ExitReason = "unknown"
)

// ExitStatus is the result of the single Wait call on a worker
type ExitStatus struct {
	Code   int        `json:"exit_code"`
	Signal string     `json:"signal,omitempty"`
	Reason ExitReason `json:"exit_reason"`
	Err    error      `json:"-"`
}

// Clean reports whether the worker exited on its own with status zero
func (s ExitStatus) Clean() bool {
	return s.Reason == ExitReasonSuccess
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return fmt.Sprintf("%s (%s)", s.Reason, s.Signal)
	}
	return fmt.Sprintf("%s (code %d)", s.Reason, s.Code)
}

// exitStatusFromWait classifies the error returned by exec.Cmd.Wait
func exitStatusFromWait(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0, Reason: ExitReasonSuccess}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitStatus{Code: -1, Reason: ExitReasonUnknown, Err: err}
	}

	status := ExitStatus{Code: exitErr.ExitCode(), Err: err}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		status.Reason = DetermineExitReason(status.Code, ws)
		if ws.Signaled() {
			status.Signal = SignalName(ws.Signal())
		}
	} else {
		status.Reason = ExitReasonError
	}

	return status
}

// DetermineExitReason analyzes process exit to determine the reason
func DetermineExitReason(exitCode int, waitStatus syscall.WaitStatus) ExitReason {
	if waitStatus.Exited() {
		if exitCode == 0 {
			return ExitReasonSuccess
		}
		// 137 is how shells report a SIGKILLed child, which is usually the OOM killer
		if exitCode == 137 {
			return ExitReasonOOM
		}
		return ExitReasonError
	}

	if waitStatus.Signaled() {
		return ExitReasonSignal
	}

	return ExitReasonUnknown
}

// SignalName returns the signal name for a signal number
func SignalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGKILL:
		return "SIGKILL"
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	case syscall.SIGQUIT:
		return "SIGQUIT"
	case syscall.SIGABRT:
		return "SIGABRT"
	case syscall.SIGSEGV:
		return "SIGSEGV"
	case syscall.SIGPIPE:
		return "SIGPIPE"
	default:
		return fmt.Sprintf("SIG%d", int(sig))
	}
}
