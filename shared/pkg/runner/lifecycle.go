package runner

import (
	"fmt"
	"syscall"
	"time"
)

// LifecycleState represents the child process's lifecycle state
type LifecycleState string

const (
	StateStarting  LifecycleState = "starting"
	StateRunning   LifecycleState = "running"
	StateCompleted LifecycleState = "completed"
	StateFailed    LifecycleState = "failed"
	StateKilled    LifecycleState = "killed"
)

// ExitReason describes why a child terminated
type ExitReason string

const (
	ExitReasonSuccess     ExitReason = "success"
	ExitReasonError       ExitReason = "error"
	ExitReasonSignal      ExitReason = "signal"
	ExitReasonCanceled    ExitReason = "canceled"
	ExitReasonStartFailed ExitReason = "start_failed"
)

// ExitCodeStartFailed mirrors the shell's "command not found" status
const ExitCodeStartFailed = 127

// LifecycleEvent represents a lifecycle state change
type LifecycleEvent struct {
	PID       int            `json:"pid"`
	State     LifecycleState `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message,omitempty"`
}

// Result is the outcome of one Run
type Result struct {
	PID      int              `json:"pid"`
	ExitCode int              `json:"exit_code"`
	Reason   ExitReason       `json:"exit_reason"`
	Signal   string           `json:"signal,omitempty"`
	Started  time.Time        `json:"started"`
	Ended    time.Time        `json:"ended"`
	Events   []LifecycleEvent `json:"events"`
}

// Duration returns how long the child ran
func (r *Result) Duration() time.Duration {
	if r.Ended.IsZero() {
		return time.Since(r.Started)
	}
	return r.Ended.Sub(r.Started)
}

// Success reports a zero exit
func (r *Result) Success() bool {
	return r.Reason == ExitReasonSuccess
}

func (r *Result) emit(state LifecycleState, format string, args ...interface{}) {
	r.Events = append(r.Events, LifecycleEvent{
		PID:       r.PID,
		State:     state,
		Timestamp: time.Now(),
		Message:   fmt.Sprintf(format, args...),
	})
}

// ExitCodeForSignal follows the shell convention of 128+signo
func ExitCodeForSignal(sig syscall.Signal) int {
	return 128 + int(sig)
}

// SignalName returns the conventional name for a signal
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
