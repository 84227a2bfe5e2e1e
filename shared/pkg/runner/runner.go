package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/tfbench/tf-bench-util/pkg/logging"
)

// DefaultGrace is how long a canceled child gets between SIGTERM and SIGKILL
const DefaultGrace = 10 * time.Second

var ErrEmptyCommand = errors.New("runner: empty command")

// Spec describes one child process
type Spec struct {
	Argv    []string
	Env     []string // appended to the current environment
	Dir     string
	LogFile string // opened in append mode; receives stdout and stderr
	Stdout  io.Writer
	Stderr  io.Writer
	Grace   time.Duration
	DryRun  bool
	Logger  *logging.Logger
}

// EnsureDir creates path and its parents. Existing directories are fine.
func EnsureDir(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Run starts the child in its own process group and waits for it. A non-zero
// exit is reported through Result, not as an error. Cancelling ctx sends
// SIGTERM to the whole group and SIGKILL after the grace period.
func Run(ctx context.Context, spec Spec) (*Result, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, ErrEmptyCommand
	}
	logger := spec.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	grace := spec.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	result := &Result{Started: time.Now()}

	if spec.DryRun {
		result.Reason = ExitReasonSuccess
		result.Ended = result.Started
		result.emit(StateCompleted, "dry run")
		return result, nil
	}

	stdout, stderr := spec.Stdout, spec.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	if spec.LogFile != "" {
		if err := EnsureDir(filepath.Dir(spec.LogFile)); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", spec.LogFile, err)
		}
		defer f.Close()
		shared := &lockedWriter{w: f}
		stdout = io.MultiWriter(stdout, shared)
		stderr = io.MultiWriter(stderr, shared)
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	result.emit(StateStarting, "spawning %s", spec.Argv[0])
	if err := cmd.Start(); err != nil {
		result.ExitCode = ExitCodeStartFailed
		result.Reason = ExitReasonStartFailed
		result.Ended = time.Now()
		result.emit(StateFailed, "failed to start: %v", err)
		return result, fmt.Errorf("failed to start %s: %w", spec.Argv[0], err)
	}

	result.PID = cmd.Process.Pid
	result.emit(StateRunning, "PID %d started", result.PID)
	logger.Debug("Process started", logging.Fields{"pid": result.PID, "command": spec.Argv[0]})

	done := make(chan struct{})
	var canceled bool
	var cancelMu sync.Mutex
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		cancelMu.Lock()
		canceled = true
		cancelMu.Unlock()

		logger.Warn("Context canceled, terminating process group", logging.Fields{"pid": result.PID})
		_ = syscall.Kill(-result.PID, syscall.SIGTERM)

		select {
		case <-done:
		case <-time.After(grace):
			logger.Warn("Grace period expired, killing process group", logging.Fields{"pid": result.PID})
			_ = syscall.Kill(-result.PID, syscall.SIGKILL)
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	result.Ended = time.Now()

	cancelMu.Lock()
	wasCanceled := canceled
	cancelMu.Unlock()

	classify(result, waitErr, wasCanceled)

	logger.Debug("Process exited", logging.Fields{
		"pid":       result.PID,
		"exit_code": result.ExitCode,
		"reason":    string(result.Reason),
		"duration":  result.Duration().String(),
	})

	return result, nil
}

func classify(result *Result, waitErr error, canceled bool) {
	if waitErr == nil {
		result.Reason = ExitReasonSuccess
		result.emit(StateCompleted, "completed successfully")
		return
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		result.ExitCode = 1
		result.Reason = ExitReasonError
		result.emit(StateFailed, "wait error: %v", waitErr)
		return
	}

	result.ExitCode = exitErr.ExitCode()
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		sig := status.Signal()
		result.Signal = SignalName(sig)
		result.ExitCode = ExitCodeForSignal(sig)
		result.Reason = ExitReasonSignal
		if canceled {
			result.Reason = ExitReasonCanceled
		}
		result.emit(StateKilled, "killed by %s", result.Signal)
		return
	}

	result.Reason = ExitReasonError
	if canceled {
		result.Reason = ExitReasonCanceled
	}
	result.emit(StateFailed, "exited with code %d", result.ExitCode)
}
