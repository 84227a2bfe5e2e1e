package models

import "time"

// RunStatus represents the status of a recorded launch
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// IsTerminal returns true once a run can no longer change
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCanceled
}

// Run is one recorded launch of a preprocessing or benchmark job
type Run struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`    // resize, expand, benchmark, containers
	Command   string     `json:"command"` // rendered shell line
	Hosts     []string   `json:"hosts,omitempty"`
	OutputDir string     `json:"output_dir,omitempty"`
	LogFile   string     `json:"log_file,omitempty"`
	DryRun    bool       `json:"dry_run,omitempty"`
	Status    RunStatus  `json:"status"`
	ExitCode  int        `json:"exit_code"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Duration returns the run's wall time, or time so far while running
func (r *Run) Duration() time.Duration {
	if r.EndedAt == nil {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// StatusForExit maps a child exit to a run status
func StatusForExit(exitCode int, canceled bool) RunStatus {
	switch {
	case canceled:
		return RunStatusCanceled
	case exitCode == 0:
		return RunStatusSucceeded
	default:
		return RunStatusFailed
	}
}
