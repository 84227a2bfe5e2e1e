// Package remote runs commands on cluster hosts over SSH.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tfbench/tf-bench-util/pkg/mpi"
)

// ErrTransport marks failures to reach a host, as opposed to the remote
// command itself failing.
var ErrTransport = errors.New("remote: transport failure")

// Output is what a remote command produced
type Output struct {
	Host     string `json:"host"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// ExitError reports a remote command that ran and exited non-zero
type ExitError struct {
	Host   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("remote command on %s exited with code %d", e.Host, e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Executor runs argv on host
type Executor interface {
	Exec(ctx context.Context, host string, argv []string) (Output, error)
}

// Command renders argv as the single command string sent to the remote shell
func Command(argv []string) string {
	return mpi.Render(argv)
}

// SplitUser separates an optional user@ prefix from a host
func SplitUser(host, fallback string) (user, hostname string) {
	if i := strings.LastIndex(host, "@"); i >= 0 {
		return host[:i], host[i+1:]
	}
	return fallback, host
}
