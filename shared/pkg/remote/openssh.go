package remote

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/tfbench/tf-bench-util/pkg/logging"
	"github.com/tfbench/tf-bench-util/pkg/runner"
)

// exit status ssh(1) uses for its own errors
const sshTransportExit = 255

// OpenSSH shells out to the system ssh client
type OpenSSH struct {
	Binary  string // defaults to "ssh"
	Port    int
	Options []string // extra -o options, e.g. "StrictHostKeyChecking=no"
	Logger  *logging.Logger
}

// Argv returns the local command that runs argv on host
func (o *OpenSSH) Argv(host string, argv []string) []string {
	binary := o.Binary
	if binary == "" {
		binary = "ssh"
	}
	cmd := []string{binary}
	if o.Port > 0 {
		cmd = append(cmd, "-p", strconv.Itoa(o.Port))
	}
	cmd = append(cmd, "-o", "BatchMode=yes")
	for _, opt := range o.Options {
		cmd = append(cmd, "-o", opt)
	}
	return append(cmd, host, Command(argv))
}

// Exec runs argv on host through ssh
func (o *OpenSSH) Exec(ctx context.Context, host string, argv []string) (Output, error) {
	var stdout, stderr bytes.Buffer
	out := Output{Host: host}

	res, err := runner.Run(ctx, runner.Spec{
		Argv:   o.Argv(host, argv),
		Stdout: &stdout,
		Stderr: &stderr,
		Logger: o.Logger,
	})
	if err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrTransport, host, err)
	}

	out.ExitCode = res.ExitCode
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()

	switch {
	case res.Success():
		return out, nil
	case res.ExitCode == sshTransportExit:
		return out, fmt.Errorf("%w: %s: %s", ErrTransport, host, bytes.TrimSpace(stderr.Bytes()))
	default:
		return out, &ExitError{Host: host, Code: res.ExitCode, Stderr: out.Stderr}
	}
}
