// Package containers starts and stops the benchmark container on every host.
// Each host gets the same privileged, host-networked TensorFlow image with
// sshd running so mpirun can reach it.
package containers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tfbench/tf-bench-util/pkg/logging"
	"github.com/tfbench/tf-bench-util/pkg/remote"
	"github.com/tfbench/tf-bench-util/pkg/retry"
	"github.com/tfbench/tf-bench-util/pkg/tracing"
)

// DefaultParallel matches the size of the original launcher's worker pool
const DefaultParallel = 16

// Op identifies a container operation for results and metrics
type Op string

const (
	OpStart Op = "start"
	OpStop  Op = "stop"
)

// Mount is one bind mount into the container
type Mount struct {
	Source   string `mapstructure:"source" yaml:"source" json:"source"`
	Target   string `mapstructure:"target" yaml:"target" json:"target"`
	ReadOnly bool   `mapstructure:"read_only" yaml:"read_only,omitempty" json:"read_only,omitempty"`
}

func (m Mount) String() string {
	s := m.Source + ":" + m.Target
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// DefaultMounts returns the scripts, benchmarks, dataset and scratch mounts
// rooted at the given host directories, plus /mnt.
func DefaultMounts(scriptsDir, benchmarksDir, dataDir, scratchDir string) []Mount {
	return []Mount{
		{Source: scriptsDir, Target: "/scripts"},
		{Source: benchmarksDir, Target: "/tensorflow-benchmarks"},
		{Source: dataDir, Target: "/imagenet-data", ReadOnly: true},
		{Source: scratchDir, Target: "/imagenet-scratch"},
		{Source: "/mnt", Target: "/mnt"},
	}
}

// Config describes the container to run on each host
type Config struct {
	Name    string
	Image   string
	Runtime string // docker CLI used for run, "nvidia-docker" by default
	Mounts  []Mount
}

// StopArgs is the remote command that stops the container
func StopArgs(cfg Config) []string {
	return []string{"docker", "stop", cfg.Name}
}

// RunArgs is the remote command that starts the container detached
func RunArgs(cfg Config) []string {
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "nvidia-docker"
	}
	args := []string{runtime, "run", "--rm", "--detach", "--privileged"}
	for _, m := range cfg.Mounts {
		args = append(args, "-v", m.String())
	}
	args = append(args,
		"--network=host",
		"--shm-size=1g",
		"--ulimit", "memlock=-1",
		"--ulimit", "stack=67108864",
		"--name", cfg.Name,
		cfg.Image,
		"bash", "-c", "/usr/sbin/sshd ; sleep infinity",
	)
	return args
}

// HostResult records the outcome on one host
type HostResult struct {
	Host     string        `json:"host"`
	Op       Op            `json:"op"`
	OK       bool          `json:"ok"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Observer is notified once per host operation
type Observer func(HostResult)

// Manager fans container operations out across hosts
type Manager struct {
	Exec     remote.Executor
	Config   Config
	Parallel int
	Limiter  *rate.Limiter // paces new SSH sessions; nil means unlimited
	Retry    retry.Config  // container start retries; the zero value tries once
	Logger   *logging.Logger
	Tracer   *tracing.Provider
	Observe  Observer
}

func (m *Manager) logger() *logging.Logger {
	if m.Logger == nil {
		return logging.Discard()
	}
	return m.Logger
}

// Start stops any existing container and starts a fresh one on every host.
// Results come back in host order; the error joins every host failure.
func (m *Manager) Start(ctx context.Context, hosts []string) ([]HostResult, error) {
	return m.each(ctx, hosts, OpStart, m.startOne)
}

// Stop stops the container on every host
func (m *Manager) Stop(ctx context.Context, hosts []string) ([]HostResult, error) {
	return m.each(ctx, hosts, OpStop, m.stopOne)
}

func (m *Manager) startOne(ctx context.Context, host string) (string, error) {
	log := m.logger().WithField("host", host)

	// A missing container is the normal case here.
	if out, err := m.Exec.Exec(ctx, host, StopArgs(m.Config)); err != nil {
		var exitErr *remote.ExitError
		if !errors.As(err, &exitErr) {
			return out.Stdout, err
		}
		log.Debug("No running container to stop", logging.Fields{"name": m.Config.Name})
	}

	var out remote.Output
	policy := m.Retry
	policy.ShouldRetry = transient
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		log.Warn("Container start failed, retrying", logging.Fields{
			"attempt": attempt, "backoff": backoff.String(), "error": err.Error(),
		})
	}
	err := retry.Do(ctx, policy, func() error {
		var err error
		out, err = m.Exec.Exec(ctx, host, RunArgs(m.Config))
		return err
	})
	if err != nil {
		return out.Stdout, err
	}
	log.Info("Container started", logging.Fields{"name": m.Config.Name, "image": m.Config.Image})
	return out.Stdout, nil
}

// transient reports failures to reach the host. A remote command that ran and
// exited non-zero is never retried.
func transient(err error) bool {
	return errors.Is(err, remote.ErrTransport) && retry.IsRetryable(err)
}

func (m *Manager) stopOne(ctx context.Context, host string) (string, error) {
	out, err := m.Exec.Exec(ctx, host, StopArgs(m.Config))
	if err != nil {
		return out.Stdout, err
	}
	m.logger().Info("Container stopped", logging.Fields{"host": host, "name": m.Config.Name})
	return out.Stdout, nil
}

func (m *Manager) each(ctx context.Context, hosts []string, op Op, fn func(context.Context, string) (string, error)) ([]HostResult, error) {
	if m.Exec == nil {
		return nil, errors.New("containers: no remote executor configured")
	}
	parallel := m.Parallel
	if parallel < 1 {
		parallel = DefaultParallel
	}

	results := make([]HostResult, len(hosts))
	errs := make([]error, len(hosts))

	// Host failures are collected, not propagated, so one bad node does not
	// cancel the others.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			if m.Limiter != nil {
				if err := m.Limiter.Wait(gctx); err != nil {
					errs[i] = fmt.Errorf("%s: %w", host, err)
					results[i] = HostResult{Host: host, Op: op, Error: err.Error()}
					return nil
				}
			}

			spanCtx, span := m.Tracer.StartSpan(gctx, "container."+string(op),
				attribute.String("host", host),
				attribute.String("container", m.Config.Name),
			)
			start := time.Now()
			out, err := fn(spanCtx, host)
			tracing.End(span, err)

			res := HostResult{Host: host, Op: op, OK: err == nil, Output: out, Duration: time.Since(start)}
			if err != nil {
				res.Error = err.Error()
				errs[i] = fmt.Errorf("%s: %w", host, err)
				m.logger().Error("Container operation failed", logging.Fields{
					"host": host, "op": string(op), "error": err.Error(),
				})
			}
			results[i] = res
			if m.Observe != nil {
				m.Observe(res)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}
