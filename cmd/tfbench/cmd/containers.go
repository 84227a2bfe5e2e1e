package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/tfbench/tf-bench-util/pkg/containers"
	"github.com/tfbench/tf-bench-util/pkg/jobs"
	"github.com/tfbench/tf-bench-util/pkg/models"
	"github.com/tfbench/tf-bench-util/pkg/remote"
)

var ErrNoHosts = errors.New("no hosts configured (use --hosts or the hosts config key)")

var containersCmd = &cobra.Command{
	Use:   "containers",
	Short: "Manage the benchmark container on every host",
}

var containersStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Restart the benchmark container on every host",
	Long: `Stops any container named containers.name on every host and starts a fresh
privileged, host-networked one with sshd running, so mpirun can reach it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runContainers(cmd, containers.OpStart)
	},
}

var containersStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the benchmark container on every host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runContainers(cmd, containers.OpStop)
	},
}

func init() {
	rootCmd.AddCommand(containersCmd)
	containersCmd.AddCommand(containersStartCmd)
	containersCmd.AddCommand(containersStopCmd)

	containersCmd.PersistentFlags().String("image", "", "container image")
	containersCmd.PersistentFlags().String("name", "", "container name")
	containersCmd.PersistentFlags().Int("parallel", 0, "hosts handled concurrently")
	containersCmd.PersistentFlags().String("transport", "", "ssh transport: openssh or native")

	bindFlag(containersCmd, "image", "containers.image")
	bindFlag(containersCmd, "name", "containers.name")
	bindFlag(containersCmd, "parallel", "containers.parallel")
	bindFlag(containersCmd, "transport", "containers.transport")
}

// dryRunExecutor prints the remote commands instead of running them
type dryRunExecutor struct {
	print func(host, command string)
}

func (d dryRunExecutor) Exec(_ context.Context, host string, argv []string) (remote.Output, error) {
	d.print(host, remote.Command(argv))
	return remote.Output{Host: host}, nil
}

func newManager(cmd *cobra.Command, s *session) *containers.Manager {
	m := &containers.Manager{
		Exec:     cfg.Executor(logger),
		Config:   cfg.ContainerConfig(),
		Parallel: cfg.Containers.Parallel,
		Retry:    cfg.RetryPolicy(),
		Logger:   logger,
		Tracer:   s.tracer,
		Observe: func(r containers.HostResult) {
			s.metrics.ObserveContainerOp(string(r.Op), r.OK)
		},
	}
	if cfg.Containers.RateLimit > 0 {
		m.Limiter = rate.NewLimiter(rate.Limit(cfg.Containers.RateLimit), 1)
	}
	if dryRun {
		out := cmd.OutOrStdout()
		var mu sync.Mutex
		m.Exec = dryRunExecutor{print: func(host, command string) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(out, "%s: %s\n", host, command)
		}}
	}
	return m
}

func runContainers(cmd *cobra.Command, op containers.Op) error {
	if len(cfg.Hosts) == 0 {
		return ErrNoHosts
	}
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	m := newManager(cmd, s)
	command := fmt.Sprintf("containers %s %s (%s)", op, m.Config.Name, m.Config.Image)
	run := s.begin(ctx, "containers", command, &jobs.Plan{Hosts: cfg.Hosts})

	var results []containers.HostResult
	if op == containers.OpStart {
		results, err = m.Start(ctx, cfg.Hosts)
	} else {
		results, err = m.Stop(ctx, cfg.Hosts)
	}

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	status, exitCode := models.RunStatusSucceeded, 0
	if err != nil {
		status, exitCode = models.RunStatusFailed, 1
	}
	s.finish(run, status, exitCode, err)

	if printErr := printHostResults(cmd, results); printErr != nil {
		return printErr
	}
	if err != nil {
		return &ExitError{Code: 1, Err: fmt.Errorf("%d of %d hosts failed: %w", failed, len(results), err)}
	}
	return nil
}

func printHostResults(cmd *cobra.Command, results []containers.HostResult) error {
	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, map[string]interface{}{"hosts": results, "count": len(results)})
	}
	if dryRun {
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Host", "Op", "Result", "Duration", "Detail")
	for _, r := range results {
		result := "ok"
		detail := strings.TrimSpace(r.Output)
		if !r.OK {
			result = "FAILED"
			detail = r.Error
		}
		table.Append(r.Host, string(r.Op), result, r.Duration.Round(time.Millisecond).String(), truncate(detail, 60))
	}
	table.Render()
	return nil
}

// truncate shortens s to at most max runes, marking the cut with "..."
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}
