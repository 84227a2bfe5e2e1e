package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tfbench/tf-bench-util/pkg/jobs"
	"github.com/tfbench/tf-bench-util/pkg/logging"
	"github.com/tfbench/tf-bench-util/pkg/metrics"
	"github.com/tfbench/tf-bench-util/pkg/models"
	"github.com/tfbench/tf-bench-util/pkg/runner"
	"github.com/tfbench/tf-bench-util/pkg/store"
	"github.com/tfbench/tf-bench-util/pkg/tracing"
)

// Version is reported to the tracing backend
var Version = "dev"

// session bundles what every launch records to
type session struct {
	store   store.Store
	metrics *metrics.Registry
	tracer  *tracing.Provider
	log     *logging.Logger
}

// openSession opens history and tracing. Dry runs keep history in memory so
// nothing on disk is touched.
func openSession(ctx context.Context) (*session, error) {
	dsn := cfg.History.DSN
	if dryRun {
		dsn = ""
	}
	st, err := store.Open(dsn)
	if err != nil {
		logger.Warn("History unavailable, continuing without it", logging.Fields{"dsn": dsn, "error": err.Error()})
		st = store.NewMemoryStore()
	}
	return newSession(ctx, st)
}

// newSession takes ownership of st and starts tracing
func newSession(ctx context.Context, st store.Store) (*session, error) {
	tp, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "tfbench",
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	return &session{store: st, metrics: metrics.New(), tracer: tp, log: logger}, nil
}

func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tracer.Shutdown(ctx); err != nil {
		s.log.Warn("Failed to flush traces", logging.Fields{"error": err.Error()})
	}
	s.store.Close()
}

// begin records a running launch in history
func (s *session) begin(ctx context.Context, kind string, command string, plan *jobs.Plan) *models.Run {
	run := &models.Run{
		ID:        uuid.New().String(),
		Kind:      kind,
		Command:   command,
		DryRun:    dryRun,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if plan != nil {
		run.Hosts = plan.Hosts
		run.OutputDir = plan.OutputDir
		run.LogFile = plan.LogFile
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.log.Warn("Failed to record run", logging.Fields{"id": run.ID, "error": err.Error()})
	}
	return run
}

// finish records the outcome and updates metrics
func (s *session) finish(run *models.Run, status models.RunStatus, exitCode int, runErr error) {
	ended := time.Now().UTC()
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}

	// The launch context may already be canceled; history must still be written.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.FinishRun(ctx, run.ID, status, exitCode, ended, errMsg); err != nil {
		s.log.Warn("Failed to finish run", logging.Fields{"id": run.ID, "error": err.Error()})
	}

	s.metrics.ObserveLaunch(run.Kind, string(status), exitCode, ended.Sub(run.StartedAt))
	s.writeTextfile()
}

func (s *session) writeTextfile() {
	if cfg.Metrics.Textfile == "" || dryRun {
		return
	}
	if err := s.metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		s.log.Warn("Failed to write metrics textfile", logging.Fields{"path": cfg.Metrics.Textfile, "error": err.Error()})
	}
}

// execute runs plan end to end: directories, history, the child process,
// metrics. A non-zero child exit comes back as *ExitError.
func execute(ctx context.Context, out io.Writer, plan *jobs.Plan) error {
	if dryRun {
		fmt.Fprintln(out, plan.Rendered)
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	log := logger.WithFields(logging.Fields{"kind": string(plan.Kind)})

	if !dryRun {
		for _, dir := range plan.Dirs() {
			if err := runner.EnsureDir(dir); err != nil {
				return err
			}
		}
	}

	run := s.begin(ctx, string(plan.Kind), plan.Rendered, plan)
	log = log.WithField("run_id", run.ID)

	spanCtx, span := s.tracer.StartSpan(ctx, "launch."+string(plan.Kind),
		attribute.String("run.id", run.ID),
		attribute.String("command", plan.Rendered),
		attribute.Int("hosts", len(plan.Hosts)),
	)

	log.Info("Launching", logging.Fields{"command": plan.Rendered, "log_file": plan.LogFile})
	env := append(tracing.Environ(spanCtx), plan.Env...)
	res, runErr := runner.Run(spanCtx, runner.Spec{
		Argv:    plan.Argv,
		Env:     env,
		LogFile: plan.LogFile,
		Stdout:  out,
		Stderr:  os.Stderr,
		DryRun:  dryRun,
		Logger:  log,
	})

	exitCode := runner.ExitCodeStartFailed
	canceled := false
	if res != nil {
		for _, ev := range res.Events {
			tracing.AddEvent(spanCtx, "process."+string(ev.State),
				attribute.Int("pid", ev.PID),
				attribute.String("message", ev.Message),
			)
		}
		exitCode = res.ExitCode
		canceled = res.Reason == runner.ExitReasonCanceled
		span.SetAttributes(attribute.Int("exit_code", exitCode), attribute.String("exit_reason", string(res.Reason)))
	}
	status := models.StatusForExit(exitCode, canceled)

	spanErr := runErr
	if spanErr == nil && exitCode != 0 {
		spanErr = fmt.Errorf("%s exited with code %d", plan.Kind, exitCode)
	}
	tracing.End(span, spanErr)
	s.finish(run, status, exitCode, spanErr)

	fields := logging.Fields{"exit_code": exitCode, "status": string(status)}
	if res != nil {
		fields["duration"] = res.Duration().Round(time.Millisecond).String()
	}
	switch {
	case runErr != nil:
		if errors.Is(runErr, runner.ErrEmptyCommand) {
			return runErr
		}
		log.Error("Launch failed to start", logging.Fields{"error": runErr.Error()})
		return &ExitError{Code: exitCode, Err: runErr}
	case exitCode != 0:
		log.Error("Launch failed", fields)
		return &ExitError{Code: exitCode}
	default:
		log.Info("Launch finished", fields)
		return nil
	}
}
