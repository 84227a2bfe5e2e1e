package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tfbench/tf-bench-util/pkg/api"
	"github.com/tfbench/tf-bench-util/pkg/cleanup"
	"github.com/tfbench/tf-bench-util/pkg/logging"
	"github.com/tfbench/tf-bench-util/pkg/ratelimit"
	"github.com/tfbench/tf-bench-util/pkg/shutdown"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve launch history and metrics over HTTP",
	Long: `Starts a read-only HTTP server exposing /health, /runs, /runs/{id} and
/metrics from the configured history database.

When history.retention is set the server also prunes finished runs older
than the retention every history.prune_interval.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", ":9400", "listen address")
	bindFlag(serveCmd, "addr", "serve.addr")
	serveCmd.Flags().Float64("rate-limit", 0, "requests per second per client IP (0 = unlimited)")
	bindFlag(serveCmd, "rate-limit", "serve.rate_limit")
}

// limiterIdle is how long a client's bucket survives without requests
const limiterIdle = 10 * time.Minute

func newServeLimiter(ctx context.Context) *ratelimit.Limiter {
	if cfg.Serve.RateLimit <= 0 {
		return nil
	}
	limiter := ratelimit.NewLimiter(cfg.Serve.RateLimit, cfg.Serve.RateBurst)
	go func() {
		ticker := time.NewTicker(limiterIdle)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := limiter.Forget(limiterIdle); n > 0 {
					logger.Debug("Dropped idle rate limit buckets", logging.Fields{"count": n})
				}
			}
		}
	}()
	return limiter
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// Unlike a launch, serving an empty fallback history would hide the failure.
	st, err := openHistory()
	if err != nil {
		return err
	}
	s, err := newSession(ctx, st)
	if err != nil {
		return err
	}

	// A listener failure cancels the wait the same way a signal does.
	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	handler := api.NewHistoryHandler(s.store, s.metrics.Handler(), logger)
	server := &http.Server{
		Addr:              cfg.Serve.Addr,
		Handler:           api.NewRouter(handler, s.tracer, newServeLimiter(waitCtx)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pruner := cleanup.NewManager(cleanup.Config{
		Retention: cfg.History.Retention,
		Interval:  cfg.History.PruneInterval,
	}, s.store, logger)
	pruner.Start(waitCtx)

	// Registration order is the reverse of shutdown order.
	mgr := shutdown.New(15*time.Second, logger)
	mgr.Register("session", func(context.Context) error { s.Close(); return nil })
	mgr.Register("pruner", func(context.Context) error { pruner.Stop(); return nil })
	mgr.Register("http", shutdown.StopHTTPServer(server))

	go func() {
		logger.Info("History server listening", logging.Fields{"addr": cfg.Serve.Addr, "history": cfg.History.DSN})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("History server failed", logging.Fields{"error": err.Error()})
			cancel(err)
		}
	}()

	if err := mgr.WaitWithContext(waitCtx); err != nil {
		return err
	}
	if cause := context.Cause(waitCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return fmt.Errorf("history server: %w", cause)
	}
	return nil
}
