package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tfbench/tf-bench-util/internal/config"
	"github.com/tfbench/tf-bench-util/pkg/logging"
)

var (
	cfgFile      string
	outputFormat string
	dryRun       bool

	v      *viper.Viper
	cfg    *config.Config
	logger = logging.Discard()
)

// ExitError carries a child process exit code out to main
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exit status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tfbench",
	Short: "Launch TensorFlow ImageNet preprocessing and benchmarks across a cluster",
	Long: `tfbench drives the TFRecord resize and expand preprocessing steps under mpirun,
runs the TensorFlow benchmark, and manages the benchmark containers on every host.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately
// SIGINT and SIGTERM cancel the command's context, which stops any child
// process group.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return executeContext(ctx)
}

// executeContext runs the root command and closes the log file whether or
// not the command failed. Cobra skips post-run hooks after an error.
func executeContext(ctx context.Context) error {
	defer logger.Close()
	return rootCmd.ExecuteContext(ctx)
}

// flagKeys maps a command's flags to the viper keys they override
var flagKeys = map[*cobra.Command]map[string]string{}

func bindFlag(cmd *cobra.Command, flag, key string) {
	if flagKeys[cmd] == nil {
		flagKeys[cmd] = map[string]string{}
	}
	flagKeys[cmd][flag] = key
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tfbench/config.yaml or ./tfbench.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "print what would run without running it")
	rootCmd.PersistentFlags().StringSlice("hosts", nil, "cluster hosts, separated by commas or spaces")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")

	bindFlag(rootCmd, "hosts", "hosts")
	bindFlag(rootCmd, "log-level", "log.level")
}

// initConfig reads the config file, TFBENCH_* variables and flags for the
// command about to run.
func initConfig(cmd *cobra.Command, _ []string) error {
	v = config.New()

	for c := cmd; c != nil; c = c.Parent() {
		for flag, key := range flagKeys[c] {
			f := lookupFlag(cmd, flag)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind --%s: %w", flag, err)
			}
		}
	}

	if err := config.ReadFile(v, cfgFile); err != nil {
		return err
	}

	loaded, err := config.Load(v)
	if err != nil {
		return err
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded

	logger = newLogger(cmd.ErrOrStderr())
	return nil
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f
	}
	return cmd.InheritedFlags().Lookup(name)
}

// newLogger logs to <log.dir>/tfbench/tfbench.log with a console copy on
// stderr. Dry runs and unwritable log directories log to stderr only.
func newLogger(console io.Writer) *logging.Logger {
	level := logging.ParseLevel(cfg.Log.Level)
	if !dryRun {
		if l, err := logging.NewFileLogger(cfg.Log.Dir, "tfbench", level, cfg.Log.JSON); err == nil {
			l.MirrorTo(console)
			return l
		}
	}
	l := logging.NewLogger(level, cfg.Log.JSON)
	l.SetOutput(console)
	return l
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
