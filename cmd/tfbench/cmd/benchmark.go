package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tfbench/tf-bench-util/pkg/jobs"
)

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark [-- extra run_benchmark.py args]",
	Short: "Run the TensorFlow benchmark",
	Long: `Runs run_benchmark.py for --model. Output is shown on the console and appended
to benchmark.log_file. Arguments after -- are passed through unchanged.`,
	RunE: runBenchmark,
}

func init() {
	rootCmd.AddCommand(benchmarkCmd)

	benchmarkCmd.Flags().String("model", "resnet50", "model to benchmark")
	benchmarkCmd.Flags().Int("np", 0, "total processes (0 = npernode x hosts)")
	benchmarkCmd.Flags().Int("npernode", 0, "processes per host (0 = let run_benchmark.py decide)")
	benchmarkCmd.Flags().String("log-file", "", "benchmark log (default <scratch_dir>/logs/run_benchmark.log)")

	bindFlag(benchmarkCmd, "model", "benchmark.model")
	bindFlag(benchmarkCmd, "np", "benchmark.np")
	bindFlag(benchmarkCmd, "npernode", "benchmark.npernode")
	bindFlag(benchmarkCmd, "log-file", "benchmark.log_file")
}

func benchmarkPlan(extra []string) (*jobs.Plan, error) {
	return jobs.Benchmark(jobs.BenchmarkOptions{
		Python:     cfg.Python,
		ScriptsDir: cfg.ScriptsDir,
		Model:      cfg.Benchmark.Model,
		NP:         cfg.Benchmark.NP,
		NPerNode:   cfg.Benchmark.NPerNode,
		Hosts:      cfg.Hosts,
		LogFile:    cfg.Benchmark.LogFile,
		Extra:      extra,
	})
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	plan, err := benchmarkPlan(args)
	if err != nil {
		return err
	}
	return execute(cmd.Context(), cmd.OutOrStdout(), plan)
}
