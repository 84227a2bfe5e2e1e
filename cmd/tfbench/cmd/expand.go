package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tfbench/tf-bench-util/pkg/jobs"
)

var expandCmd = &cobra.Command{
	Use:   "expand",
	Short: "Replicate resized TFRecords under mpirun",
	Long: `Runs expand_tfrecords_mpi.py under mpirun to write --copies replicas of the
resized dataset into <scratch_dir>/tfrecords-<copies>x.`,
	Args: cobra.NoArgs,
	RunE: runExpand,
}

func init() {
	rootCmd.AddCommand(expandCmd)

	expandCmd.Flags().StringP("input", "i", "", "input directory (default <scratch_dir>/tfrecords1729)")
	expandCmd.Flags().String("output-dir", "", "output directory (default <scratch_dir>/tfrecords-<copies>x)")
	expandCmd.Flags().Int("copies", 2, "number of copies of each record")
	expandCmd.Flags().Int("np", 0, "number of MPI processes (0 = hosts x local CPUs)")

	bindFlag(expandCmd, "input", "expand.input_dir")
	bindFlag(expandCmd, "output-dir", "expand.output_dir")
	bindFlag(expandCmd, "copies", "expand.copies")
	bindFlag(expandCmd, "np", "expand.np")
}

func expandPlan(cmd *cobra.Command) (*jobs.Plan, error) {
	return jobs.Expand(jobs.ExpandOptions{
		MPI:        cfg.MPIOptions(),
		Python:     cfg.Python,
		ScriptsDir: cfg.ScriptsDir,
		ScratchDir: cfg.ScratchDir,
		InputDir:   cfg.Expand.InputDir,
		OutputDir:  cfg.Expand.OutputDir,
		Copies:     cfg.Expand.Copies,
		NP:         autoNP(cmd, cfg.Expand.NP),
	})
}

func runExpand(cmd *cobra.Command, args []string) error {
	plan, err := expandPlan(cmd)
	if err != nil {
		return err
	}
	return execute(cmd.Context(), cmd.OutOrStdout(), plan)
}
