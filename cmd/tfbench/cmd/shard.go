package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tfbench/tf-bench-util/pkg/shard"
)

var (
	shardRank int
	shardSize int
)

var shardCmd = &cobra.Command{
	Use:   "shard",
	Short: "Print this MPI rank's input files and their output paths",
	Long: `Lists the resize inputs assigned to the current rank. Rank and world size are
read from OMPI_COMM_WORLD_RANK and OMPI_COMM_WORLD_SIZE unless --rank and
--size are given. Files are sorted and dealt round-robin, so rank r gets
files r, r+size, r+2*size and so on.`,
	Args: cobra.NoArgs,
	RunE: runShard,
}

func init() {
	rootCmd.AddCommand(shardCmd)

	shardCmd.Flags().StringP("input", "i", "", "input TFRecord glob (default <data_dir>/train-*)")
	shardCmd.Flags().String("output-dir", "", "output directory (default <scratch_dir>/tfrecords1729)")
	shardCmd.Flags().IntVar(&shardRank, "rank", -1, "rank (default from OMPI_COMM_WORLD_RANK)")
	shardCmd.Flags().IntVar(&shardSize, "size", -1, "world size (default from OMPI_COMM_WORLD_SIZE)")

	bindFlag(shardCmd, "input", "resize.input_glob")
	bindFlag(shardCmd, "output-dir", "resize.output_dir")
}

func runShard(cmd *cobra.Command, args []string) error {
	rank, size := shardRank, shardSize
	if rank < 0 || size < 0 {
		envRank, envSize, err := shard.FromEnv()
		if err != nil {
			return err
		}
		if rank < 0 {
			rank = envRank
		}
		if size < 0 {
			size = envSize
		}
	}

	assignments, err := shard.ForRank(cfg.Resize.InputGlob, cfg.Resize.OutputDir, rank, size)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		if assignments == nil {
			assignments = []shard.Assignment{}
		}
		return printJSON(out, assignments)
	}
	for _, a := range assignments {
		fmt.Fprintf(out, "%s\t%s\n", a.Input, a.Output)
	}
	return nil
}
