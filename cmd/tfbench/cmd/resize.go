package cmd

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tfbench/tf-bench-util/internal/hostinfo"
	"github.com/tfbench/tf-bench-util/pkg/jobs"
	"github.com/tfbench/tf-bench-util/pkg/shard"
)

var resizeCmd = &cobra.Command{
	Use:   "resize",
	Short: "Resize ImageNet TFRecords under mpirun",
	Long: `Runs resize_tfrecords_mpi.py under mpirun across the configured hosts. Each
rank resizes its share of the input files into the output directory. GPUs are
hidden from every rank.`,
	Args: cobra.NoArgs,
	RunE: runResize,
}

var resizePlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show which input files each rank will resize",
	Args:  cobra.NoArgs,
	RunE:  runResizePlan,
}

func init() {
	rootCmd.AddCommand(resizeCmd)
	resizeCmd.AddCommand(resizePlanCmd)

	resizeCmd.PersistentFlags().StringP("input", "i", "", "input TFRecord glob (default <data_dir>/train-*)")
	resizeCmd.PersistentFlags().String("output-dir", "", "output directory (default <scratch_dir>/tfrecords1729)")
	resizeCmd.PersistentFlags().Int("np", 0, "number of MPI processes (0 = hosts x local CPUs)")

	bindFlag(resizeCmd, "input", "resize.input_glob")
	bindFlag(resizeCmd, "output-dir", "resize.output_dir")
	bindFlag(resizeCmd, "np", "resize.np")
}

// autoNP fills in a zero process count from the host list and local CPUs
func autoNP(cmd *cobra.Command, np int) int {
	if np > 0 {
		return np
	}
	return hostinfo.AutoNP(len(cfg.Hosts), hostinfo.LogicalCPUs(cmd.Context()))
}

func resizePlan(cmd *cobra.Command) (*jobs.Plan, error) {
	return jobs.Resize(jobs.ResizeOptions{
		MPI:        cfg.MPIOptions(),
		Python:     cfg.Python,
		ScriptsDir: cfg.ScriptsDir,
		InputGlob:  cfg.Resize.InputGlob,
		OutputDir:  cfg.Resize.OutputDir,
		NP:         autoNP(cmd, cfg.Resize.NP),
	})
}

func runResize(cmd *cobra.Command, args []string) error {
	plan, err := resizePlan(cmd)
	if err != nil {
		return err
	}
	return execute(cmd.Context(), cmd.OutOrStdout(), plan)
}

type rankSummary struct {
	Rank  int      `json:"rank"`
	Files int      `json:"files"`
	First string   `json:"first,omitempty"`
	Last  string   `json:"last,omitempty"`
	Items []string `json:"inputs"`
}

func runResizePlan(cmd *cobra.Command, args []string) error {
	np := autoNP(cmd, cfg.Resize.NP)
	assignments, err := shard.Plan(cfg.Resize.InputGlob, cfg.Resize.OutputDir, np)
	if err != nil {
		return err
	}

	counts := shard.Counts(assignments, np)
	ranks := make([]rankSummary, np)
	for i := range ranks {
		ranks[i].Rank = i
		ranks[i].Files = counts[i]
		ranks[i].Items = make([]string, 0, counts[i])
	}
	for _, a := range assignments {
		r := &ranks[a.Rank]
		r.Items = append(r.Items, a.Input)
		if r.First == "" {
			r.First = a.Input
		}
		r.Last = a.Input
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, map[string]interface{}{
			"input":      cfg.Resize.InputGlob,
			"output_dir": cfg.Resize.OutputDir,
			"np":         np,
			"files":      len(assignments),
			"ranks":      ranks,
		})
	}

	fmt.Fprintf(out, "%d files from %s across %d ranks into %s\n\n", len(assignments), cfg.Resize.InputGlob, np, cfg.Resize.OutputDir)
	table := tablewriter.NewWriter(out)
	table.Header("Rank", "Files", "First", "Last")
	for _, r := range ranks {
		table.Append(strconv.Itoa(r.Rank), strconv.Itoa(r.Files), r.First, r.Last)
	}
	table.Render()
	return nil
}
