package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tfbench/tf-bench-util/pkg/cleanup"
	"github.com/tfbench/tf-bench-util/pkg/models"
	"github.com/tfbench/tf-bench-util/pkg/store"
)

var (
	historyKind      string
	historyLimit     int
	historyOlderThan time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded launches",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent launches, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one launch in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished launches older than a cutoff",
	Long: `Deletes finished launches that started before now minus --older-than.
Runs still marked running are kept. Defaults to history.retention.`,
	Args: cobra.NoArgs,
	RunE: runHistoryPrune,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyPruneCmd)

	historyPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 0, "age cutoff, e.g. 720h (default history.retention)")

	historyListCmd.Flags().StringVar(&historyKind, "kind", "", "only show resize, expand, benchmark or containers")
	historyListCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs")
}

func openHistory() (store.Store, error) {
	st, err := store.Open(cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", cfg.History.DSN, err)
	}
	return st, nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	st, err := openHistory()
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(cmd.Context(), store.RunFilter{Kind: historyKind, Limit: historyLimit})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		if runs == nil {
			runs = []*models.Run{}
		}
		return printJSON(out, map[string]interface{}{"runs": runs, "count": len(runs)})
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("ID", "Kind", "Status", "Exit", "Started", "Duration")
	for _, r := range runs {
		duration := "-"
		if r.EndedAt != nil {
			duration = r.Duration().Round(time.Second).String()
		}
		status := string(r.Status)
		if r.DryRun {
			status += " (dry run)"
		}
		table.Append(
			shortID(r.ID),
			r.Kind,
			status,
			strconv.Itoa(r.ExitCode),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			duration,
		)
	}
	table.Render()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// findRun accepts a full ID or a unique prefix as printed by history list
func findRun(cmd *cobra.Command, st store.Store, id string) (*models.Run, error) {
	run, err := st.GetRun(cmd.Context(), id)
	if err == nil || len(id) >= 36 {
		return run, err
	}

	runs, listErr := st.ListRuns(cmd.Context(), store.RunFilter{})
	if listErr != nil {
		return nil, listErr
	}
	var match *models.Run
	for _, r := range runs {
		if strings.HasPrefix(r.ID, id) {
			if match != nil {
				return nil, fmt.Errorf("run id prefix %q is ambiguous", id)
			}
			match = r
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrRunNotFound, id)
	}
	return match, nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	st, err := openHistory()
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := findRun(cmd, st, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, run)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append("ID", run.ID)
	table.Append("Kind", run.Kind)
	table.Append("Status", string(run.Status))
	table.Append("Exit Code", strconv.Itoa(run.ExitCode))
	table.Append("Dry Run", strconv.FormatBool(run.DryRun))
	if len(run.Hosts) > 0 {
		table.Append("Hosts", strings.Join(run.Hosts, ","))
	}
	if run.OutputDir != "" {
		table.Append("Output Dir", run.OutputDir)
	}
	if run.LogFile != "" {
		table.Append("Log File", run.LogFile)
	}
	table.Append("Started", run.StartedAt.Local().Format(time.RFC3339))
	if run.EndedAt != nil {
		table.Append("Ended", run.EndedAt.Local().Format(time.RFC3339))
		table.Append("Duration", run.Duration().Round(time.Second).String())
	}
	if run.Error != "" {
		table.Append("Error", run.Error)
	}
	table.Render()

	fmt.Fprintf(out, "\n%s\n", run.Command)
	return nil
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	olderThan := historyOlderThan
	if olderThan == 0 {
		olderThan = cfg.History.Retention
	}
	if olderThan <= 0 {
		return errors.New("nothing to prune: pass --older-than or set history.retention")
	}

	out := cmd.OutOrStdout()
	cutoff := time.Now().Add(-olderThan)
	if dryRun {
		fmt.Fprintf(out, "Would prune finished runs started before %s\n", cutoff.Format(time.RFC3339))
		return nil
	}

	st, err := openHistory()
	if err != nil {
		return err
	}
	defer st.Close()

	pruner := cleanup.NewManager(cleanup.Config{Retention: olderThan}, st, logger)
	deleted, err := pruner.RunNow(cmd.Context())
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(out, map[string]interface{}{"deleted": deleted, "cutoff": cutoff})
	}
	fmt.Fprintf(out, "Pruned %d run(s) started before %s\n", deleted, cutoff.Format(time.RFC3339))
	return nil
}
