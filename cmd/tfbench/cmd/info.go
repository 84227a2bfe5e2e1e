package cmd

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tfbench/tf-bench-util/internal/hostinfo"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show local CPU and memory and the default process counts",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	info, err := hostinfo.Collect(cmd.Context())
	if err != nil {
		logger.Warn(err.Error())
	}
	np := hostinfo.AutoNP(len(cfg.Hosts), info.LogicalCPUs)

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return printJSON(out, map[string]interface{}{
			"host":    info,
			"hosts":   cfg.Hosts,
			"auto_np": np,
		})
	}

	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")
	table.Append("Hostname", info.Hostname)
	table.Append("OS", fmt.Sprintf("%s/%s %s", info.OS, info.Arch, info.Platform))
	table.Append("CPU", info.CPUModel)
	table.Append("Logical CPUs", strconv.Itoa(info.LogicalCPUs))
	table.Append("Physical CPUs", strconv.Itoa(info.PhysicalCPUs))
	table.Append("Memory Total", formatBytes(info.MemTotal))
	table.Append("Memory Available", formatBytes(info.MemAvailable))
	table.Append("Cluster Hosts", strconv.Itoa(len(cfg.Hosts)))
	table.Append("Default -np", strconv.Itoa(np))
	table.Render()
	return nil
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
