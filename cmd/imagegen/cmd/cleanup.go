package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/imagegen/pkg/cleanup"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Retention maintenance",
}

var cleanupRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one retention pass against the local database and output directory",
	Long: `Run a single cleanup pass using the server configuration: expired rows,
stale queued rows, running rows past job_ttl, rows whose result file is
gone, orphaned files, expired results and storage quota eviction. Safe to run while the server is up.`,
	RunE: runCleanupRun,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.AddCommand(cleanupRunCmd)
}

func runCleanupRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadServiceConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, "cleanup")
	if err != nil {
		return err
	}
	defer logger.Close()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	cm := cleanup.NewCleanupManager(cleanup.ConfigFrom(cfg), st, logger)
	report, err := cm.RunOnce(context.Background())
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(report)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Item", "Count")
	table.Append("Expired rows", strconv.Itoa(report.RowsExpired))
	table.Append("Stale queued rows", strconv.Itoa(report.RowsStaleQueued))
	table.Append("Stuck running rows failed", strconv.Itoa(report.RowsFailedStale))
	table.Append("Rows missing file", strconv.Itoa(report.RowsMissingFile))
	table.Append("Orphaned files", strconv.Itoa(report.OrphansDeleted))
	table.Append("Expired results", strconv.Itoa(report.ResultsExpired))
	table.Append("Quota evictions", strconv.Itoa(report.QuotaEvicted))
	table.Append("Bytes freed", formatBytes(uint64(report.BytesFreed)))
	table.Append("Bytes remaining", formatBytes(uint64(report.BytesRemaining)))
	table.Append("Vacuumed", strconv.FormatBool(report.Vacuumed))
	table.Append("Duration", report.Duration.String())
	table.Render()

	if report.QuotaUnmet {
		fmt.Println("\nWarning: storage quota still exceeded after eviction")
	}
	return nil
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
