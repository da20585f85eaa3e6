package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/cobra"
)

var diskCmd = &cobra.Command{
	Use:   "disk",
	Short: "Show output directory usage against the storage quota",
	RunE:  runDisk,
}

func init() {
	rootCmd.AddCommand(diskCmd)
}

type diskReport struct {
	OutputDir   string  `json:"output_dir"`
	Files       int     `json:"files"`
	UsedBytes   int64   `json:"used_bytes"`
	QuotaBytes  int64   `json:"quota_bytes"`
	FreeBytes   uint64  `json:"volume_free_bytes"`
	UsedPercent float64 `json:"volume_used_percent"`
}

func runDisk(cmd *cobra.Command, args []string) error {
	cfg, err := loadServiceConfig()
	if err != nil {
		return err
	}

	report := diskReport{OutputDir: cfg.OutputDir, QuotaBytes: cfg.Cleanup.StorageQuotaBytes}
	err = filepath.WalkDir(cfg.OutputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		report.Files++
		report.UsedBytes += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to scan %s: %w", cfg.OutputDir, err)
	}

	usagePath := cfg.OutputDir
	if _, err := os.Stat(usagePath); err != nil {
		usagePath = "."
	}
	usage, err := disk.Usage(usagePath)
	if err != nil {
		return fmt.Errorf("failed to read disk usage: %w", err)
	}
	report.FreeBytes = usage.Free
	report.UsedPercent = usage.UsedPercent

	if IsJSONOutput() {
		return printJSON(report)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("Output dir", report.OutputDir)
	table.Append("Files", strconv.Itoa(report.Files))
	table.Append("Used", formatBytes(uint64(report.UsedBytes)))
	if report.QuotaBytes > 0 {
		table.Append("Quota", fmt.Sprintf("%s (%.1f%%)", formatBytes(uint64(report.QuotaBytes)),
			float64(report.UsedBytes)*100/float64(report.QuotaBytes)))
	} else {
		table.Append("Quota", "unlimited")
	}
	table.Append("Volume free", formatBytes(report.FreeBytes))
	table.Append("Volume used", fmt.Sprintf("%.1f%%", report.UsedPercent))
	table.Render()
	return nil
}
