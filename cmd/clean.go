package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tanq16/voxpull/internal/output"
)

func newCleanCmd() *cobra.Command {
	var downloads bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Repair interrupted installs and remove temporary files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.installer.Recover()
			for _, key := range report.Restored {
				output.PrintWarning(fmt.Sprintf("Restored previous install of %s", key))
			}
			for _, name := range report.Removed {
				output.PrintInfo(fmt.Sprintf("Removed %s", name))
			}
			if err != nil {
				return err
			}
			removed := 0
			if downloads {
				if removed, err = removePartialDownloads(a.installer.BaseDir()); err != nil {
					return err
				}
			}
			output.PrintSuccess(fmt.Sprintf("Cleaned %d director(ies) and %d partial download(s)", len(report.Removed), removed))
			return nil
		},
	}

	cmd.Flags().BoolVar(&downloads, "downloads", false, "Also delete partial downloads kept for resuming")
	return cmd
}

func removePartialDownloads(base string) (int, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return 0, fmt.Errorf("error reading base directory: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		if err := os.Remove(filepath.Join(base, entry.Name())); err != nil {
			return removed, err
		}
		output.PrintInfo(fmt.Sprintf("Removed %s", entry.Name()))
		removed++
	}
	return removed, nil
}
