package cli

import (
	"github.com/spf13/cobra"

	"token-pricer/internal/app"
)

var (
	exportPNGDir    string
	exportCSVPath   string
	exportMaxTokens int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the current price table as CSV and/or per-level PNG charts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Export(cmd.Context(), app.ExportOptions{
			CSVPath:   exportCSVPath,
			PNGDir:    exportPNGDir,
			MaxTokens: exportMaxTokens,
		})
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportPNGDir, "png-dir", "", "Directory to write one PNG chart per level")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxTokens, "max-tokens", 0, "Maximum tokens per chart (defaults to config)")
}
