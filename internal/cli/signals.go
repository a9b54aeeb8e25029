package cli

import (
	"github.com/spf13/cobra"

	"token-pricer/internal/app"
)

var (
	signalsLimit int
	signalsJSON  bool
)

var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "List recently recorded arbitrage signals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Signals(cmd.Context(), app.SignalsOptions{
			Limit: signalsLimit,
			JSON:  signalsJSON,
		})
	},
}

var vaultsCmd = &cobra.Command{
	Use:   "vaults",
	Short: "Manage the vault listing stored in PostgreSQL",
}

var vaultsImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Upsert a JSON vault listing into the database (defaults to vaults.file)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		return getApp().ImportVaults(cmd.Context(), path)
	},
}

func init() {
	signalsCmd.Flags().IntVar(&signalsLimit, "limit", 20, "Number of signals to list")
	signalsCmd.Flags().BoolVar(&signalsJSON, "json", false, "Print JSON instead of a table")

	vaultsCmd.AddCommand(vaultsImportCmd)
}
