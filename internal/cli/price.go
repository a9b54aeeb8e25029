package cli

import (
	"github.com/spf13/cobra"

	"token-pricer/internal/app"
)

var (
	priceAll  bool
	priceJSON bool
)

var priceCmd = &cobra.Command{
	Use:   "price [contract-id...]",
	Short: "Refresh once and print token prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Price(cmd.Context(), app.PriceOptions{
			ContractIDs: args,
			All:         priceAll,
			JSON:        priceJSON,
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Refresh once and print the system health report",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Health(cmd.Context())
	},
}

var levelsCmd = &cobra.Command{
	Use:   "levels",
	Short: "Print LP dependency levels and excluded tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Levels(cmd.Context())
	},
}

func init() {
	priceCmd.Flags().BoolVar(&priceAll, "all", false, "Print every discovered token")
	priceCmd.Flags().BoolVar(&priceJSON, "json", false, "Print JSON instead of a table")
}
