package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"token-pricer/internal/app"
)

var (
	simulateContract  string
	simulateSymbol    string
	simulateMarket    float64
	simulateIntrinsic float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次市场价与内在价值的偏离并触发套利信号",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateMarket <= 0 || simulateIntrinsic <= 0 {
			return errors.New("--market 与 --intrinsic 必须大于 0")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			ContractID: simulateContract,
			Symbol:     simulateSymbol,
			Market:     decimal.NewFromFloat(simulateMarket),
			Intrinsic:  decimal.NewFromFloat(simulateIntrinsic),
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateContract, "contract", "", "LP 代币合约 id")
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "LP 代币符号")
	simulateCmd.Flags().Float64Var(&simulateMarket, "market", 0, "市场价 (USD)")
	simulateCmd.Flags().Float64Var(&simulateIntrinsic, "intrinsic", 0, "内在价值 (USD)")
}
