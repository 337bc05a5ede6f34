package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"price-deviation-watch/internal/app"
)

var (
	simulateSymbol    string
	simulatePair      string
	simulateReference float64
	simulateObserved  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次价格偏差并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSymbol == "" {
			return errors.New("--symbol 必须配置")
		}
		if simulateReference <= 0 || simulateObserved <= 0 {
			return errors.New("--reference 与 --observed 必须大于 0")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Symbol:    simulateSymbol,
			Pair:      simulatePair,
			Reference: simulateReference,
			Observed:  simulateObserved,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "合约代码，例如 BTCUSDT")
	simulateCmd.Flags().StringVar(&simulatePair, "pair", "", "价格对 observed/reference (默认取 feed.pairs 第一项)")
	simulateCmd.Flags().Float64Var(&simulateReference, "reference", 0, "参考价格，例如 mark")
	simulateCmd.Flags().Float64Var(&simulateObserved, "observed", 0, "观测价格，例如 last")
}
