package cli

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"offerwatch/internal/alerting"
	"offerwatch/internal/app"
	"offerwatch/internal/watch"
)

var (
	simulateASIN      string
	simulateTitle     string
	simulateKind      string
	simulateWarehouse bool
	simulateOld       string
	simulatePrice     string
	simulateSymbol    string
	simulateChannel   string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "发送一条模拟告警以验证通道配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := decimal.NewFromString(simulatePrice)
		if err != nil {
			return errors.New("--price 必须是数字")
		}
		old := decimal.Zero
		if simulateOld != "" {
			if old, err = decimal.NewFromString(simulateOld); err != nil {
				return errors.New("--old 必须是数字")
			}
		}

		var kind alerting.Kind
		switch strings.ToLower(simulateKind) {
		case "price", "":
			kind = alerting.KindPrice
		case "stock":
			kind = alerting.KindStock
		default:
			return errors.New("--kind 只能是 price 或 stock")
		}

		source := watch.SourceMain
		if simulateWarehouse {
			source = watch.SourceWarehouse
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			ASIN:     strings.ToUpper(simulateASIN),
			Title:    simulateTitle,
			Kind:     kind,
			Source:   source,
			OldPrice: old,
			NewPrice: price,
			Symbol:   simulateSymbol,
			Channel:  simulateChannel,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateASIN, "asin", "B000000000", "商品 ASIN")
	simulateCmd.Flags().StringVar(&simulateTitle, "title", "Simulated item", "商品标题")
	simulateCmd.Flags().StringVar(&simulateKind, "kind", "price", "告警类型 price|stock")
	simulateCmd.Flags().BoolVar(&simulateWarehouse, "warehouse", false, "按仓库报价发送")
	simulateCmd.Flags().StringVar(&simulateOld, "old", "", "原价格 (价格告警)")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "19.99", "新价格")
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "$", "货币符号")
	simulateCmd.Flags().StringVar(&simulateChannel, "channel", "", "命名 webhook 通道")
}
