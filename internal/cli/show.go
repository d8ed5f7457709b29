package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"offerwatch/internal/app"
)

var (
	showGroup    string
	historyLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "List tracked items with their last known offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{Group: showGroup})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history ASIN",
	Short: "Print the stored price history of one item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}
		return getApp().History(cmd.Context(), app.HistoryOptions{ASIN: args[0], Limit: historyLimit})
	},
}

func init() {
	showCmd.Flags().StringVar(&showGroup, "group", "", "Only show items of this group")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Number of most recent points to display (0 = all)")
}
