package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduled scanner and the control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan every tracked item once, ignoring the schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ScanOnce(cmd.Context())
	},
}
