package cli

import (
	"github.com/spf13/cobra"

	"azure-utilities/internal/app"
)

var watchMetricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the configured source for new rows and alert on threshold violations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Watch(cmd.Context(), app.WatchOptions{MetricsAddr: watchMetricsAddr})
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics.listen_addr)")
}
