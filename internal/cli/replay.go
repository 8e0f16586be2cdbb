package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"azure-utilities/internal/app"
)

var (
	replayFrom       string
	replayDryRun     bool
	replayMaxBatches int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-evaluate every row after a cursor without sending alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayFrom == "" {
			return fmt.Errorf("--from must be provided")
		}
		return getApp().Replay(cmd.Context(), app.ReplayOptions{
			From:       replayFrom,
			DryRun:     replayDryRun,
			MaxBatches: replayMaxBatches,
		})
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "Cursor to replay from, in the poller's cursor kind")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Evaluate without writing samples")
	replayCmd.Flags().IntVar(&replayMaxBatches, "max-batches", 0, "Stop after this many fetches (0 uses the default)")
}
