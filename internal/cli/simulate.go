package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var simulateValues []float64

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Evaluate synthetic values and send an alert if they violate the threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(simulateValues) == 0 {
			return errors.New("--values must contain at least one number")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateValues)
	},
}

func init() {
	simulateCmd.Flags().Float64SliceVar(&simulateValues, "values", nil, "Comma-separated values for the poller's value column")
}
