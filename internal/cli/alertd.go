package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"cryptoalerts/internal/model"
)

var (
	onceInput    string
	retryChannel string
	listStatus   string
	listLimit    int
)

// Alertd returns the command tree of the alert daemon.
func Alertd() *cobra.Command {
	root := newRoot("alertd", "alertd", "Evaluate alert rules over live crypto market data", os.Stdout)
	root.AddCommand(runCmd, onceCmd, retryCmd, deliveriesCmd, versionCmd)
	return root
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the feed, pipeline and notification router",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Ingest a JSON array of closed bars, evaluate rules and dispatch",
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = os.Stdin
		if onceInput != "" && onceInput != "-" {
			f, err := os.Open(onceInput)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		return getApp().Once(cmd.Context(), in)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Re-dispatch failed deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := getApp().RetryFailed(cmd.Context(), retryChannel)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "retried %d events\n", n)
		return nil
	},
}

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries",
	Short: "List delivery records as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := model.DeliveryStatus(listStatus)
		switch status {
		case "", model.DeliveryPending, model.DeliveryDelivered, model.DeliveryFailed, model.DeliverySkipped:
		default:
			return fmt.Errorf("invalid --status %q", listStatus)
		}
		return getApp().Deliveries(cmd.Context(), status, listLimit, cmd.OutOrStdout())
	},
}

func init() {
	onceCmd.Flags().StringVar(&onceInput, "input", "-", "Bars file (JSON array, - for stdin)")
	retryCmd.Flags().StringVar(&retryChannel, "channel", "", "Only retry this channel")
	deliveriesCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (pending, delivered, failed, skipped)")
	deliveriesCmd.Flags().IntVar(&listLimit, "limit", 100, "Maximum records")
}
