package cli

import (
	"os"

	"github.com/spf13/cobra"

	"cryptoalerts/internal/app"
)

var agentOpts app.AgentOptions

// Notifier returns the command of the local sound notifier agent.
func Notifier() *cobra.Command {
	root := newRoot("notifier", "notifier", "Play a sound for new alert events", os.Stdout)
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return getApp().RunAgent(cmd.Context(), agentOpts)
	}
	root.Flags().StringVar(&agentOpts.ClientID, "client-id", "", "Consumer id owning the cursor (default from config)")
	root.Flags().StringVar(&agentOpts.MinSeverity, "min-severity", "", "Skip events below this severity (info, warning, error, critical)")
	root.Flags().BoolVar(&agentOpts.DryRun, "dry-run", false, "Advance the cursor without playing sounds")
	root.Flags().BoolVar(&agentOpts.SelfTest, "self-test", false, "Play one synthetic alert and exit")
	root.AddCommand(versionCmd)
	return root
}
