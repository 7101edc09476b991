// Package cli holds the cobra command trees of the alertd, backtest and
// notifier binaries.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"cryptoalerts/config"
	"cryptoalerts/internal/app"
	"cryptoalerts/internal/logger"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

// newRoot builds a root command that loads configuration and the logger
// before any subcommand runs. Logs go to logOut.
func newRoot(service, use, short string, logOut io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if appHandle != nil {
				return nil
			}

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}

			appHandle = app.NewApp(cfg, logger.NewWithWriter(service, cfg.Logging, logOut))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	return root
}

// Execute runs root and exits non-zero on error.
func Execute(root *cobra.Command) {
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
