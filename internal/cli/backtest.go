package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cryptoalerts/internal/app"
)

var (
	btSymbols string
	btFrom    string
	btTo      string
	btOut     string
	btSpeed   float64
)

// Backtest returns the command that replays stored bars against the
// configured rules. Logs go to stderr so events can be piped from stdout.
func Backtest() *cobra.Command {
	root := newRoot("backtest", "backtest", "Replay stored bars against the configured rules", os.Stderr)
	root.RunE = func(cmd *cobra.Command, args []string) error {
		opts := app.BacktestOptions{Speed: btSpeed}
		for _, s := range strings.Split(btSymbols, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				opts.Symbols = append(opts.Symbols, s)
			}
		}

		var err error
		if opts.From, err = parseTime("from", btFrom); err != nil {
			return err
		}
		if opts.To, err = parseTime("to", btTo); err != nil {
			return err
		}

		var out io.Writer = cmd.OutOrStdout()
		if btOut != "" && btOut != "-" {
			f, err := os.Create(btOut)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		opts.Out = out
		return getApp().Backtest(cmd.Context(), opts)
	}
	root.Flags().StringVar(&btSymbols, "symbols", "", "Comma-separated symbols (default: all stored)")
	root.Flags().StringVar(&btFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	root.Flags().StringVar(&btTo, "to", "", "End timestamp (RFC3339, exclusive)")
	root.Flags().StringVar(&btOut, "out", "-", "Events output file (- for stdout)")
	root.Flags().Float64Var(&btSpeed, "speed", 0, "Stream through the live pipeline at this speed (0 = batch)")
	root.AddCommand(versionCmd)
	return root
}

func parseTime(flag, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s value: %w", flag, err)
	}
	return t, nil
}
