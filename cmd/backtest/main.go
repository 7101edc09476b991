package main

import "cryptoalerts/internal/cli"

func main() {
	cli.Execute(cli.Backtest())
}
