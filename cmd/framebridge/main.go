package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drblury/framebridge/cmd/framebridge/commands"
)

var rootCmd = &cobra.Command{
	Use:           "framebridge",
	Short:         "Cross-origin host/guest RPC bridge",
	Long:          "Run a bridge host that accepts guests over a websocket tunnel, or a guest that connects to one.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Path to a YAML bridge configuration")
	rootCmd.PersistentFlags().StringVar(&commands.LogLevel, "log-level", "", "Override the configured log level")
}

func main() {
	rootCmd.AddCommand(commands.NewHostCmd())
	rootCmd.AddCommand(commands.NewGuestCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
