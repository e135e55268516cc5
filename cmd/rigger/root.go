package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var dbPath string

	rootCmd := &cobra.Command{
		Use:           "rigger",
		Short:         "Agent run console: session lifecycle and usage metering",
		Long:          "rigger runs agent executions behind an HTTP/SSE API, tracks each session's lifecycle, and meters token and cost usage per step.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (default: $DB_PATH or ./data/rigger.db)")

	rootCmd.AddCommand(
		newServeCmd(&dbPath),
		newSessionsCmd(&dbPath),
		newUsageCmd(&dbPath),
	)
	return rootCmd
}
