// Package main implements the nexus CLI: plan an objective, run the mission
// and inspect past missions.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// projectConfig overrides the project config path
	projectConfig string
	// logLevel overrides log.level from the config
	logLevel string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "Run multi-agent coding missions",
	Long: `nexus decomposes an objective into a graph of agent tasks, runs them
with writer/reviewer revision loops and publishes approved changes to a branch.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectConfig, "config", "", "project config file (default .nexus/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
}
