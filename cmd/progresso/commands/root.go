package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	logLevel   string
	logFormat  string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "progresso",
		Short: "Progresso - ordered service reconfiguration",
		Long: `Progresso walks an ordered list of OS services and brings each one to its
configured end state, one at a time.

Between services it waits for CPU utilization to settle, and after every
service it rewrites a timestamped progress file recording what was done.

Features:
  - systemd (Linux) and Service Control Manager (Windows) backends
  - CPU gate with fail-open behaviour when telemetry is unavailable
  - Crash-safe progress artifacts in XML or JSON
  - Run history index with artifact digests
  - Watch mode that re-runs on every saved change of the target list`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newPlanCommand(version))
	rootCmd.AddCommand(newValidateCommand(version))
	rootCmd.AddCommand(newTargetsCommand(version))
	rootCmd.AddCommand(newHistoryCommand(version))
	rootCmd.AddCommand(newVerifyCommand(version))
	rootCmd.AddCommand(newWatchCommand(version))

	return rootCmd
}
