package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath    string
	recipePath    string
	inventoryPath string
	verbose       bool
	jsonOutput    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "shipyard",
		Short: "shipyard - deployment orchestration over SSH",
		Long: `shipyard runs deployment recipes against a fleet of hosts.

Recipes are Starlark files declaring config entries and tasks. Tasks are shell
commands, groups of other tasks or functions, wired together with before and
after hooks. A run expands one entry task into a schedule and executes it on
every selected host, locally or over SSH.

Features:
  - Layered config with lazy, per-host producers and {{placeholders}}
  - Per-host deploy locks (memory, file or on the host itself)
  - Sequential or parallel host processing
  - Run policies (OPA/rego)
  - Run journal in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path (default ./shipyard.yaml when present)")
	rootCmd.PersistentFlags().StringVarP(&recipePath, "recipe", "r", "", "recipe file (overrides settings)")
	rootCmd.PersistentFlags().StringVarP(&inventoryPath, "inventory", "i", "", "inventory file or CUE directory (overrides settings)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand(version))
	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newTasksCommand(version))
	rootCmd.AddCommand(newHostsCommand(version))
	rootCmd.AddCommand(newUnlockCommand(version))
	rootCmd.AddCommand(newHistoryCommand(version))

	return rootCmd
}
