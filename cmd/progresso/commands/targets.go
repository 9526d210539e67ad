package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/progresso/progresso/pkg/engine"
	"github.com/progresso/progresso/pkg/targets"
)

func newTargetsCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Manage target lists",
		Long:  `Create and inspect the ordered list of services a run processes.`,
	}

	cmd.AddCommand(newTargetsInitCommand(version))
	cmd.AddCommand(newTargetsShowCommand(version))

	return cmd
}

func newTargetsInitCommand(version string) *cobra.Command {
	var (
		output string
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init <service>...",
		Short: "Write a target list from the current state of services",
		Long: `Query each named service and write a target list with one entry per
service, in the order given. Each end mode is set to the current start mode,
so the new list describes the machine as it is now. Edit the end modes
before running it.`,
		Example: `  # Capture two services into the default location
  progresso targets init postgresql nginx

  # Write YAML to a custom path, replacing any existing file
  progresso targets init --output ./targets.yaml --force postgresql nginx`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd, version)
			if err != nil {
				return err
			}
			defer env.close()

			path := output
			if path == "" {
				if path, err = targets.AppDataPath(); err != nil {
					return err
				}
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return withExitCode(ExitUsage, fmt.Errorf("%s already exists (use --force to overwrite)", path))
				}
			}

			controller, err := env.controller()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			list := &engine.TargetList{Source: path}
			for _, name := range args {
				desc, err := controller.Query(ctx, name)
				if err != nil {
					return fmt.Errorf("failed to query %s: %w", name, err)
				}
				list.Entries = append(list.Entries, engine.TargetEntry{
					ServiceDescriptor: desc,
					EndMode:           desc.StartMode,
				})
			}

			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return engine.NewIOError("failed to create target list directory", err).WithResource(path)
			}
			if err := env.targetStore(path).Save(ctx, path, list); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), list)
			}
			printTargets(cmd.OutOrStdout(), list)
			fmt.Fprintf(cmd.OutOrStdout(), "\nWrote %d entries to %s\n", list.Len(), path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "target list path (default: per-user data directory)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	return cmd
}

func newTargetsShowCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [path]",
		Short: "Print a target list",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd, version)
			if err != nil {
				return err
			}
			defer env.close()

			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			list, err := env.targetStore(path).Load(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), list)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n", list.Source)
			printTargets(cmd.OutOrStdout(), list)
			return nil
		},
	}

	return cmd
}
