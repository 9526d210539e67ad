package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/progresso/progresso/pkg/engine"
	"github.com/progresso/progresso/pkg/stores"
)

func newHistoryCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs",
		Long: `Query the run history index. Every completed run is indexed with its
totals, its entries and the SHA-256 digest of its progress artifact.`,
	}

	cmd.AddCommand(newHistoryListCommand(version))
	cmd.AddCommand(newHistoryShowCommand(version))
	cmd.AddCommand(newHistoryServiceCommand(version))
	cmd.AddCommand(newHistoryDeleteCommand(version))

	return cmd
}

func newHistoryListCommand(version string) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd, version)
			if err != nil {
				return err
			}
			defer env.close()

			store, err := env.history(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs (0 for all)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func newHistoryShowCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd, version)
			if err != nil {
				return err
			}
			defer env.close()

			store, err := env.history(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(cmd.Context(), args[0])
			if errors.Is(err, stores.ErrNotFound) {
				return withExitCode(ExitUsage, fmt.Errorf("run %s not found", args[0]))
			}
			if err != nil {
				return err
			}
			entries, err := store.ListEntries(cmd.Context(), run.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"run":     run,
					"entries": entries,
				})
			}

			record := &engine.ProgressRecord{
				RunID:      run.ID,
				Source:     run.TargetPath,
				StartedAt:  run.StartedAt,
				FinishedAt: run.FinishedAt,
				Outcome:    run.Outcome,
				Entries:    entries,
			}
			out := cmd.OutOrStdout()
			printRecord(out, record)
			printSummary(out, record, run.ArtifactPath)
			fmt.Fprintf(out, "  sha256: %s\n", dash(run.ArtifactSHA256))
			return nil
		},
	}

	return cmd
}

func newHistoryServiceCommand(version string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "service <name>",
		Short: "Show what recent runs did to one service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd, version)
			if err != nil {
				return err
			}
			defer env.close()

			store, err := env.history(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.ListServiceEntries(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			if len(entries) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No runs touched %s\n", args[0])
				return nil
			}
			printServiceEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries (0 for all)")

	return cmd
}

func newHistoryDeleteCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <run-id>...",
		Short: "Remove runs from the index",
		Long:  `Remove runs and their entries from the index. Progress artifacts on disk are kept.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd, version)
			if err != nil {
				return err
			}
			defer env.close()

			store, err := env.history(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			for _, id := range args {
				err := store.DeleteRun(cmd.Context(), id)
				if errors.Is(err, stores.ErrNotFound) {
					return withExitCode(ExitUsage, fmt.Errorf("run %s not found", id))
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			}
			return nil
		},
	}

	return cmd
}
