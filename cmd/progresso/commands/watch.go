package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func newWatchCommand(version string) *cobra.Command {
	var (
		flags  runFlags
		runNow bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run again every time the target list is saved",
		Long: `Watch the target list and perform a full run after each saved change.
Changes made while a run is in progress queue exactly one more run.

Each run writes its own progress file. Artifact names have one-second
resolution, so a run that follows another within the same second waits for
the next second. Runs that cannot start are logged and the watch continues.
Stop with Ctrl-C.`,
		Example: `  # Watch the located target list, running once immediately
  progresso watch --run-now`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd, version)
			if err != nil {
				return err
			}
			defer env.close()

			if err := flags.apply(cmd, env); err != nil {
				return err
			}

			store := env.targetStore("")
			path, err := store.Locate()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var lastStart time.Time
			onChange := func(ctx context.Context) error {
				if err := sleepCtx(ctx, nextRunDelay(lastStart, time.Now())); err != nil {
					return err
				}
				lastStart = time.Now()
				report, err := executeRun(ctx, env, out)
				if report != nil {
					lastStart = report.Record.StartedAt
				}
				return err
			}

			ctx := cmd.Context()
			if runNow {
				if err := onChange(ctx); err != nil {
					env.logger.WithError(err).Error("Initial run failed")
				}
			}
			return store.Watch(ctx, path, onChange)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&runNow, "run-now", false, "perform one run before waiting for changes")

	return cmd
}

// nextRunDelay is how long a run starting at now must wait so its artifact
// name differs from that of the run started at last.
func nextRunDelay(last, now time.Time) time.Duration {
	if last.IsZero() {
		return 0
	}
	next := last.Truncate(time.Second).Add(time.Second)
	if now.Before(next) {
		return next.Sub(now)
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
