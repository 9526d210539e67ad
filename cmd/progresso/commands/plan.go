package commands

import (
	"github.com/spf13/cobra"

	"github.com/progresso/progresso/pkg/engine"
)

func newPlanCommand(version string) *cobra.Command {
	var (
		targetsPath string
		backend     string
		userScope   bool
		noPolicy    bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a run would change",
		Long: `Query the live state of every listed service and print the steps a run
would take for it. No service is modified.`,
		Example: `  # Plan against the located target list
  progresso plan

  # Plan a specific list as JSON
  progresso plan --targets ./ordem.target.xml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd, version)
			if err != nil {
				return err
			}
			defer env.close()

			if backend != "" {
				env.cfg.Control.Backend = backend
			}
			if cmd.Flags().Changed("user-scope") {
				env.cfg.Control.UserScope = userScope
			}
			if noPolicy {
				env.cfg.Policy.Enabled = false
			}
			if err := env.cfg.Validate(); err != nil {
				return err
			}

			list, err := env.targetStore(targetsPath).Load(cmd.Context())
			if err != nil {
				return err
			}
			controller, err := env.controller()
			if err != nil {
				return err
			}
			guard, err := env.guard(cmd.Context())
			if err != nil {
				return err
			}

			plan, err := engine.Preview(cmd.Context(), controller, list, guard)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), plan)
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetsPath, "targets", "t", "", "target list path (default: search)")
	cmd.Flags().StringVar(&backend, "backend", "", "service backend (auto, systemd, sc)")
	cmd.Flags().BoolVar(&userScope, "user-scope", false, "query the per-user systemd instance")
	cmd.Flags().BoolVar(&noPolicy, "no-policy", false, "skip policy evaluation")

	return cmd
}
