package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/progresso/progresso/pkg/policy"
	"github.com/progresso/progresso/pkg/targets"
)

func newValidateCommand(version string) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a target list",
		Long: `Load and validate a target list without contacting the service manager.

This command checks:
  - Document syntax (XML, YAML or JSON by extension)
  - Field lengths and duplicate service names
  - Entries a run would skip (blank names, unknown end modes)
  - Entries the configured policies deny`,
		Example: `  # Validate the located target list
  progresso validate

  # Validate a specific file, failing on warnings
  progresso validate --strict ./ordem.target.xml`,
		Args: cobra.MaximumNArgs(1),
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
			warnings := targets.Warnings(list)

			var violations []policy.Violation
			eng, err := env.policyEngine(cmd.Context())
			if err != nil {
				return err
			}
			if eng != nil {
				if violations, err = eng.EvaluateList(cmd.Context(), list); err != nil {
					return err
				}
			}
			blocked := 0
			for _, v := range violations {
				if v.Severity.Blocks() {
					blocked++
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, map[string]interface{}{
					"path":       list.Source,
					"entries":    list.Len(),
					"warnings":   warnings,
					"violations": violations,
				}); err != nil {
					return err
				}
			} else {
				printWarnings(out, warnings)
				printViolations(out, violations)
				fmt.Fprintf(out, "%s: %d entries, %d warnings, %d denied by policy\n",
					list.Source, list.Len(), len(warnings), blocked)
			}

			if strict && len(warnings)+blocked > 0 {
				return withExitCode(ExitUsage, fmt.Errorf("%d warnings and %d policy denials in %s", len(warnings), blocked, list.Source))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings and policy denials as errors")

	return cmd
}
