package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/progresso/progresso/pkg/progress"
	"github.com/progresso/progresso/pkg/stores"
)

// verifyResult is the outcome of checking one artifact against the index.
type verifyResult struct {
	Path     string `json:"path"`
	RunID    string `json:"run_id"`
	Expected string `json:"expected_sha256"`
	Actual   string `json:"actual_sha256"`
	Match    bool   `json:"match"`
	Entries  int    `json:"entries"`
}

func newVerifyCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <artifact>",
		Short: "Check a progress artifact against the run history",
		Long: `Compute the SHA-256 digest of a progress artifact and compare it with the
digest recorded when the run finished. The artifact is also decoded.

Exits with code 4 when the digest differs or the artifact no longer decodes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd, version)
			if err != nil {
				return err
			}
			defer env.close()

			path := args[0]
			actual, err := progress.DigestFile(path)
			if err != nil {
				return err
			}

			store, err := env.history(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.FindRunByArtifact(cmd.Context(), path)
			if errors.Is(err, stores.ErrNotFound) {
				return withExitCode(ExitVerifyFailed, fmt.Errorf("%s is not in the run history", path))
			}
			if err != nil {
				return err
			}

			result := verifyResult{
				Path:     run.ArtifactPath,
				RunID:    run.ID,
				Expected: run.ArtifactSHA256,
				Actual:   actual,
				Match:    run.ArtifactSHA256 == actual,
			}

			record, decodeErr := progress.ReadFile(path)
			if decodeErr == nil {
				result.Entries = len(record.Entries)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, result); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "artifact: %s\nrun:      %s\nexpected: %s\nactual:   %s\n",
					result.Path, result.RunID, result.Expected, result.Actual)
			}

			switch {
			case !result.Match:
				return withExitCode(ExitVerifyFailed, fmt.Errorf("digest mismatch for %s", path))
			case decodeErr != nil:
				return withExitCode(ExitVerifyFailed, decodeErr)
			}
			if !jsonOutput {
				fmt.Fprintf(out, "OK (%d entries)\n", result.Entries)
			}
			return nil
		},
	}

	return cmd
}
