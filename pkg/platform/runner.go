package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/progresso/progresso/pkg/telemetry"
)

// Result is the captured outcome of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output returns stdout and stderr combined, trimmed.
func (r *Result) Output() string {
	return strings.TrimSpace(strings.TrimSpace(r.Stdout) + "\n" + strings.TrimSpace(r.Stderr))
}

// Runner executes service manager commands.
// A non-zero exit is reported through Result.ExitCode with a nil error; the error
// is reserved for commands that could not be run at all.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger *telemetry.Logger
}

// NewExecRunner creates a runner. A nil logger discards output.
func NewExecRunner(logger *telemetry.Logger) *ExecRunner {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &ExecRunner{logger: logger}
}

// Run executes name with args and captures its output.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("failed to run %s: %w", name, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	r.logger.WithFields(map[string]interface{}{
		"command":   name,
		"args":      strings.Join(args, " "),
		"exit_code": result.ExitCode,
	}).Debug("Command finished")
	return result, nil
}
