package commands

import (
	"errors"

	"github.com/progresso/progresso/pkg/engine"
)

// Process exit codes.
const (
	ExitOK           = 0
	ExitUsage        = 1
	ExitCannotStart  = 2
	ExitCannotRecord = 3
	ExitVerifyFailed = 4
)

// exitError carries an explicit exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// ExitCode maps a command error onto the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case engine.IsCannotStart(err):
		return ExitCannotStart
	case engine.IsCannotRecord(err):
		return ExitCannotRecord
	default:
		return ExitUsage
	}
}
