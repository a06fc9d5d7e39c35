package main

import "errors"

// Exit codes let supervisors tell configuration problems from runtime failures.
const (
	// ExitCodeSuccess indicates normal program termination
	ExitCodeSuccess = 0

	// ExitCodeGeneralError indicates a generic error (default)
	ExitCodeGeneralError = 1

	// ExitCodePortConflict indicates the listen port is already in use
	ExitCodePortConflict = 2

	// ExitCodeConfigError indicates configuration loading or validation failed
	ExitCodeConfigError = 4

	// ExitCodeAuthRequired indicates a probed server demands OAuth authorization
	ExitCodeAuthRequired = 6
)

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitCodeGeneralError
}

// exitCodeDescription returns a human-readable description of the exit code
func exitCodeDescription(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "Success"
	case ExitCodeGeneralError:
		return "General error"
	case ExitCodePortConflict:
		return "Port conflict - address already in use"
	case ExitCodeConfigError:
		return "Configuration error"
	case ExitCodeAuthRequired:
		return "Authorization required"
	default:
		return "Unknown error"
	}
}
