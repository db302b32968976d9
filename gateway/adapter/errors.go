package adapter

import (
	"errors"
	"fmt"
)

var (
	ErrWriteAfterExit = errors.New("write after agent exited")
	ErrTurnInProgress = errors.New("a turn is already in progress")
	ErrOutputLimit    = errors.New("agent output exceeded the configured limit")
)

// ProcessSpawnError is returned when the agent executable can't be started.
type ProcessSpawnError struct {
	Command string
	Err     error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %s", e.Command, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error { return e.Err }

// ProcessExitError is returned when the agent ran but exited with a non-zero code.
type ProcessExitError struct {
	Code   int
	Stderr string
}

func (e *ProcessExitError) Error() string {
	return fmt.Sprintf("agent exited with code %d", e.Code)
}

// StderrOf returns the stderr attached to err, if any.
func StderrOf(err error) string {
	var exitErr *ProcessExitError
	if errors.As(err, &exitErr) {
		return exitErr.Stderr
	}
	return ""
}
