package model

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminalNotFound is returned when a terminal session is not found.
	ErrTerminalNotFound = errors.New("terminal not found")

	// ErrTabNotFound is returned when a tab is not found.
	ErrTabNotFound = errors.New("tab not found")

	// ErrTerminalNotRunning is returned when an operation requires a live
	// backing process but the session has already exited.
	ErrTerminalNotRunning = errors.New("terminal is not running")

	// ErrTabNotEmpty is returned when a session that belongs to a tab is
	// destroyed without force while the tab still exists.
	ErrTabNotEmpty = errors.New("terminal belongs to a tab; destroy the tab or pass force")

	// ErrInvalidGeometry is returned when cols or rows are zero.
	ErrInvalidGeometry = errors.New("cols and rows must be positive")
)

// SpawnError indicates the backing process could not be started. No session
// record exists when this is returned.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// CreateRejectedError indicates a create request was rejected before any
// state was allocated (for example an unknown target tab). It carries enough
// context for the caller to emit a correlated error event.
type CreateRejectedError struct {
	Reason string
	Err    error
}

func (e *CreateRejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("create rejected: %s: %v", e.Reason, e.Err)
	}
	return "create rejected: " + e.Reason
}

func (e *CreateRejectedError) Unwrap() error { return e.Err }
