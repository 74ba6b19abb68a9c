package connectivity

import (
	"errors"
	"fmt"
)

// Domain errors for connection handling.
var (
	// ErrInvalidConnection is returned when a connection descriptor fails validation.
	ErrInvalidConnection = errors.New("connectivity: invalid connection")

	// ErrCommandNotAllowed is returned when a command cannot be executed
	// in the client's current state.
	ErrCommandNotAllowed = errors.New("connectivity: command not allowed in current state")

	// ErrClientStopped is returned when a command is sent to a stopped client.
	ErrClientStopped = errors.New("connectivity: client stopped")

	// ErrMappingFailed is returned when the message mapping pipeline
	// could not be built from the connection's mapping configuration.
	ErrMappingFailed = errors.New("connectivity: mapping configuration failed")
)

// ConnectionFailedError wraps a transport failure with a description that
// is safe to show to users.
type ConnectionFailedError struct {
	ConnectionID string
	Description  string
	Cause        error
}

// NewConnectionFailedError builds a ConnectionFailedError. An empty
// description falls back to the cause's message.
func NewConnectionFailedError(connectionID string, cause error, description string) *ConnectionFailedError {
	if description == "" && cause != nil {
		description = cause.Error()
	}
	return &ConnectionFailedError{ConnectionID: connectionID, Description: description, Cause: cause}
}

func (e *ConnectionFailedError) Error() string {
	msg := fmt.Sprintf("connection %q failed", e.ConnectionID)
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Cause != nil && e.Cause.Error() != e.Description {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConnectionFailedError) Unwrap() error {
	return e.Cause
}

// CommandNotAllowedError rejects a command that the current state does not handle.
type CommandNotAllowedError struct {
	Command CommandType
	State   ClientState
}

func (e *CommandNotAllowedError) Error() string {
	return fmt.Sprintf("cannot execute command %s in current state %s", e.Command, e.State)
}

// Is lets errors.Is match ErrCommandNotAllowed.
func (e *CommandNotAllowedError) Is(target error) bool {
	return target == ErrCommandNotAllowed
}
