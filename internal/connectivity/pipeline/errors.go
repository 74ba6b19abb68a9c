package pipeline

import "errors"

// Pipeline errors.
var (
	// ErrAlreadyStarted is returned by Start on a running supervisor.
	ErrAlreadyStarted = errors.New("pipeline: already started")

	// ErrNotStarted is returned by operations that need a running supervisor.
	ErrNotStarted = errors.New("pipeline: not started")

	// ErrUnknownPlaceholder is returned for an unsupported placeholder.
	ErrUnknownPlaceholder = errors.New("pipeline: unknown placeholder")

	// ErrUnresolvedPlaceholder is returned when a placeholder has no value.
	ErrUnresolvedPlaceholder = errors.New("pipeline: unresolved placeholder")

	// ErrEnforcementFailed is returned when a signal addresses an entity
	// its source may not address.
	ErrEnforcementFailed = errors.New("pipeline: enforcement failed")

	// ErrInvalidFilter is returned for a target filter that does not compile.
	ErrInvalidFilter = errors.New("pipeline: invalid target filter")

	// ErrUnknownSource is returned for a message whose source index is
	// not declared by the connection.
	ErrUnknownSource = errors.New("pipeline: unknown source")

	// ErrBackpressure is returned when a queue is full.
	ErrBackpressure = errors.New("pipeline: queue full")

	// ErrDuplicateCorrelationID is returned when acknowledgements are
	// already awaited for a correlation id.
	ErrDuplicateCorrelationID = errors.New("pipeline: correlation id already pending")
)
