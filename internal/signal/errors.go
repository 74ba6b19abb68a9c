package signal

import "errors"

// Domain errors for signal parsing and validation.
var (
	// ErrInvalidNamespace is returned when a namespace does not match
	// the allowed pattern (dot separated identifiers).
	ErrInvalidNamespace = errors.New("signal: invalid namespace")

	// ErrInvalidEntityName is returned when an entity name is empty or
	// contains characters outside the allowed set.
	ErrInvalidEntityName = errors.New("signal: invalid entity name")

	// ErrEntityIDTooLong is returned when an entity id exceeds MaxEntityIDLength.
	ErrEntityIDTooLong = errors.New("signal: entity id too long")

	// ErrMissingNamespaceSeparator is returned when a namespaced id has no colon.
	ErrMissingNamespaceSeparator = errors.New("signal: entity id has no namespace separator")

	// ErrInvalidLabel is returned for malformed acknowledgement labels.
	ErrInvalidLabel = errors.New("signal: invalid acknowledgement label")
)
