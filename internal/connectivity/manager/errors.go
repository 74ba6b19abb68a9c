package manager

import "errors"

var (
	// ErrNotStarted is returned by operations that need a started manager.
	ErrNotStarted = errors.New("manager: not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("manager: already started")

	// ErrMissingDependency is returned by New when a required dependency is nil.
	ErrMissingDependency = errors.New("manager: missing dependency")

	// ErrNoMetrics is returned when a metrics reply carries no metrics.
	ErrNoMetrics = errors.New("manager: client returned no metrics")
)
