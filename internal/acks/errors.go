package acks

import "errors"

// Domain errors for acknowledgement aggregation.
var (
	// ErrEmptyCorrelationID is returned when constructing an aggregator
	// without a correlation id.
	ErrEmptyCorrelationID = errors.New("acks: correlation id must not be empty")

	// ErrNilEntityID is returned when constructing an aggregator without
	// an entity id.
	ErrNilEntityID = errors.New("acks: entity id must not be empty")

	// ErrMissingCorrelationID is returned when a received acknowledgement
	// carries no correlation id at all.
	ErrMissingCorrelationID = errors.New("acks: acknowledgement has no correlation id")

	// ErrCorrelationIDMismatch is returned when a correlation id differs
	// from the aggregator's.
	ErrCorrelationIDMismatch = errors.New("acks: correlation id mismatch")

	// ErrUnexpectedEntityID is returned when an acknowledgement refers to
	// a different entity.
	ErrUnexpectedEntityID = errors.New("acks: unexpected entity id")
)
