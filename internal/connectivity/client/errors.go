package client

import "errors"

// Client errors.
var (
	// ErrSuperseded is replied to a pending open when a close arrives
	// before the connection was established.
	ErrSuperseded = errors.New("client: superseded by a later command")

	// ErrDisconnectTimedOut is replied when a disconnect does not
	// complete in time; the connection is treated as still connected.
	ErrDisconnectTimedOut = errors.New("client: disconnect timed out")
)
