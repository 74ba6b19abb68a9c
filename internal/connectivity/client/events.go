package client

import (
	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/signal"
)

// event is anything the loop handles.
type event interface{}

type commandEvent struct {
	cmd    connectivity.Command
	origin connectivity.Origin
}

// connectedEvent reports a completed connect and subscribe. Replies go
// to the origins collected in the runtime record.
type connectedEvent struct {
	attempt uint64
}

// disconnectedEvent reports a completed disconnect.
type disconnectedEvent struct{}

// failureEvent reports a connect, subscribe or runtime transport failure.
type failureEvent struct {
	err *connectivity.ConnectionFailedError

	// attempt identifies the failed connect attempt; zero for failures
	// reported by a connected transport.
	attempt uint64
}

// reconnectedEvent reports that a transport which lost its connection
// re-established it on its own.
type reconnectedEvent struct{}

// timeoutEvent fires for the state entry identified by generation.
type timeoutEvent struct {
	generation uint64
}

type testResultEvent struct {
	reply  connectivity.Reply
	origin connectivity.Origin
}

type signalEvent struct {
	sig signal.Signal
}

type messageEvent struct {
	msg *connectivity.InboundMessage
}

type ackEvent struct {
	ack signal.Acknowledgement
}
