// Package client implements the per-connection state machine.
//
// A Client owns one connection: its protocol facade, its message
// pipeline and its runtime record. Every command, timer and transport
// completion is an event on the client's mailbox, handled one at a time
// by a single goroutine. Facade calls run on their own goroutines and
// report back by posting events, so the loop never blocks on I/O.
//
// States and the events they handle:
//
//	DISCONNECTED  open/create -> CONNECTING, close/delete -> reply, test -> test flow, init timeout -> CONNECTING
//	CONNECTING    connected -> CONNECTED, close/delete -> DISCONNECTING, timeout -> retry, failure -> FAILED
//	CONNECTED     close/delete -> DISCONNECTING, open -> reply
//	DISCONNECTING disconnected -> DISCONNECTED, close/delete -> joins the pending reply, timeout -> CONNECTED
//	FAILED        open/create -> CONNECTING, close/delete -> DISCONNECTING
//
// Metrics retrieval, signals, forwarded messages and acknowledgements
// are handled in every state. Any other command is rejected with a
// connectivity.CommandNotAllowedError.
package client
