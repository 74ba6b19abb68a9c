// Package protocol defines the transport facade a connection client
// drives, and a registry of facade factories keyed by connection type.
//
// A Protocol is created per connection (and per connection test).
// Its operations block until the transport answers or ctx ends; the
// client calls them from its own goroutines and posts the outcome back
// to its event loop, so a Protocol never runs on the client's control
// goroutine.
//
// Inbound messages arrive on Messages() and must each be settled with
// Ack or Nack. The channel stays valid for the lifetime of the facade,
// across reconnects.
package protocol
