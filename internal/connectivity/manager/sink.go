package manager

import (
	"context"

	"github.com/UnimibEsami/ditto/internal/signal"
)

// routingSink connects the pipelines of all running connections.
type routingSink struct {
	m *Manager
}

// DeliverSignal broadcasts sig and offers it to every other connection.
func (s routingSink) DeliverSignal(_ context.Context, connectionID string, sig signal.Signal) error {
	if s.m.broadcaster != nil {
		s.m.broadcaster.Broadcast(ChannelSignals, SignalEvent{ConnectionID: connectionID, Signal: sig})
	}
	for _, c := range s.m.snapshotClients(connectionID) {
		c.ForwardSignal(sig)
	}
	return nil
}

// DeliverAcknowledgement hands ack to the connection that consumed the
// request it answers.
func (s routingSink) DeliverAcknowledgement(_ context.Context, connectionID string, ack signal.Acknowledgement) {
	origin, ok := ack.Headers.Get(signal.HeaderConnectionID)
	if !ok {
		s.m.logger.Debug("acknowledgement without origin connection, dropping",
			"connection_id", connectionID,
			"label", string(ack.Label),
		)
		return
	}
	c := s.m.lookup(origin)
	if c == nil {
		s.m.logger.Debug("origin connection of acknowledgement is gone",
			"connection_id", connectionID,
			"origin", origin,
			"label", string(ack.Label),
		)
		return
	}
	c.ForwardAcknowledgement(ack)
}
