package connectivity

import (
	"sync"
	"time"
)

// ExternalMessage is a message as seen on the transport.
type ExternalMessage struct {
	// Address is the topic, queue or subject the message came from or
	// is sent to.
	Address     string
	Headers     map[string]string
	Payload     []byte
	ContentType string
	QoS         int
	Timestamp   time.Time
}

// TextPayload returns the payload as a string.
func (m ExternalMessage) TextPayload() string {
	return string(m.Payload)
}

// Settler settles an inbound message on its transport.
type Settler interface {
	Ack() error
	Nack(requeue bool) error
}

// InboundMessage is a consumed message that must be acknowledged or
// rejected exactly once. Only the first Ack or Nack reaches the
// transport; later calls return nil.
type InboundMessage struct {
	Message ExternalMessage

	// SourceIndex is the position of the consuming source in the
	// connection's source list.
	SourceIndex int

	settler Settler
	once    sync.Once
}

// NewInboundMessage pairs msg with its transport settler. A nil settler
// makes Ack and Nack no-ops, e.g. for QoS 0 traffic.
func NewInboundMessage(msg ExternalMessage, sourceIndex int, settler Settler) *InboundMessage {
	return &InboundMessage{Message: msg, SourceIndex: sourceIndex, settler: settler}
}

// Ack confirms the message to the transport.
func (m *InboundMessage) Ack() error {
	var err error
	m.once.Do(func() {
		if m.settler != nil {
			err = m.settler.Ack()
		}
	})
	return err
}

// Nack rejects the message, optionally asking for redelivery.
func (m *InboundMessage) Nack(requeue bool) error {
	var err error
	m.once.Do(func() {
		if m.settler != nil {
			err = m.settler.Nack(requeue)
		}
	})
	return err
}

// SettlerFuncs adapts two functions to the Settler interface.
type SettlerFuncs struct {
	AckFunc  func() error
	NackFunc func(requeue bool) error
}

// Ack calls AckFunc when set.
func (s SettlerFuncs) Ack() error {
	if s.AckFunc == nil {
		return nil
	}
	return s.AckFunc()
}

// Nack calls NackFunc when set.
func (s SettlerFuncs) Nack(requeue bool) error {
	if s.NackFunc == nil {
		return nil
	}
	return s.NackFunc(requeue)
}
