package signal

import (
	"encoding/json"
	"time"
)

// Channel distinguishes persisted twin traffic from live traffic.
type Channel string

// Channels.
const (
	ChannelTwin Channel = "twin"
	ChannelLive Channel = "live"
)

// Criterion is the kind of signal on a channel.
type Criterion string

// Criteria.
const (
	CriterionEvents   Criterion = "events"
	CriterionCommands Criterion = "commands"
	CriterionMessages Criterion = "messages"
)

// Topic combines channel and criterion, e.g. "twin/events".
type Topic string

// Topics a target may subscribe to.
const (
	TopicTwinEvents   Topic = "twin/events"
	TopicLiveEvents   Topic = "live/events"
	TopicLiveCommands Topic = "live/commands"
	TopicLiveMessages Topic = "live/messages"
)

// NewTopic builds a Topic from its parts.
func NewTopic(ch Channel, c Criterion) Topic {
	return Topic(string(ch) + "/" + string(c))
}

// Signal is a protocol-independent domain message.
type Signal struct {
	// Type is the signal name, e.g. "thing.modified".
	Type     string          `json:"type"`
	Topic    Topic           `json:"topic"`
	EntityID EntityID        `json:"entityId"`
	Path     string          `json:"path,omitempty"`
	Headers  Headers         `json:"headers,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	// Timestamp is when the signal was created or consumed.
	Timestamp time.Time `json:"timestamp"`
}

// CorrelationID is a shortcut for s.Headers.CorrelationID.
func (s Signal) CorrelationID() (string, bool) {
	return s.Headers.CorrelationID()
}

// RequestedAcks is a shortcut for s.Headers.RequestedAcks.
func (s Signal) RequestedAcks() []Label {
	return s.Headers.RequestedAcks()
}
