package connectivity

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/UnimibEsami/ditto/internal/signal"
)

// ConnectionType selects the protocol facade for a connection.
type ConnectionType string

// Supported connection types.
const (
	TypeMQTT     ConnectionType = "mqtt"
	TypeKafka    ConnectionType = "kafka"
	TypeAMQP091  ConnectionType = "amqp-091"
	TypeNATS     ConnectionType = "nats"
	TypeHTTPPush ConnectionType = "http-push"
	TypeLoopback ConnectionType = "loopback"
)

// Connection describes a logical connection to an external endpoint.
type Connection struct {
	ID            string             `json:"id" yaml:"id"`
	Name          string             `json:"name,omitempty" yaml:"name,omitempty"`
	Type          ConnectionType     `json:"connection_type" yaml:"connection_type"`
	URI           string             `json:"uri" yaml:"uri"`
	DesiredStatus ConnectivityStatus `json:"connection_status" yaml:"connection_status"`
	Sources       []Source           `json:"sources,omitempty" yaml:"sources,omitempty"`
	Targets       []Target           `json:"targets,omitempty" yaml:"targets,omitempty"`
	Mapping       *MappingContext    `json:"mapping_context,omitempty" yaml:"mapping_context,omitempty"`

	// FailoverEnabled lets the transport library reconnect on its own
	// after the initial connect succeeded.
	FailoverEnabled bool `json:"failover_enabled" yaml:"failover_enabled"`

	// ProcessorPoolSize bounds concurrent mapping work; 0 uses the
	// service default.
	ProcessorPoolSize int `json:"processor_pool_size,omitempty" yaml:"processor_pool_size,omitempty"`

	// SpecificConfig holds protocol specific settings, e.g. Kafka's
	// "consumer_group" or MQTT's "client_id".
	SpecificConfig map[string]string `json:"specific_config,omitempty" yaml:"specific_config,omitempty"`
	Tags           []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Source is an inbound address set consumed by the pipeline.
type Source struct {
	Addresses     []string          `json:"addresses" yaml:"addresses"`
	ConsumerCount int               `json:"consumer_count" yaml:"consumer_count"`
	QoS           int               `json:"qos" yaml:"qos"`
	Enforcement   *Enforcement      `json:"enforcement,omitempty" yaml:"enforcement,omitempty"`
	HeaderMapping map[string]string `json:"header_mapping,omitempty" yaml:"header_mapping,omitempty"`

	// RequestedAcks are added to every signal consumed from this source.
	RequestedAcks []signal.Label `json:"requested_acks,omitempty" yaml:"requested_acks,omitempty"`

	// ReplyTarget receives the aggregated acknowledgements of signals
	// consumed from this source.
	ReplyTarget *ReplyTarget `json:"reply_target,omitempty" yaml:"reply_target,omitempty"`
}

// Enforcement restricts which entity ids a source may address. Input is
// a header placeholder such as "{{ header:device_id }}"; the signal is
// accepted when the resolved input equals one of Filters after
// "{{ entity:id }}" in the filter is replaced by the signal's entity id.
type Enforcement struct {
	Input   string   `json:"input" yaml:"input"`
	Filters []string `json:"filters" yaml:"filters"`
}

// ReplyTarget is where responses and acknowledgements for a source go.
type ReplyTarget struct {
	Address       string            `json:"address" yaml:"address"`
	HeaderMapping map[string]string `json:"header_mapping,omitempty" yaml:"header_mapping,omitempty"`
}

// Target is an outbound address fed with matching signals.
type Target struct {
	Address       string            `json:"address" yaml:"address"`
	Topics        []TargetTopic     `json:"topics" yaml:"topics"`
	QoS           int               `json:"qos" yaml:"qos"`
	HeaderMapping map[string]string `json:"header_mapping,omitempty" yaml:"header_mapping,omitempty"`

	// IssuedAckLabel, when set, makes every publish to this target issue
	// an acknowledgement with that label.
	IssuedAckLabel signal.Label `json:"issued_ack_label,omitempty" yaml:"issued_ack_label,omitempty"`
}

// TargetTopic subscribes a target to a signal topic, optionally
// narrowed by an expression over the signal.
type TargetTopic struct {
	Topic  signal.Topic `json:"topic" yaml:"topic"`
	Filter string       `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// MappingContext configures the payload mapping of a connection.
type MappingContext struct {
	ContentType    string         `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	MappingEngine  string         `json:"mapping_engine" yaml:"mapping_engine"`
	IncomingScript string         `json:"incoming_script,omitempty" yaml:"incoming_script,omitempty"`
	OutgoingScript string         `json:"outgoing_script,omitempty" yaml:"outgoing_script,omitempty"`
	Options        map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// EntityID returns the plain entity id of the connection.
func (c *Connection) EntityID() signal.EntityID {
	return signal.NewPlainEntityID(signal.EntityTypeConnection, c.ID)
}

// SourceAddresses returns every source address in declaration order.
func (c *Connection) SourceAddresses() []string {
	var out []string
	for _, s := range c.Sources {
		out = append(out, s.Addresses...)
	}
	return out
}

// TargetAddresses returns every target address in declaration order.
func (c *Connection) TargetAddresses() []string {
	out := make([]string, 0, len(c.Targets))
	for _, t := range c.Targets {
		out = append(out, t.Address)
	}
	return out
}

// Specific returns a protocol specific setting or def when unset.
func (c *Connection) Specific(key, def string) string {
	if v, ok := c.SpecificConfig[key]; ok && v != "" {
		return v
	}
	return def
}

// Clone returns a deep copy of the descriptor.
func (c *Connection) Clone() *Connection {
	out := *c
	out.Sources = make([]Source, len(c.Sources))
	for i, s := range c.Sources {
		s.Addresses = append([]string(nil), s.Addresses...)
		s.RequestedAcks = append([]signal.Label(nil), s.RequestedAcks...)
		s.HeaderMapping = cloneStrings(s.HeaderMapping)
		if s.Enforcement != nil {
			e := *s.Enforcement
			e.Filters = append([]string(nil), e.Filters...)
			s.Enforcement = &e
		}
		if s.ReplyTarget != nil {
			rt := *s.ReplyTarget
			rt.HeaderMapping = cloneStrings(rt.HeaderMapping)
			s.ReplyTarget = &rt
		}
		out.Sources[i] = s
	}
	out.Targets = make([]Target, len(c.Targets))
	for i, t := range c.Targets {
		t.Topics = append([]TargetTopic(nil), t.Topics...)
		t.HeaderMapping = cloneStrings(t.HeaderMapping)
		out.Targets[i] = t
	}
	if c.Mapping != nil {
		m := *c.Mapping
		if c.Mapping.Options != nil {
			m.Options = make(map[string]any, len(c.Mapping.Options))
			for k, v := range c.Mapping.Options {
				m.Options[k] = v
			}
		}
		out.Mapping = &m
	}
	out.SpecificConfig = cloneStrings(c.SpecificConfig)
	out.Tags = append([]string(nil), c.Tags...)
	return &out
}

// Validate checks the descriptor and reports every problem at once.
func (c *Connection) Validate() error {
	var errs []string

	if strings.TrimSpace(c.ID) == "" {
		errs = append(errs, "id is required")
	}
	switch c.Type {
	case TypeMQTT, TypeKafka, TypeAMQP091, TypeNATS, TypeHTTPPush, TypeLoopback:
	default:
		errs = append(errs, fmt.Sprintf("unknown connection_type %q", c.Type))
	}
	if c.Type != TypeLoopback {
		if u, err := url.Parse(c.URI); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("uri %q is not a valid absolute URI", c.URI))
		}
	}
	if c.DesiredStatus != "" && c.DesiredStatus != StatusOpen && c.DesiredStatus != StatusClosed {
		errs = append(errs, "connection_status must be open or closed")
	}
	if c.ProcessorPoolSize < 0 {
		errs = append(errs, "processor_pool_size must not be negative")
	}
	if c.Type == TypeHTTPPush && len(c.Sources) > 0 {
		errs = append(errs, "http-push connections do not support sources")
	}

	for i, s := range c.Sources {
		if len(s.Addresses) == 0 {
			errs = append(errs, fmt.Sprintf("sources[%d].addresses must not be empty", i))
		}
		for j, a := range s.Addresses {
			if strings.TrimSpace(a) == "" {
				errs = append(errs, fmt.Sprintf("sources[%d].addresses[%d] must not be blank", i, j))
			}
		}
		if s.ConsumerCount < 1 {
			errs = append(errs, fmt.Sprintf("sources[%d].consumer_count must be at least 1", i))
		}
		if s.QoS < 0 || s.QoS > 2 {
			errs = append(errs, fmt.Sprintf("sources[%d].qos must be 0, 1, or 2", i))
		}
		for _, l := range s.RequestedAcks {
			if err := l.Validate(); err != nil {
				errs = append(errs, fmt.Sprintf("sources[%d].requested_acks: %v", i, err))
			}
		}
		if s.ReplyTarget != nil && strings.TrimSpace(s.ReplyTarget.Address) == "" {
			errs = append(errs, fmt.Sprintf("sources[%d].reply_target.address must not be empty", i))
		}
	}

	for i, t := range c.Targets {
		if strings.TrimSpace(t.Address) == "" {
			errs = append(errs, fmt.Sprintf("targets[%d].address must not be empty", i))
		}
		if len(t.Topics) == 0 {
			errs = append(errs, fmt.Sprintf("targets[%d].topics must not be empty", i))
		}
		if t.QoS < 0 || t.QoS > 2 {
			errs = append(errs, fmt.Sprintf("targets[%d].qos must be 0, 1, or 2", i))
		}
		if t.IssuedAckLabel != "" {
			if err := t.IssuedAckLabel.Validate(); err != nil {
				errs = append(errs, fmt.Sprintf("targets[%d].issued_ack_label: %v", i, err))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConnection, strings.Join(errs, "; "))
	}
	return nil
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
