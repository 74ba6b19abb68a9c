package connectivity

import "time"

// AddressMetric is the status of one source or target address.
type AddressMetric struct {
	Status        ConnectivityStatus `json:"status"`
	StatusDetails string             `json:"status_details,omitempty"`
	MessageCount  int64              `json:"message_count"`
	LastMessageAt *time.Time         `json:"last_message_at,omitempty"`
}

// SourceMetrics reports consumption per source address.
type SourceMetrics struct {
	Addresses map[string]AddressMetric `json:"address_metrics"`
	Consumed  int64                    `json:"consumed_messages"`
}

// TargetMetrics reports publishing per target address.
type TargetMetrics struct {
	Addresses map[string]AddressMetric `json:"address_metrics"`
	Published int64                    `json:"published_messages"`
}

// ConnectionMetrics is the answer to a retrieve-metrics command.
type ConnectionMetrics struct {
	ConnectionID  string             `json:"connection_id"`
	Status        ConnectivityStatus `json:"connection_status"`
	StatusDetails string             `json:"connection_status_details,omitempty"`
	State         ClientState        `json:"client_state"`
	InStateSince  time.Time          `json:"in_state_since"`
	Sources       SourceMetrics      `json:"source_metrics"`
	Targets       TargetMetrics      `json:"target_metrics"`
}
