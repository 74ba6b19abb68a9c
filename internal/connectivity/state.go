package connectivity

import (
	"fmt"
	"time"
)

// ClientState is the lifecycle state of a connection client.
type ClientState int

// Client states. Disconnected is the initial state.
const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name.
func (s ClientState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name as rendered by String.
func (s *ClientState) UnmarshalText(text []byte) error {
	parsed, err := ParseClientState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseClientState parses a state name such as "CONNECTED".
func ParseClientState(name string) (ClientState, error) {
	for st := StateDisconnected; st <= StateFailed; st++ {
		if st.String() == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("connectivity: unknown client state %q", name)
}

// ConnectivityStatus is the externally reported status of a connection
// or one of its addresses.
type ConnectivityStatus string

// Statuses.
const (
	StatusOpen    ConnectivityStatus = "open"
	StatusClosed  ConnectivityStatus = "closed"
	StatusFailed  ConnectivityStatus = "failed"
	StatusUnknown ConnectivityStatus = "unknown"
)

// Valid reports whether s is one of the known statuses.
func (s ConnectivityStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusFailed, StatusUnknown:
		return true
	}
	return false
}

// Transition describes one state change of a client. Listeners receive
// it after the new runtime record is in place.
type Transition struct {
	ConnectionID string             `json:"connection_id"`
	From         ClientState        `json:"from"`
	To           ClientState        `json:"to"`
	Status       ConnectivityStatus `json:"status"`
	Detail       string             `json:"detail,omitempty"`
	At           time.Time          `json:"at"`
}
