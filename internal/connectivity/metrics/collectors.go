package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/UnimibEsami/ditto/internal/connectivity"
)

const namespace = "connectivity"

// Collectors holds the Prometheus metrics shared by all connections.
// A nil *Collectors disables export; every method is nil-safe.
type Collectors struct {
	consumed    *prometheus.CounterVec
	published   *prometheus.CounterVec
	failures    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	state       *prometheus.GaugeVec
	acks        *prometheus.CounterVec
}

// NewCollectors creates the collectors and registers them with reg.
// A nil registerer returns nil collectors (export disabled).
func NewCollectors(reg prometheus.Registerer) (*Collectors, error) {
	if reg == nil {
		return nil, nil
	}

	c := &Collectors{
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumed_messages_total",
			Help:      "Messages consumed from source addresses",
		}, []string{"connection", "address"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_messages_total",
			Help:      "Messages published to target addresses",
		}, []string{"connection", "address"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Failed consume, map or publish operations",
		}, []string{"connection", "direction"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Client state transitions by target state",
		}, []string{"connection", "to"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "client_state",
			Help:      "1 for the current client state of a connection, 0 otherwise",
		}, []string{"connection", "state"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acknowledgements_total",
			Help:      "Aggregated acknowledgement outcomes",
		}, []string{"connection", "outcome"}),
	}

	for _, col := range []prometheus.Collector{c.consumed, c.published, c.failures, c.transitions, c.state, c.acks} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

var allStates = []connectivity.ClientState{
	connectivity.StateDisconnected,
	connectivity.StateConnecting,
	connectivity.StateConnected,
	connectivity.StateDisconnecting,
	connectivity.StateFailed,
}

func (c *Collectors) recordState(connectionID string, state connectivity.ClientState) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(connectionID, state.String()).Inc()
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.state.WithLabelValues(connectionID, s.String()).Set(v)
	}
}

func (c *Collectors) recordConsumed(connectionID, address string) {
	if c == nil {
		return
	}
	c.consumed.WithLabelValues(connectionID, address).Inc()
}

func (c *Collectors) recordPublished(connectionID, address string) {
	if c == nil {
		return
	}
	c.published.WithLabelValues(connectionID, address).Inc()
}

func (c *Collectors) recordFailure(connectionID string, d Direction) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(connectionID, string(d)).Inc()
}

func (c *Collectors) recordAck(connectionID string, success bool) {
	if c == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.acks.WithLabelValues(connectionID, outcome).Inc()
}

// Forget drops every series of a deleted connection.
func (c *Collectors) Forget(connectionID string) {
	if c == nil {
		return
	}
	labels := prometheus.Labels{"connection": connectionID}
	c.consumed.DeletePartialMatch(labels)
	c.published.DeletePartialMatch(labels)
	c.failures.DeletePartialMatch(labels)
	c.transitions.DeletePartialMatch(labels)
	c.state.DeletePartialMatch(labels)
	c.acks.DeletePartialMatch(labels)
}
