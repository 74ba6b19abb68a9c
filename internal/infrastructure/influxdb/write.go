package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/UnimibEsami/ditto/internal/connectivity"
)

// Measurement names.
const (
	MeasurementConnection = "connection_metrics"
	MeasurementAddress    = "address_metrics"
	MeasurementTransition = "connection_transitions"
)

// WriteConnectionMetrics records a metrics snapshot: one point for the
// connection totals and one per source and target address.
//
// Example:
//
//	m, _ := manager.RetrieveMetrics(ctx, "mqtt-1")
//	client.WriteConnectionMetrics(m, time.Now())
func (c *Client) WriteConnectionMetrics(m connectivity.ConnectionMetrics, at time.Time) {
	if !c.IsConnected() {
		return
	}

	c.points.WritePoint(write.NewPoint(
		MeasurementConnection,
		map[string]string{
			"connection_id": m.ConnectionID,
			"state":         m.State.String(),
			"status":        string(m.Status),
		},
		map[string]interface{}{
			"consumed":         m.Sources.Consumed,
			"published":        m.Targets.Published,
			"in_state_seconds": at.Sub(m.InStateSince).Seconds(),
		},
		at,
	))

	c.writeAddresses(m.ConnectionID, "source", m.Sources.Addresses, at)
	c.writeAddresses(m.ConnectionID, "target", m.Targets.Addresses, at)
}

func (c *Client) writeAddresses(connectionID, direction string, addresses map[string]connectivity.AddressMetric, at time.Time) {
	for address, am := range addresses {
		c.points.WritePoint(write.NewPoint(
			MeasurementAddress,
			map[string]string{
				"connection_id": connectionID,
				"direction":     direction,
				"address":       address,
				"status":        string(am.Status),
			},
			map[string]interface{}{"message_count": am.MessageCount},
			at,
		))
	}
}

// WriteTransition records a client state change.
func (c *Client) WriteTransition(connectionID string, from, to connectivity.ClientState, at time.Time) {
	if !c.IsConnected() {
		return
	}

	c.points.WritePoint(write.NewPoint(
		MeasurementTransition,
		map[string]string{
			"connection_id": connectionID,
			"to":            to.String(),
		},
		map[string]interface{}{
			"from": from.String(),
			"code": int64(to),
		},
		at,
	))
}
