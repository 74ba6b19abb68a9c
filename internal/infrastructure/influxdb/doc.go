// Package influxdb records connection metrics in InfluxDB v2.
//
// The connectivity manager samples every client's metrics on a fixed
// interval and writes them here, together with each state transition,
// so throughput and availability can be charted over time.
//
// Measurements:
//
//	connection_metrics      tags: connection_id, state, status
//	                        fields: consumed, published, in_state_seconds
//	address_metrics         tags: connection_id, direction, address, status
//	                        fields: message_count
//	connection_transitions  tags: connection_id, to
//	                        fields: from, code
//
// Configuration (config.yaml):
//
//	influxdb:
//	  enabled: true
//	  url: "http://localhost:8086"
//	  org: "connectivity"
//	  bucket: "metrics"
//	  batch_size: 100
//	  flush_interval: 10   # seconds
//
// The token should come from CONNECTIVITY_INFLUXDB_TOKEN rather than the
// file.
package influxdb
