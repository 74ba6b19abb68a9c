// Package connectivity holds the shared model of the connectivity service:
// connection descriptors, lifecycle states, transport messages, metrics
// snapshots and the control commands accepted by a connection client.
//
// Subpackages build on this model:
//
//   - client: per-connection state machine (connect, disconnect, test, failure)
//   - pipeline: message mapping and routing started while connected
//   - protocol: transport facades (MQTT, Kafka, AMQP, NATS, HTTP push, loopback)
//   - mapping: payload mapping engines
//   - metrics: per-connection counters and Prometheus export
//   - manager: one client per connection, persistence and status events
//   - store: SQLite repository for connection descriptors
//
// # Connection Descriptor
//
// A Connection is immutable once handed to a client. Only its desired
// status (open/closed) is tracked separately by the client, because close
// and open commands change it at runtime.
package connectivity
