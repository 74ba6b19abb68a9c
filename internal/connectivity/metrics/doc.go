// Package metrics tracks per-connection message counters and address
// status, and exports them as Prometheus collectors.
//
// A Tracker belongs to exactly one connection client. Its counters are
// connection-local; the Prometheus collectors are shared and labelled by
// connection id.
//
// # Thread Safety
//
// Tracker methods are safe for concurrent use. Pipeline workers record
// consumption and publishing while the client reads snapshots.
package metrics
