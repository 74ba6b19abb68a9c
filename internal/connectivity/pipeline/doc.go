// Package pipeline moves messages between a protocol facade and the
// rest of the service for one connection.
//
// Inbound, a dispatcher routes consumed messages to per-source consumer
// goroutines (ConsumerCount each). Consumers hand the mapping work to a
// bounded ants pool, so a slow mapper throttles consumption instead of
// queueing unbounded work. Mapped signals get the source's header
// mapping, enforcement check, connection id, correlation id and
// requested acknowledgements applied before they reach the Sink.
//
// Signals that request acknowledgements are held until every requested
// label is answered or the acknowledgement timeout expires. Only then
// is the transport message settled, and the aggregated result is
// published to the source's reply target.
//
// Outbound, HandleSignal selects matching targets by topic and filter
// expression, maps the signal and publishes it. Targets with an issued
// acknowledgement label report every publish back through the Sink.
package pipeline
