// Package signal defines the domain signals exchanged between the
// connectivity pipeline and the rest of the broker.
//
// A Signal is the protocol-independent representation of a message that
// was consumed from, or is about to be published to, an external endpoint.
// Signals carry Headers, which transport the correlation id and the list
// of acknowledgement labels a request asks for. Acknowledgements flow back
// to the requester keyed by that correlation id.
//
// # Entity Identity
//
// Every signal addresses one entity. Namespaced entity ids have the form
// "namespace:name" and are split at the first colon, so ":::" parses to
// namespace "" and name "::". Plain entity ids (connections) carry no
// namespace.
//
// # Usage
//
//	id, err := signal.ParseNamespacedEntityID(signal.EntityTypeThing, "org.example:sensor-1")
//	headers := signal.Headers{}.WithCorrelationID("abc").WithRequestedAcks("twin-persisted")
package signal
