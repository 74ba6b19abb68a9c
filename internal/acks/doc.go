// Package acks aggregates the acknowledgements requested for one
// correlated request into a single outcome.
//
// An Aggregator is created per request, bound to the request's entity id
// and correlation id. Each requested label starts as a pending entry
// (status 408, request timeout). The first acknowledgement received for a
// label replaces the pending entry; later ones for the same label are
// discarded. Acknowledgements for labels that were never requested are
// ignored.
//
// # Thread Safety
//
// An Aggregator is not safe for concurrent use. Exactly one goroutine
// owns it from creation until GetAggregatedAcknowledgements is called.
//
// # Usage
//
//	agg, err := acks.NewAggregator(entityID, correlationID)
//	agg.AddAcknowledgementRequest(signal.LabelTwinPersisted)
//	if err := agg.AddReceivedAcknowledgement(ack); err != nil {
//	    // correlation or entity mismatch
//	}
//	if agg.ReceivedAllRequestedAcknowledgements() { ... }
package acks
