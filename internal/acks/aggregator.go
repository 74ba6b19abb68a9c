package acks

import (
	"fmt"
	"net/http"

	"github.com/UnimibEsami/ditto/internal/signal"
)

// entry is one requested label. received flips once, when the first real
// acknowledgement replaces the pending placeholder.
type entry struct {
	ack      signal.Acknowledgement
	received bool
}

// Aggregator collects the acknowledgements of one correlated request.
//
// Thread Safety:
//   - Not safe for concurrent use; see the package documentation.
type Aggregator struct {
	entityID      signal.EntityID
	correlationID string
	matches       func(signal.EntityID) bool

	order   []signal.Label
	entries map[signal.Label]*entry
}

// NewAggregator creates an aggregator bound to entityID and correlationID.
//
// For a namespaced entity id, an acknowledgement whose id has the same
// type and name but an empty namespace is accepted as equivalent. A plain
// entity id requires exact equality.
//
// Returns:
//   - *Aggregator: Ready for AddAcknowledgementRequest calls
//   - error: ErrEmptyCorrelationID or ErrNilEntityID
func NewAggregator(entityID signal.EntityID, correlationID string) (*Aggregator, error) {
	if correlationID == "" {
		return nil, ErrEmptyCorrelationID
	}
	if entityID.IsZero() {
		return nil, ErrNilEntityID
	}

	a := &Aggregator{
		entityID:      entityID,
		correlationID: correlationID,
		entries:       make(map[signal.Label]*entry),
	}
	if entityID.Namespaced {
		a.matches = a.namespacedMatch
	} else {
		a.matches = entityID.Equal
	}
	return a, nil
}

// EntityID returns the bound entity id.
func (a *Aggregator) EntityID() signal.EntityID { return a.entityID }

// CorrelationID returns the bound correlation id.
func (a *Aggregator) CorrelationID() string { return a.correlationID }

// AddAcknowledgementRequest registers label as requested with a pending
// placeholder. Requesting a label again resets it to pending.
func (a *Aggregator) AddAcknowledgementRequest(label signal.Label) {
	if e, ok := a.entries[label]; ok {
		e.ack = a.timeoutAcknowledgement(label)
		e.received = false
		return
	}
	a.order = append(a.order, label)
	a.entries[label] = &entry{ack: a.timeoutAcknowledgement(label)}
}

// AddAcknowledgementRequests registers every label in order.
func (a *Aggregator) AddAcknowledgementRequests(labels []signal.Label) {
	for _, l := range labels {
		a.AddAcknowledgementRequest(l)
	}
}

// AddReceivedAcknowledgement applies a received acknowledgement.
//
// The acknowledgement must carry the aggregator's correlation id and an
// equivalent entity id, otherwise an error is returned and nothing
// changes. Acknowledgements for unrequested labels are ignored, and only
// the first acknowledgement per label is kept.
func (a *Aggregator) AddReceivedAcknowledgement(ack signal.Acknowledgement) error {
	if err := a.validateCorrelationID(ack.Headers); err != nil {
		return err
	}
	if !a.matches(ack.EntityID) {
		return fmt.Errorf("%w: <%s> differs from the expected <%s>", ErrUnexpectedEntityID, ack.EntityID, a.entityID)
	}

	e, requested := a.entries[ack.Label]
	if !requested || e.received {
		return nil
	}
	e.ack = ack
	e.received = true
	return nil
}

// ReceivedAllRequestedAcknowledgements reports whether no entry is still pending.
func (a *Aggregator) ReceivedAllRequestedAcknowledgements() bool {
	for _, e := range a.entries {
		if !e.received {
			return false
		}
	}
	return true
}

// IsSuccessful reports whether every requested acknowledgement was
// received and reports success.
func (a *Aggregator) IsSuccessful() bool {
	if !a.ReceivedAllRequestedAcknowledgements() {
		return false
	}
	for _, e := range a.entries {
		if !e.ack.IsSuccess() {
			return false
		}
	}
	return true
}

// GetAggregatedAcknowledgements snapshots the current entries in request
// order, pending placeholders included.
//
// If headers carry a correlation id it must match the aggregator's. When
// no label was ever requested the empty Acknowledgements value is
// returned.
func (a *Aggregator) GetAggregatedAcknowledgements(headers signal.Headers) (signal.Acknowledgements, error) {
	if id, ok := headers.CorrelationID(); ok && id != a.correlationID {
		return signal.Acknowledgements{}, fmt.Errorf("%w: <%s> differs from the expected <%s>", ErrCorrelationIDMismatch, id, a.correlationID)
	}

	result := signal.Acknowledgements{
		EntityID: a.entityID,
		Headers:  headers.Clone(),
	}
	if len(a.order) == 0 {
		return result, nil
	}

	result.Entries = make([]signal.Acknowledgement, 0, len(a.order))
	for _, l := range a.order {
		result.Entries = append(result.Entries, a.entries[l].ack)
	}
	return result, nil
}

func (a *Aggregator) validateCorrelationID(h signal.Headers) error {
	id, ok := h.CorrelationID()
	if !ok {
		return fmt.Errorf("%w: expected was <%s>", ErrMissingCorrelationID, a.correlationID)
	}
	if id != a.correlationID {
		return fmt.Errorf("%w: <%s> differs from the expected <%s>", ErrCorrelationIDMismatch, id, a.correlationID)
	}
	return nil
}

// namespacedMatch accepts exact equality, or the same type and name when
// either side has an empty namespace.
func (a *Aggregator) namespacedMatch(other signal.EntityID) bool {
	if a.entityID.Equal(other) {
		return true
	}
	if other.Type != a.entityID.Type || other.Name != a.entityID.Name {
		return false
	}
	return other.Namespace == "" || a.entityID.Namespace == ""
}

// Pending placeholders carry no real headers.
func (a *Aggregator) timeoutAcknowledgement(label signal.Label) signal.Acknowledgement {
	return signal.Acknowledgement{
		Label:    label,
		EntityID: a.entityID,
		Status:   http.StatusRequestTimeout,
		Headers:  signal.Headers{},
	}
}
