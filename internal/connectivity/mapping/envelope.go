package mapping

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/UnimibEsami/ditto/internal/signal"
)

// ContentTypeEnvelope is the content type of protocol envelopes.
const ContentTypeEnvelope = "application/vnd.eclipse.ditto+json"

// Envelope is the JSON wire form of a signal.
//
// Topic has the form "<namespace>/<name>/<group>/<channel>/<criterion>/<action>",
// e.g. "org.example/lamp/things/twin/events/modified".
type Envelope struct {
	Topic   string            `json:"topic"`
	Headers map[string]string `json:"headers,omitempty"`
	Path    string            `json:"path,omitempty"`
	Value   json.RawMessage   `json:"value,omitempty"`
}

// ToSignal parses the envelope into a signal.
func (e Envelope) ToSignal() (signal.Signal, error) {
	parts := strings.Split(e.Topic, "/")
	if len(parts) < 5 {
		return signal.Signal{}, fmt.Errorf("%w: topic %q has too few segments", ErrInvalidEnvelope, e.Topic)
	}

	ns, name, group := parts[0], parts[1], parts[2]
	if ns == "_" {
		ns = ""
	}
	typ := signal.EntityTypeThing
	if group == "policies" {
		typ = signal.EntityTypePolicy
	}
	id, err := signal.NewNamespacedEntityID(typ, ns, name)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	channel, criterion := signal.Channel(parts[3]), signal.Criterion(parts[4])
	action := ""
	if len(parts) > 5 {
		action = strings.Join(parts[5:], "/")
	}

	sigType := group + "." + string(criterion)
	if action != "" {
		sigType += ":" + action
	}

	headers := make(signal.Headers, len(e.Headers))
	for k, v := range e.Headers {
		headers[strings.ToLower(k)] = v
	}

	return signal.Signal{
		Type:      sigType,
		Topic:     signal.NewTopic(channel, criterion),
		EntityID:  id,
		Path:      e.Path,
		Headers:   headers,
		Value:     e.Value,
		Timestamp: time.Now().UTC(),
	}, nil
}

// EnvelopeFromSignal renders sig as an envelope.
func EnvelopeFromSignal(sig signal.Signal) Envelope {
	ns := sig.EntityID.Namespace
	if ns == "" {
		ns = "_"
	}

	group := "things"
	if sig.EntityID.Type == signal.EntityTypePolicy {
		group = "policies"
	}
	action := ""
	if _, a, ok := strings.Cut(sig.Type, ":"); ok {
		action = a
	}

	topic := strings.Join([]string{ns, sig.EntityID.Name, group, string(sig.Topic)}, "/")
	if action != "" {
		topic += "/" + action
	}

	return Envelope{
		Topic:   topic,
		Headers: map[string]string(sig.Headers.Clone()),
		Path:    sig.Path,
		Value:   sig.Value,
	}
}
