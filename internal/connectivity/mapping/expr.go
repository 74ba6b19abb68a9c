package mapping

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/signal"
)

// exprMapper evaluates expr-lang expressions against the message.
//
// Inbound environment: headers (map), payload (decoded JSON or nil),
// text (raw payload) and address. Outbound environment: signal (the
// envelope as a map) and headers.
type exprMapper struct {
	entityID   *vm.Program
	signalType *vm.Program
	topic      *vm.Program
	value      *vm.Program
	outbound   *vm.Program
}

func newExprMapper(opts Options) (*exprMapper, error) {
	if opts.EntityID == "" {
		return nil, errors.New("expr engine needs the entity_id option")
	}

	m := &exprMapper{}
	compile := func(name, code string, dst **vm.Program, extra ...expr.Option) error {
		if code == "" {
			return nil
		}
		p, err := expr.Compile(code, append([]expr.Option{expr.AllowUndefinedVariables()}, extra...)...)
		if err != nil {
			return fmt.Errorf("compiling %s: %w", name, err)
		}
		*dst = p
		return nil
	}

	if err := compile("entity_id", opts.EntityID, &m.entityID); err != nil {
		return nil, err
	}
	if err := compile("signal_type", opts.SignalType, &m.signalType); err != nil {
		return nil, err
	}
	if err := compile("topic", opts.Topic, &m.topic); err != nil {
		return nil, err
	}
	if err := compile("value", opts.Value, &m.value); err != nil {
		return nil, err
	}
	if err := compile("outbound_payload", opts.OutboundPayload, &m.outbound); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *exprMapper) MapInbound(msg connectivity.ExternalMessage) ([]signal.Signal, error) {
	env := map[string]any{
		"headers": msg.Headers,
		"text":    msg.TextPayload(),
		"address": msg.Address,
		"payload": nil,
	}
	var payload any
	if err := json.Unmarshal(msg.Payload, &payload); err == nil {
		env["payload"] = payload
	}

	rawID, err := expr.Run(m.entityID, env)
	if err != nil {
		return nil, fmt.Errorf("%w: entity_id: %w", ErrScript, err)
	}
	idText, err := asString("entity_id", rawID)
	if err != nil {
		return nil, err
	}
	id, err := signal.ParseNamespacedEntityID(signal.EntityTypeThing, idText)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScript, err)
	}

	sig := signal.Signal{
		Type:     "things.events:modified",
		Topic:    signal.TopicTwinEvents,
		EntityID: id,
		Path:     "/",
	}
	if m.signalType != nil {
		out, err := expr.Run(m.signalType, env)
		if err != nil {
			return nil, fmt.Errorf("%w: signal_type: %w", ErrScript, err)
		}
		if sig.Type, err = asString("signal_type", out); err != nil {
			return nil, err
		}
	}
	if m.topic != nil {
		out, err := expr.Run(m.topic, env)
		if err != nil {
			return nil, fmt.Errorf("%w: topic: %w", ErrScript, err)
		}
		topic, err := asString("topic", out)
		if err != nil {
			return nil, err
		}
		sig.Topic = signal.Topic(topic)
	}

	value := payload
	if m.value != nil {
		if value, err = expr.Run(m.value, env); err != nil {
			return nil, fmt.Errorf("%w: value: %w", ErrScript, err)
		}
	}
	if value != nil {
		if sig.Value, err = json.Marshal(value); err != nil {
			return nil, fmt.Errorf("%w: value: %w", ErrScript, err)
		}
	}

	return []signal.Signal{mergeTransportHeaders(sig, msg)}, nil
}

func (m *exprMapper) MapOutbound(sig signal.Signal) ([]connectivity.ExternalMessage, error) {
	if m.outbound == nil {
		return envelopeMapper{}.MapOutbound(sig)
	}

	raw, err := json.Marshal(EnvelopeFromSignal(sig))
	if err != nil {
		return nil, err
	}
	var envMap map[string]any
	if err := json.Unmarshal(raw, &envMap); err != nil {
		return nil, err
	}

	out, err := expr.Run(m.outbound, map[string]any{
		"signal":  envMap,
		"headers": map[string]string(sig.Headers),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: outbound_payload: %w", ErrScript, err)
	}

	var payload []byte
	switch v := out.(type) {
	case nil:
		return nil, nil
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		if payload, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("%w: outbound_payload: %w", ErrScript, err)
		}
	}

	return []connectivity.ExternalMessage{{
		Headers: map[string]string(sig.Headers.Clone()),
		Payload: payload,
	}}, nil
}

func asString(name string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must evaluate to a string, got %T", ErrScript, name, v)
	}
	return s, nil
}
