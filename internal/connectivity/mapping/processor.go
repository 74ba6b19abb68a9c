package mapping

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/signal"
)

// Mapping engine names.
const (
	EngineDitto      = "Ditto"
	EngineJavaScript = "JavaScript"
	EngineExpr       = "Expr"
)

// Mapper converts in both directions. A mapper may drop a message by
// returning no results and no error.
type Mapper interface {
	MapInbound(msg connectivity.ExternalMessage) ([]signal.Signal, error)
	MapOutbound(sig signal.Signal) ([]connectivity.ExternalMessage, error)
}

// Options are the engine options decoded from MappingContext.Options.
type Options struct {
	// ExecutionTimeout interrupts long running scripts.
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`

	// Expr engine expressions.
	EntityID        string `mapstructure:"entity_id"`
	SignalType      string `mapstructure:"signal_type"`
	Topic           string `mapstructure:"topic"`
	Value           string `mapstructure:"value"`
	OutboundPayload string `mapstructure:"outbound_payload"`

	// ContentTypes lists additional content types handled by the custom engine.
	ContentTypes []string `mapstructure:"content_types"`
}

const defaultExecutionTimeout = 500 * time.Millisecond

// Processor routes messages to the envelope mapper or the configured one.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Processor struct {
	engine             string
	custom             Mapper
	envelope           Mapper
	contentTypes       []string
	defaultContentType string
}

// NewProcessor builds a processor. A nil context yields the envelope-only
// processor. Every error wraps connectivity.ErrMappingFailed.
func NewProcessor(mc *connectivity.MappingContext) (*Processor, error) {
	p := &Processor{
		engine:             EngineDitto,
		envelope:           envelopeMapper{},
		defaultContentType: ContentTypeEnvelope,
	}
	if mc == nil || mc.MappingEngine == "" || strings.EqualFold(mc.MappingEngine, EngineDitto) {
		p.contentTypes = []string{ContentTypeEnvelope}
		return p, nil
	}

	opts, err := decodeOptions(mc.Options)
	if err != nil {
		return nil, configError(err)
	}

	switch {
	case strings.EqualFold(mc.MappingEngine, EngineJavaScript):
		p.engine = EngineJavaScript
		p.custom, err = newJSMapper(mc.IncomingScript, mc.OutgoingScript, opts)
	case strings.EqualFold(mc.MappingEngine, EngineExpr):
		p.engine = EngineExpr
		p.custom, err = newExprMapper(opts)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownEngine, mc.MappingEngine)
	}
	if err != nil {
		return nil, configError(err)
	}

	if mc.ContentType != "" {
		p.defaultContentType = mc.ContentType
	} else {
		p.defaultContentType = "application/json"
	}
	p.contentTypes = append([]string{p.defaultContentType}, opts.ContentTypes...)
	p.contentTypes = append(p.contentTypes, ContentTypeEnvelope)
	return p, nil
}

func decodeOptions(raw map[string]any) (Options, error) {
	opts := Options{ExecutionTimeout: defaultExecutionTimeout}
	if len(raw) == 0 {
		return opts, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           &opts,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(raw); err != nil {
		return opts, fmt.Errorf("decoding options: %w", err)
	}
	return opts, nil
}

// Engine returns the configured engine name.
func (p *Processor) Engine() string { return p.engine }

// SupportedContentTypes lists the content types this processor maps.
func (p *Processor) SupportedContentTypes() []string {
	return append([]string(nil), p.contentTypes...)
}

// DefaultContentType is used for messages without a content type and
// for outbound messages.
func (p *Processor) DefaultContentType() string { return p.defaultContentType }

// MapInbound maps one transport message to zero or more signals.
func (p *Processor) MapInbound(msg connectivity.ExternalMessage) ([]signal.Signal, error) {
	ct := msg.ContentType
	if ct == "" {
		ct = p.defaultContentType
	}
	msg.ContentType = ct
	return p.mapperFor(ct).MapInbound(msg)
}

// MapOutbound maps one signal to zero or more transport messages.
func (p *Processor) MapOutbound(sig signal.Signal) ([]connectivity.ExternalMessage, error) {
	ct := sig.Headers.ContentType()
	if ct == "" {
		ct = p.defaultContentType
	}
	out, err := p.mapperFor(ct).MapOutbound(sig)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].ContentType == "" {
			out[i].ContentType = ct
		}
	}
	return out, nil
}

func (p *Processor) mapperFor(contentType string) Mapper {
	base, _, _ := strings.Cut(contentType, ";")
	if p.custom == nil || strings.EqualFold(strings.TrimSpace(base), ContentTypeEnvelope) {
		return p.envelope
	}
	return p.custom
}

// envelopeMapper maps protocol envelopes one to one.
type envelopeMapper struct{}

func (envelopeMapper) MapInbound(msg connectivity.ExternalMessage) ([]signal.Signal, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	sig, err := env.ToSignal()
	if err != nil {
		return nil, err
	}
	return []signal.Signal{mergeTransportHeaders(sig, msg)}, nil
}

func (envelopeMapper) MapOutbound(sig signal.Signal) ([]connectivity.ExternalMessage, error) {
	payload, err := json.Marshal(EnvelopeFromSignal(sig))
	if err != nil {
		return nil, err
	}
	return []connectivity.ExternalMessage{{
		Headers:     map[string]string(sig.Headers.Clone()),
		Payload:     payload,
		ContentType: ContentTypeEnvelope,
	}}, nil
}

// mergeTransportHeaders adds transport headers that the mapped signal
// does not set itself.
func mergeTransportHeaders(sig signal.Signal, msg connectivity.ExternalMessage) signal.Signal {
	h := sig.Headers.Clone()
	for k, v := range msg.Headers {
		k = strings.ToLower(k)
		if _, ok := h[k]; !ok {
			h[k] = v
		}
	}
	if _, ok := h[signal.HeaderSourceAddress]; !ok && msg.Address != "" {
		h[signal.HeaderSourceAddress] = msg.Address
	}
	sig.Headers = h
	return sig
}
