package mapping

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/signal"
)

const envelopePayload = `{
	"topic": "org.example/lamp/things/twin/events/modified",
	"headers": {"Correlation-Id": "c-1"},
	"path": "/features/power/properties/on",
	"value": true
}`

func TestNewProcessor_DefaultIsEnvelope(t *testing.T) {
	p, err := NewProcessor(nil)
	require.NoError(t, err)

	assert.Equal(t, EngineDitto, p.Engine())
	assert.Equal(t, ContentTypeEnvelope, p.DefaultContentType())
	assert.Equal(t, []string{ContentTypeEnvelope}, p.SupportedContentTypes())
}

func TestNewProcessor_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		mc   connectivity.MappingContext
	}{
		{name: "unknown engine", mc: connectivity.MappingContext{MappingEngine: "Lua"}},
		{name: "js without scripts", mc: connectivity.MappingContext{MappingEngine: EngineJavaScript}},
		{name: "js syntax error", mc: connectivity.MappingContext{MappingEngine: EngineJavaScript, IncomingScript: "function ("}},
		{
			name: "js missing entry point",
			mc:   connectivity.MappingContext{MappingEngine: EngineJavaScript, IncomingScript: "function other() {}"},
		},
		{name: "expr without entity id", mc: connectivity.MappingContext{MappingEngine: EngineExpr}},
		{
			name: "expr syntax error",
			mc:   connectivity.MappingContext{MappingEngine: EngineExpr, Options: map[string]any{"entity_id": "((("}},
		},
		{
			name: "unknown option",
			mc:   connectivity.MappingContext{MappingEngine: EngineExpr, Options: map[string]any{"bogus": 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := tt.mc
			_, err := NewProcessor(&mc)
			require.Error(t, err)
			assert.ErrorIs(t, err, connectivity.ErrMappingFailed)
		})
	}
}

func TestEnvelopeMapping_RoundTrip(t *testing.T) {
	p, err := NewProcessor(nil)
	require.NoError(t, err)

	sigs, err := p.MapInbound(connectivity.ExternalMessage{
		Address: "devices/lamp",
		Payload: []byte(envelopePayload),
		Headers: map[string]string{"X-Transport": "mqtt"},
	})
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	sig := sigs[0]
	assert.Equal(t, "things.events:modified", sig.Type)
	assert.Equal(t, signal.TopicTwinEvents, sig.Topic)
	assert.Equal(t, "org.example:lamp", sig.EntityID.String())
	id, _ := sig.CorrelationID()
	assert.Equal(t, "c-1", id)
	v, _ := sig.Headers.Get("x-transport")
	assert.Equal(t, "mqtt", v)
	src, _ := sig.Headers.Get(signal.HeaderSourceAddress)
	assert.Equal(t, "devices/lamp", src)

	out, err := p.MapOutbound(sig)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ContentTypeEnvelope, out[0].ContentType)

	var env Envelope
	require.NoError(t, json.Unmarshal(out[0].Payload, &env))
	assert.Equal(t, "org.example/lamp/things/twin/events/modified", env.Topic)
	assert.JSONEq(t, "true", string(env.Value))
}

func TestEnvelopeMapping_Invalid(t *testing.T) {
	p, err := NewProcessor(nil)
	require.NoError(t, err)

	_, err = p.MapInbound(connectivity.ExternalMessage{Payload: []byte("not json")})
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = p.MapInbound(connectivity.ExternalMessage{Payload: []byte(`{"topic":"a/b"}`)})
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestJavaScriptMapping(t *testing.T) {
	mc := &connectivity.MappingContext{
		MappingEngine: EngineJavaScript,
		ContentType:   "text/plain",
		IncomingScript: `
function mapToDittoProtocolMsg(headers, textPayload, contentType, address) {
	if (textPayload === "skip") { return null; }
	var parts = textPayload.split(",");
	return {
		topic: "org.example/" + parts[0] + "/things/twin/events/modified",
		headers: {"correlation-id": headers["correlation-id"] || "generated"},
		path: "/attributes/temp",
		value: parseFloat(parts[1])
	};
}`,
		OutgoingScript: `
function mapFromDittoProtocolMsg(envelope) {
	return {headers: {"x-topic": envelope.topic}, textPayload: JSON.stringify(envelope.value), contentType: "text/plain"};
}`,
	}
	p, err := NewProcessor(mc)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", p.DefaultContentType())
	assert.Contains(t, p.SupportedContentTypes(), ContentTypeEnvelope)

	sigs, err := p.MapInbound(connectivity.ExternalMessage{Payload: []byte("sensor-7,21.5")})
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "org.example:sensor-7", sigs[0].EntityID.String())
	assert.JSONEq(t, "21.5", string(sigs[0].Value))

	sigs, err = p.MapInbound(connectivity.ExternalMessage{Payload: []byte("skip")})
	require.NoError(t, err)
	assert.Empty(t, sigs)

	// Envelope content type bypasses the script.
	sigs, err = p.MapInbound(connectivity.ExternalMessage{Payload: []byte(envelopePayload), ContentType: ContentTypeEnvelope})
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "org.example:lamp", sigs[0].EntityID.String())

	out, err := p.MapOutbound(sigs[0])
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "true", string(out[0].Payload))
	assert.Equal(t, "org.example/lamp/things/twin/events/modified", out[0].Headers["x-topic"])
}

func TestJavaScriptMapping_Timeout(t *testing.T) {
	mc := &connectivity.MappingContext{
		MappingEngine:  EngineJavaScript,
		IncomingScript: `function mapToDittoProtocolMsg() { while (true) {} }`,
		Options:        map[string]any{"execution_timeout": "20ms"},
	}
	p, err := NewProcessor(mc)
	require.NoError(t, err)

	_, err = p.MapInbound(connectivity.ExternalMessage{Payload: []byte("x"), ContentType: "application/json"})
	assert.ErrorIs(t, err, ErrScript)
}

func TestExprMapping(t *testing.T) {
	mc := &connectivity.MappingContext{
		MappingEngine: EngineExpr,
		Options: map[string]any{
			"entity_id":        `"org.example:" + payload.device`,
			"value":            `{"temperature": payload.temp}`,
			"outbound_payload": `signal.value`,
		},
	}
	p, err := NewProcessor(mc)
	require.NoError(t, err)

	sigs, err := p.MapInbound(connectivity.ExternalMessage{
		Address: "telemetry",
		Payload: []byte(`{"device":"boiler","temp":71}`),
	})
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "org.example:boiler", sigs[0].EntityID.String())
	assert.Equal(t, signal.TopicTwinEvents, sigs[0].Topic)
	assert.JSONEq(t, `{"temperature":71}`, string(sigs[0].Value))

	out, err := p.MapOutbound(sigs[0])
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.JSONEq(t, `{"temperature":71}`, string(out[0].Payload))
	assert.Equal(t, "application/json", out[0].ContentType)
}

func TestExprMapping_NonStringEntityID(t *testing.T) {
	p, err := NewProcessor(&connectivity.MappingContext{
		MappingEngine: EngineExpr,
		Options:       map[string]any{"entity_id": `payload.n`},
	})
	require.NoError(t, err)

	_, err = p.MapInbound(connectivity.ExternalMessage{Payload: []byte(`{"n": 5}`)})
	assert.ErrorIs(t, err, ErrScript)
}
