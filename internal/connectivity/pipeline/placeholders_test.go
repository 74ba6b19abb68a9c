package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/signal"
)

func TestPlaceholderScope_Resolve(t *testing.T) {
	id, err := signal.NewNamespacedEntityID(signal.EntityTypeThing, "org.example", "lamp")
	require.NoError(t, err)
	sig := signal.Signal{EntityID: id, Topic: signal.TopicLiveMessages}
	scope := newPlaceholderScope(map[string]string{"Device-Id": "d1"}, &sig)

	tests := []struct {
		name     string
		template string
		want     string
		wantErr  error
	}{
		{"literal", "plain/address", "plain/address", nil},
		{"thing", "t/{{ thing:namespace }}/{{thing:name}}", "t/org.example/lamp", nil},
		{"entity alias", "{{ entity:id }}", "org.example:lamp", nil},
		{"header case-insensitive", "{{ header:device-id }}", "d1", nil},
		{"topic", "{{ topic:channel }}-{{ topic:criterion }}", "live-messages", nil},
		{"missing header", "{{ header:missing }}", "", ErrUnresolvedPlaceholder},
		{"unknown", "{{ policy:id }}", "", ErrUnknownPlaceholder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := scope.resolve(tt.template)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlaceholderScope_WithoutEntity(t *testing.T) {
	_, err := newPlaceholderScope(nil, nil).resolve("{{ thing:id }}")
	assert.ErrorIs(t, err, ErrUnresolvedPlaceholder)
}

func TestApplyHeaderMapping_SkipsUnresolved(t *testing.T) {
	scope := newPlaceholderScope(map[string]string{"a": "1"}, nil)
	out, errs := scope.applyHeaderMapping(map[string]string{"X-A": "{{ header:a }}", "b": "{{ header:b }}"})
	assert.Equal(t, map[string]string{"x-a": "1"}, out)
	assert.Len(t, errs, 1)
}

func TestCheckEnforcement(t *testing.T) {
	id, _ := signal.NewNamespacedEntityID(signal.EntityTypeThing, "org.example", "lamp")
	sig := signal.Signal{EntityID: id}
	e := &connectivity.Enforcement{
		Input:   "{{ header:device_id }}",
		Filters: []string{"{{ thing:name }}", "{{ thing:id }}"},
	}

	assert.NoError(t, checkEnforcement(nil, nil, sig))
	assert.NoError(t, checkEnforcement(e, map[string]string{"device_id": "lamp"}, sig))
	assert.NoError(t, checkEnforcement(e, map[string]string{"device_id": "org.example:lamp"}, sig))
	assert.ErrorIs(t, checkEnforcement(e, map[string]string{"device_id": "heater"}, sig), ErrEnforcementFailed)
	assert.ErrorIs(t, checkEnforcement(e, nil, sig), ErrEnforcementFailed)
}
