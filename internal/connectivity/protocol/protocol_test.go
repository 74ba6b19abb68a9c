package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UnimibEsami/ditto/internal/connectivity"
)

type stubProtocol struct{ Protocol }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(connectivity.TypeMQTT, func(*connectivity.Connection, connectivity.Logger) (Protocol, error) {
		return stubProtocol{}, nil
	})
	r.Register(connectivity.TypeKafka, func(*connectivity.Connection, connectivity.Logger) (Protocol, error) {
		return nil, errors.New("boom")
	})

	p, err := r.New(&connectivity.Connection{Type: connectivity.TypeMQTT}, nil)
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = r.New(&connectivity.Connection{Type: connectivity.TypeKafka}, nil)
	assert.EqualError(t, err, "boom")

	_, err = r.New(&connectivity.Connection{Type: "smtp"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedType)

	assert.Equal(t, []connectivity.ConnectionType{connectivity.TypeKafka, connectivity.TypeMQTT}, r.Types())
	assert.True(t, r.Supports(connectivity.TypeMQTT))
	assert.False(t, r.Supports("smtp"))
}

func TestSubscribeResult_Err(t *testing.T) {
	assert.NoError(t, SubscribeResult{Subscribed: []string{"a"}}.Err())

	cause := errors.New("not authorized")
	err := SubscribeResult{Failed: map[string]error{"b": cause, "a": cause}}.Err()
	assert.ErrorIs(t, err, ErrSubscribeFailed)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), ": a: ")

}
