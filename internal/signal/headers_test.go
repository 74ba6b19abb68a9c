package signal

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaders_CorrelationID(t *testing.T) {
	var h Headers
	_, ok := h.CorrelationID()
	assert.False(t, ok, "nil headers have no correlation id")

	h = h.WithCorrelationID("abc")
	id, ok := h.CorrelationID()
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	h = h.WithCorrelationID("")
	_, ok = h.CorrelationID()
	assert.False(t, ok, "empty correlation id counts as absent")
}

func TestHeaders_WithDoesNotMutate(t *testing.T) {
	h := Headers{"a": "1"}
	h2 := h.With("B", "2")

	assert.Len(t, h, 1)
	v, ok := h2.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestHeaders_RequestedAcks(t *testing.T) {
	h := Headers{HeaderRequestedAcks: "twin-persisted, custom-ack,twin-persisted,,"}
	assert.Equal(t, []Label{"twin-persisted", "custom-ack"}, h.RequestedAcks())

	h = h.WithRequestedAcks()
	assert.Nil(t, h.RequestedAcks())

	h = h.WithRequestedAcks(LabelLiveResponse)
	assert.Equal(t, []Label{LabelLiveResponse}, h.RequestedAcks())
}

func TestLabel_Validate(t *testing.T) {
	assert.NoError(t, LabelTwinPersisted.Validate())
	assert.NoError(t, Label("{{connection:id}}:ack").Validate())
	assert.ErrorIs(t, Label("ab").Validate(), ErrInvalidLabel)
	assert.ErrorIs(t, Label("has space").Validate(), ErrInvalidLabel)
}

func TestAcknowledgements_Status(t *testing.T) {
	entity := NewPlainEntityID(EntityTypeThing, "x")
	ok := NewAcknowledgement("a-1", entity, http.StatusOK, "c")
	bad := NewAcknowledgement("b-1", entity, http.StatusInternalServerError, "c")

	assert.Equal(t, http.StatusOK, Acknowledgements{}.Status())
	assert.Equal(t, http.StatusInternalServerError, Acknowledgements{Entries: []Acknowledgement{bad}}.Status())
	assert.Equal(t, http.StatusOK, Acknowledgements{Entries: []Acknowledgement{ok, ok}}.Status())
	assert.Equal(t, http.StatusFailedDependency, Acknowledgements{Entries: []Acknowledgement{ok, bad}}.Status())
	assert.True(t, ok.IsSuccess())
	assert.False(t, bad.IsSuccess())
}
