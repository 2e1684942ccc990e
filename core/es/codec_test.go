package es

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedEvent struct {
	X int `json:"x"`
}

func (namedEvent) EventType() string { return "acme.Named" }

func TestEventTypeOf(t *testing.T) {
	assert.Equal(t, "acme.Named", EventTypeOf(namedEvent{}), "explicit name wins")
	assert.Equal(t, "acme.Named", EventTypeOf(&namedEvent{}))

	derived := EventTypeOf(accountOpened{})
	assert.True(t, strings.HasSuffix(derived, ".accountOpened"), derived)
	assert.Equal(t, derived, EventTypeOf(&accountOpened{}), "pointer and value share a name")
}

func TestEventRegistry(t *testing.T) {
	r := NewRegistry()
	RegisterEventFor[accountOpened](r)

	eventType, data, err := EncodeEvent(accountOpened{Owner: "alice"})
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		out, err := r.Decode(Envelope{Type: eventType, Data: data})
		require.NoError(t, err)
		require.IsType(t, &accountOpened{}, out)
		assert.Equal(t, "alice", out.(*accountOpened).Owner)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := r.Decode(Envelope{Type: "acme.Nope", Data: []byte(`{"x":1}`)})
		assert.ErrorIs(t, err, ErrUnknownEventType)
	})

	t.Run("empty payloads decode to nil", func(t *testing.T) {
		for _, data := range [][]byte{nil, []byte(""), []byte("{}"), []byte(" {} "), []byte("null")} {
			out, err := r.Decode(Envelope{Type: eventType, Data: data})
			require.NoError(t, err)
			assert.Nil(t, out)
		}
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := r.Decode(Envelope{Type: eventType, Data: []byte(`{"owner":`)})
		assert.Error(t, err)
	})
}

func TestEnvelope(t *testing.T) {
	t.Run("system events", func(t *testing.T) {
		assert.True(t, Envelope{Type: "$stream-metadata"}.IsSystem())
		assert.False(t, Envelope{Type: "acme.Named"}.IsSystem())
	})

	t.Run("validate", func(t *testing.T) {
		valid := Envelope{
			ID:         "e-1",
			Bucket:     "orders",
			StreamID:   "o-1",
			Type:       "created",
			OccurredAt: time.Now(),
		}
		assert.NoError(t, valid.Validate())

		for name, mutate := range map[string]func(*Envelope){
			"id":          func(e *Envelope) { e.ID = "" },
			"bucket":      func(e *Envelope) { e.Bucket = "" },
			"stream id":   func(e *Envelope) { e.StreamID = "" },
			"type":        func(e *Envelope) { e.Type = "" },
			"occurred at": func(e *Envelope) { e.OccurredAt = time.Time{} },
		} {
			e := valid
			mutate(&e)
			assert.Error(t, e.Validate(), name)
		}
	})
}

func TestHeaders(t *testing.T) {
	var nilHeaders Headers
	assert.NotNil(t, nilHeaders.Clone())

	base := Headers{"a": "1", "b": "2"}
	merged := base.Merged(Headers{"b": "3", "c": "4"})
	assert.Equal(t, Headers{"a": "1", "b": "3", "c": "4"}, merged)
	assert.Equal(t, Headers{"a": "1", "b": "2"}, base, "merge does not mutate the receiver")
}
