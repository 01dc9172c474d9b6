package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Run("Request", func(t *testing.T) {
		data, err := Encode(NewRequest("req-1", `print("ok")`))
		require.NoError(t, err)

		msg, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, KindRequest, msg.Kind)
		assert.Equal(t, "req-1", msg.ID)
		assert.Equal(t, `print("ok")`, msg.Code)
		assert.False(t, msg.Terminal())
	})

	t.Run("Result", func(t *testing.T) {
		data, err := Encode(NewResult("req-1", json.RawMessage(`{"exit_code":0}`)))
		require.NoError(t, err)

		msg, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, KindResult, msg.Kind)
		assert.True(t, msg.Terminal())
		assert.JSONEq(t, `{"exit_code":0}`, string(msg.Value))
	})

	t.Run("Heartbeat", func(t *testing.T) {
		data, err := Encode(NewHeartbeat())
		require.NoError(t, err)

		msg, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, KindHeartbeat, msg.Kind)
		assert.Empty(t, msg.ID)
		assert.False(t, msg.Terminal())
	})
}

func TestDecodeFailsClosed(t *testing.T) {
	t.Run("UnknownKind", func(t *testing.T) {
		_, err := Decode([]byte(`{"kind":"shutdown","id":"x"}`))
		require.Error(t, err)
		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr)
		assert.Equal(t, "x", decErr.ID)
		assert.Contains(t, err.Error(), "unknown message kind")
	})

	t.Run("UnknownField", func(t *testing.T) {
		_, err := Decode([]byte(`{"kind":"result","id":"x","extra":true}`))
		require.Error(t, err)
		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr)
		assert.Equal(t, "x", decErr.ID)
	})

	t.Run("MissingKind", func(t *testing.T) {
		_, err := Decode([]byte(`{"id":"x"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing message kind")
	})

	t.Run("MissingCorrelationID", func(t *testing.T) {
		for _, kind := range []Kind{KindRequest, KindStreamChunk, KindResult, KindError} {
			t.Run(string(kind), func(t *testing.T) {
				_, err := Decode([]byte(`{"kind":"` + string(kind) + `"}`))
				require.Error(t, err)
				assert.Contains(t, err.Error(), "missing correlation id")
			})
		}
	})

	t.Run("HeartbeatWithID", func(t *testing.T) {
		_, err := Decode([]byte(`{"kind":"heartbeat","id":"x"}`))
		require.Error(t, err)
	})

	t.Run("NotJSON", func(t *testing.T) {
		_, err := Decode([]byte(`hello`))
		require.Error(t, err)
		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr)
		assert.Empty(t, decErr.ID, "no id is recoverable from garbage")
	})

	t.Run("IDRecoverableFromMalformedPayload", func(t *testing.T) {
		// Valid JSON with a recoverable id but an unknown field.
		_, err := Decode([]byte(`{"kind":"stream_chunk","id":"req-9","chunk":"oops"}`))
		require.Error(t, err)
		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr)
		assert.Equal(t, "req-9", decErr.ID)
	})
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := Encode(Message{Kind: KindResult})
	require.Error(t, err)

	_, err = Encode(Message{Kind: "bogus", ID: "x"})
	require.Error(t, err)
}

func TestResourceLimited(t *testing.T) {
	msg := NewError("req-1", ReasonResourceLimit)
	assert.True(t, msg.ResourceLimited())
	assert.True(t, msg.Terminal())

	assert.False(t, NewError("req-1", "boom").ResourceLimited())
}

func TestDecodeErrorUnwrap(t *testing.T) {
	sentinel := errors.New("inner")
	err := &DecodeError{ID: "x", Err: sentinel}
	assert.ErrorIs(t, err, sentinel)
}
