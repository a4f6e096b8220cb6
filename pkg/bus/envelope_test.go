package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeConstructors(t *testing.T) {
	broadcast := NewBroadcast("alice", ChannelNotifications, "unit.attached", map[string]any{"name": "alice"})
	assert.Equal(t, TypeBroadcast, broadcast.Type)
	assert.Equal(t, ChannelNotifications, broadcast.Channel)
	assert.NotEmpty(t, broadcast.ID)
	assert.False(t, broadcast.Timestamp.IsZero())

	dispatch := NewDispatch("alice", ChannelCommands, "bob", "ping", nil)
	assert.Equal(t, TypeDispatch, dispatch.Type)
	assert.Equal(t, "bob", dispatch.Receiver)
	assert.False(t, dispatch.AwaitResponse)
	assert.NotEqual(t, broadcast.ID, dispatch.ID)

	response := NewResponse("bob", dispatch, StatusOK, map[string]any{"pong": true})
	assert.Equal(t, TypeResponse, response.Type)
	assert.Equal(t, dispatch.ID, response.InReplyTo)
	assert.Equal(t, ChannelResponses, response.Channel)
	assert.Equal(t, StatusOK, response.Status)
}

func TestEnvelopeWireRoundTrip(t *testing.T) {
	env := NewDispatch("alice", ChannelCommands, "bob", "ping", map[string]any{"n": float64(7)})
	env.AwaitResponse = true

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.Command, decoded.Command)
	assert.Equal(t, env.Receiver, decoded.Receiver)
	assert.True(t, decoded.AwaitResponse)
	assert.Equal(t, float64(7), decoded.Payload["n"])
}

func TestDecodeEnvelopeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{{{"},
		{"missing type", `{"channel":"commands","source":"alice"}`},
		{"unknown type", `{"type":"gossip","channel":"commands"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}
