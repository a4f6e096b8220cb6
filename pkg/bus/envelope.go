package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the envelope variants on the wire
type MessageType string

const (
	TypeBroadcast MessageType = "broadcast"
	TypeDispatch  MessageType = "dispatch"
	TypeResponse  MessageType = "response"
)

// Fixed channel set. Units may extend it with domain channels.
const (
	ChannelCommands      = "commands"
	ChannelNotifications = "notifications"
	ChannelResponses     = "responses"
)

// ResponseStatus is the outcome carried by a response envelope
type ResponseStatus string

const (
	StatusOK      ResponseStatus = "ok"
	StatusError   ResponseStatus = "error"
	StatusTimeout ResponseStatus = "timeout"
)

// Envelope is the JSON message exchanged over the bus. Type decides which of
// the optional fields are meaningful.
type Envelope struct {
	Type      MessageType `json:"type"`
	Channel   string      `json:"channel"`
	Source    string      `json:"source"`
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`

	// Broadcast
	Message string `json:"message,omitempty"`
	Value   any    `json:"value,omitempty"`

	// Dispatch
	Command       string         `json:"command,omitempty"`
	Receiver      string         `json:"receiver,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	AwaitResponse bool           `json:"await_response,omitempty"`

	// Response
	InReplyTo string         `json:"in_reply_to,omitempty"`
	Status    ResponseStatus `json:"status,omitempty"`
}

// NewBroadcast builds a broadcast envelope
func NewBroadcast(source, channel, message string, value any) *Envelope {
	return &Envelope{
		Type:      TypeBroadcast,
		Channel:   channel,
		Source:    source,
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Message:   message,
		Value:     value,
	}
}

// NewDispatch builds a dispatch envelope addressed to receiver
func NewDispatch(source, channel, receiver, command string, payload map[string]any) *Envelope {
	return &Envelope{
		Type:      TypeDispatch,
		Channel:   channel,
		Source:    source,
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Command:   command,
		Receiver:  receiver,
		Payload:   payload,
	}
}

// NewResponse builds a response correlated to the originating envelope.
// Responses always travel on the responses channel, whatever channel carried
// the dispatch; a dispatcher only needs that one subscription to correlate.
func NewResponse(source string, origin *Envelope, status ResponseStatus, payload map[string]any) *Envelope {
	return &Envelope{
		Type:      TypeResponse,
		Channel:   ChannelResponses,
		Source:    source,
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		InReplyTo: origin.ID,
		Status:    status,
		Payload:   payload,
	}
}

// Encode serializes the envelope for the wire
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a wire message. A missing or unknown type fails.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	switch e.Type {
	case TypeBroadcast, TypeDispatch, TypeResponse:
	default:
		return nil, fmt.Errorf("unknown envelope type %q", e.Type)
	}
	return &e, nil
}
