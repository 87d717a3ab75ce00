// Package channel implements the realtime event channel between the tutor
// and the relay: the wire envelope and the websocket client adapter.
package channel

import (
	"encoding/json"
	"fmt"
)

// Outbound event names.
const (
	EventSendMessage = "send_message"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventMarkRead    = "mark_read"
	EventPing        = "ping"
)

// Inbound event names.
const (
	EventNewMessage       = "new_message"
	EventMessageDelivered = "message_delivered"
	EventMessageRead      = "message_read"
	EventUserTyping       = "user_typing"
	EventPong             = "pong"
)

// Envelope is the JSON frame carried on the socket.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode builds a text frame for eventType. A nil payload omits data.
func Encode(eventType string, payload any) ([]byte, error) {
	env := Envelope{Type: eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Decode parses a frame into its envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode frame: missing type")
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Type, err)
	}
	return nil
}
