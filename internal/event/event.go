package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Chat Event Types - Client to Server
const (
	// EventChatSend - Participant submits a new message for the ticket channel
	EventChatSend = "chat:send"

	// EventPresenceTyping - Participant reports its typing flag
	EventPresenceTyping = "presence:typing"
)

// Chat Event Types - Server to Client
const (
	// EventChatMessageNew - A stored message was appended to the channel
	EventChatMessageNew = "chat:message_new"

	// EventChatHistory - Full message history, pushed once on subscribe
	EventChatHistory = "chat:history"

	// EventChatAck - The participant's chat:send was durably stored
	EventChatAck = "chat:ack"

	// EventChatError - A chat:send was rejected
	EventChatError = "chat:error"

	// EventPresenceSync - A presence record on the channel changed
	EventPresenceSync = "presence:sync"
)

var ErrUnknownEvent = errors.New("unknown event type")

// Envelope is the wire frame for every channel event. Payload holds the
// type-specific body and is decoded exactly once, at the channel boundary.
type Envelope struct {
	Event   string          `json:"event"`
	Ticket  string          `json:"ticket"`
	Payload json.RawMessage `json:"payload"`
}

// ChatSend is the client->server payload for EventChatSend. MessageID is
// chosen by the sender so redelivered frames stay de-duplicatable.
type ChatSend struct {
	MessageID   string   `json:"messageId"`
	SenderName  string   `json:"senderName"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments"`
}

// Typing is the payload for EventPresenceTyping.
type Typing struct {
	Typing bool `json:"typing"`
}

// PresenceSync is the payload for EventPresenceSync: the "is anyone of this
// role typing" signal, per role.
type PresenceSync struct {
	Typing map[string]bool `json:"typing"`
}

// Ack is the payload for EventChatAck.
type Ack struct {
	MessageID string `json:"messageId"`
}

// ErrorPayload is the payload for EventChatError.
type ErrorPayload struct {
	MessageID string `json:"messageId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Inbound is the parsed form of a client->server envelope: exactly one of the
// typed fields is set, matching Kind.
type Inbound struct {
	Kind   string
	Ticket string
	Send   *ChatSend
	Typing *Typing
}

// ParseInbound validates and decodes a client frame. Unknown or malformed
// frames are rejected here so application code only ever sees typed payloads.
func ParseInbound(env Envelope) (Inbound, error) {
	in := Inbound{Kind: env.Event, Ticket: env.Ticket}

	switch env.Event {
	case EventChatSend:
		var p ChatSend
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Inbound{}, fmt.Errorf("decode %s payload: %w", env.Event, err)
		}
		in.Send = &p
	case EventPresenceTyping:
		var p Typing
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Inbound{}, fmt.Errorf("decode %s payload: %w", env.Event, err)
		}
		in.Typing = &p
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	return in, nil
}

// Wrap marshals a typed payload into an outbound envelope.
func Wrap(eventType, ticket string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{Event: eventType, Ticket: ticket, Payload: raw}, nil
}
