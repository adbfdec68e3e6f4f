package chatcore

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Event Kinds
// ============================================================================

// EventKind discriminates push-channel events.
type EventKind string

const (
	EventMessageCreated  EventKind = "message.created"
	EventMessageUpdated  EventKind = "message.updated"
	EventMessageDeleted  EventKind = "message.deleted"
	EventMessageRead     EventKind = "message.read"
	EventTypingChanged   EventKind = "typing.changed"
	EventPresenceChanged EventKind = "presence.changed"
	EventConnectionState EventKind = "connection.state"
)

// Event is one validated push-channel event.
type Event interface {
	Kind() EventKind
	Validate() error
}

// conversationEvent is implemented by events that belong to one conversation
// and therefore follow that conversation's ordering rules.
type conversationEvent interface {
	Event
	conversation() string
}

// Envelope is the wire format of every push frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ============================================================================
// Event Payloads
// ============================================================================

// MessageCreated announces a new message. CorrelationToken is echoed back when
// the message originated from this client's send.
type MessageCreated struct {
	ConversationID   string  `json:"conversationId"`
	Message          Message `json:"message"`
	CorrelationToken string  `json:"correlationToken,omitempty"`
}

func (MessageCreated) Kind() EventKind        { return EventMessageCreated }
func (e MessageCreated) conversation() string { return e.ConversationID }

func (e MessageCreated) Validate() error {
	if e.ConversationID == "" {
		return malformed(EventMessageCreated, "missing conversationId")
	}
	if e.Message.ID == "" {
		return malformed(EventMessageCreated, "missing message.id")
	}
	if e.Message.ConversationID != "" && e.Message.ConversationID != e.ConversationID {
		return malformed(EventMessageCreated, "message.conversationId mismatch")
	}
	if e.Message.Type != "" && !e.Message.Type.Valid() {
		return malformed(EventMessageCreated, "unknown messageType "+string(e.Message.Type))
	}
	return nil
}

// MessageUpdated carries an edit.
type MessageUpdated struct {
	ConversationID string       `json:"conversationId"`
	MessageID      string       `json:"messageId"`
	Patch          MessagePatch `json:"patch"`
}

func (MessageUpdated) Kind() EventKind        { return EventMessageUpdated }
func (e MessageUpdated) conversation() string { return e.ConversationID }

func (e MessageUpdated) Validate() error {
	if e.ConversationID == "" || e.MessageID == "" {
		return malformed(EventMessageUpdated, "missing conversationId or messageId")
	}
	if e.Patch.Content == nil && e.Patch.IsEdited == nil && e.Patch.EditedAt == nil {
		return malformed(EventMessageUpdated, "empty patch")
	}
	return nil
}

// MessageDeleted announces a tombstone.
type MessageDeleted struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

func (MessageDeleted) Kind() EventKind        { return EventMessageDeleted }
func (e MessageDeleted) conversation() string { return e.ConversationID }

func (e MessageDeleted) Validate() error {
	if e.ConversationID == "" || e.MessageID == "" {
		return malformed(EventMessageDeleted, "missing conversationId or messageId")
	}
	return nil
}

// ConversationRead reports that a participant read a conversation.
type ConversationRead struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

func (ConversationRead) Kind() EventKind        { return EventMessageRead }
func (e ConversationRead) conversation() string { return e.ConversationID }

func (e ConversationRead) Validate() error {
	if e.ConversationID == "" || e.ReaderID == "" {
		return malformed(EventMessageRead, "missing conversationId or readerId")
	}
	return nil
}

// TypingChanged starts or stops a typing indicator.
type TypingChanged struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

func (TypingChanged) Kind() EventKind { return EventTypingChanged }

func (e TypingChanged) Validate() error {
	if e.ConversationID == "" || e.UserID == "" {
		return malformed(EventTypingChanged, "missing conversationId or userId")
	}
	return nil
}

// PresenceChanged flips a user's online status.
type PresenceChanged struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

func (PresenceChanged) Kind() EventKind { return EventPresenceChanged }

func (e PresenceChanged) Validate() error {
	if e.UserID == "" {
		return malformed(EventPresenceChanged, "missing userId")
	}
	return nil
}

// ConnectionState is produced locally by the push client.
type ConnectionState struct {
	IsConnected bool   `json:"isConnected"`
	Reason      string `json:"reason,omitempty"`
}

func (ConnectionState) Kind() EventKind { return EventConnectionState }
func (ConnectionState) Validate() error { return nil }

// ============================================================================
// Decoding
// ============================================================================

// DecodeEvent parses and validates a push frame. Anything that does not match
// a known shape is rejected with ErrMalformedEvent.
func DecodeEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return env.Decode()
}

// Decode turns the envelope into its typed event.
func (env Envelope) Decode() (Event, error) {
	var ev Event
	var err error
	switch EventKind(env.Type) {
	case EventMessageCreated:
		ev, err = decodePayload[MessageCreated](env.Payload)
	case EventMessageUpdated:
		ev, err = decodePayload[MessageUpdated](env.Payload)
	case EventMessageDeleted:
		ev, err = decodePayload[MessageDeleted](env.Payload)
	case EventMessageRead:
		ev, err = decodePayload[ConversationRead](env.Payload)
	case EventTypingChanged:
		ev, err = decodePayload[TypingChanged](env.Payload)
	case EventPresenceChanged:
		ev, err = decodePayload[PresenceChanged](env.Payload)
	case EventConnectionState:
		ev, err = decodePayload[ConnectionState](env.Payload)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// EncodeEvent wraps an event in its wire envelope.
func EncodeEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: string(ev.Kind()), Payload: payload})
}

func decodePayload[T Event](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, fmt.Errorf("missing payload")
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

func malformed(kind EventKind, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedEvent, kind, reason)
}
