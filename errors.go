package chatcore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by push commands while the channel is down.
	ErrNotConnected = errors.New("not connected")
	// ErrUnknownConversation is returned by intents naming a conversation the
	// directory does not hold.
	ErrUnknownConversation = errors.New("unknown conversation")
	// ErrUnknownMessage is returned by edit/delete intents naming a message the
	// store does not hold.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrMalformedEvent marks push frames rejected at the transport boundary.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrEmptyContent is returned when sending or editing blank text.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrMessageDeleted is returned when editing a tombstoned message.
	ErrMessageDeleted = errors.New("message is deleted")
	// ErrPendingMessage is returned when editing or deleting a message the
	// server has not confirmed yet.
	ErrPendingMessage = errors.New("message is not confirmed yet")
)

// RequestError is a REST failure surfaced by one of the Coordinator's intents.
// The optimistic change made for the intent has already been rolled back when
// it is returned.
type RequestError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *RequestError) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }
