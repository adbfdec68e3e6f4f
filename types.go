package chatcore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the chat backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
	}
	return e.Code + ": " + e.Message
}

// Result is the generic envelope wrapping every REST response.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Conversation Types
// ============================================================================

// ConversationKind distinguishes one-to-one threads from group threads.
type ConversationKind string

const (
	KindDirect ConversationKind = "DIRECT"
	KindGroup  ConversationKind = "GROUP"
)

// Participant is the denormalized peer summary carried by direct conversations.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Conversation is a thread as shown in the conversation list.
type Conversation struct {
	ID               string           `json:"id"`
	Kind             ConversationKind `json:"type"`
	Title            string           `json:"title,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	LastMessageAt    *time.Time       `json:"lastMessageAt,omitempty"`
	OtherParticipant *Participant     `json:"otherParticipant,omitempty"`
	LastMessage      *Message         `json:"lastMessage,omitempty"`
	UnreadCount      int              `json:"unreadCount"`
}

// activityAt is the timestamp used to order conversations by recency.
func (c *Conversation) activityAt() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

func (c Conversation) clone() Conversation {
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		c.LastMessageAt = &t
	}
	if c.OtherParticipant != nil {
		p := *c.OtherParticipant
		c.OtherParticipant = &p
	}
	if c.LastMessage != nil {
		m := c.LastMessage.clone()
		c.LastMessage = &m
	}
	return c
}

// ============================================================================
// Message Types
// ============================================================================

// MessageType is the payload kind of a message.
type MessageType string

const (
	TypeText   MessageType = "TEXT"
	TypeImage  MessageType = "IMAGE"
	TypeFile   MessageType = "FILE"
	TypeSystem MessageType = "SYSTEM"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeSystem:
		return true
	}
	return false
}

// DeletedPlaceholder replaces the content of a tombstoned message.
const DeletedPlaceholder = "This message was deleted"

// optimisticPrefix marks ids generated locally before the server assigns one.
const optimisticPrefix = "local-"

// FileInfo describes the attachment of a non-text message.
type FileInfo struct {
	URL  string `json:"fileUrl"`
	Name string `json:"fileName"`
	Size int64  `json:"fileSize"`
}

// Message is a single entry in a conversation history.
type Message struct {
	ID               string      `json:"id"`
	ConversationID   string      `json:"conversationId"`
	SenderID         string      `json:"senderId"`
	SenderName       string      `json:"senderName"`
	SenderAvatar     string      `json:"senderAvatar,omitempty"`
	Content          string      `json:"content"`
	Type             MessageType `json:"messageType"`
	File             *FileInfo   `json:"file,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	IsEdited         bool        `json:"isEdited"`
	EditedAt         *time.Time  `json:"editedAt,omitempty"`
	IsDeleted        bool        `json:"isDeleted"`
	IsRead           bool        `json:"isRead"`
	ReadAt           *time.Time  `json:"readAt,omitempty"`
	CorrelationToken string      `json:"correlationToken,omitempty"`

	// Pending is true while an optimistic send awaits the server.
	Pending bool `json:"-"`
}

// IsOptimistic reports whether the message still carries a locally generated id.
func (m *Message) IsOptimistic() bool {
	return strings.HasPrefix(m.ID, optimisticPrefix)
}

func (m Message) clone() Message {
	if m.File != nil {
		f := *m.File
		m.File = &f
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		m.EditedAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		m.ReadAt = &t
	}
	return m
}

// MessagePatch carries the editable fields of a message.
type MessagePatch struct {
	Content  *string    `json:"content,omitempty"`
	IsEdited *bool      `json:"isEdited,omitempty"`
	EditedAt *time.Time `json:"editedAt,omitempty"`
}

// patchFrom builds the patch that turns a message into its edited form.
func patchFrom(m *Message) MessagePatch {
	content := m.Content
	edited := m.IsEdited
	p := MessagePatch{Content: &content, IsEdited: &edited}
	if m.EditedAt != nil {
		t := *m.EditedAt
		p.EditedAt = &t
	}
	return p
}

// MessagePage is one page of a conversation history.
type MessagePage struct {
	Content       []Message `json:"content"`
	TotalPages    int       `json:"totalPages"`
	TotalElements int       `json:"totalElements"`
}

// SendMessageRequest is the body of a send call.
type SendMessageRequest struct {
	ConversationID   string      `json:"conversationId"`
	Content          string      `json:"content"`
	Type             MessageType `json:"messageType,omitempty"`
	File             *FileInfo   `json:"file,omitempty"`
	CorrelationToken string      `json:"correlationToken"`
}
