package chat

import (
	"errors"
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one persisted entry of a conversation. Seq starts at 1 and is
// strictly increasing within a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Seq            int64     `json:"seq"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NewMessage is an append request. RequestID is an idempotency key: repeating
// an append with the same key returns the original sequence number.
type NewMessage struct {
	ConversationID string
	Role           Role
	Content        string
	RequestID      string
}

var ErrInvalidMessage = errors.New("invalid message")

// Validate checks the fields every store requires.
func (m NewMessage) Validate() error {
	if m.ConversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidMessage)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	return nil
}
