package chat

import "time"

// Conversation is the durable header of a message history, owned by one user.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	PersonaID string    `json:"personaId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewConversation describes a conversation to create together with its seed
// messages (typically a system prompt and an opening line).
type NewConversation struct {
	OwnerID   string
	PersonaID string
	Seed      []NewMessage
}
