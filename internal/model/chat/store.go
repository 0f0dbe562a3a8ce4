package chat

import (
	"context"
	"errors"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists for owner")
	ErrOwnerRequired        = errors.New("owner id is required")
	// ErrStoreUnavailable wraps every backend failure that is not a
	// domain error above; callers may retry the whole request.
	ErrStoreUnavailable = errors.New("conversation store unavailable")
)

// Store is the persistence contract the chat core depends on.
//
// AppendMessage assigns the next sequence number atomically. Appends carrying
// a RequestID already seen for the conversation return the original number and
// write nothing. ListMessages returns messages in sequence order.
type Store interface {
	CreateConversation(ctx context.Context, conv NewConversation) (Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	FindConversationByOwner(ctx context.Context, ownerID string) (Conversation, error)
	AppendMessage(ctx context.Context, msg NewMessage) (int64, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	Close() error
}
