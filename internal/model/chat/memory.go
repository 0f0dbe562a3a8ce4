package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps conversations in process memory. It is used by tests and
// local development; nothing survives a restart.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]Conversation
	owners        map[string]string
	messages      map[string][]Message
	requests      map[string]map[string]int64
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]Conversation),
		owners:        make(map[string]string),
		messages:      make(map[string][]Message),
		requests:      make(map[string]map[string]int64),
	}
}

// CreateConversation provisions a conversation and appends its seed messages.
func (s *MemoryStore) CreateConversation(_ context.Context, nc NewConversation) (Conversation, error) {
	if nc.OwnerID == "" {
		return Conversation{}, ErrOwnerRequired
	}

	conv := Conversation{
		ID:        uuid.NewString(),
		OwnerID:   nc.OwnerID,
		PersonaID: nc.PersonaID,
		CreatedAt: time.Now().UTC(),
	}
	seed := make([]NewMessage, len(nc.Seed))
	for i, m := range nc.Seed {
		m.ConversationID = conv.ID
		if err := m.Validate(); err != nil {
			return Conversation{}, err
		}
		seed[i] = m
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.owners[conv.OwnerID]; ok {
		return Conversation{}, ErrConversationExists
	}
	s.conversations[conv.ID] = conv
	s.owners[conv.OwnerID] = conv.ID
	s.messages[conv.ID] = make([]Message, 0, 16)
	s.requests[conv.ID] = make(map[string]int64)

	for _, m := range seed {
		s.appendLocked(m)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by identifier.
func (s *MemoryStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

// FindConversationByOwner returns the conversation owned by ownerID.
func (s *MemoryStore) FindConversationByOwner(_ context.Context, ownerID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.owners[ownerID]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return s.conversations[id], nil
}

// AppendMessage adds a message to the conversation history.
func (s *MemoryStore) AppendMessage(_ context.Context, msg NewMessage) (int64, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return 0, ErrConversationNotFound
	}
	return s.appendLocked(msg), nil
}

func (s *MemoryStore) appendLocked(msg NewMessage) int64 {
	seen := s.requests[msg.ConversationID]
	if msg.RequestID != "" {
		if seq, ok := seen[msg.RequestID]; ok {
			return seq
		}
	}

	history := s.messages[msg.ConversationID]
	seq := int64(len(history)) + 1
	s.messages[msg.ConversationID] = append(history, Message{
		ID:             uuid.NewString(),
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Seq:            seq,
		CreatedAt:      time.Now().UTC(),
	})
	if msg.RequestID != "" {
		seen[msg.RequestID] = seq
	}
	return seq
}

// ListMessages returns a copy of the stored history in sequence order.
func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	copied := make([]Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
