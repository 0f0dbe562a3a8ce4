package chat_test

import (
	"context"
	"errors"
	"testing"

	"github.com/zhouzirui/hearth/backend/internal/model/chat"
	"github.com/zhouzirui/hearth/backend/internal/storage/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) chat.Store { return chat.NewMemoryStore() })
}

func TestMemoryStoreRejectsInvalidRole(t *testing.T) {
	store := chat.NewMemoryStore()
	ctx := context.Background()
	conv, err := store.CreateConversation(ctx, chat.NewConversation{OwnerID: "carol"})
	if err != nil {
		t.Fatalf("CreateConversation err: %v", err)
	}

	_, err = store.AppendMessage(ctx, chat.NewMessage{ConversationID: conv.ID, Role: "narrator", Content: "x"})
	if !errors.Is(err, chat.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestMemoryStoreDoesNotMutateSeed(t *testing.T) {
	store := chat.NewMemoryStore()
	seed := []chat.NewMessage{{Role: chat.RoleSystem, Content: "be kind"}}

	if _, err := store.CreateConversation(context.Background(), chat.NewConversation{OwnerID: "frank", Seed: seed}); err != nil {
		t.Fatalf("CreateConversation err: %v", err)
	}
	if seed[0].ConversationID != "" {
		t.Fatalf("seed was mutated: %+v", seed[0])
	}
}

func TestMemoryStoreRequiresOwner(t *testing.T) {
	store := chat.NewMemoryStore()
	if _, err := store.CreateConversation(context.Background(), chat.NewConversation{}); !errors.Is(err, chat.ErrOwnerRequired) {
		t.Fatalf("expected ErrOwnerRequired, got %v", err)
	}
}
