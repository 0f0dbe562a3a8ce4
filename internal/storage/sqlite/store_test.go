package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/zhouzirui/hearth/backend/internal/model/chat"
	"github.com/zhouzirui/hearth/backend/internal/storage/storetest"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open(%s) err: %v", path, err)
	}
	return store
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) chat.Store {
		return openTestStore(t, filepath.Join(t.TempDir(), "chat.db"))
	})
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chat.db")
	ctx := context.Background()

	store := openTestStore(t, path)
	conv, err := store.CreateConversation(ctx, chat.NewConversation{OwnerID: "alice"})
	if err != nil {
		t.Fatalf("CreateConversation err: %v", err)
	}
	if _, err := store.AppendMessage(ctx, chat.NewMessage{ConversationID: conv.ID, Role: chat.RoleUser, Content: "Hi", RequestID: "r1"}); err != nil {
		t.Fatalf("AppendMessage err: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close err: %v", err)
	}

	reopened := openTestStore(t, path)
	defer reopened.Close()

	seq, err := reopened.AppendMessage(ctx, chat.NewMessage{ConversationID: conv.ID, Role: chat.RoleUser, Content: "Hi", RequestID: "r1"})
	if err != nil {
		t.Fatalf("AppendMessage after reopen err: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected the original seq 1 for a repeated request id, got %d", seq)
	}

	msgs, err := reopened.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages err: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "Hi" || msgs[0].Role != chat.RoleUser {
		t.Fatalf("unexpected history: %+v", msgs)
	}
}

func TestStoreClosedIsUnavailable(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "chat.db"))
	store.Close()

	_, err := store.ListMessages(context.Background(), "whatever")
	if !errors.Is(err, chat.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
