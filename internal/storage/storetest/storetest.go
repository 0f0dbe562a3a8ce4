// Package storetest holds the behavioural checks every chat.Store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/hearth/backend/internal/model/chat"
)

// Factory returns a fresh, empty store. The store is closed by Run.
type Factory func(t *testing.T) chat.Store

// Run exercises the chat.Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateSeedsInOrder", func(t *testing.T) { testCreateSeedsInOrder(t, open(t, newStore)) })
	t.Run("OwnerIsUnique", func(t *testing.T) { testOwnerIsUnique(t, open(t, newStore)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, open(t, newStore)) })
	t.Run("AppendAssignsConsecutiveSeq", func(t *testing.T) { testAppendAssignsConsecutiveSeq(t, open(t, newStore)) })
	t.Run("AppendIdempotent", func(t *testing.T) { testAppendIdempotent(t, open(t, newStore)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, open(t, newStore)) })
}

func open(t *testing.T, newStore Factory) chat.Store {
	t.Helper()
	store := newStore(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func create(t *testing.T, store chat.Store, owner string) chat.Conversation {
	t.Helper()
	conv, err := store.CreateConversation(context.Background(), chat.NewConversation{
		OwnerID:   owner,
		PersonaID: "socrates",
		Seed: []chat.NewMessage{
			{Role: chat.RoleSystem, Content: "You are a helpful AI assistant."},
			{Role: chat.RoleAssistant, Content: "Hi, how can I help you?"},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	return conv
}

func testCreateSeedsInOrder(t *testing.T, store chat.Store) {
	ctx := context.Background()
	conv := create(t, store, "alice")

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, "socrates", got.PersonaID)

	byOwner, err := store.FindConversationByOwner(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, byOwner.ID)

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleSystem, msgs[0].Role)
	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, chat.RoleAssistant, msgs[1].Role)
	assert.Equal(t, int64(2), msgs[1].Seq)
	assert.Equal(t, conv.ID, msgs[1].ConversationID)
}

func testOwnerIsUnique(t *testing.T, store chat.Store) {
	create(t, store, "bob")
	_, err := store.CreateConversation(context.Background(), chat.NewConversation{OwnerID: "bob"})
	assert.ErrorIs(t, err, chat.ErrConversationExists)
}

func testNotFound(t *testing.T, store chat.Store) {
	ctx := context.Background()
	missing := "00000000-0000-0000-0000-000000000000"

	_, err := store.GetConversation(ctx, missing)
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)
	_, err = store.FindConversationByOwner(ctx, "nobody")
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)
	_, err = store.ListMessages(ctx, missing)
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)
	_, err = store.AppendMessage(ctx, chat.NewMessage{ConversationID: missing, Role: chat.RoleUser, Content: "hi"})
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)
}

func testAppendAssignsConsecutiveSeq(t *testing.T, store chat.Store) {
	ctx := context.Background()
	conv := create(t, store, "carol")

	userSeq, err := store.AppendMessage(ctx, chat.NewMessage{ConversationID: conv.ID, Role: chat.RoleUser, Content: "Hi", RequestID: "u-1"})
	require.NoError(t, err)
	botSeq, err := store.AppendMessage(ctx, chat.NewMessage{ConversationID: conv.ID, Role: chat.RoleAssistant, Content: "Hello", RequestID: "a-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), userSeq)
	assert.Equal(t, int64(4), botSeq)

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "Hi", msgs[2].Content)
	assert.Equal(t, "Hello", msgs[3].Content)
}

func testAppendIdempotent(t *testing.T, store chat.Store) {
	ctx := context.Background()
	conv := create(t, store, "dave")
	msg := chat.NewMessage{ConversationID: conv.ID, Role: chat.RoleUser, Content: "Hi", RequestID: "req-1"}

	first, err := store.AppendMessage(ctx, msg)
	require.NoError(t, err)
	again, err := store.AppendMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func testConcurrentAppends(t *testing.T, store chat.Store) {
	ctx := context.Background()
	conv := create(t, store, "erin")

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.AppendMessage(ctx, chat.NewMessage{
				ConversationID: conv.ID,
				Role:           chat.RoleUser,
				Content:        fmt.Sprintf("message %d", i),
				RequestID:      fmt.Sprintf("req-%d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, writers+2)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}
