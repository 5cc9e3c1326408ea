// Package storetest holds the behavior every message store backend must
// share. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/conversation"
)

// Store is the backend surface under test.
type Store interface {
	Append(ctx context.Context, msg chat.Message) (int64, error)
	Query(ctx context.Context, key conversation.Key, afterID int64, limit int) ([]chat.Message, error)
	LastID(ctx context.Context) (int64, error)
}

// Run exercises s. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("FirstMessageGetsIDOne", func(t *testing.T) { testFirstID(t, newStore(t)) })
	t.Run("IDsIncreaseAcrossConversations", func(t *testing.T) { testGlobalIDs(t, newStore(t)) })
	t.Run("QueryIsScopedAndOrdered", func(t *testing.T) { testQueryScoped(t, newStore(t)) })
	t.Run("QueryAfterAndLimit", func(t *testing.T) { testAfterAndLimit(t, newStore(t)) })
	t.Run("SymmetricKey", func(t *testing.T) { testSymmetric(t, newStore(t)) })
	t.Run("PreservesFields", func(t *testing.T) { testFields(t, newStore(t)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrent(t, newStore(t)) })
	t.Run("LastIDTracksAppends", func(t *testing.T) { testLastID(t, newStore(t)) })
}

func msg(from, to, content string) chat.Message {
	return chat.Message{Sender: from, Recipient: to, Content: content}
}

func testFirstID(t *testing.T, s Store) {
	ctx := context.Background()
	id, err := s.Append(ctx, msg("alice", "bob", "hi"))
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
}

func testGlobalIDs(t *testing.T, s Store) {
	ctx := context.Background()
	var last int64
	for i, pair := range [][2]string{{"alice", "bob"}, {"carol", "dave"}, {"bob", "alice"}, {"alice", "carol"}} {
		id, err := s.Append(ctx, msg(pair[0], pair[1], fmt.Sprint(i)))
		require.NoError(t, err)
		require.Greater(t, id, last)
		last = id
	}
}

func testQueryScoped(t *testing.T, s Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, msg("alice", "bob", fmt.Sprint("ab", i)))
		require.NoError(t, err)
		_, err = s.Append(ctx, msg("alice", "carol", fmt.Sprint("ac", i)))
		require.NoError(t, err)
	}

	got, err := s.Query(ctx, conversation.MustDerive("alice", "bob"), 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, m := range got {
		require.Equal(t, fmt.Sprint("ab", i), m.Content)
		if i > 0 {
			require.Greater(t, m.ID, got[i-1].ID)
		}
	}

	none, err := s.Query(ctx, conversation.MustDerive("bob", "carol"), 0, 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func testAfterAndLimit(t *testing.T, s Store) {
	ctx := context.Background()
	key := conversation.MustDerive("alice", "bob")
	ids := make([]int64, 5)
	for i := range ids {
		id, err := s.Append(ctx, msg("alice", "bob", fmt.Sprint(i)))
		require.NoError(t, err)
		ids[i] = id
	}

	got, err := s.Query(ctx, key, ids[1], 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, ids[2], got[0].ID)

	got, err = s.Query(ctx, key, ids[1], 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, ids[3], got[1].ID)

	got, err = s.Query(ctx, key, ids[4], 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func testSymmetric(t *testing.T, s Store) {
	ctx := context.Background()
	_, err := s.Append(ctx, msg("alice", "bob", "one"))
	require.NoError(t, err)
	_, err = s.Append(ctx, msg("bob", "alice", "two"))
	require.NoError(t, err)

	got, err := s.Query(ctx, conversation.MustDerive("bob", "alice"), 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "alice", got[0].Sender)
	require.Equal(t, "bob", got[1].Sender)
}

func testFields(t *testing.T, s Store) {
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	in := chat.Message{Sender: "alice", Recipient: "bob", Content: "héllo\nworld", CreatedAt: at}
	id, err := s.Append(ctx, in)
	require.NoError(t, err)

	got, err := s.Query(ctx, conversation.MustDerive("alice", "bob"), 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, id, got[0].ID)
	require.Equal(t, in.Sender, got[0].Sender)
	require.Equal(t, in.Recipient, got[0].Recipient)
	require.Equal(t, in.Content, got[0].Content)
	require.True(t, at.Equal(got[0].CreatedAt), "got %v", got[0].CreatedAt)
}

func testConcurrent(t *testing.T, s Store) {
	ctx := context.Background()
	const writers, each = 4, 25

	var wg sync.WaitGroup
	errs := make(chan error, writers*each)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := s.Append(ctx, msg("alice", "bob", fmt.Sprintf("%d-%d", w, i))); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.Query(ctx, conversation.MustDerive("alice", "bob"), 0, 0)
	require.NoError(t, err)
	require.Len(t, got, writers*each)
	seen := make(map[int64]bool, len(got))
	for i, m := range got {
		require.False(t, seen[m.ID], "duplicate id %d", m.ID)
		seen[m.ID] = true
		if i > 0 {
			require.Greater(t, m.ID, got[i-1].ID)
		}
	}
}

func testLastID(t *testing.T, s Store) {
	ctx := context.Background()

	last, err := s.LastID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), last)

	_, err = s.Append(ctx, msg("alice", "bob", "one"))
	require.NoError(t, err)
	id, err := s.Append(ctx, msg("alice", "carol", "two"))
	require.NoError(t, err)

	last, err = s.LastID(ctx)
	require.NoError(t, err)
	require.Equal(t, id, last)
}
