package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/config"
	"github.com/Tyrowin/livechat/internal/conversation"
	"github.com/Tyrowin/livechat/internal/logging"
	"github.com/Tyrowin/livechat/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return NewMemory() })
}

func TestMemoryQueryReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Append(ctx, chat.Message{Sender: "alice", Recipient: "bob", Content: "hi"})
	require.NoError(t, err)

	got, err := m.Query(ctx, conversation.MustDerive("alice", "bob"), 0, 0)
	require.NoError(t, err)
	got[0].Content = "changed"

	again, err := m.Query(ctx, conversation.MustDerive("alice", "bob"), 0, 0)
	require.NoError(t, err)
	require.Equal(t, "hi", again[0].Content)
}

func TestMemoryRejectsInvalidParticipants(t *testing.T) {
	_, err := NewMemory().Append(context.Background(), chat.Message{Sender: "", Recipient: "bob"})
	require.ErrorIs(t, err, chat.ErrInvalidRequest)
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	_, err := m.Append(context.Background(), chat.Message{Sender: "alice", Recipient: "bob"})
	require.Error(t, err)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Driver: "memory"}, logging.Discard())
	require.NoError(t, err)
	require.IsType(t, &Memory{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, config.StoreConfig{Driver: "pebble", DataDir: t.TempDir(), Fsync: "never"}, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.StoreConfig{Driver: "cassandra"}, logging.Discard())
	require.Error(t, err)
}
