package relay

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/config"
	"github.com/Tyrowin/livechat/internal/conversation"
	"github.com/Tyrowin/livechat/internal/logging"
	"github.com/Tyrowin/livechat/internal/registry"
	"github.com/Tyrowin/livechat/internal/stream"
)

type fanOutCall struct {
	key conversation.Key
	msg chat.Message
}

type recorder struct {
	mu    sync.Mutex
	calls []fanOutCall
	seen  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 16)}
}

func (r *recorder) FanOut(_ context.Context, key conversation.Key, msg chat.Message) int {
	r.mu.Lock()
	r.calls = append(r.calls, fanOutCall{key, msg})
	r.mu.Unlock()
	r.seen <- struct{}{}
	return 1
}

func (r *recorder) snapshot() []fanOutCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fanOutCall(nil), r.calls...)
}

var aliceBob = conversation.MustDerive("alice", "bob")

// unreachableClient points at a port nothing listens on.
func unreachableClient(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestDeliverFromOtherNode(t *testing.T) {
	local := newRecorder()
	b := New(local, unreachableClient(t), "test", logging.Discard())

	msg := chat.Message{ID: 7, Sender: "alice", Recipient: "bob", Content: "hi"}
	payload, err := json.Marshal(envelope{Node: "other", Key: string(aliceBob), Message: msg})
	require.NoError(t, err)

	require.Equal(t, 1, b.deliver(context.Background(), payload))
	calls := local.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, aliceBob, calls[0].key)
	require.Equal(t, int64(7), calls[0].msg.ID)
}

func TestDeliverSkipsOwnAndMalformed(t *testing.T) {
	local := newRecorder()
	b := New(local, unreachableClient(t), "test", logging.Discard())

	own, err := json.Marshal(envelope{Node: b.Node(), Key: string(aliceBob), Message: chat.Message{ID: 1}})
	require.NoError(t, err)
	badKey, err := json.Marshal(envelope{Node: "other", Key: "no-separator", Message: chat.Message{ID: 2}})
	require.NoError(t, err)

	require.Equal(t, 0, b.deliver(context.Background(), own))
	require.Equal(t, 0, b.deliver(context.Background(), badKey))
	require.Equal(t, 0, b.deliver(context.Background(), []byte("{not json")))
	require.Empty(t, local.snapshot())
}

func TestFanOutDeliversLocallyWhenPublishFails(t *testing.T) {
	local := newRecorder()
	b := New(local, unreachableClient(t), "test", logging.Discard())

	n := b.FanOut(context.Background(), aliceBob, chat.Message{ID: 1})
	require.Equal(t, 1, n)
	require.Len(t, local.snapshot(), 1)
}

func TestRemoteHigherIDDoesNotHideLocalLowerID(t *testing.T) {
	reg := registry.New(logging.Discard())
	b := New(reg, unreachableClient(t), "test", logging.Discard())

	s, err := stream.Open(reg, "bob", "alice", stream.Options{BufferSize: 8, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	remote, err := json.Marshal(envelope{Node: "other", Key: string(aliceBob), Message: chat.Message{ID: 11, Sender: "bob", Recipient: "alice"}})
	require.NoError(t, err)
	require.Equal(t, 1, b.deliver(context.Background(), remote))
	require.Equal(t, 1, b.FanOut(context.Background(), aliceBob, chat.Message{ID: 10, Sender: "alice", Recipient: "bob"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var got []int64
	for len(got) < 2 {
		msg, err := s.Next(ctx)
		require.NoError(t, err)
		got = append(got, msg.ID)
	}
	require.Equal(t, []int64{11, 10}, got)
}

func TestNodesAreDistinct(t *testing.T) {
	rdb := unreachableClient(t)
	a := New(newRecorder(), rdb, "test", logging.Discard())
	b := New(newRecorder(), rdb, "test", logging.Discard())
	require.NotEqual(t, a.Node(), b.Node())
}

// TestRelayBetweenNodes needs a real server, e.g.
// LIVECHAT_TEST_REDIS_URL=redis://localhost:6379/0.
func TestRelayBetweenNodes(t *testing.T) {
	url := os.Getenv("LIVECHAT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("LIVECHAT_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default().Redis
	cfg.URL = url
	rdb, err := NewClient(ctx, cfg)
	require.NoError(t, err)
	defer rdb.Close()

	channel := "livechat:test:" + time.Now().Format("150405.000000")
	sendingLocal, receivingLocal := newRecorder(), newRecorder()
	sender := New(sendingLocal, rdb, channel, logging.Discard())
	receiver := New(receivingLocal, rdb, channel, logging.Discard())

	runErr := make(chan error, 1)
	go func() { runErr <- receiver.Run(ctx) }()
	// Wait until the subscription is live before publishing.
	require.Eventually(t, func() bool {
		counts, err := rdb.PubSubNumSub(ctx, channel).Result()
		return err == nil && counts[channel] > 0
	}, 5*time.Second, 20*time.Millisecond)

	sender.FanOut(ctx, aliceBob, chat.Message{ID: 42, Sender: "alice", Recipient: "bob", Content: "hi"})

	select {
	case <-receivingLocal.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("message was not relayed")
	}
	got := receivingLocal.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, int64(42), got[0].msg.ID)
	require.Len(t, sendingLocal.snapshot(), 1, "sender delivers locally exactly once")

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
