// Package relay bridges fan-out between livechat nodes over Redis pub/sub.
//
// Each node delivers a persisted message to its own subscribers and
// publishes it; every other node re-delivers it to the subscribers it
// holds. A node ignores its own envelopes. Publishing is best effort:
// a client that misses a relayed message recovers it through catch-up.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/config"
	"github.com/Tyrowin/livechat/internal/conversation"
	"github.com/Tyrowin/livechat/internal/logging"
)

// Broadcaster is the node-local fan-out, normally the registry.
type Broadcaster interface {
	FanOut(ctx context.Context, key conversation.Key, msg chat.Message) int
}

type envelope struct {
	Node    string       `json:"node"`
	Key     string       `json:"key"`
	Message chat.Message `json:"message"`
}

// Bridge is a Broadcaster that also relays through Redis.
type Bridge struct {
	local          Broadcaster
	rdb            *redis.Client
	channel        string
	node           string
	publishTimeout time.Duration
	log            *slog.Logger
}

// NewClient connects to Redis and checks the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func New(local Broadcaster, rdb *redis.Client, channel string, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	node := uuid.NewString()
	return &Bridge{
		local:          local,
		rdb:            rdb,
		channel:        channel,
		node:           node,
		publishTimeout: 2 * time.Second,
		log:            log.With(logging.Component("relay"), slog.String("node", node)),
	}
}

// Node identifies this process on the channel.
func (b *Bridge) Node() string { return b.node }

// FanOut delivers locally, then publishes msg for the other nodes. It
// returns the local delivery count.
func (b *Bridge) FanOut(ctx context.Context, key conversation.Key, msg chat.Message) int {
	n := b.local.FanOut(ctx, key, msg)

	payload, err := json.Marshal(envelope{Node: b.node, Key: string(key), Message: msg})
	if err != nil {
		b.log.ErrorContext(ctx, "relay - publish - encode failed", logging.MessageID(msg.ID), logging.Err(err))
		return n
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.publishTimeout)
	defer cancel()
	if err := b.rdb.Publish(pubCtx, b.channel, payload).Err(); err != nil {
		b.log.WarnContext(ctx, "relay - publish - failed",
			logging.Conversation(key.String()), logging.MessageID(msg.ID), logging.Err(err))
	}
	return n
}

// Run subscribes to the channel and delivers envelopes from other nodes
// until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return err
	}
	b.log.Info("relay - run - subscribed", slog.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			b.deliver(ctx, []byte(m.Payload))
		}
	}
}

// deliver hands one received envelope to the local broadcaster and reports
// how many sinks it reached.
func (b *Bridge) deliver(ctx context.Context, payload []byte) int {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.log.WarnContext(ctx, "relay - receive - malformed envelope", logging.Err(err))
		return 0
	}
	if env.Node == b.node {
		return 0
	}
	key := conversation.Key(env.Key)
	if !key.Valid() {
		b.log.WarnContext(ctx, "relay - receive - invalid conversation key", slog.String("from", env.Node))
		return 0
	}
	return b.local.FanOut(ctx, key, env.Message)
}
