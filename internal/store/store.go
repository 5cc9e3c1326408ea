// Package store defines the durable message store the delivery core
// persists to, and opens the configured backend.
//
// Three backends are available: an in-process memory store, an embedded
// Pebble database and PostgreSQL. All of them assign strictly increasing
// message IDs across the whole store and return a conversation's messages
// in ID order.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/config"
	"github.com/Tyrowin/livechat/internal/conversation"
	"github.com/Tyrowin/livechat/internal/logging"
	"github.com/Tyrowin/livechat/internal/store/pebblestore"
	"github.com/Tyrowin/livechat/internal/store/postgres"
)

// Store persists messages and answers per-conversation range queries.
type Store interface {
	// Append durably stores msg and returns the ID assigned to it. The
	// message's own ID field is ignored.
	Append(ctx context.Context, msg chat.Message) (int64, error)
	// Query returns the messages of key with ID > afterID in ascending ID
	// order, at most limit of them when limit > 0.
	Query(ctx context.Context, key conversation.Key, afterID int64, limit int) ([]chat.Message, error)
	// LastID returns the highest ID assigned so far, 0 when empty.
	LastID(ctx context.Context) (int64, error)
	Close() error
}

// Open opens the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(logging.Component("store"), slog.String("driver", cfg.Driver))

	switch cfg.Driver {
	case "memory":
		log.Warn("store - open - memory store is not durable")
		return NewMemory(), nil
	case "pebble":
		db, err := pebblestore.Open(pebblestore.Options{
			DataDir:       cfg.DataDir,
			Fsync:         pebblestore.ParseFsyncMode(cfg.Fsync),
			FsyncInterval: cfg.FsyncInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("open pebble store: %w", err)
		}
		log.Info("store - open - pebble ready", slog.String("data_dir", cfg.DataDir), slog.String("fsync", cfg.Fsync))
		return db, nil
	case "postgres":
		db, err := postgres.Open(ctx, postgres.Options{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			PingTimeout:     cfg.PingTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info("store - open - postgres ready")
		return db, nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// utcNow is used when a message arrives without a timestamp.
func utcNow() time.Time { return time.Now().UTC() }
