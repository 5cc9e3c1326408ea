// Package history answers catch-up queries: the messages of a conversation
// after a given ID. The same call serves the initial load, reconnect gap
// filling and polling clients.
package history

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/conversation"
	"github.com/Tyrowin/livechat/internal/logging"
)

// Querier is the store surface the reader depends on.
type Querier interface {
	Query(ctx context.Context, key conversation.Key, afterID int64, limit int) ([]chat.Message, error)
	LastID(ctx context.Context) (int64, error)
}

type Options struct {
	Logger *slog.Logger
	Tracer trace.Tracer
}

type Reader struct {
	store  Querier
	log    *slog.Logger
	tracer trace.Tracer
}

func New(store Querier, opts Options) *Reader {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("livechat/history")
	}
	return &Reader{
		store:  store,
		log:    opts.Logger.With(logging.Component("history")),
		tracer: opts.Tracer,
	}
}

// History returns every message between userA and userB with an ID
// greater than afterID, in ascending ID order. Pass 0 for the full history.
func (r *Reader) History(ctx context.Context, userA, userB string, afterID int64) ([]chat.Message, error) {
	return r.HistoryPage(ctx, userA, userB, afterID, 0)
}

// HistoryPage is History capped at limit messages; limit 0 means no cap.
func (r *Reader) HistoryPage(ctx context.Context, userA, userB string, afterID int64, limit int) ([]chat.Message, error) {
	ctx, span := r.tracer.Start(ctx, "history.Query", trace.WithAttributes(
		attribute.Int64("after_id", afterID),
		attribute.Int("limit", limit),
	))
	defer span.End()

	key, err := conversation.Derive(userA, userB)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}
	if afterID < 0 {
		err := chat.InvalidRequest("after must not be negative")
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}
	if limit < 0 {
		err := chat.InvalidRequest("limit must not be negative")
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}

	msgs, err := r.store.Query(ctx, key, afterID, limit)
	if err != nil {
		err = chat.StorageUnavailable(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		r.log.ErrorContext(ctx, "history - query - store failed", logging.Conversation(key.String()), logging.Err(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int("message_count", len(msgs)))
	return msgs, nil
}

// LastID returns the highest message ID the store has assigned. Streams use
// it to bound a client-supplied resume position.
func (r *Reader) LastID(ctx context.Context) (int64, error) {
	id, err := r.store.LastID(ctx)
	if err != nil {
		err = chat.StorageUnavailable(err)
		r.log.ErrorContext(ctx, "history - last id - store failed", logging.Err(err))
		return 0, err
	}
	return id, nil
}
