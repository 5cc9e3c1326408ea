// Package ingest accepts a new message from a sender, persists it and
// then fans it out to the conversation's live subscribers.
package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/conversation"
	"github.com/Tyrowin/livechat/internal/logging"
)

// DefaultMaxContentLength is the longest accepted content, in runes.
const DefaultMaxContentLength = 4096

// Appender is the store operation ingest depends on.
type Appender interface {
	Append(ctx context.Context, msg chat.Message) (int64, error)
}

// Broadcaster delivers a persisted message to live subscribers.
type Broadcaster interface {
	FanOut(ctx context.Context, key conversation.Key, msg chat.Message) int
}

type Options struct {
	MaxContentLength int
	// Now returns the server timestamp; defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Service implements Send.
type Service struct {
	store  Appender
	bcast  Broadcaster
	maxLen int
	now    func() time.Time
	log    *slog.Logger
	tracer trace.Tracer
	locks  *keyLock
}

func New(store Appender, bcast Broadcaster, opts Options) *Service {
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = DefaultMaxContentLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("livechat/ingest")
	}
	return &Service{
		store:  store,
		bcast:  bcast,
		maxLen: opts.MaxContentLength,
		now:    opts.Now,
		log:    opts.Logger.With(logging.Component("ingest")),
		tracer: opts.Tracer,
		locks:  newKeyLock(),
	}
}

// Send validates, persists and fans out one message, returning it with
// its assigned ID. Nothing is fanned out unless the append succeeded.
// Sends within one conversation are serialized from append through
// fan-out, so live subscribers see them in ID order.
func (s *Service) Send(ctx context.Context, sender, recipient, content string) (chat.Message, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.Send", trace.WithAttributes(
		attribute.String("sender", sender),
		attribute.String("recipient", recipient),
		attribute.Int("content_length", len(content)),
	))
	defer span.End()

	key, err := s.validate(sender, recipient, content)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return chat.Message{}, err
	}

	msg := chat.Message{
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}

	unlock := s.locks.lock(key)
	defer unlock()

	id, err := s.store.Append(ctx, msg)
	if err != nil {
		err = chat.StorageUnavailable(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		s.log.ErrorContext(ctx, "ingest - send - append failed",
			logging.Conversation(key.String()), logging.Sender(sender), logging.Err(err))
		return chat.Message{}, err
	}
	msg.ID = id

	delivered := s.bcast.FanOut(ctx, key, msg)
	span.SetAttributes(attribute.Int64("message_id", id), attribute.Int("delivered", delivered))
	s.log.DebugContext(ctx, "ingest - send - persisted and fanned out",
		logging.Conversation(key.String()), logging.MessageID(id), slog.Int("delivered", delivered))
	return msg, nil
}

func (s *Service) validate(sender, recipient, content string) (conversation.Key, error) {
	if strings.TrimSpace(sender) == "" {
		return "", chat.InvalidRequest("sender is required")
	}
	if strings.TrimSpace(recipient) == "" {
		return "", chat.InvalidRequest("recipient is required")
	}
	if strings.TrimSpace(content) == "" {
		return "", chat.InvalidRequest("content is required")
	}
	if !utf8.ValidString(content) {
		return "", chat.InvalidRequest("content must be valid UTF-8")
	}
	if n := utf8.RuneCountInString(content); n > s.maxLen {
		return "", chat.InvalidRequest("content exceeds maximum length")
	}
	return conversation.Derive(sender, recipient)
}
