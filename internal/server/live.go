package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/logging"
	"github.com/Tyrowin/livechat/internal/stream"
)

// openLive registers a delivery stream for the requesting client and,
// when a catch-up position was given, loads the messages after it.
//
// The stream subscribes before history is read, so a message persisted in
// between is both in the backlog and queued live; the stream's delivered
// mark makes the live copy a no-op.
func (a *App) openLive(ctx context.Context, r *http.Request) (*stream.Stream, []chat.Message, error) {
	q := r.URL.Query()
	self, peer := q.Get("currentUser"), q.Get("targetUser")
	after, hasAfter, err := parseAfter(r)
	if err != nil {
		return nil, nil, err
	}

	s, err := stream.Open(a.reg, self, peer, stream.Options{
		BufferSize: a.cfg.Stream.BufferSize,
		Logger:     a.log,
	})
	if err != nil {
		return nil, nil, err
	}
	if !hasAfter {
		return s, nil, nil
	}

	backlog, err := a.history.HistoryPage(ctx, self, peer, after, 0)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	var last int64
	if n := len(backlog); n > 0 {
		last = backlog[n-1].ID
	} else if after > 0 {
		// A resume position past anything stored (stale, or from before a
		// store reset) must not hide messages that are still to come.
		stored, err := a.history.LastID(ctx)
		if err != nil {
			s.Close()
			return nil, nil, err
		}
		last = min(after, stored)
	}
	s.MarkDelivered(last)

	logging.FromContext(ctx).DebugContext(ctx, "server - live - stream opened",
		logging.Sink(s.ID()), logging.Conversation(s.Key().String()),
		slog.Int64("after", after), slog.Int("backlog", len(backlog)))
	return s, backlog, nil
}
