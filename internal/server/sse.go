package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/logging"
)

// handleChatUpdates streams a conversation as Server-Sent Events. Every
// event carries a JSON array of messages and the ID of the last one, so a
// reconnecting EventSource resumes through Last-Event-ID.
func (a *App) handleChatUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed. /chat-updates only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	s, backlog, err := a.openLive(ctx, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer s.Close()

	log := logging.FromContext(ctx).With(logging.Sink(s.ID()))
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	write := func(frame func() error) bool {
		if err := rc.SetWriteDeadline(time.Now().Add(a.cfg.Stream.WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return false
		}
		if err := frame(); err != nil {
			log.DebugContext(ctx, "server - sse - write failed", logging.Err(err))
			return false
		}
		return rc.Flush() == nil
	}

	if len(backlog) > 0 {
		if !write(func() error { return writeEvent(w, backlog) }) {
			return
		}
	} else if !write(func() error { return writeComment(w, "connected") }) {
		return
	}

	for {
		waitCtx, cancel := context.WithTimeout(ctx, a.cfg.Stream.PingInterval)
		batch, err := s.NextBatch(waitCtx, a.cfg.Stream.BatchMax)
		cancel()

		switch {
		case err == nil:
			if !write(func() error { return writeEvent(w, batch) }) {
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if !write(func() error { return writeComment(w, "ping") }) {
				return
			}
		default:
			// Client gone, stream dropped for backpressure, or shutdown.
			log.DebugContext(ctx, "server - sse - stream ended", logging.Err(err))
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, msgs []chat.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", msgs[len(msgs)-1].ID, data)
	return err
}

func writeComment(w http.ResponseWriter, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}
