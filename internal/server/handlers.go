package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/logging"
)

// handleIndex answers on / with a plain-text banner.
func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "livechat server is running!")
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if a.closing.Load() {
		status = "shutting_down"
	}
	writeJSON(w, r, http.StatusOK, healthResponse{Status: status, Stats: a.reg.Stats()})
}

// handleSendMessage persists a message and fans it out.
func (a *App) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed. /send-message only accepts POST requests.", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.Server.MaxBodyBytes)
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, chat.InvalidRequest("request body must be a JSON object with sender, recipient and content"))
		return
	}

	if req.Sender != "" && !a.limiters.allow(req.Sender) {
		logging.FromContext(r.Context()).WarnContext(r.Context(), "server - send - rate limited",
			logging.Sender(req.Sender), slog.Int("burst", a.cfg.RateLimit.Burst),
			slog.Duration("refill_interval", a.cfg.RateLimit.RefillInterval))
		w.Header().Set("Retry-After", strconv.Itoa(max(1, int(a.cfg.RateLimit.RefillInterval.Seconds()))))
		writeJSON(w, r, http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "too many messages"})
		return
	}

	msg, err := a.ingest.Send(r.Context(), req.Sender, req.Recipient, req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sendResponse{ID: msg.ID, Message: msg})
}

// handleChat returns the conversation history, optionally after an ID.
func (a *App) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed. /chat only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	currentUser, targetUser := q.Get("currentUser"), q.Get("targetUser")
	after, _, err := parseAfter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := parseNonNegative(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}

	msgs, err := a.history.HistoryPage(r.Context(), currentUser, targetUser, after, int(limit))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, r, http.StatusOK, historyResponse{
		CurrentUser: currentUser,
		TargetUser:  targetUser,
		ChatHistory: msgs,
	})
}

// parseAfter reads the catch-up position from the Last-Event-ID header or
// the after query parameter. The bool reports whether either was given.
func parseAfter(r *http.Request) (int64, bool, error) {
	raw := r.Header.Get("Last-Event-ID")
	name := "Last-Event-ID"
	if raw == "" {
		raw = r.URL.Query().Get("after")
		name = "after"
	}
	if raw == "" {
		return 0, false, nil
	}
	after, err := parseNonNegative(raw, name)
	return after, err == nil, err
}

func parseNonNegative(raw, name string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, chat.InvalidRequest(name + " must be a non-negative integer")
	}
	return v, nil
}

func statusFor(err error) int {
	switch chat.CodeOf(err) {
	case chat.CodeInvalidRequest:
		return http.StatusBadRequest
	case chat.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	case chat.CodeStreamClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorResponse{Code: chat.CodeOf(err), Message: "internal error"}
	var ce *chat.Error
	if errors.As(err, &ce) {
		body.Message = ce.Message
	}

	log := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "server - request - failed", slog.Int("status", status), logging.Err(err))
	} else {
		log.DebugContext(r.Context(), "server - request - rejected", slog.Int("status", status), logging.Err(err))
	}
	writeJSON(w, r, status, body)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).WarnContext(r.Context(), "server - response - write failed", logging.Err(err))
	}
}
