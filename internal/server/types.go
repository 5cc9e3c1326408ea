package server

import (
	"context"
	"strings"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/registry"
)

// Sender accepts new messages.
type Sender interface {
	Send(ctx context.Context, sender, recipient, content string) (chat.Message, error)
}

// HistoryReader answers catch-up queries.
type HistoryReader interface {
	HistoryPage(ctx context.Context, userA, userB string, afterID int64, limit int) ([]chat.Message, error)
	LastID(ctx context.Context) (int64, error)
}

// Relay is a background fan-out bridge to other nodes.
type Relay interface {
	Run(ctx context.Context) error
}

type sendRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

type sendResponse struct {
	ID      int64        `json:"id"`
	Message chat.Message `json:"message"`
}

type historyResponse struct {
	CurrentUser string         `json:"currentUser"`
	TargetUser  string         `json:"targetUser"`
	ChatHistory []chat.Message `json:"chatHistory"`
}

type healthResponse struct {
	Status string `json:"status"`
	registry.Stats
}

type errorResponse struct {
	Code    chat.Code `json:"code"`
	Message string    `json:"message"`
}

// controlMessage is the only client-to-server WebSocket frame.
type controlMessage struct {
	Type string `json:"type"`
}

const controlUnsubscribe = "unsubscribe"

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
