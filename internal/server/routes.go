package server

import (
	"net/http"

	"github.com/Tyrowin/livechat/internal/telemetry"
)

// routes builds the application's handler: every route behind tracing and
// request logging.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", a.handleIndex)
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/send-message", a.handleSendMessage)
	mux.HandleFunc("/chat", a.handleChat)
	mux.HandleFunc("/chat-updates", a.handleChatUpdates)
	mux.HandleFunc("/ws", a.handleWebSocket)

	return chain(mux,
		telemetry.MiddlewareWithProvider(a.cfg.Telemetry.ServiceName, a.tracerProvider),
		requestLogger(a.log),
	)
}
