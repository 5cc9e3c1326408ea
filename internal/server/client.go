package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/config"
	"github.com/Tyrowin/livechat/internal/logging"
	"github.com/Tyrowin/livechat/internal/stream"
)

// wsClient pumps one delivery stream over one WebSocket connection.
type wsClient struct {
	conn     *websocket.Conn
	stream   *stream.Stream
	addr     string
	cfg      config.StreamConfig
	maxSize  int64
	shutdown func() bool
	log      *slog.Logger
}

// handleWebSocket upgrades the request and serves the conversation's live
// stream until either side goes away.
func (a *App) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if !a.origins.checkOrigin(r) {
		http.Error(w, "Forbidden origin", http.StatusForbidden)
		return
	}

	if !a.beginSession() {
		writeError(w, r, chat.ErrStreamClosed)
		return
	}
	defer a.sessions.Done()

	// The session outlives request cancellation bookkeeping once hijacked.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	s, backlog, err := a.openLive(ctx, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer s.Close()

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "server - ws - upgrade failed", logging.Err(err))
		return
	}

	c := &wsClient{
		conn:     conn,
		stream:   s,
		addr:     r.RemoteAddr,
		cfg:      a.cfg.Stream,
		maxSize:  a.cfg.Server.MaxMessageSize,
		shutdown: a.closing.Load,
		log:      logging.FromContext(ctx).With(logging.Sink(s.ID()), logging.Conversation(s.Key().String())),
	}
	go c.readPump()
	c.writePump(ctx, backlog)
}

func (c *wsClient) setupReadConnection() {
	c.conn.SetReadLimit(c.maxSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		c.log.Warn("server - ws - set read deadline failed", logging.Err(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
}

// handleReadError logs the error at a level matching how expected it is.
func (c *wsClient) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("server - ws - frame exceeded size limit", slog.Int64("max_bytes", c.maxSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Debug("server - ws - client disconnected", slog.String("addr", c.addr))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug("server - ws - connection closed", slog.String("addr", c.addr), logging.Err(err))
	default:
		c.log.Info("server - ws - read failed", slog.String("addr", c.addr), logging.Err(err))
	}
}

// readPump consumes control frames. Any read failure, and an explicit
// unsubscribe, closes the stream, which ends the write pump.
func (c *wsClient) readPump() {
	defer c.stream.Close()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		var ctrl controlMessage
		if err := json.Unmarshal(raw, &ctrl); err != nil {
			c.log.Debug("server - ws - ignoring malformed control frame", logging.Err(err))
			continue
		}
		if ctrl.Type == controlUnsubscribe {
			c.log.Debug("server - ws - client unsubscribed")
			return
		}
	}
}

// writePump is the only writer on the connection: the catch-up backlog
// first, then live batches, with pings in between.
func (c *wsClient) writePump(ctx context.Context, backlog []chat.Message) {
	defer c.closeConnection()

	if len(backlog) > 0 && !c.writeBatch(backlog) {
		return
	}

	nextPing := time.Now().Add(c.cfg.PingInterval)
	for {
		waitCtx, cancel := context.WithDeadline(ctx, nextPing)
		batch, err := c.stream.NextBatch(waitCtx, c.cfg.BatchMax)
		cancel()

		switch {
		case err == nil:
			if !c.writeBatch(batch) {
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		default:
			c.writeCloseMessage()
			return
		}

		if !time.Now().Before(nextPing) {
			if !c.handlePing() {
				return
			}
			nextPing = time.Now().Add(c.cfg.PingInterval)
		}
	}
}

func (c *wsClient) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("server - ws - close connection failed", logging.Err(err))
	}
}

func (c *wsClient) writeBatch(batch []chat.Message) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		c.log.Warn("server - ws - set write deadline failed", logging.Err(err))
		return false
	}
	if err := c.conn.WriteJSON(batch); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info("server - ws - write failed", logging.Err(err))
		}
		return false
	}
	return true
}

// writeCloseMessage tells the client why the stream ended.
func (c *wsClient) writeCloseMessage() {
	code, text := websocket.CloseNormalClosure, "stream closed"
	if c.shutdown() {
		code, text = websocket.CloseGoingAway, "server shutting down"
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	if err != nil && !isExpectedCloseError(err) && !errors.Is(err, websocket.ErrCloseSent) {
		c.log.Debug("server - ws - write close failed", logging.Err(err))
	}
}

// handlePing sends a ping message to keep the connection alive
func (c *wsClient) handlePing() bool {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info("server - ws - ping failed", logging.Err(err))
		}
		return false
	}
	return true
}
