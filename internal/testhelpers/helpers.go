// Package testhelpers provides common utilities for testing the livechat
// HTTP transport: JSON requests, WebSocket clients and an SSE event reader.
package testhelpers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/livechat/internal/chat"
)

// TestOrigin is the browser origin test clients present.
const TestOrigin = "http://localhost:8080"

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request with a 5-second
// timeout, failing the test if it cannot be sent.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// PostJSON sends body as JSON and returns the response.
func PostJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request body: %v", err)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	return resp
}

// SendMessage posts one message to /send-message and returns the stored copy.
func SendMessage(t *testing.T, baseURL, sender, recipient, content string) chat.Message {
	t.Helper()

	resp := PostJSON(t, baseURL+"/send-message", map[string]string{
		"sender":    sender,
		"recipient": recipient,
		"content":   content,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send-message returned %d", resp.StatusCode)
	}

	var out struct {
		ID      int64        `json:"id"`
		Message chat.Message `json:"message"`
	}
	DecodeJSON(t, resp, &out)
	return out.Message
}

// DecodeJSON decodes the response body into v.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
}

// WebSocketURL turns an httptest server URL and a query into a ws:// URL.
func WebSocketURL(serverURL, path, query string) string {
	u := "ws" + strings.TrimPrefix(serverURL, "http") + path
	if query != "" {
		u += "?" + query
	}
	return u
}

// ConnectWebSocket dials url presenting the given Origin header.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// ReceiveBatch reads one frame and decodes it as a message batch.
func ReceiveBatch(conn *websocket.Conn, timeout time.Duration) ([]chat.Message, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	var batch []chat.Message
	err := conn.ReadJSON(&batch)
	return batch, err
}

// ExpectNoMessage fails the test if a data frame arrives within timeout.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no message, but received one")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of message: %v", err)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Event is one Server-Sent Event carrying a message batch.
type Event struct {
	ID       int64
	Messages []chat.Message
}

// SSEReader reads events from a /chat-updates response, skipping comments.
type SSEReader struct {
	scanner *bufio.Scanner
}

func NewSSEReader(resp *http.Response) *SSEReader {
	return &SSEReader{scanner: bufio.NewScanner(resp.Body)}
}

// Next blocks until the next data event. The caller bounds the wait by
// closing the response body or through the request's context.
func (r *SSEReader) Next() (Event, error) {
	var ev Event
	var data string
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if data == "" {
				continue
			}
			err := json.Unmarshal([]byte(data), &ev.Messages)
			return ev, err
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
			if err != nil {
				return ev, err
			}
			ev.ID = id
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if err := r.scanner.Err(); err != nil {
		return ev, err
	}
	return ev, errors.New("event stream ended")
}
