package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel(" error "))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLoggerJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	log := NewLogger(Options{Service: "livechat", Level: "info", Format: "json", Output: &buf})
	log.Info("ingest - send - persisted", MessageID(7), Conversation("alice:bob"), Err(errors.New("x")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "livechat", rec["service"])
	require.Equal(t, float64(7), rec["message_id"])
	require.Equal(t, "alice:bob", rec["conversation"])
	require.Equal(t, "x", rec["error"])
}

func TestNewLoggerFiltersByLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	log := NewLogger(Options{Service: "livechat", Level: "warn", Format: "text", Output: &buf})
	log.Info("hidden")
	require.Zero(t, buf.Len())
	log.Warn("shown")
	require.Contains(t, buf.String(), "shown")
}

func TestContextRoundTrip(t *testing.T) {
	log := Discard()
	ctx := WithContext(context.Background(), log)
	require.Same(t, log, FromContext(ctx))
	require.Same(t, slog.Default(), FromContext(context.Background()))
}

func TestErrNil(t *testing.T) {
	require.Equal(t, "", Err(nil).Value.String())
}
