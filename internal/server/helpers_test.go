package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/config"
	"github.com/Tyrowin/livechat/internal/history"
	"github.com/Tyrowin/livechat/internal/ingest"
	"github.com/Tyrowin/livechat/internal/logging"
	"github.com/Tyrowin/livechat/internal/registry"
	"github.com/Tyrowin/livechat/internal/store"
	"github.com/Tyrowin/livechat/internal/testhelpers"
)

type testEnv struct {
	app   *App
	ts    *httptest.Server
	store *store.Memory
}

type failingAppender struct{}

func (failingAppender) Append(context.Context, chat.Message) (int64, error) {
	return 0, errors.New("connection refused")
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Server.AllowedOrigins = []string{testhelpers.TestOrigin}
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Stream.PingInterval = 200 * time.Millisecond
	cfg.Stream.PongWait = time.Second
	cfg.Stream.WriteTimeout = time.Second
	return &cfg
}

// newTestEnv starts the app behind an httptest server. customize may
// adjust the configuration before the app is built.
func newTestEnv(t *testing.T, customize func(cfg *config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	if customize != nil {
		customize(cfg)
	}
	return newTestEnvWith(t, cfg, nil)
}

func newTestEnvWith(t *testing.T, cfg *config.Config, appender ingest.Appender) *testEnv {
	t.Helper()
	log := logging.Discard()
	st := store.NewMemory()
	if appender == nil {
		appender = st
	}
	reg := registry.New(log)
	app := New(cfg, Deps{
		Registry: reg,
		Ingest:   ingest.New(appender, reg, ingest.Options{Logger: log}),
		History:  history.New(st, history.Options{Logger: log}),
		Logger:   log,
	})
	ts := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := app.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		ts.Close()
	})
	return &testEnv{app: app, ts: ts, store: st}
}

// waitForSinks polls until the registry holds n sinks.
func (e *testEnv) waitForSinks(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.app.reg.Stats().Sinks == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d sinks, have %d", n, e.app.reg.Stats().Sinks)
}

// openSSE starts a /chat-updates request. The request is cancelled when the
// test ends.
func (e *testEnv) openSSE(t *testing.T, query string, header http.Header) *http.Response {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/chat-updates?"+query, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to open event stream: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// nextEvent reads one event, failing the test after timeout.
func nextEvent(t *testing.T, r *testhelpers.SSEReader, timeout time.Duration) testhelpers.Event {
	t.Helper()
	type result struct {
		ev  testhelpers.Event
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ev, err := r.Next()
		ch <- result{ev, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			t.Fatalf("reading event: %v", res.err)
		}
		return res.ev
	case <-time.After(timeout):
		t.Fatalf("no event within %v", timeout)
		return testhelpers.Event{}
	}
}
