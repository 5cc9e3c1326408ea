package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/livechat/internal/config"
	"github.com/Tyrowin/livechat/internal/history"
	"github.com/Tyrowin/livechat/internal/ingest"
	"github.com/Tyrowin/livechat/internal/logging"
	"github.com/Tyrowin/livechat/internal/registry"
	"github.com/Tyrowin/livechat/internal/relay"
	"github.com/Tyrowin/livechat/internal/store"
)

// Deps are the components an App serves. Registry, Ingest and History are
// required; Relay and Closers are optional.
type Deps struct {
	Registry *registry.Registry
	Ingest   Sender
	History  HistoryReader
	Relay    Relay
	// Closers are closed in order after the relay has stopped.
	Closers        []io.Closer
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// App is a configured livechat HTTP server.
type App struct {
	cfg            *config.Config
	log            *slog.Logger
	reg            *registry.Registry
	ingest         Sender
	history        HistoryReader
	relay          Relay
	closers        []io.Closer
	tracerProvider trace.TracerProvider

	origins  *originPolicy
	limiters *senderLimiters
	upgrader websocket.Upgrader
	handler  http.Handler
	srv      *http.Server

	// sessionMu orders sessions.Add against setting closing, so no session
	// starts once Shutdown may be waiting on the group.
	sessionMu sync.Mutex
	closing   atomic.Bool
	sessions  sync.WaitGroup

	mu        sync.Mutex
	addr      net.Addr
	stopRelay context.CancelFunc
	relayDone chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// Open builds every component from cfg: the configured store, a fresh
// registry, the Redis relay when redis.url is set, ingest and history.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	st, err := store.Open(ctx, cfg.Store, log)
	if err != nil {
		return nil, err
	}

	reg := registry.New(log)
	var bcast ingest.Broadcaster = reg
	deps := Deps{Registry: reg, Logger: log}

	if cfg.Redis.URL != "" {
		rdb, err := relay.NewClient(ctx, cfg.Redis)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		bridge := relay.New(reg, rdb, cfg.Redis.Channel, log)
		bcast = bridge
		deps.Relay = bridge
		deps.Closers = append(deps.Closers, rdb)
	}
	deps.Closers = append(deps.Closers, st)

	deps.Ingest = ingest.New(st, bcast, ingest.Options{
		MaxContentLength: cfg.Ingest.MaxContentLength,
		Logger:           log,
	})
	deps.History = history.New(st, history.Options{Logger: log})
	return New(cfg, deps), nil
}

// New assembles an App around already constructed components.
func New(cfg *config.Config, deps Deps) *App {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(logging.Component("server"))

	a := &App{
		cfg:            cfg,
		log:            log,
		reg:            deps.Registry,
		ingest:         deps.Ingest,
		history:        deps.History,
		relay:          deps.Relay,
		closers:        deps.Closers,
		tracerProvider: deps.TracerProvider,
		origins:        newOriginPolicy(cfg.Server.AllowedOrigins, log),
		limiters:       newSenderLimiters(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.origins.isAllowed,
	}
	a.handler = a.routes()
	a.srv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}
	return a
}

// Handler returns the routed, instrumented handler.
func (a *App) Handler() http.Handler { return a.handler }

// Addr returns the listening address once Run has bound it.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Run listens on the configured address and serves until ctx is done or
// the listener fails, then shuts down within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}

	a.mu.Lock()
	a.addr = ln.Addr()
	if a.relay != nil {
		relayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		a.stopRelay, a.relayDone = cancel, done
		go func() {
			defer close(done)
			if err := a.relay.Run(relayCtx); err != nil {
				a.log.Error("server - relay - stopped", logging.Err(err))
			}
		}()
	}
	a.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.srv.Serve(ln) }()
	a.log.Info("server - run - listening", slog.String("addr", ln.Addr().String()))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

// Shutdown closes every delivery stream, stops accepting requests, waits
// for in-flight requests and WebSocket sessions, stops the relay and closes
// the store. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.log.Info("server - shutdown - started")
		a.sessionMu.Lock()
		a.closing.Store(true)
		a.sessionMu.Unlock()

		// Streams end first so long-lived handlers return and
		// http.Server.Shutdown does not wait on them.
		a.reg.Close()

		var errs []error
		if err := a.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := waitGroup(ctx, &a.sessions); err != nil {
			errs = append(errs, fmt.Errorf("websocket sessions: %w", err))
		}

		a.mu.Lock()
		stop, done := a.stopRelay, a.relayDone
		a.mu.Unlock()
		if stop != nil {
			stop()
			select {
			case <-done:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("relay: %w", ctx.Err()))
			}
		}

		for _, c := range a.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		a.shutdownErr = errors.Join(errs...)
		if a.shutdownErr != nil {
			a.log.Error("server - shutdown - completed with errors", logging.Err(a.shutdownErr))
		} else {
			a.log.Info("server - shutdown - completed")
		}
	})
	return a.shutdownErr
}

// beginSession registers a WebSocket session. It reports false once
// shutdown has started; otherwise the caller must call a.sessions.Done.
func (a *App) beginSession() bool {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	if a.closing.Load() {
		return false
	}
	a.sessions.Add(1)
	return true
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
