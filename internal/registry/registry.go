// Package registry keeps the table of live delivery sinks per conversation
// and fans newly persisted messages out to them.
//
// A Registry is constructed at server start and closed at shutdown; it is
// passed explicitly to ingest and to every delivery stream.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/conversation"
	"github.com/Tyrowin/livechat/internal/logging"
)

// Sink is one connected client's push channel for one conversation.
type Sink interface {
	// ID is unique per sink; it is the identity used for set membership.
	ID() string
	// Push must not block: it either accepts the message into a bounded
	// buffer or returns an error.
	Push(msg chat.Message) error
	// Close tears the sink down. It may call back into Unsubscribe.
	Close()
}

// Stats is a point-in-time view of registry occupancy.
type Stats struct {
	Conversations int `json:"conversations"`
	Sinks         int `json:"sinks"`
}

// topic holds the sinks of a single conversation. mu serializes membership
// changes and fan-outs for that conversation only.
type topic struct {
	mu    sync.Mutex
	sinks map[string]Sink
	// pruned is set once the topic has been removed from the registry map;
	// callers that raced with pruning must look the key up again.
	pruned bool
}

// Registry maps conversation keys to their live sinks.
type Registry struct {
	mu     sync.Mutex
	topics map[conversation.Key]*topic
	closed bool
	log    *slog.Logger
}

// New creates an empty registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		topics: make(map[conversation.Key]*topic),
		log:    log.With(logging.Component("registry")),
	}
}

// acquire returns the locked topic for key, creating it when create is set.
// It returns nil if the topic does not exist (or the registry is closed and
// create is set).
func (r *Registry) acquire(key conversation.Key, create bool) *topic {
	for {
		r.mu.Lock()
		if r.closed && create {
			r.mu.Unlock()
			return nil
		}
		t := r.topics[key]
		if t == nil {
			if !create {
				r.mu.Unlock()
				return nil
			}
			t = &topic{sinks: make(map[string]Sink)}
			r.topics[key] = t
		}
		r.mu.Unlock()

		t.mu.Lock()
		if !t.pruned {
			return t
		}
		t.mu.Unlock()
	}
}

// pruneLocked drops an empty topic from the map. t.mu must be held.
func (r *Registry) pruneLocked(key conversation.Key, t *topic) {
	if len(t.sinks) > 0 || t.pruned {
		return
	}
	t.pruned = true
	r.mu.Lock()
	if r.topics[key] == t {
		delete(r.topics, key)
	}
	r.mu.Unlock()
}

// Subscribe adds sink to the set for key. Subscribing the same sink twice is
// a no-op. After Close, the sink is closed instead of being registered.
func (r *Registry) Subscribe(key conversation.Key, sink Sink) {
	t := r.acquire(key, true)
	if t == nil {
		r.log.Warn("registry - subscribe - registry closed", logging.Conversation(key.String()), logging.Sink(sink.ID()))
		sink.Close()
		return
	}
	_, exists := t.sinks[sink.ID()]
	t.sinks[sink.ID()] = sink
	count := len(t.sinks)
	t.mu.Unlock()

	if !exists {
		r.log.Debug("registry - subscribe - sink registered",
			logging.Conversation(key.String()), logging.Sink(sink.ID()), slog.Int("sinks", count))
	}
}

// Unsubscribe removes sink from the set for key. Removing an absent sink is
// a no-op. Once Unsubscribe returns, no later FanOut reaches the sink.
func (r *Registry) Unsubscribe(key conversation.Key, sink Sink) {
	t := r.acquire(key, false)
	if t == nil {
		return
	}
	_, exists := t.sinks[sink.ID()]
	delete(t.sinks, sink.ID())
	count := len(t.sinks)
	r.pruneLocked(key, t)
	t.mu.Unlock()

	if exists {
		r.log.Debug("registry - unsubscribe - sink removed",
			logging.Conversation(key.String()), logging.Sink(sink.ID()), slog.Int("sinks", count))
	}
}

// FanOut delivers msg to every sink registered under key and returns the
// number of sinks that accepted it. Calls for the same key are serialized,
// so every sink observes messages in call order. A sink that fails is
// removed and closed; the remaining sinks still receive the message.
func (r *Registry) FanOut(ctx context.Context, key conversation.Key, msg chat.Message) int {
	t := r.acquire(key, false)
	if t == nil {
		return 0
	}

	delivered := 0
	var failed []Sink
	for id, sink := range t.sinks {
		if err := sink.Push(msg); err != nil {
			delete(t.sinks, id)
			failed = append(failed, sink)
			r.log.WarnContext(ctx, "registry - fan out - sink removed after failed push",
				logging.Conversation(key.String()), logging.Sink(id), logging.MessageID(msg.ID),
				logging.Err(chat.SinkDeliveryFailure(id, err)))
			continue
		}
		delivered++
	}
	r.pruneLocked(key, t)
	t.mu.Unlock()

	// Sinks are closed outside the topic lock: Close calls back into
	// Unsubscribe, which takes the same lock.
	for _, sink := range failed {
		sink.Close()
	}
	return delivered
}

// Subscribers returns the number of sinks currently registered for key.
func (r *Registry) Subscribers(key conversation.Key) int {
	t := r.acquire(key, false)
	if t == nil {
		return 0
	}
	defer t.mu.Unlock()
	return len(t.sinks)
}

// Stats reports how many conversations and sinks are live.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	topics := make([]*topic, 0, len(r.topics))
	for _, t := range r.topics {
		topics = append(topics, t)
	}
	r.mu.Unlock()

	s := Stats{}
	for _, t := range topics {
		t.mu.Lock()
		if !t.pruned && len(t.sinks) > 0 {
			s.Conversations++
			s.Sinks += len(t.sinks)
		}
		t.mu.Unlock()
	}
	return s
}

// Close shuts the registry down: every registered sink is removed and
// closed, and later subscriptions are refused. Close is idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	topics := r.topics
	r.topics = make(map[conversation.Key]*topic)
	r.mu.Unlock()

	var sinks []Sink
	for _, t := range topics {
		t.mu.Lock()
		for _, sink := range t.sinks {
			sinks = append(sinks, sink)
		}
		t.sinks = make(map[string]Sink)
		t.pruned = true
		t.mu.Unlock()
	}

	for _, sink := range sinks {
		sink.Close()
	}
	r.log.Info("registry - close - all sinks closed", slog.Int("sinks", len(sinks)))
}
