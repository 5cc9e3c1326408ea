// Package stream implements the per-connection delivery stream: a sink
// registered with the registry for one conversation, buffering pushed
// messages until the transport writes them to the client.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/conversation"
	"github.com/Tyrowin/livechat/internal/logging"
	"github.com/Tyrowin/livechat/internal/registry"
)

// DefaultBufferSize bounds the number of messages queued for a slow client.
const DefaultBufferSize = 256

// deliveredWindow is how many delivered IDs above the cutoff a stream
// remembers. Messages relayed from other nodes may arrive out of ID order;
// only an ID already handed out is a duplicate.
const deliveredWindow = 4096

// ErrBufferFull is returned by Push when the client is not keeping up.
var ErrBufferFull = errors.New("stream: send buffer full")

// State is the lifecycle position of a Stream.
type State int32

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscriber is the part of the registry a stream registers itself with.
type Subscriber interface {
	Subscribe(key conversation.Key, sink registry.Sink)
	Unsubscribe(key conversation.Key, sink registry.Sink)
}

// Options tunes a Stream.
type Options struct {
	BufferSize int
	Logger     *slog.Logger
}

// Stream is one client's live view of a conversation.
type Stream struct {
	id   string
	key  conversation.Key
	self string
	peer string

	reg   Subscriber
	buf   chan chat.Message
	done  chan struct{}
	state atomic.Int32
	once  sync.Once

	mu        sync.Mutex
	cutoff    int64
	delivered map[int64]struct{}
	order     []int64
	lastID    int64

	log *slog.Logger
}

// Open registers a new stream for the conversation between self and peer.
// It fails with an InvalidRequest error for malformed identifiers, and with
// ErrStreamClosed if the registry is already shut down.
func Open(reg Subscriber, self, peer string, opts Options) (*Stream, error) {
	key, err := conversation.Derive(self, peer)
	if err != nil {
		return nil, err
	}
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Stream{
		id:   uuid.NewString(),
		key:  key,
		self: self,
		peer: peer,
		reg:  reg,
		buf:  make(chan chat.Message, size),
		done: make(chan struct{}),

		delivered: make(map[int64]struct{}),
	}
	s.log = log.With(logging.Component("stream"), logging.Sink(s.id), logging.Conversation(key.String()))
	s.state.Store(int32(StateOpening))

	reg.Subscribe(key, s)
	if !s.state.CompareAndSwap(int32(StateOpening), int32(StateOpen)) {
		return nil, chat.ErrStreamClosed
	}
	s.log.Debug("stream - open - registered", slog.String("self", self), slog.String("peer", peer))
	return s, nil
}

func (s *Stream) ID() string { return s.id }
func (s *Stream) Key() conversation.Key { return s.key }
func (s *Stream) Self() string { return s.self }
func (s *Stream) Peer() string { return s.peer }
func (s *Stream) State() State { return State(s.state.Load()) }
func (s *Stream) Done() <-chan struct{} { return s.done }
func (s *Stream) Pending() int { return len(s.buf) }

// Push enqueues msg for transmission without blocking. A full buffer
// yields ErrBufferFull; the registry then drops the stream and closes it.
// Pushing to a closing or closed stream yields ErrStreamClosed.
func (s *Stream) Push(msg chat.Message) error {
	if st := s.State(); st == StateClosing || st == StateClosed {
		return chat.ErrStreamClosed
	}
	select {
	case <-s.done:
		return chat.ErrStreamClosed
	default:
	}
	select {
	case s.buf <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}

// Next blocks until a message is available, the stream closes, or ctx is
// done. Messages already delivered are skipped.
func (s *Stream) Next(ctx context.Context) (chat.Message, error) {
	for {
		select {
		case msg := <-s.buf:
			if s.accept(msg) {
				return msg, nil
			}
		case <-s.done:
			return chat.Message{}, chat.ErrStreamClosed
		case <-ctx.Done():
			return chat.Message{}, ctx.Err()
		}
	}
}

// NextBatch waits like Next for the first message and then drains up to
// max-1 further messages that are already queued.
func (s *Stream) NextBatch(ctx context.Context, max int) ([]chat.Message, error) {
	first, err := s.Next(ctx)
	if err != nil {
		return nil, err
	}
	batch := []chat.Message{first}
	for len(batch) < max {
		select {
		case msg := <-s.buf:
			if s.accept(msg) {
				batch = append(batch, msg)
			}
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// MarkDelivered records that every message up to id has already reached the
// client through catch-up, so live copies of them are skipped.
func (s *Stream) MarkDelivered(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id <= s.cutoff {
		return
	}
	s.cutoff = id
	kept := s.order[:0]
	for _, d := range s.order {
		if d <= id {
			delete(s.delivered, d)
			continue
		}
		kept = append(kept, d)
	}
	s.order = kept
	if id > s.lastID {
		s.lastID = id
	}
}

// LastDelivered returns the highest message ID handed to the client.
func (s *Stream) LastDelivered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// accept reports whether msg is new to the client. A message is a
// duplicate when it is covered by the catch-up cutoff or was delivered
// before; a lower ID arriving after a higher one is still delivered.
func (s *Stream) accept(msg chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID <= s.cutoff {
		return false
	}
	if _, dup := s.delivered[msg.ID]; dup {
		return false
	}
	s.delivered[msg.ID] = struct{}{}
	s.order = append(s.order, msg.ID)
	if len(s.order) > deliveredWindow {
		oldest := s.order[0]
		delete(s.delivered, oldest)
		s.order = s.order[1:]
	}
	if msg.ID > s.lastID {
		s.lastID = msg.ID
	}
	return true
}

// Close tears the stream down. Disconnects, explicit unsubscribes and
// server shutdown all end here; the teardown runs exactly once and every
// caller returns only after the stream has left the registry.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.state.Store(int32(StateClosing))
		s.reg.Unsubscribe(s.key, s)
		close(s.done)
		s.state.Store(int32(StateClosed))
		s.log.Debug("stream - close - unregistered", slog.Int("dropped", len(s.buf)))
	})
}
