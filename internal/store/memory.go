package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/conversation"
)

var errClosed = errors.New("store: closed")

// Memory is a Store kept entirely in process memory.
type Memory struct {
	mu     sync.RWMutex
	lastID int64
	byKey  map[conversation.Key][]chat.Message
	closed bool
}

func NewMemory() *Memory {
	return &Memory{byKey: make(map[conversation.Key][]chat.Message)}
}

func (m *Memory) Append(ctx context.Context, msg chat.Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	key, err := conversation.Derive(msg.Sender, msg.Recipient)
	if err != nil {
		return 0, err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = utcNow()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errClosed
	}
	m.lastID++
	msg.ID = m.lastID
	m.byKey[key] = append(m.byKey[key], msg)
	return msg.ID, nil
}

func (m *Memory) Query(ctx context.Context, key conversation.Key, afterID int64, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}

	msgs := m.byKey[key]
	start := sort.Search(len(msgs), func(i int) bool { return msgs[i].ID > afterID })
	out := msgs[start:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]chat.Message{}, out...), nil
}

func (m *Memory) LastID(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, errClosed
	}
	return m.lastID, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
