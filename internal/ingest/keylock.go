package ingest

import (
	"sync"

	"github.com/Tyrowin/livechat/internal/conversation"
)

// keyLock hands out one mutex per conversation. Entries are reference
// counted and removed when the last holder unlocks.
type keyLock struct {
	mu    sync.Mutex
	locks map[conversation.Key]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[conversation.Key]*refMutex)}
}

func (l *keyLock) lock(key conversation.Key) func() {
	l.mu.Lock()
	m := l.locks[key]
	if m == nil {
		m = &refMutex{}
		l.locks[key] = m
	}
	m.refs++
	l.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *keyLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
