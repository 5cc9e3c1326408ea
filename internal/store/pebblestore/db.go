package pebblestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/conversation"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each committed batch.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs for appends within
	// the configured interval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble's own policies.
	FsyncModeNever
)

// ParseFsyncMode maps always, interval and never to their modes.
func ParseFsyncMode(s string) FsyncMode {
	switch strings.ToLower(s) {
	case "always":
		return FsyncModeAlways
	case "interval":
		return FsyncModeInterval
	case "never":
		return FsyncModeNever
	default:
		return FsyncModeUnspecified
	}
}

// Options configures the Pebble store.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	Fsync   FsyncMode
	// FsyncInterval controls group-commit when Fsync is FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

var errClosed = errors.New("pebble: store closed")

// DB is a message store backed by a Pebble database.
type DB struct {
	inner     *pebble.DB
	writeSync bool

	// lifecycle guards inner against use after Close.
	lifecycle sync.RWMutex
	closed    bool

	// mu serializes ID assignment.
	mu     sync.Mutex
	lastID uint64
}

// Open creates or opens a Pebble database and loads the last assigned ID.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	switch opts.Fsync {
	case FsyncModeAlways:
		// Sync is requested on each commit instead.
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		interval := opts.FsyncInterval
		po.WALMinSyncInterval = func() time.Duration { return interval }
	case FsyncModeNever:
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}

	db := &DB{
		inner:     inner,
		writeSync: opts.Fsync == FsyncModeAlways || opts.Fsync == FsyncModeInterval,
	}
	meta, closer, err := inner.Get(metaLastID)
	switch {
	case err == nil:
		if len(meta) >= 8 {
			db.lastID = binary.BigEndian.Uint64(meta[:8])
		}
		_ = closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		_ = inner.Close()
		return nil, fmt.Errorf("pebble: load last id: %w", err)
	}
	return db, nil
}

// Append stores msg under the next ID. The entry and the ID counter are
// committed in one batch.
func (db *DB) Append(ctx context.Context, msg chat.Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	key, err := conversation.Derive(msg.Sender, msg.Recipient)
	if err != nil {
		return 0, err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	db.lifecycle.RLock()
	defer db.lifecycle.RUnlock()
	if db.closed {
		return 0, errClosed
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	id := db.lastID + 1
	msg.ID = int64(id)
	val, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("pebble: encode message: %w", err)
	}

	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Set(keyEntry(key, id), val, nil); err != nil {
		return 0, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], id)
	if err := b.Set(metaLastID, meta[:], nil); err != nil {
		return 0, err
	}
	if err := db.commit(b); err != nil {
		return 0, fmt.Errorf("pebble: commit: %w", err)
	}
	db.lastID = id
	return msg.ID, nil
}

func (db *DB) commit(b *pebble.Batch) error {
	if db.writeSync {
		return b.Commit(pebble.Sync)
	}
	return b.Commit(pebble.NoSync)
}

// Query scans the conversation's entries after afterID.
func (db *DB) Query(ctx context.Context, key conversation.Key, afterID int64, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if afterID < 0 {
		afterID = 0
	}

	db.lifecycle.RLock()
	defer db.lifecycle.RUnlock()
	if db.closed {
		return nil, errClosed
	}

	it, err := db.inner.NewIter(&pebble.IterOptions{
		LowerBound: keyEntry(key, uint64(afterID)+1),
		UpperBound: keyConvEnd(key),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := []chat.Message{}
	for ok := it.First(); ok; ok = it.Next() {
		var msg chat.Message
		if err := json.Unmarshal(it.Value(), &msg); err != nil {
			return nil, fmt.Errorf("pebble: decode entry %x: %w", it.Key(), err)
		}
		out = append(out, msg)
		if limit > 0 && len(out) >= limit {
			break
		}
		if len(out)%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// LastID returns the highest ID assigned so far.
func (db *DB) LastID(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	db.lifecycle.RLock()
	defer db.lifecycle.RUnlock()
	if db.closed {
		return 0, errClosed
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return int64(db.lastID), nil
}

// Close closes the Pebble database. Later calls are no-ops.
func (db *DB) Close() error {
	db.lifecycle.Lock()
	defer db.lifecycle.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.inner.Close()
}
