package pebblestore

import (
	"encoding/binary"

	"github.com/Tyrowin/livechat/internal/conversation"
)

var (
	convPrefix = []byte("c/")
	metaLastID = []byte("m/last_id")
	terminator = conversation.Separator[0]
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// keyConvPrefix builds c/{key}\x1f.
func keyConvPrefix(key conversation.Key) []byte {
	k := make([]byte, 0, len(convPrefix)+len(key)+9)
	k = append(k, convPrefix...)
	k = append(k, key...)
	k = append(k, terminator)
	return k
}

// keyEntry builds the entry key for message id in conversation key.
func keyEntry(key conversation.Key, id uint64) []byte {
	return appendBE8(keyConvPrefix(key), id)
}

// keyConvEnd is the exclusive upper bound of a conversation's entries.
func keyConvEnd(key conversation.Key) []byte {
	k := keyConvPrefix(key)
	k[len(k)-1]++
	return k
}
