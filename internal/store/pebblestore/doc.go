// Package pebblestore is the embedded message store, built on CockroachDB's
// Pebble LSM engine.
//
// Key layout (byte-wise, lexicographically sortable):
//   - m/last_id                      highest assigned message ID (big-endian)
//   - c/{conversation}\x1f{id_be8}   message body (JSON)
//
// A conversation key contains the unit separator exactly once, so appending
// a second separator makes every conversation prefix unambiguous, and the
// big-endian ID keeps each conversation's entries in ID order.
package pebblestore
