// Package chat defines the message value exchanged between two participants
// and the error taxonomy shared by the delivery core.
package chat

import "time"

// Message is immutable once the store has assigned its ID. Registries and
// streams only ever hold copies of it.
type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}
