// Package conversation derives the order-independent identifier shared by
// the two participants of a conversation.
package conversation

import (
	"strings"

	"github.com/Tyrowin/livechat/internal/chat"
)

// Separator joins the two sorted participant identifiers inside a Key.
// Identifiers containing it are rejected so that no two distinct pairs can
// produce the same key.
const Separator = "\x1f"

// Key identifies a two-party conversation. It is used both for registry
// lookups and for history queries, and is stable across restarts.
type Key string

// Derive returns the key for the conversation between userA and userB.
// Derive(a, b) == Derive(b, a) for every valid pair.
func Derive(userA, userB string) (Key, error) {
	if err := validateParticipant(userA); err != nil {
		return "", err
	}
	if err := validateParticipant(userB); err != nil {
		return "", err
	}
	if userB < userA {
		userA, userB = userB, userA
	}
	return Key(userA + Separator + userB), nil
}

// MustDerive is Derive for identifiers already known to be valid.
// It panics otherwise.
func MustDerive(userA, userB string) Key {
	k, err := Derive(userA, userB)
	if err != nil {
		panic(err)
	}
	return k
}

func validateParticipant(id string) error {
	if id == "" {
		return chat.InvalidRequest("participant identifier must not be empty")
	}
	if strings.Contains(id, Separator) {
		return chat.InvalidRequest("participant identifier contains a reserved character")
	}
	return nil
}

// Participants splits the key back into its sorted pair.
func (k Key) Participants() (string, string) {
	a, b, _ := strings.Cut(string(k), Separator)
	return a, b
}

// Valid reports whether k has the shape produced by Derive.
func (k Key) Valid() bool {
	a, b, ok := strings.Cut(string(k), Separator)
	return ok && a != "" && b != "" && a <= b && !strings.Contains(b, Separator)
}

func (k Key) String() string {
	a, b := k.Participants()
	return a + ":" + b
}
