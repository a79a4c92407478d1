// Package ids provides the identifier primitives shared by the chat core.
//
// Persisted records (messages, conversations) and envelopes use ULIDs so they
// sort by creation time in logs and indexes. Live connections use random UUIDs:
// they never reach storage and carry no ordering meaning.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot meaningfully recover from
// entropy failure (crypto/rand does not fail on supported platforms).
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		panic(err)
	}
	return id
}

// NewConnectionID returns a random identifier for one live websocket connection.
func NewConnectionID() string {
	return uuid.NewString()
}

// IsULID reports whether s parses as a ULID.
func IsULID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
