package realtime

import (
	"time"

	"github.com/saad7170/chatsystem/cmd/internal/ids"
	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

// newEnvelopeID returns a time-ordered envelope id, falling back to a random
// UUID if entropy for the ULID is unavailable.
func newEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ids.NewConnectionID()
	}
	return id
}

// newEnvelope builds a server envelope. Payloads are package-owned structs,
// so a marshal failure is a programming error and yields an empty payload.
func newEnvelope(typ string, payload any, now time.Time) v1.Envelope {
	env, err := v1.NewEnvelope(typ, newEnvelopeID(now), now, payload)
	if err != nil {
		return v1.Envelope{V: v1.Version, Type: typ, ID: newEnvelopeID(now), TS: now}
	}
	return env
}
