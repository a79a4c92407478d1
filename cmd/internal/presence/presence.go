// Package presence mirrors live presence transitions into durable stores.
//
// The realtime core is the source of truth for who is online; mirrors only
// record the last observed status and last-seen time so REST readers and
// other processes can see it. Mirror failures never block the core.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/saad7170/chatsystem/cmd/internal/chat"
)

// Record is the durable presence state of one user.
type Record struct {
	UserID    string              `json:"userId"`
	Status    chat.PresenceStatus `json:"status"`
	LastSeen  *time.Time          `json:"lastSeen,omitempty"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Mirror persists presence records.
type Mirror interface {
	Write(ctx context.Context, r Record) error
}

// Reader reads presence records. ok=false means no record exists.
type Reader interface {
	Read(ctx context.Context, userID string) (r Record, ok bool, err error)
}

// Multi writes to every mirror and joins the errors.
type Multi []Mirror

func (m Multi) Write(ctx context.Context, r Record) error {
	var errs []error
	for _, mirror := range m {
		if mirror == nil {
			continue
		}
		if err := mirror.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every record.
type Nop struct{}

func (Nop) Write(context.Context, Record) error { return nil }

// StoreMirror writes presence into the chat user store.
type StoreMirror struct {
	users chat.UserStore
}

// NewStoreMirror constructs a mirror backed by users.
func NewStoreMirror(users chat.UserStore) *StoreMirror {
	return &StoreMirror{users: users}
}

// Write updates the user's status and last-seen time.
// Users without a stored profile are skipped.
func (m *StoreMirror) Write(ctx context.Context, r Record) error {
	err := m.users.UpdateUserPresence(ctx, r.UserID, r.Status, r.LastSeen)
	if chat.IsNotFound(err) {
		return nil
	}
	return err
}

// Read returns the stored status of userID.
func (m *StoreMirror) Read(ctx context.Context, userID string) (Record, bool, error) {
	u, err := m.users.GetUser(ctx, userID)
	if chat.IsNotFound(err) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return Record{UserID: u.ID, Status: u.Status, LastSeen: u.LastSeenAt}, true, nil
}
