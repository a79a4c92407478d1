package chat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingUsers struct {
	UserStore
	calls atomic.Int32
}

func (c *countingUsers) GetUser(ctx context.Context, id string) (User, error) {
	c.calls.Add(1)
	return c.UserStore.GetUser(ctx, id)
}

func TestProfileResolver_CachesAndInvalidates(t *testing.T) {
	t.Parallel()
	st := NewInMemoryStore()
	_, err := st.PutUser(context.Background(), User{ID: "alice", Name: "Alice", Avatar: "a.png"})
	require.NoError(t, err)

	users := &countingUsers{UserStore: st}
	r := NewProfileResolver(users, time.Minute)

	p, err := r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, Profile{ID: "alice", Name: "Alice", Avatar: "a.png"}, p)

	_, err = r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, users.calls.Load())

	r.Invalidate("alice")
	_, err = r.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 2, users.calls.Load())
}

func TestProfileResolver_UnknownUser(t *testing.T) {
	t.Parallel()
	r := NewProfileResolver(NewInMemoryStore(), 0)

	p, err := r.Resolve(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, Profile{ID: "ghost"}, p)
}
