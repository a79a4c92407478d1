package presence

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saad7170/chatsystem/cmd/internal/chat"
)

// Integration tests are enabled when CHAT_REDIS_URL is set.

func TestRedisMirror_OnlineOfflineRoundTrip(t *testing.T) {
	t.Parallel()

	m, cleanup := setupTestMirror(t, time.Minute)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, m.Write(ctx, Record{UserID: "alice", Status: chat.StatusOnline}))
	require.NoError(t, m.Write(ctx, Record{UserID: "bob", Status: chat.StatusAway}))

	online, err := m.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, online)

	seen := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, m.Write(ctx, Record{UserID: "alice", Status: chat.StatusOffline, LastSeen: &seen}))

	online, err = m.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, online)

	r, ok, err := m.Read(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, chat.StatusOffline, r.Status)
	require.NotNil(t, r.LastSeen)
	assert.True(t, r.LastSeen.Equal(seen))

	_, ok, err = m.Read(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisMirror_StaleOnlineReadsOffline(t *testing.T) {
	t.Parallel()

	m, cleanup := setupTestMirror(t, time.Minute)
	defer cleanup()
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Minute)
	require.NoError(t, m.Write(ctx, Record{UserID: "carol", Status: chat.StatusOnline, UpdatedAt: old}))

	r, ok, err := m.Read(ctx, "carol")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, chat.StatusOffline, r.Status)
}

func setupTestMirror(t *testing.T, ttl time.Duration) (*RedisMirror, func()) {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CHAT_REDIS_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CHAT_REDIS_URL is not set")
	}
	opt, err := redis.ParseURL(raw)
	if err != nil {
		t.Fatalf("parse CHAT_REDIS_URL: %v", err)
	}
	client := redis.NewClient(opt)

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	b := make([]byte, 6)
	_, _ = rand.Read(b)
	prefix := "chat_it_" + hex.EncodeToString(b) + ":"

	m := NewRedisMirror(client, ttl, WithKeyPrefix(prefix))
	cleanup := func() {
		cleanupKeys(ctx, client, prefix+"*")
		_ = client.Close()
	}
	return m, cleanup
}

// cleanupKeys removes all keys matching the pattern.
func cleanupKeys(ctx context.Context, client *redis.Client, pattern string) {
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return
		}
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
