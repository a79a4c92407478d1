package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saad7170/chatsystem/cmd/internal/chat"
)

const (
	defaultKeyPrefix = "chat:presence:"
	defaultOnlineSet = "chat:online_users"
)

// RedisMirror keeps one JSON record per user plus a set of online users.
//
// Online/away records expire after ttl unless rewritten, so a crashed node's
// users age out to offline. Offline records keep the last-seen time and do
// not expire.
type RedisMirror struct {
	rdb       redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
	onlineSet string
	now       func() time.Time
}

// RedisOption configures RedisMirror.
type RedisOption func(*RedisMirror)

// WithKeyPrefix namespaces every key written by the mirror.
func WithKeyPrefix(prefix string) RedisOption {
	return func(m *RedisMirror) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			m.keyPrefix = prefix + "presence:"
			m.onlineSet = prefix + "online_users"
		}
	}
}

// WithRedisClock overrides the clock used to judge staleness.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(m *RedisMirror) {
		if now != nil {
			m.now = now
		}
	}
}

// NewRedisMirror constructs a Redis-backed mirror. ttl <= 0 defaults to 2 minutes.
func NewRedisMirror(rdb redis.UniversalClient, ttl time.Duration, opts ...RedisOption) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	m := &RedisMirror{
		rdb:       rdb,
		ttl:       ttl,
		keyPrefix: defaultKeyPrefix,
		onlineSet: defaultOnlineSet,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// TTL returns the record lifetime of online users.
func (m *RedisMirror) TTL() time.Duration { return m.ttl }

func (m *RedisMirror) key(userID string) string { return m.keyPrefix + userID }

// Write stores r and maintains the online set in one pipeline.
func (m *RedisMirror) Write(ctx context.Context, r Record) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = m.now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("presence: marshal record: %w", err)
	}

	pipe := m.rdb.TxPipeline()
	if r.Status == chat.StatusOffline {
		pipe.Set(ctx, m.key(r.UserID), data, 0)
		pipe.SRem(ctx, m.onlineSet, r.UserID)
	} else {
		pipe.Set(ctx, m.key(r.UserID), data, m.ttl)
		pipe.SAdd(ctx, m.onlineSet, r.UserID)
		// Keep the online set alive longer than any member record.
		pipe.Expire(ctx, m.onlineSet, m.ttl*2)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: write %s: %w", r.UserID, err)
	}
	return nil
}

// Read returns the record of userID. Online records older than ttl read as offline.
func (m *RedisMirror) Read(ctx context.Context, userID string) (Record, bool, error) {
	data, err := m.rdb.Get(ctx, m.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("presence: read %s: %w", userID, err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, false, fmt.Errorf("presence: unmarshal %s: %w", userID, err)
	}
	if r.Status != chat.StatusOffline && m.now().Sub(r.UpdatedAt) > m.ttl {
		r.Status = chat.StatusOffline
	}
	return r, true, nil
}

// OnlineUsers returns the members of the online set whose record is still live.
func (m *RedisMirror) OnlineUsers(ctx context.Context) ([]string, error) {
	ids, err := m.rdb.SMembers(ctx, m.onlineSet).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: online users: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := m.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Exists(ctx, m.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence: online users: %w", err)
	}

	out := make([]string, 0, len(ids))
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			out = append(out, ids[i])
		}
	}
	return out, nil
}

// Ping checks Redis connectivity.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.rdb.Ping(ctx).Err()
}
