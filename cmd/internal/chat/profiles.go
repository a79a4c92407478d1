package chat

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Profile is the public projection of a user attached to broadcast records.
type Profile struct {
	ID     string
	Name   string
	Avatar string
}

// ProfileResolver resolves sender profiles with a short-lived cache-aside
// in front of the UserStore. Concurrent misses for the same user collapse
// into one store read.
type ProfileResolver struct {
	users UserStore
	ttl   time.Duration
	now   func() time.Time

	sf singleflight.Group

	mu    sync.RWMutex
	cache map[string]cachedProfile
}

type cachedProfile struct {
	p       Profile
	expires time.Time
}

// NewProfileResolver constructs a resolver. ttl <= 0 disables caching.
func NewProfileResolver(users UserStore, ttl time.Duration) *ProfileResolver {
	return &ProfileResolver{
		users: users,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedProfile),
	}
}

// Resolve returns the profile for userID. Unknown users resolve to a bare
// profile carrying only the id.
func (r *ProfileResolver) Resolve(ctx context.Context, userID string) (Profile, error) {
	if p, ok := r.cached(userID); ok {
		return p, nil
	}

	v, err, _ := r.sf.Do(userID, func() (any, error) {
		u, err := r.users.GetUser(ctx, userID)
		if IsNotFound(err) {
			return Profile{ID: userID}, nil
		}
		if err != nil {
			return nil, err
		}
		return Profile{ID: u.ID, Name: u.Name, Avatar: u.Avatar}, nil
	})
	if err != nil {
		return Profile{}, err
	}
	p := v.(Profile)

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[userID] = cachedProfile{p: p, expires: r.now().Add(r.ttl)}
		r.mu.Unlock()
	}
	return p, nil
}

// Invalidate drops userID from the cache.
func (r *ProfileResolver) Invalidate(userID string) {
	r.mu.Lock()
	delete(r.cache, userID)
	r.mu.Unlock()
}

func (r *ProfileResolver) cached(userID string) (Profile, bool) {
	if r.ttl <= 0 {
		return Profile{}, false
	}
	r.mu.RLock()
	c, ok := r.cache[userID]
	r.mu.RUnlock()
	if !ok || r.now().After(c.expires) {
		return Profile{}, false
	}
	return c.p, true
}
