package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter.
//
// It keeps the timestamps of the last limit accepted events in a ring; an
// event is allowed when the oldest of them has left the window.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	filled bool
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter, falling back to defaults on invalid inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow reports whether an event at now is permitted and records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.filled && now.Sub(r.ring[r.next]) < r.window {
		return false
	}
	r.ring[r.next] = now
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.filled = true
	}
	return true
}
