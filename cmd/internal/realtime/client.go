package realtime

import (
	"sync"

	v1 "github.com/saad7170/chatsystem/shared/contracts/realtime/v1"
)

// Close reasons recorded on a Client.
const (
	CloseReasonNormal       = "bye"
	CloseReasonSlowConsumer = "slow consumer"
)

// Client represents one live websocket connection.
//
// Send is never closed by the server: broadcasters may still hold a
// reference after teardown, and a send on a closed channel panics.
// done signals the connection goroutines to stop. Close is idempotent.
type Client struct {
	ConnID string
	Send   chan v1.Envelope

	mu     sync.RWMutex
	userID string
	reason string

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnID: connID,
		Send:   make(chan v1.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// UserID returns the user bound by user:online, or "" while anonymous.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) setUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close signals the client goroutines to stop.
func (c *Client) Close() { c.closeWith(CloseReasonNormal) }

// CloseReason returns the reason recorded by the first close, or "".
func (c *Client) CloseReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

func (c *Client) closeWith(reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// Offer enqueues env without blocking. A full queue marks the client as a
// slow consumer and closes it; the gateway then drops the socket.
func (c *Client) Offer(env v1.Envelope) (delivered, kicked bool) {
	if c.Closed() {
		return false, false
	}
	select {
	case c.Send <- env:
		return true, false
	default:
		c.closeWith(CloseReasonSlowConsumer)
		return false, true
	}
}
