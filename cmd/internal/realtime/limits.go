package realtime

import "time"

// Protocol limits.
const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message content length (runes).
	maxMessageChars = 4000
)

// Connection defaults; GatewayConfig overrides them.
const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3

	// Per-connection rate limit (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute
	closeGrace          = 1 * time.Second
)
