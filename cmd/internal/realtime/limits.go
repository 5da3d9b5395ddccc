package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB
)

const (
	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	// Unidentified upgrades must authenticate with a hello frame within this window.
	helloTimeout = 10 * time.Second

	// Presence writes issued from connection lifecycle hooks.
	presenceTimeout = 2 * time.Second
)
