package realtime

import (
	"sync"

	"chatd/cmd/internal/chat"
	v1 "chatd/shared/contracts/realtime/v1"
)

// Client represents one connected websocket session of an authenticated participant.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent pushes.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID string
	UserID    string
	UserType  chat.ParticipantType
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(caller chat.Caller, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		UserID:    caller.ID,
		UserType:  caller.Type,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Caller returns the identity the session runs as.
func (c *Client) Caller() chat.Caller {
	return chat.Caller{ID: c.UserID, Type: c.UserType}
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

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep pushes safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// offer enqueues env without blocking. It reports false when the client is closing or its queue
// is full; the event is then dropped for this session only.
func (c *Client) offer(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
