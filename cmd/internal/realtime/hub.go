package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatd/cmd/internal/chat"
	"chatd/cmd/internal/metrics"
)

// Presence is the online-state sink the hub keeps current as sessions come and go.
type Presence interface {
	Touch(ctx context.Context, participantID string) error
	Offline(ctx context.Context, participantID string) error
}

// Hub indexes live sessions by participant and pushes events to them.
// It implements chat.Transport for the Delivery Coordinator.
type Hub struct {
	log      *slog.Logger
	presence Presence
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]map[string]*Client // user id -> session id -> client
}

// NewHub constructs a Hub. presence and m may be nil.
func NewHub(log *slog.Logger, presence Presence, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		presence: presence,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]map[string]*Client),
	}
}

// Register adds a live session and marks its participant online.
func (h *Hub) Register(ctx context.Context, c *Client) {
	h.mu.Lock()
	byID, ok := h.sessions[c.UserID]
	if !ok {
		byID = make(map[string]*Client)
		h.sessions[c.UserID] = byID
	}
	byID[c.SessionID] = c
	h.mu.Unlock()

	h.metrics.WSConnectionOpened()
	h.Touch(ctx, c.UserID)
}

// Unregister removes a session. When it was the participant's last one they go offline.
func (h *Hub) Unregister(ctx context.Context, c *Client) {
	h.mu.Lock()
	byID, ok := h.sessions[c.UserID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := byID[c.SessionID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(byID, c.SessionID)
	last := len(byID) == 0
	if last {
		delete(h.sessions, c.UserID)
	}
	h.mu.Unlock()

	h.metrics.WSConnectionClosed()
	if !last || h.presence == nil {
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
	defer cancel()
	if err := h.presence.Offline(pctx, c.UserID); err != nil {
		h.log.Warn("ws.presence.offline.fail", "user_id", c.UserID, "err", err)
	}
}

// Touch refreshes the participant's online TTL.
func (h *Hub) Touch(ctx context.Context, userID string) {
	if h.presence == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
	defer cancel()
	if err := h.presence.Touch(pctx, userID); err != nil {
		h.log.Warn("ws.presence.touch.fail", "user_id", userID, "err", err)
	}
}

// Push encodes ev for recipientID and offers it to each of their sessions without blocking.
// It reports whether at least one session accepted it.
func (h *Hub) Push(ctx context.Context, recipientID string, ev chat.Event) bool {
	if err := ctx.Err(); err != nil {
		return false
	}

	clients := h.clients(recipientID)
	if len(clients) == 0 {
		return false
	}

	env, err := EncodeEvent(ev, recipientID, h.now())
	if err != nil {
		h.log.Error("ws.event.encode.fail", "type", string(ev.Type), "conversation_id", ev.ConversationID, "err", err)
		return false
	}

	accepted := false
	for _, c := range clients {
		if c.offer(env) {
			accepted = true
			continue
		}
		h.log.Info("ws.push.drop", "user_id", recipientID, "session_id", c.SessionID, "type", env.Type)
	}
	return accepted
}

// Connected reports whether userID has at least one live session.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// SessionCount returns the number of live sessions across all participants.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, byID := range h.sessions {
		n += len(byID)
	}
	return n
}

// clients snapshots recipientID's sessions so pushes happen outside the lock.
func (h *Hub) clients(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	byID := h.sessions[userID]
	if len(byID) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	return out
}
