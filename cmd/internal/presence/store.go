// Package presence tracks ephemeral typing indicators and online state.
//
// Nothing here is durable. Entries carry an expiry and anything past it is treated as absent,
// so correctness never depends on the sweeper running.
package presence

import (
	"context"
	"time"
)

// Indicator is one participant typing in one conversation.
type Indicator struct {
	ConversationID string    `json:"conversationId"`
	ParticipantID  string    `json:"participantId"`
	IsTyping       bool      `json:"isTyping"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Store is the TTL-indexed backing store. Implementations may be process-local or shared.
// Lost updates under crash are acceptable.
type Store interface {
	PutTyping(ctx context.Context, ind Indicator) error
	DeleteTyping(ctx context.Context, conversationID, participantID string) error

	// ListTyping returns entries for conversationID that have not expired at now.
	ListTyping(ctx context.Context, conversationID string, now time.Time) ([]Indicator, error)

	TouchOnline(ctx context.Context, participantID string, expiresAt time.Time) error
	MarkOffline(ctx context.Context, participantID string) error

	// Online reports which of participantIDs have an unexpired presence entry at now.
	Online(ctx context.Context, participantIDs []string, now time.Time) (map[string]bool, error)

	// Sweep removes entries expired at now and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}
