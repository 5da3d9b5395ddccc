package chat

import (
	"context"
	"strings"
	"time"
)

// Stats is the per-requester analytics projection of a conversation.
type Stats struct {
	ConversationID string
	TotalMessages  int64
	UnreadCount    int64
	LastActivity   time.Time
	Participants   int
}

// GetConversationStats recomputes counters from the store on every call.
// TotalMessages counts live messages; deleted ones keep their seq but are not counted.
// Unread counts messages past the requester's read marker, excluding their own and tombstones.
func (s *Service) GetConversationStats(ctx context.Context, conversationID, requesterID string) (Stats, error) {
	const op = "chat.GetConversationStats"

	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	conv, err := s.member(ctx, op, strings.TrimSpace(conversationID), requesterID)
	if err != nil {
		return Stats{}, err
	}

	act, err := retry(ctx, s, op, func(ctx context.Context) (Activity, error) {
		return s.store.Activity(ctx, conv.ID, requesterID)
	})
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		ConversationID: conv.ID,
		TotalMessages:  act.TotalMessages,
		UnreadCount:    act.UnreadCount,
		LastActivity:   act.LastActivityAt,
		Participants:   len(conv.Participants),
	}, nil
}
