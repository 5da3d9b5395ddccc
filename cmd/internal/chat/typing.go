package chat

import (
	"context"
	"strings"

	"chatd/cmd/internal/presence"
)

// SetTypingIndicator records that participantID is (or stopped) typing in a conversation they belong to.
func (s *Service) SetTypingIndicator(ctx context.Context, conversationID, participantID string, isTyping bool) (presence.Indicator, error) {
	const op = "chat.SetTypingIndicator"

	if err := ctx.Err(); err != nil {
		return presence.Indicator{}, err
	}
	conv, err := s.member(ctx, op, strings.TrimSpace(conversationID), participantID)
	if err != nil {
		return presence.Indicator{}, err
	}

	ind, err := s.presence.SetTyping(ctx, conv.ID, participantID, isTyping)
	if err != nil {
		// Ephemeral state: report it but never as a domain failure.
		return presence.Indicator{}, OpError{Op: op, Kind: ErrStorage, Msg: "typing state unavailable", Err: err}
	}

	s.publish(Event{
		Type:           EventTyping,
		ConversationID: conv.ID,
		Recipients:     others(conv.ParticipantIDs(), participantID),
		Typing:         &TypingChange{ParticipantID: participantID, IsTyping: isTyping, ExpiresAt: ind.ExpiresAt},
	})
	return ind, nil
}

// GetTypingIndicators returns the live indicators of a conversation the requester belongs to.
func (s *Service) GetTypingIndicators(ctx context.Context, conversationID, requesterID string) ([]presence.Indicator, error) {
	const op = "chat.GetTypingIndicators"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conv, err := s.member(ctx, op, strings.TrimSpace(conversationID), requesterID)
	if err != nil {
		return nil, err
	}
	out, err := s.presence.Typing(ctx, conv.ID)
	if err != nil {
		return nil, OpError{Op: op, Kind: ErrStorage, Msg: "typing state unavailable", Err: err}
	}
	return out, nil
}

// ParticipantPresence is one member's ephemeral state.
type ParticipantPresence struct {
	ParticipantID string          `json:"participantId"`
	Type          ParticipantType `json:"type"`
	Online        bool            `json:"online"`
	Typing        bool            `json:"typing"`
}

// GetPresence reports online/typing state for every member of a conversation.
func (s *Service) GetPresence(ctx context.Context, conversationID, requesterID string) ([]ParticipantPresence, error) {
	const op = "chat.GetPresence"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conv, err := s.member(ctx, op, strings.TrimSpace(conversationID), requesterID)
	if err != nil {
		return nil, err
	}

	online, err := s.presence.Online(ctx, conv.ParticipantIDs())
	if err != nil {
		return nil, OpError{Op: op, Kind: ErrStorage, Msg: "presence state unavailable", Err: err}
	}
	typing, err := s.presence.Typing(ctx, conv.ID)
	if err != nil {
		return nil, OpError{Op: op, Kind: ErrStorage, Msg: "typing state unavailable", Err: err}
	}
	isTyping := make(map[string]bool, len(typing))
	for _, ind := range typing {
		isTyping[ind.ParticipantID] = true
	}

	out := make([]ParticipantPresence, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		out = append(out, ParticipantPresence{
			ParticipantID: p.ID,
			Type:          p.Type,
			Online:        online[p.ID],
			Typing:        isTyping[p.ID],
		})
	}
	return out, nil
}
