package chat

import (
	"context"
	"strings"

	"chatd/cmd/internal/ids"
)

const (
	maxParticipants   = 64
	maxMetadataKeys   = 32
	maxMetadataKey    = 64
	maxMetadataValue  = 512
	maxParticipantLen = 128
)

// CreateConversationInput describes a conversation creation request.
// Participants may omit the creator; types default to customer.
type CreateConversationInput struct {
	Creator      Caller
	Kind         ConversationKind
	Participants []Participant
	Metadata     map[string]string
}

// CreateConversation validates and persists a conversation. For direct conversations between a
// pair that already has one, the existing conversation is returned with created=false.
func (s *Service) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, bool, error) {
	const op = "chat.CreateConversation"

	if err := ctx.Err(); err != nil {
		return Conversation{}, false, err
	}
	if err := requireCaller(op, in.Creator); err != nil {
		return Conversation{}, false, err
	}

	kind := in.Kind
	if kind != "" && !kind.Valid() {
		return Conversation{}, false, invalid(op, "unsupported conversation kind")
	}

	parts, err := normalizeParticipants(op, in.Creator, in.Participants)
	if err != nil {
		return Conversation{}, false, err
	}
	if kind == "" {
		kind = KindGroup
		if len(parts) == 2 {
			kind = KindDirect
		}
	}
	if kind == KindDirect && len(parts) != 2 {
		return Conversation{}, false, invalid(op, "direct conversations have exactly 2 participants")
	}
	if err := validateMetadata(op, in.Metadata); err != nil {
		return Conversation{}, false, err
	}

	now := s.clock()
	id, err := ids.NewULID(now)
	if err != nil {
		return Conversation{}, false, OpError{Op: op, Kind: ErrStorage, Msg: "id generation failed", Err: err}
	}

	rec := CreateConversationRecord{
		ID:           id,
		Kind:         kind,
		Participants: parts,
		Metadata:     in.Metadata,
		Now:          now,
	}
	if kind == KindDirect {
		rec.DirectKey = DirectKey(parts[0].ID, parts[1].ID)
	}

	type result struct {
		conv    Conversation
		created bool
	}
	res, err := retry(ctx, s, op, func(ctx context.Context) (result, error) {
		c, created, err := s.store.CreateConversation(ctx, rec)
		return result{conv: c, created: created}, err
	})
	if err != nil {
		return Conversation{}, false, err
	}

	// A pre-existing direct conversation must still include the creator.
	if !res.conv.HasParticipant(in.Creator.ID) {
		return Conversation{}, false, MembershipError{Op: op, ConversationID: res.conv.ID}
	}

	if res.created {
		s.log.Info("chat.conversation.create",
			"conversation_id", res.conv.ID,
			"kind", string(kind),
			"participants", len(parts),
			"creator_id", in.Creator.ID,
		)
	}
	return res.conv, res.created, nil
}

// GetConversations lists participantID's conversations, most recently active first.
func (s *Service) GetConversations(ctx context.Context, participantID string) ([]Conversation, error) {
	const op = "chat.GetConversations"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if participantID == "" {
		return nil, OpError{Op: op, Kind: ErrAuthentication, Msg: "missing caller identity"}
	}
	return retry(ctx, s, op, func(ctx context.Context) ([]Conversation, error) {
		return s.store.ListConversations(ctx, participantID)
	})
}

// GetConversation returns a conversation the requester belongs to.
// Unknown ids fail with NotFoundError, foreign ones with MembershipError.
func (s *Service) GetConversation(ctx context.Context, conversationID, requesterID string) (Conversation, error) {
	const op = "chat.GetConversation"

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	return s.member(ctx, op, strings.TrimSpace(conversationID), requesterID)
}

func normalizeParticipants(op string, creator Caller, in []Participant) ([]Participant, error) {
	if len(in) > maxParticipants {
		return nil, invalid(op, "too many participants")
	}

	creatorType := creator.Type
	if creatorType == "" {
		creatorType = ParticipantCustomer
	}
	if !creatorType.Valid() {
		return nil, invalid(op, "unsupported creator type")
	}

	out := make([]Participant, 0, len(in)+1)
	seen := make(map[string]struct{}, len(in)+1)
	out = append(out, Participant{ID: creator.ID, Type: creatorType})
	seen[creator.ID] = struct{}{}

	for _, p := range in {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, invalid(op, "empty participant id")
		}
		if len(id) > maxParticipantLen {
			return nil, invalid(op, "participant id too long")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		typ := p.Type
		if typ == "" {
			typ = ParticipantCustomer
		}
		if !typ.Valid() {
			return nil, invalid(op, "unsupported participant type")
		}
		seen[id] = struct{}{}
		out = append(out, Participant{ID: id, Type: typ})
	}

	if len(out) < 2 {
		return nil, invalid(op, "at least 2 distinct participants are required")
	}
	return out, nil
}

func validateMetadata(op string, md map[string]string) error {
	if len(md) > maxMetadataKeys {
		return invalid(op, "too many metadata entries")
	}
	for k, v := range md {
		if strings.TrimSpace(k) == "" || len(k) > maxMetadataKey {
			return invalid(op, "invalid metadata key")
		}
		if len(v) > maxMetadataValue {
			return invalid(op, "metadata value too long")
		}
	}
	return nil
}
