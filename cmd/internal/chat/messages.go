package chat

import (
	"context"
	"slices"
	"strings"
	"unicode/utf8"

	"chatd/cmd/internal/metrics"
)

const maxClientMessageID = 128

// SendMessageInput is a live send.
type SendMessageInput struct {
	Sender          Caller
	ConversationID  string
	Body            Body
	ReplyTo         string
	ClientMessageID string
}

// SendResult carries the canonical message. Duplicated is true when ClientMessageID matched an
// earlier append and nothing new was written.
type SendResult struct {
	Message    Message
	Duplicated bool
}

// SendMessage appends a message and schedules fan-out. It returns once the message is durable.
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (SendResult, error) {
	const op = "chat.SendMessage"

	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	if err := requireCaller(op, in.Sender); err != nil {
		return SendResult{}, err
	}
	in.ConversationID = strings.TrimSpace(in.ConversationID)

	conv, err := s.member(ctx, op, in.ConversationID, in.Sender.ID)
	if err != nil {
		return SendResult{}, err
	}
	if err := s.checkSend(ctx, op, conv, in); err != nil {
		return SendResult{}, err
	}
	return s.appendMessage(ctx, op, conv, in, metrics.SourceLive)
}

// checkSend validates body, client id and reply target without writing anything.
func (s *Service) checkSend(ctx context.Context, op string, conv Conversation, in SendMessageInput) error {
	if err := in.Body.Validate(s.maxTextChars); err != nil {
		return err
	}
	if len(in.ClientMessageID) > maxClientMessageID {
		return invalid(op, "client message id too long")
	}
	if in.ReplyTo == "" {
		return nil
	}
	convID, seq, ok := ParseMessageID(in.ReplyTo)
	if !ok || convID != conv.ID {
		return invalid(op, "reply target must be a message in the same conversation")
	}
	_, err := retry(ctx, s, op, func(ctx context.Context) (Message, error) {
		return s.store.GetMessage(ctx, conv.ID, seq)
	})
	if IsNotFound(err) {
		return invalid(op, "reply target does not exist")
	}
	return err
}

// appendMessage is the single write path shared by live sends and offline sync.
func (s *Service) appendMessage(ctx context.Context, op string, conv Conversation, in SendMessageInput, source string) (SendResult, error) {
	token := s.inflight.begin(s.clock())
	defer s.inflight.end(token)

	res, err := retry(ctx, s, op, func(ctx context.Context) (AppendMessageResult, error) {
		return s.store.AppendMessage(ctx, AppendMessageInput{
			ConversationID:  conv.ID,
			SenderID:        in.Sender.ID,
			SenderType:      senderType(conv, in.Sender),
			Body:            in.Body,
			ReplyTo:         in.ReplyTo,
			ClientMessageID: strings.TrimSpace(in.ClientMessageID),
			Clock:           s.clock,
		})
	})
	if err != nil {
		return SendResult{}, err
	}

	msg := res.Message
	if res.Duplicated {
		s.metrics.MessageDeduplicated()
		s.log.Debug("chat.message.dedupe",
			"conversation_id", conv.ID,
			"seq", msg.Seq,
			"sender_id", in.Sender.ID,
		)
		return SendResult{Message: msg, Duplicated: true}, nil
	}

	s.metrics.MessageAppended(source)
	s.log.Info("chat.message.append",
		"conversation_id", conv.ID,
		"seq", msg.Seq,
		"sender_id", msg.SenderID,
		"kind", string(msg.Body.Kind),
		"source", source,
	)

	s.publish(Event{
		Type:           EventMessageNew,
		ConversationID: conv.ID,
		Recipients:     conv.ParticipantIDs(),
		Message:        ptr(msg.Clone()),
	})

	// A message implies typing has stopped.
	if _, err := s.presence.SetTyping(ctx, conv.ID, msg.SenderID, false); err != nil {
		s.log.Warn("chat.typing.clear.fail", "conversation_id", conv.ID, "participant_id", msg.SenderID, "err", err)
	} else {
		s.publish(Event{
			Type:           EventTyping,
			ConversationID: conv.ID,
			Recipients:     others(conv.ParticipantIDs(), msg.SenderID),
			Typing:         &TypingChange{ParticipantID: msg.SenderID, IsTyping: false},
		})
	}

	return SendResult{Message: msg}, nil
}

// GetMessagesInput selects a page of history. Before (a message id) takes precedence over Page.
type GetMessagesInput struct {
	ConversationID string
	RequesterID    string
	Page           int
	Limit          int
	Before         string
}

// MessagePage is a newest-first history window.
type MessagePage struct {
	Messages   []Message
	HasMore    bool
	NextBefore string
}

// GetMessages returns a newest-first page. Tombstones keep their slot.
func (s *Service) GetMessages(ctx context.Context, in GetMessagesInput) (MessagePage, error) {
	const op = "chat.GetMessages"

	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	conv, err := s.member(ctx, op, strings.TrimSpace(in.ConversationID), in.RequesterID)
	if err != nil {
		return MessagePage{}, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = s.pageDefault
	}
	if limit > s.pageMax {
		limit = s.pageMax
	}

	q := ListMessagesInput{ConversationID: conv.ID, Limit: limit}
	if in.Before != "" {
		convID, seq, ok := ParseMessageID(in.Before)
		if !ok || convID != conv.ID {
			return MessagePage{}, invalid(op, "invalid before cursor")
		}
		q.BeforeSeq = seq
	} else {
		page := in.Page
		if page <= 0 {
			page = 1
		}
		q.Offset = (page - 1) * limit
	}

	res, err := retry(ctx, s, op, func(ctx context.Context) (ListMessagesResult, error) {
		return s.store.ListMessages(ctx, q)
	})
	if err != nil {
		return MessagePage{}, err
	}

	out := MessagePage{Messages: res.Messages, HasMore: res.HasMore}
	if res.HasMore && len(res.Messages) > 0 {
		out.NextBefore = res.Messages[len(res.Messages)-1].ID
	}
	return out, nil
}

// MarkReadInput marks a batch of messages read by ParticipantID.
type MarkReadInput struct {
	ConversationID string
	ParticipantID  string
	MessageIDs     []string
}

// ReadResult reports what MarkMessagesAsRead changed.
type ReadResult struct {
	ConversationID    string
	Marked            []string
	LastReadMessageID string
}

// MarkMessagesAsRead advances the participant's receipts to read and moves their read marker
// forward to the highest id in the batch. Older ids never move the marker back.
func (s *Service) MarkMessagesAsRead(ctx context.Context, in MarkReadInput) (ReadResult, error) {
	const op = "chat.MarkMessagesAsRead"

	if err := ctx.Err(); err != nil {
		return ReadResult{}, err
	}
	if len(in.MessageIDs) == 0 {
		return ReadResult{}, invalid(op, "message ids are required")
	}
	if len(in.MessageIDs) > MaxReadBatch {
		return ReadResult{}, invalid(op, "too many message ids")
	}

	convID := strings.TrimSpace(in.ConversationID)
	seqs := make([]int64, 0, len(in.MessageIDs))
	for _, id := range in.MessageIDs {
		c, seq, ok := ParseMessageID(strings.TrimSpace(id))
		if !ok {
			return ReadResult{}, invalid(op, "malformed message id")
		}
		if convID == "" {
			convID = c
		}
		if c != convID {
			return ReadResult{}, invalid(op, "message ids span conversations")
		}
		seqs = append(seqs, seq)
	}
	slices.Sort(seqs)
	seqs = slices.Compact(seqs)

	conv, err := s.member(ctx, op, convID, in.ParticipantID)
	if err != nil {
		return ReadResult{}, err
	}
	maxSeq := seqs[len(seqs)-1]
	if maxSeq > conv.LastSeq {
		return ReadResult{}, NotFoundError{Op: op, Resource: "message"}
	}

	changed, err := retry(ctx, s, op, func(ctx context.Context) ([]int64, error) {
		return s.store.AdvanceReceipts(ctx, AdvanceReceiptsInput{
			ConversationID: conv.ID,
			ParticipantID:  in.ParticipantID,
			Seqs:           seqs,
			Status:         StatusRead,
		})
	})
	if err != nil {
		return ReadResult{}, err
	}
	s.metrics.ReceiptTransitions(string(StatusRead), len(changed))

	marker, err := retry(ctx, s, op, func(ctx context.Context) (int64, error) {
		return s.store.AdvanceLastRead(ctx, conv.ID, in.ParticipantID, maxSeq)
	})
	if err != nil {
		return ReadResult{}, err
	}

	out := ReadResult{
		ConversationID:    conv.ID,
		Marked:            formatIDs(conv.ID, changed),
		LastReadMessageID: FormatMessageID(conv.ID, marker),
	}

	if len(changed) > 0 {
		s.publish(Event{
			Type:           EventMessagesRead,
			ConversationID: conv.ID,
			Recipients:     conv.ParticipantIDs(),
			Status: &StatusChange{
				ParticipantID: in.ParticipantID,
				MessageIDs:    out.Marked,
				Status:        StatusRead,
			},
		})
	}
	return out, nil
}

// DeleteMessage tombstones a message. Only the sender may delete; repeating a delete is a no-op.
func (s *Service) DeleteMessage(ctx context.Context, messageID, requesterID string) (Message, error) {
	const op = "chat.DeleteMessage"

	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	conv, msg, err := s.ownMessage(ctx, op, messageID, requesterID)
	if err != nil {
		return Message{}, err
	}
	if msg.Deleted() {
		return msg, nil
	}

	type result struct {
		msg     Message
		changed bool
	}
	now := s.clock()
	res, err := retry(ctx, s, op, func(ctx context.Context) (result, error) {
		m, changed, err := s.store.TombstoneMessage(ctx, conv.ID, msg.Seq, now)
		return result{msg: m, changed: changed}, err
	})
	if err != nil {
		return Message{}, err
	}

	if res.changed {
		s.log.Info("chat.message.delete", "conversation_id", conv.ID, "seq", msg.Seq, "sender_id", requesterID)
		s.publish(Event{
			Type:           EventMessageUpdated,
			ConversationID: conv.ID,
			Recipients:     conv.ParticipantIDs(),
			Message:        ptr(res.msg.Clone()),
		})
	}
	return res.msg, nil
}

// EditMessage replaces the text (or media caption) of a live message. Only the sender may edit.
func (s *Service) EditMessage(ctx context.Context, messageID, requesterID, text string) (Message, error) {
	const op = "chat.EditMessage"

	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, invalid(op, "content is required")
	}
	if utf8.RuneCountInString(text) > s.maxTextChars {
		return Message{}, invalid(op, "content too long")
	}

	conv, msg, err := s.ownMessage(ctx, op, messageID, requesterID)
	if err != nil {
		return Message{}, err
	}
	if msg.Deleted() {
		return Message{}, NotFoundError{Op: op, Resource: "message"}
	}

	now := s.clock()
	edited, err := retry(ctx, s, op, func(ctx context.Context) (Message, error) {
		return s.store.EditMessage(ctx, EditMessageInput{
			ConversationID: conv.ID,
			Seq:            msg.Seq,
			Text:           text,
			Now:            now,
		})
	})
	if err != nil {
		return Message{}, err
	}

	s.log.Info("chat.message.edit", "conversation_id", conv.ID, "seq", msg.Seq, "sender_id", requesterID)
	s.publish(Event{
		Type:           EventMessageUpdated,
		ConversationID: conv.ID,
		Recipients:     conv.ParticipantIDs(),
		Message:        ptr(edited.Clone()),
	})
	return edited, nil
}

// ownMessage resolves messageID for a requester that must be a member and the sender.
func (s *Service) ownMessage(ctx context.Context, op, messageID, requesterID string) (Conversation, Message, error) {
	convID, seq, ok := ParseMessageID(strings.TrimSpace(messageID))
	if !ok {
		return Conversation{}, Message{}, NotFoundError{Op: op, Resource: "message"}
	}
	conv, err := s.member(ctx, op, convID, requesterID)
	if err != nil {
		return Conversation{}, Message{}, err
	}
	msg, err := retry(ctx, s, op, func(ctx context.Context) (Message, error) {
		return s.store.GetMessage(ctx, conv.ID, seq)
	})
	if err != nil {
		return Conversation{}, Message{}, err
	}
	if msg.SenderID != requesterID {
		return Conversation{}, Message{}, forbidden(op, "only the sender may modify a message")
	}
	return conv, msg, nil
}

func senderType(conv Conversation, c Caller) ParticipantType {
	for _, p := range conv.Participants {
		if p.ID == c.ID {
			return p.Type
		}
	}
	return c.Type
}

func formatIDs(conversationID string, seqs []int64) []string {
	out := make([]string, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, FormatMessageID(conversationID, seq))
	}
	return out
}

func others(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }
