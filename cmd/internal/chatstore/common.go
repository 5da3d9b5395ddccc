package chatstore

import (
	"time"

	"chatd/cmd/internal/chat"
)

// createdAt stamps an append from clock and keeps CreatedAt non-decreasing along seq so
// (createdAt, id) agrees with seq order. Callers hold the conversation's append lock.
func createdAt(clock func() time.Time, last time.Time) time.Time {
	var now time.Time
	if clock != nil {
		now = clock()
	}
	if now.IsZero() {
		now = time.Now().UTC().Truncate(time.Microsecond)
	}
	if now.Before(last) {
		return last
	}
	return now
}

// newMessage builds the canonical message for an append; every participant but the sender starts at sent.
func newMessage(conv chat.Conversation, in chat.AppendMessageInput, seq int64, created time.Time) chat.Message {
	receipts := make(map[string]chat.Status, len(conv.Participants))
	for _, p := range conv.Participants {
		if p.ID != in.SenderID {
			receipts[p.ID] = chat.StatusSent
		}
	}
	m := chat.Message{
		ID:              chat.FormatMessageID(conv.ID, seq),
		ConversationID:  conv.ID,
		Seq:             seq,
		SenderID:        in.SenderID,
		SenderType:      in.SenderType,
		Body:            in.Body,
		ReplyTo:         in.ReplyTo,
		ClientMessageID: in.ClientMessageID,
		CreatedAt:       created,
		Receipts:        receipts,
	}
	return m.Clone()
}

func applyEdit(m *chat.Message, text string, now time.Time) {
	m.PreviousText = m.Body.Text
	m.Body.Text = text
	t := now
	m.EditedAt = &t
}

func applyTombstone(m *chat.Message, now time.Time) {
	m.Body = chat.Body{Kind: chat.BodyTombstone}
	m.PreviousText = ""
	t := now
	m.DeletedAt = &t
}

// pageWindow returns the highest seq to return and the effective limit for a newest-first page.
func pageWindow(lastSeq int64, in chat.ListMessagesInput) (top int64, limit int) {
	limit = in.Limit
	if limit <= 0 {
		limit = chat.DefaultPageLimit
	}
	if limit > chat.MaxPageLimit {
		limit = chat.MaxPageLimit
	}
	top = lastSeq
	if in.BeforeSeq > 0 && in.BeforeSeq-1 < top {
		top = in.BeforeSeq - 1
	}
	if in.Offset > 0 {
		top -= int64(in.Offset)
	}
	return top, limit
}

// clientKey scopes a client message id to its sender.
func clientKey(senderID, clientID string) string {
	return senderID + "\x00" + clientID
}

func errConflict(op, what string) error {
	return chat.OpError{Op: op, Kind: chat.ErrStorage, Msg: "duplicate " + what}
}
