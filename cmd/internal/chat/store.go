package chat

import (
	"context"
	"time"
)

// ConversationStore is the Conversation Registry persistence boundary.
type ConversationStore interface {
	// CreateConversation persists a new conversation. For direct conversations with a DirectKey
	// already taken it returns the existing conversation and created=false.
	CreateConversation(ctx context.Context, in CreateConversationRecord) (conv Conversation, created bool, err error)

	// GetConversation returns NotFoundError when id does not resolve.
	GetConversation(ctx context.Context, id string) (Conversation, error)

	// ListConversations returns participantID's conversations, most recent activity first
	// (ties broken by id, descending).
	ListConversations(ctx context.Context, participantID string) ([]Conversation, error)

	// AdvanceLastRead moves participantID's read marker to seq if seq is ahead of it and
	// returns the resulting marker.
	AdvanceLastRead(ctx context.Context, conversationID, participantID string, seq int64) (int64, error)
}

// MessageStore is the per-conversation append log.
//
// Requirements:
//   - AppendMessage serializes per conversation: seq is gap-free and strictly increasing
//   - idempotency per (conversation_id, sender_id, client_message_id)
//   - CreatedAt never decreases along seq
//   - receipts only move forward
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)

	// GetMessage returns NotFoundError when the sequence does not exist.
	GetMessage(ctx context.Context, conversationID string, seq int64) (Message, error)

	// ListMessages returns a newest-first window. Tombstones are included.
	ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error)

	// MessagesSince returns messages with CreatedAt strictly after since, per conversation in
	// ascending seq.
	MessagesSince(ctx context.Context, conversationIDs []string, since time.Time) ([]Message, error)

	// EditMessage replaces the text of a live message, keeping the old text in PreviousText.
	// Tombstoned or missing messages yield NotFoundError.
	EditMessage(ctx context.Context, in EditMessageInput) (Message, error)

	// TombstoneMessage clears the content of a message and stamps DeletedAt.
	// changed=false when it was already a tombstone.
	TombstoneMessage(ctx context.Context, conversationID string, seq int64, now time.Time) (msg Message, changed bool, err error)

	// AdvanceReceipts moves participantID's receipt on each seq forward to status and returns
	// the seqs whose receipt actually changed. Seqs without a receipt for participantID
	// (own messages, unknown seqs) are skipped.
	AdvanceReceipts(ctx context.Context, in AdvanceReceiptsInput) ([]int64, error)

	// Activity aggregates counters for participantID's view of a conversation.
	Activity(ctx context.Context, conversationID, participantID string) (Activity, error)
}

// Store is the full persistence contract a backend provides.
type Store interface {
	ConversationStore
	MessageStore
	Close() error
}

// CreateConversationRecord is a validated conversation ready to persist.
type CreateConversationRecord struct {
	ID           string
	Kind         ConversationKind
	DirectKey    string
	Participants []Participant
	Metadata     map[string]string
	Now          time.Time
}

// AppendMessageInput describes one append through the single write path.
type AppendMessageInput struct {
	ConversationID  string
	SenderID        string
	SenderType      ParticipantType
	Body            Body
	ReplyTo         string
	ClientMessageID string
	// Clock stamps CreatedAt. Stores call it once, inside the per-conversation critical section,
	// so a message never becomes visible with a timestamp older than an earlier sync read.
	Clock func() time.Time
}

// AppendMessageResult is the append outcome. Duplicated is true when an earlier message with
// the same sender and client id was returned instead of writing a new one.
type AppendMessageResult struct {
	Message    Message
	Duplicated bool
}

// ListMessagesInput selects a newest-first window.
// BeforeSeq > 0 restricts to seq < BeforeSeq; Offset skips that many newest rows first.
type ListMessagesInput struct {
	ConversationID string
	BeforeSeq      int64
	Offset         int
	Limit          int
}

// ListMessagesResult contains the window and whether older rows exist.
type ListMessagesResult struct {
	Messages []Message
	HasMore  bool
}

// EditMessageInput replaces a message's text.
type EditMessageInput struct {
	ConversationID string
	Seq            int64
	Text           string
	Now            time.Time
}

// AdvanceReceiptsInput moves one participant's receipts forward.
type AdvanceReceiptsInput struct {
	ConversationID string
	ParticipantID  string
	Seqs           []int64
	Status         Status
}

// Activity is the read-only projection Conversation Analytics is built from.
type Activity struct {
	TotalMessages  int64
	UnreadCount    int64
	LastActivityAt time.Time
}
