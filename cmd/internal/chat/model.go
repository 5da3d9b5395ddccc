package chat

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ParticipantType is the caller category supplied by the identity resolver.
type ParticipantType string

const (
	ParticipantCustomer ParticipantType = "customer"
	ParticipantPartner  ParticipantType = "partner"
	ParticipantAdmin    ParticipantType = "admin"
)

// Valid reports whether t is a known participant type.
func (t ParticipantType) Valid() bool {
	switch t {
	case ParticipantCustomer, ParticipantPartner, ParticipantAdmin:
		return true
	default:
		return false
	}
}

// Participant is one conversation member.
type Participant struct {
	ID   string          `json:"id"`
	Type ParticipantType `json:"type"`
}

// Caller is the authenticated identity a request runs as.
type Caller struct {
	ID   string
	Type ParticipantType
}

// ConversationKind classifies a conversation. Direct conversations are unique per participant pair.
// Without an explicit kind, two participants make a direct conversation and more make a group.
type ConversationKind string

const (
	KindDirect     ConversationKind = "direct"
	KindGroup      ConversationKind = "group"
	KindSupport    ConversationKind = "support"
	KindRestaurant ConversationKind = "restaurant"
	KindGroupOrder ConversationKind = "group_order"
)

func (k ConversationKind) Valid() bool {
	switch k {
	case KindDirect, KindGroup, KindSupport, KindRestaurant, KindGroupOrder:
		return true
	default:
		return false
	}
}

// Conversation is a fixed participant set sharing one ordered message log.
//
// LastRead holds each participant's read marker as a sequence number (0 = nothing read).
// LastSeq is the highest sequence assigned so far.
type Conversation struct {
	ID             string
	Kind           ConversationKind
	Participants   []Participant
	Metadata       map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
	LastSeq        int64
	LastRead       map[string]int64
}

// HasParticipant reports whether id is a member.
func (c Conversation) HasParticipant(id string) bool {
	return slices.ContainsFunc(c.Participants, func(p Participant) bool { return p.ID == id })
}

// ParticipantIDs returns member ids in stored order.
func (c Conversation) ParticipantIDs() []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		out = append(out, p.ID)
	}
	return out
}

// LastReadMessageID returns the participant's read marker as a message id, or "".
func (c Conversation) LastReadMessageID(participantID string) string {
	seq := c.LastRead[participantID]
	if seq <= 0 {
		return ""
	}
	return FormatMessageID(c.ID, seq)
}

// LastMessageID returns the id of the newest message, or "".
func (c Conversation) LastMessageID() string {
	if c.LastSeq <= 0 {
		return ""
	}
	return FormatMessageID(c.ID, c.LastSeq)
}

// DirectKey is the pair key that makes direct conversations unique regardless of participant order.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x1f" + b
}

// Status is a per-recipient delivery state. It only ever moves forward.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses; unknown values rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Advance returns the later of s and next.
func (s Status) Advance(next Status) Status {
	if next.Rank() > s.Rank() {
		return next
	}
	return s
}

// Message is the canonical stored message.
//
// Seq is the gap-free per-conversation sequence; ID embeds it so ids sort within a conversation.
// Receipts has one entry per participant other than the sender.
type Message struct {
	ID              string
	ConversationID  string
	Seq             int64
	SenderID        string
	SenderType      ParticipantType
	Body            Body
	PreviousText    string
	ReplyTo         string
	ClientMessageID string
	CreatedAt       time.Time
	EditedAt        *time.Time
	DeletedAt       *time.Time
	Receipts        map[string]Status
}

// Deleted reports whether the message is a tombstone.
func (m Message) Deleted() bool { return m.DeletedAt != nil }

// StatusFor returns the status as seen by participantID.
// Recipients see their own receipt. The sender sees the least advanced receipt across recipients.
func (m Message) StatusFor(participantID string) Status {
	if participantID != m.SenderID {
		if st, ok := m.Receipts[participantID]; ok {
			return st
		}
		return StatusSent
	}
	var out Status
	for _, st := range m.Receipts {
		if out == "" || st.Rank() < out.Rank() {
			out = st
		}
	}
	if out == "" {
		return StatusSent
	}
	return out
}

// Clone returns a deep copy safe to hand to other goroutines.
func (m Message) Clone() Message {
	out := m
	out.Body = m.Body.clone()
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	if m.Receipts != nil {
		out.Receipts = make(map[string]Status, len(m.Receipts))
		for k, v := range m.Receipts {
			out.Receipts[k] = v
		}
	}
	return out
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = slices.Clone(c.Participants)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	out.LastRead = make(map[string]int64, len(c.LastRead))
	for k, v := range c.LastRead {
		out.LastRead[k] = v
	}
	return out
}

const seqSep = "."

// FormatMessageID renders the public id of message seq in conversationID.
func FormatMessageID(conversationID string, seq int64) string {
	return fmt.Sprintf("%s%s%010d", conversationID, seqSep, seq)
}

// ParseMessageID splits a message id into its conversation id and sequence.
func ParseMessageID(id string) (conversationID string, seq int64, ok bool) {
	i := strings.LastIndex(id, seqSep)
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}
	n, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil || n <= 0 {
		return "", 0, false
	}
	return id[:i], n, true
}
