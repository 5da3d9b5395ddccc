package httpapi

import (
	"time"

	"chatd/cmd/internal/chat"
)

type createConversationRequest struct {
	Kind           string             `json:"kind"`
	ParticipantIDs []string           `json:"participantIds"`
	Participants   []chat.Participant `json:"participants"`
	Metadata       map[string]string  `json:"metadata"`
}

type sendMessageRequest struct {
	ConversationID  string         `json:"conversationId"`
	Content         string         `json:"content"`
	Media           *chat.MediaRef `json:"media"`
	ReplyTo         string         `json:"replyTo"`
	ClientMessageID string         `json:"clientMessageId"`
}

type markReadRequest struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type editMessageRequest struct {
	Content string `json:"content"`
}

type typingRequest struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type syncRequest struct {
	Messages []sendMessageRequest `json:"messages"`
}

type conversationResponse struct {
	ID                string             `json:"id"`
	Kind              string             `json:"kind"`
	Participants      []chat.Participant `json:"participants"`
	Metadata          map[string]string  `json:"metadata,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
	LastActivityAt    time.Time          `json:"lastActivityAt"`
	LastMessageID     string             `json:"lastMessageId,omitempty"`
	LastReadMessageID string             `json:"lastReadMessageId,omitempty"`
}

type conversationsResponse struct {
	Conversations []conversationResponse `json:"conversations"`
}

type messageResponse struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversationId"`
	Seq             int64          `json:"seq"`
	SenderID        string         `json:"senderId"`
	SenderType      string         `json:"senderType"`
	Kind            string         `json:"kind"`
	Content         string         `json:"content,omitempty"`
	Media           *chat.MediaRef `json:"media,omitempty"`
	PreviousContent string         `json:"previousContent,omitempty"`
	ReplyTo         string         `json:"replyTo,omitempty"`
	ClientMessageID string         `json:"clientMessageId,omitempty"`
	Status          string         `json:"status"`
	CreatedAt       time.Time      `json:"createdAt"`
	EditedAt        *time.Time     `json:"editedAt,omitempty"`
	DeletedAt       *time.Time     `json:"deletedAt,omitempty"`
	Duplicated      bool           `json:"duplicated,omitempty"`
}

type messagePageResponse struct {
	Messages   []messageResponse `json:"messages"`
	HasMore    bool              `json:"hasMore"`
	NextBefore string            `json:"nextBefore,omitempty"`
}

type readResponse struct {
	ConversationID    string   `json:"conversationId"`
	Marked            []string `json:"marked"`
	LastReadMessageID string   `json:"lastReadMessageId"`
}

type offlineBatchResponse struct {
	ConversationID string            `json:"conversationId"`
	Messages       []messageResponse `json:"messages"`
}

type offlineResponse struct {
	Conversations []offlineBatchResponse `json:"conversations"`
	// ServerTime is the value to send as lastSyncTime on the next sync.
	ServerTime time.Time `json:"serverTime"`
}

type syncResponse struct {
	Messages []messageResponse `json:"messages"`
}

type statsResponse struct {
	ConversationID string    `json:"conversationId"`
	TotalMessages  int64     `json:"totalMessages"`
	UnreadCount    int64     `json:"unreadCount"`
	LastActivity   time.Time `json:"lastActivity"`
	Participants   int       `json:"participants"`
}

func toConversationResponse(c chat.Conversation, viewerID string) conversationResponse {
	return conversationResponse{
		ID:                c.ID,
		Kind:              string(c.Kind),
		Participants:      c.Participants,
		Metadata:          c.Metadata,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
		LastActivityAt:    c.LastActivityAt,
		LastMessageID:     c.LastMessageID(),
		LastReadMessageID: c.LastReadMessageID(viewerID),
	}
}

func toMessageResponse(m chat.Message, viewerID string) messageResponse {
	return messageResponse{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		Seq:             m.Seq,
		SenderID:        m.SenderID,
		SenderType:      string(m.SenderType),
		Kind:            string(m.Body.Kind),
		Content:         m.Body.Text,
		Media:           m.Body.Media,
		PreviousContent: m.PreviousText,
		ReplyTo:         m.ReplyTo,
		ClientMessageID: m.ClientMessageID,
		Status:          string(m.StatusFor(viewerID)),
		CreatedAt:       m.CreatedAt,
		EditedAt:        m.EditedAt,
		DeletedAt:       m.DeletedAt,
	}
}

func toMessageResponses(msgs []chat.Message, viewerID string) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m, viewerID))
	}
	return out
}
