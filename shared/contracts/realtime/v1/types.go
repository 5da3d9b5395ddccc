// Package v1 defines the chatd Realtime Protocol v1 contract.
//
// It is shared between the server and clients (including tools/scripts/ws-smoke.go) so the wire
// protocol has one authoritative definition. Keep it free of server dependencies.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol clients should offer.
const Subprotocol = "chatd.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello authenticates a session that was not identified at upgrade (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew delivers a newly accepted message (server -> participants).
	TypeMessageNew = "message_new"
	// TypeMessageUpdated delivers an edit or a deletion (server -> participants).
	TypeMessageUpdated = "message_updated"
	// TypeMessageStatus reports receipts that moved forward (server -> sender).
	TypeMessageStatus = "message_status"

	// TypeMessagesRead marks messages read (client -> server, MessagesReadPayload) and is echoed
	// to participants as a StatusPayload.
	TypeMessagesRead = "messages_read"

	// TypeTyping sets a typing indicator (client -> server) and reports it (server -> participants).
	TypeTyping = "typing"

	// TypeConversationHistoryFetch requests conversation history (client -> server).
	TypeConversationHistoryFetch = "conversation_history_fetch"
	// TypeConversationHistoryChunk returns a window of history (server -> client).
	TypeConversationHistoryChunk = "conversation_history_chunk"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ConvID  string          `json:"conv_id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeMessageUpdated,
		TypeMessageStatus,
		TypeMessagesRead,
		TypeTyping,
		TypeConversationHistoryFetch,
		TypeConversationHistoryChunk,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload carries an access token when the upgrade request had none.
type HelloPayload struct {
	Token string `json:"token,omitempty"`
}

// HelloAckPayload identifies the session and the authenticated user.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	UserType  string `json:"user_type"`
}

// Media references an attachment stored outside chatd.
type Media struct {
	URL        string `json:"url"`
	Type       string `json:"type"`
	Thumbnail  string `json:"thumbnail,omitempty"`
	Size       int64  `json:"size,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// MessageSendPayload requests sending a message into a conversation.
// A send carries Text, Media (with Text as an optional caption), or both.
type MessageSendPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	Text           string `json:"text,omitempty"`
	Media          *Media `json:"media,omitempty"`
	ReplyTo        string `json:"reply_to,omitempty"`
}

// MessageAckPayload acknowledges a send request and returns the canonical server ids.
// Duplicated is set when ClientMsgID matched an earlier send.
type MessageAckPayload struct {
	ConversationID string `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
	MessageID      string `json:"message_id"`
	Seq            int64  `json:"seq"`
	Duplicated     bool   `json:"duplicated,omitempty"`
}

// Message is a message as seen by one recipient. Status is that recipient's view.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Seq            int64      `json:"seq"`
	SenderID       string     `json:"sender_id"`
	SenderType     string     `json:"sender_type"`
	Kind           string     `json:"kind"`
	Text           string     `json:"text,omitempty"`
	Media          *Media     `json:"media,omitempty"`
	ReplyTo        string     `json:"reply_to,omitempty"`
	ClientMsgID    string     `json:"client_msg_id,omitempty"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// StatusPayload reports that ParticipantID's receipts for MessageIDs reached Status.
type StatusPayload struct {
	ConversationID string   `json:"conversation_id"`
	ParticipantID  string   `json:"participant_id"`
	MessageIDs     []string `json:"message_ids"`
	Status         string   `json:"status"`
}

// TypingPayload sets (client -> server) or reports (server -> client) a typing indicator.
type TypingPayload struct {
	ConversationID string     `json:"conversation_id"`
	ParticipantID  string     `json:"participant_id,omitempty"`
	IsTyping       bool       `json:"is_typing"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// MessagesReadPayload marks messages read.
type MessagesReadPayload struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	MessageIDs     []string `json:"message_ids"`
}

// ConversationHistoryFetchPayload requests a newest-first history window.
// Before is a message id cursor; empty starts at the newest message.
type ConversationHistoryFetchPayload struct {
	ConversationID string `json:"conversation_id"`
	Before         string `json:"before,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ConversationHistoryChunkPayload returns messages for a history fetch request.
type ConversationHistoryChunkPayload struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"has_more"`
	NextBefore     string    `json:"next_before,omitempty"`
}

// ErrorPayload is a generic error response payload. RefID echoes the request envelope id.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RefID   string `json:"ref_id,omitempty"`
}
