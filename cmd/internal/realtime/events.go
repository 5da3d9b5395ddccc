package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"chatd/cmd/internal/chat"
	"chatd/cmd/internal/ids"
	v1 "chatd/shared/contracts/realtime/v1"
)

// EncodeEvent renders ev as the envelope recipientID receives. Message statuses are computed from
// the recipient's point of view, so the same event encodes differently per recipient.
func EncodeEvent(ev chat.Event, recipientID string, now time.Time) (v1.Envelope, error) {
	var (
		typ     string
		payload any
	)

	switch ev.Type {
	case chat.EventMessageNew, chat.EventMessageUpdated:
		if ev.Message == nil {
			return v1.Envelope{}, fmt.Errorf("realtime: %s event without message", ev.Type)
		}
		typ = v1.TypeMessageNew
		if ev.Type == chat.EventMessageUpdated {
			typ = v1.TypeMessageUpdated
		}
		payload = WireMessage(*ev.Message, recipientID)

	case chat.EventMessageStatus, chat.EventMessagesRead:
		if ev.Status == nil {
			return v1.Envelope{}, fmt.Errorf("realtime: %s event without status", ev.Type)
		}
		typ = v1.TypeMessageStatus
		if ev.Type == chat.EventMessagesRead {
			typ = v1.TypeMessagesRead
		}
		payload = v1.StatusPayload{
			ConversationID: ev.ConversationID,
			ParticipantID:  ev.Status.ParticipantID,
			MessageIDs:     ev.Status.MessageIDs,
			Status:         string(ev.Status.Status),
		}

	case chat.EventTyping:
		if ev.Typing == nil {
			return v1.Envelope{}, fmt.Errorf("realtime: typing event without indicator")
		}
		p := v1.TypingPayload{
			ConversationID: ev.ConversationID,
			ParticipantID:  ev.Typing.ParticipantID,
			IsTyping:       ev.Typing.IsTyping,
		}
		if ev.Typing.IsTyping && !ev.Typing.ExpiresAt.IsZero() {
			exp := ev.Typing.ExpiresAt.UTC()
			p.ExpiresAt = &exp
		}
		payload = p

	default:
		return v1.Envelope{}, fmt.Errorf("realtime: unknown event type %q", ev.Type)
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	env := newEnvelope(typ, b, now)
	env.ConvID = ev.ConversationID
	return env, nil
}

// WireMessage converts a stored message into its wire form as seen by viewerID.
func WireMessage(m chat.Message, viewerID string) v1.Message {
	out := v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		SenderID:       m.SenderID,
		SenderType:     string(m.SenderType),
		Kind:           string(m.Body.Kind),
		Text:           m.Body.Text,
		ReplyTo:        m.ReplyTo,
		ClientMsgID:    m.ClientMessageID,
		Status:         string(m.StatusFor(viewerID)),
		CreatedAt:      m.CreatedAt.UTC(),
		EditedAt:       m.EditedAt,
		DeletedAt:      m.DeletedAt,
	}
	if m.Body.Media != nil {
		out.Media = &v1.Media{
			URL:        m.Body.Media.URL,
			Type:       string(m.Body.Media.Type),
			Thumbnail:  m.Body.Media.Thumbnail,
			Size:       m.Body.Media.Size,
			DurationMS: m.Body.Media.DurationMS,
		}
	}
	return out
}

// mediaFromWire converts client-supplied media into a domain reference.
func mediaFromWire(m *v1.Media) *chat.MediaRef {
	if m == nil {
		return nil
	}
	return &chat.MediaRef{
		URL:        m.URL,
		Type:       chat.MediaType(m.Type),
		Thumbnail:  m.Thumbnail,
		Size:       m.Size,
		DurationMS: m.DurationMS,
	}
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		TS:      ts,
		Payload: payload,
	}
}
