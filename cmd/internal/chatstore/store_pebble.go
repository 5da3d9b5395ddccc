package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"chatd/cmd/internal/chat"
)

// Key layout (segments separated by ":"; variable segments are escaped):
//
//	c:<conv>                 conversation record
//	d:<directKey>            direct pair -> conversation id
//	rel:u:<participant>:c:<conv>   membership index
//	m:<conv>:<seq %020d>     message record
//	x:<conv>:<clientMsgID>   client message id -> seq
const (
	seqPadWidth = 20
	lockStripes = 256
)

// PebbleStore is an embedded chat.Store on top of Pebble.
//
// Concurrency model:
//   - writes to one conversation are serialized by a striped mutex keyed on the conversation id
//   - conversation creation is serialized globally so direct pairs stay unique
//   - every write is a single synced batch
type PebbleStore struct {
	db       *pebble.DB
	stripes  [lockStripes]sync.Mutex
	createMu sync.Mutex
}

// OpenPebbleStore opens (or creates) a Pebble database at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("chatstore: empty pebble path")
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("chatstore: open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type pebbleConversation struct {
	ID             string             `json:"id"`
	Kind           string             `json:"kind"`
	DirectKey      string             `json:"direct_key,omitempty"`
	Participants   []chat.Participant `json:"participants"`
	Metadata       map[string]string  `json:"metadata,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	LastSeq        int64              `json:"last_seq"`
	LastCreatedAt  time.Time          `json:"last_created_at"`
	LastRead       map[string]int64   `json:"last_read,omitempty"`
}

func (r pebbleConversation) toDomain() chat.Conversation {
	c := chat.Conversation{
		ID:             r.ID,
		Kind:           chat.ConversationKind(r.Kind),
		Participants:   r.Participants,
		Metadata:       r.Metadata,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		LastActivityAt: r.LastActivityAt,
		LastSeq:        r.LastSeq,
		LastRead:       r.LastRead,
	}
	return c.Clone()
}

type pebbleMessage struct {
	ConversationID  string                 `json:"conversation_id"`
	Seq             int64                  `json:"seq"`
	SenderID        string                 `json:"sender_id"`
	SenderType      string                 `json:"sender_type"`
	BodyKind        string                 `json:"body_kind"`
	Text            string                 `json:"text,omitempty"`
	Media           *chat.MediaRef         `json:"media,omitempty"`
	PreviousText    string                 `json:"previous_text,omitempty"`
	ReplyTo         string                 `json:"reply_to,omitempty"`
	ClientMessageID string                 `json:"client_message_id,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	EditedAt        *time.Time             `json:"edited_at,omitempty"`
	DeletedAt       *time.Time             `json:"deleted_at,omitempty"`
	Receipts        map[string]chat.Status `json:"receipts,omitempty"`
}

func fromMessage(m chat.Message) pebbleMessage {
	return pebbleMessage{
		ConversationID:  m.ConversationID,
		Seq:             m.Seq,
		SenderID:        m.SenderID,
		SenderType:      string(m.SenderType),
		BodyKind:        string(m.Body.Kind),
		Text:            m.Body.Text,
		Media:           m.Body.Media,
		PreviousText:    m.PreviousText,
		ReplyTo:         m.ReplyTo,
		ClientMessageID: m.ClientMessageID,
		CreatedAt:       m.CreatedAt,
		EditedAt:        m.EditedAt,
		DeletedAt:       m.DeletedAt,
		Receipts:        m.Receipts,
	}
}

func (r pebbleMessage) toDomain() chat.Message {
	m := chat.Message{
		ID:              chat.FormatMessageID(r.ConversationID, r.Seq),
		ConversationID:  r.ConversationID,
		Seq:             r.Seq,
		SenderID:        r.SenderID,
		SenderType:      chat.ParticipantType(r.SenderType),
		Body:            chat.Body{Kind: chat.BodyKind(r.BodyKind), Text: r.Text, Media: r.Media},
		PreviousText:    r.PreviousText,
		ReplyTo:         r.ReplyTo,
		ClientMessageID: r.ClientMessageID,
		CreatedAt:       r.CreatedAt,
		EditedAt:        r.EditedAt,
		DeletedAt:       r.DeletedAt,
		Receipts:        r.Receipts,
	}
	if m.Receipts == nil {
		m.Receipts = make(map[string]chat.Status)
	}
	return m.Clone()
}

// ---- keys ----

func escapeSeg(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	return strings.ReplaceAll(s, ":", "%3A")
}

func convKey(id string) []byte { return []byte("c:" + escapeSeg(id)) }

func directKeyKey(k string) []byte { return []byte("d:" + escapeSeg(k)) }

func memberPrefix(pid string) []byte { return []byte("rel:u:" + escapeSeg(pid) + ":c:") }

func memberKey(pid, convID string) []byte {
	return append(memberPrefix(pid), escapeSeg(convID)...)
}

func msgPrefix(convID string) []byte { return []byte("m:" + escapeSeg(convID) + ":") }

func msgKey(convID string, seq int64) []byte {
	return []byte(fmt.Sprintf("m:%s:%0*d", escapeSeg(convID), seqPadWidth, seq))
}

func clientIDKey(convID, senderID, clientID string) []byte {
	return []byte("x:" + escapeSeg(convID) + ":" + escapeSeg(senderID) + ":" + escapeSeg(clientID))
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) lockConv(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &s.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// ---- raw access ----

func (s *PebbleStore) getJSON(key []byte, v any) (bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(val, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, raw, nil)
}

func (s *PebbleStore) loadConv(op, id string) (pebbleConversation, error) {
	var rec pebbleConversation
	ok, err := s.getJSON(convKey(id), &rec)
	if err != nil {
		return pebbleConversation{}, err
	}
	if !ok {
		return pebbleConversation{}, chat.NotFoundError{Op: op, Resource: "conversation"}
	}
	if rec.LastRead == nil {
		rec.LastRead = make(map[string]int64)
	}
	return rec, nil
}

func (s *PebbleStore) loadMsg(op, convID string, seq int64) (pebbleMessage, error) {
	var rec pebbleMessage
	ok, err := s.getJSON(msgKey(convID, seq), &rec)
	if err != nil {
		return pebbleMessage{}, err
	}
	if !ok {
		return pebbleMessage{}, chat.NotFoundError{Op: op, Resource: "message"}
	}
	return rec, nil
}

func (s *PebbleStore) commit(fill func(b *pebble.Batch) error) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := fill(b); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// ---- chat.ConversationStore ----

func (s *PebbleStore) CreateConversation(ctx context.Context, in chat.CreateConversationRecord) (chat.Conversation, bool, error) {
	const op = "chatstore.pebble.CreateConversation"

	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, false, err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if in.DirectKey != "" {
		var existing string
		ok, err := s.getJSON(directKeyKey(in.DirectKey), &existing)
		if err != nil {
			return chat.Conversation{}, false, err
		}
		if ok {
			rec, err := s.loadConv(op, existing)
			if err != nil {
				return chat.Conversation{}, false, err
			}
			return rec.toDomain(), false, nil
		}
	}

	if _, closer, err := s.db.Get(convKey(in.ID)); err == nil {
		closer.Close()
		return chat.Conversation{}, false, errConflict(op, "conversation id")
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return chat.Conversation{}, false, err
	}

	rec := pebbleConversation{
		ID:             in.ID,
		Kind:           string(in.Kind),
		DirectKey:      in.DirectKey,
		Participants:   in.Participants,
		Metadata:       in.Metadata,
		CreatedAt:      in.Now,
		UpdatedAt:      in.Now,
		LastActivityAt: in.Now,
		LastRead:       map[string]int64{},
	}
	err := s.commit(func(b *pebble.Batch) error {
		if err := setJSON(b, convKey(in.ID), rec); err != nil {
			return err
		}
		if in.DirectKey != "" {
			if err := setJSON(b, directKeyKey(in.DirectKey), in.ID); err != nil {
				return err
			}
		}
		for _, p := range in.Participants {
			if err := b.Set(memberKey(p.ID, in.ID), nil, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return chat.Conversation{}, false, err
	}
	return rec.toDomain(), true, nil
}

func (s *PebbleStore) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}
	rec, err := s.loadConv("chatstore.pebble.GetConversation", id)
	if err != nil {
		return chat.Conversation{}, err
	}
	return rec.toDomain(), nil
}

func (s *PebbleStore) ListConversations(ctx context.Context, participantID string) ([]chat.Conversation, error) {
	const op = "chatstore.pebble.ListConversations"

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := memberPrefix(participantID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, unescapeSeg(string(iter.Key()[len(prefix):])))
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return nil, err
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	out := make([]chat.Conversation, 0, len(ids))
	for _, id := range ids {
		rec, err := s.loadConv(op, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec.toDomain())
	}
	sortByActivity(out)
	return out, nil
}

func (s *PebbleStore) AdvanceLastRead(ctx context.Context, conversationID, participantID string, seq int64) (int64, error) {
	const op = "chatstore.pebble.AdvanceLastRead"

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	unlock := s.lockConv(conversationID)
	defer unlock()

	rec, err := s.loadConv(op, conversationID)
	if err != nil {
		return 0, err
	}
	if !rec.toDomain().HasParticipant(participantID) {
		return 0, chat.NotFoundError{Op: op, Resource: "participant"}
	}
	if seq > rec.LastSeq {
		seq = rec.LastSeq
	}
	cur := rec.LastRead[participantID]
	if seq <= cur {
		return cur, nil
	}
	rec.LastRead[participantID] = seq
	if err := s.commit(func(b *pebble.Batch) error { return setJSON(b, convKey(conversationID), rec) }); err != nil {
		return 0, err
	}
	return seq, nil
}

// ---- chat.MessageStore ----

func (s *PebbleStore) AppendMessage(ctx context.Context, in chat.AppendMessageInput) (chat.AppendMessageResult, error) {
	const op = "chatstore.pebble.AppendMessage"

	if err := ctx.Err(); err != nil {
		return chat.AppendMessageResult{}, err
	}
	unlock := s.lockConv(in.ConversationID)
	defer unlock()

	rec, err := s.loadConv(op, in.ConversationID)
	if err != nil {
		return chat.AppendMessageResult{}, err
	}

	if in.ClientMessageID != "" {
		var seq int64
		ok, err := s.getJSON(clientIDKey(in.ConversationID, in.SenderID, in.ClientMessageID), &seq)
		if err != nil {
			return chat.AppendMessageResult{}, err
		}
		if ok {
			m, err := s.loadMsg(op, in.ConversationID, seq)
			if err != nil {
				return chat.AppendMessageResult{}, err
			}
			return chat.AppendMessageResult{Message: m.toDomain(), Duplicated: true}, nil
		}
	}

	seq := rec.LastSeq + 1
	msg := newMessage(rec.toDomain(), in, seq, createdAt(in.Clock, rec.LastCreatedAt))

	rec.LastSeq = seq
	rec.LastCreatedAt = msg.CreatedAt
	rec.LastActivityAt = msg.CreatedAt
	rec.UpdatedAt = msg.CreatedAt

	err = s.commit(func(b *pebble.Batch) error {
		if err := setJSON(b, msgKey(in.ConversationID, seq), fromMessage(msg)); err != nil {
			return err
		}
		if in.ClientMessageID != "" {
			if err := setJSON(b, clientIDKey(in.ConversationID, in.SenderID, in.ClientMessageID), seq); err != nil {
				return err
			}
		}
		return setJSON(b, convKey(in.ConversationID), rec)
	})
	if err != nil {
		return chat.AppendMessageResult{}, err
	}
	return chat.AppendMessageResult{Message: msg}, nil
}

func (s *PebbleStore) GetMessage(ctx context.Context, conversationID string, seq int64) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	rec, err := s.loadMsg("chatstore.pebble.GetMessage", conversationID, seq)
	if err != nil {
		return chat.Message{}, err
	}
	return rec.toDomain(), nil
}

func (s *PebbleStore) ListMessages(ctx context.Context, in chat.ListMessagesInput) (chat.ListMessagesResult, error) {
	const op = "chatstore.pebble.ListMessages"

	if err := ctx.Err(); err != nil {
		return chat.ListMessagesResult{}, err
	}
	conv, err := s.loadConv(op, in.ConversationID)
	if err != nil {
		return chat.ListMessagesResult{}, err
	}

	top, limit := pageWindow(conv.LastSeq, in)
	if top < 1 {
		return chat.ListMessagesResult{Messages: []chat.Message{}}, nil
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: msgPrefix(in.ConversationID),
		UpperBound: msgKey(in.ConversationID, top+1),
	})
	if err != nil {
		return chat.ListMessagesResult{}, err
	}
	defer iter.Close()

	out := make([]chat.Message, 0, limit)
	valid := iter.Last()
	for ; valid && len(out) < limit; valid = iter.Prev() {
		var rec pebbleMessage
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return chat.ListMessagesResult{}, fmt.Errorf("%s: decode: %w", op, err)
		}
		out = append(out, rec.toDomain())
	}
	if err := iter.Error(); err != nil {
		return chat.ListMessagesResult{}, err
	}
	return chat.ListMessagesResult{Messages: out, HasMore: valid}, nil
}

func (s *PebbleStore) MessagesSince(ctx context.Context, conversationIDs []string, since time.Time) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []chat.Message
	for _, id := range conversationIDs {
		msgs, err := s.messagesSince(id, since)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// messagesSince walks backwards from the newest message; CreatedAt is non-decreasing along seq,
// so the scan stops at the first message not after since.
func (s *PebbleStore) messagesSince(convID string, since time.Time) ([]chat.Message, error) {
	prefix := msgPrefix(convID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var rev []chat.Message
	for valid := iter.Last(); valid; valid = iter.Prev() {
		var rec pebbleMessage
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("chatstore.pebble.MessagesSince: decode: %w", err)
		}
		if !rec.CreatedAt.After(since) {
			break
		}
		rev = append(rev, rec.toDomain())
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	out := make([]chat.Message, len(rev))
	for i, m := range rev {
		out[len(rev)-1-i] = m
	}
	return out, nil
}

func (s *PebbleStore) EditMessage(ctx context.Context, in chat.EditMessageInput) (chat.Message, error) {
	const op = "chatstore.pebble.EditMessage"

	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	unlock := s.lockConv(in.ConversationID)
	defer unlock()

	rec, err := s.loadMsg(op, in.ConversationID, in.Seq)
	if err != nil {
		return chat.Message{}, err
	}
	m := rec.toDomain()
	if m.Deleted() {
		return chat.Message{}, chat.NotFoundError{Op: op, Resource: "message"}
	}
	applyEdit(&m, in.Text, in.Now)

	if err := s.commit(func(b *pebble.Batch) error {
		return setJSON(b, msgKey(in.ConversationID, in.Seq), fromMessage(m))
	}); err != nil {
		return chat.Message{}, err
	}
	return m, nil
}

func (s *PebbleStore) TombstoneMessage(ctx context.Context, conversationID string, seq int64, now time.Time) (chat.Message, bool, error) {
	const op = "chatstore.pebble.TombstoneMessage"

	if err := ctx.Err(); err != nil {
		return chat.Message{}, false, err
	}
	unlock := s.lockConv(conversationID)
	defer unlock()

	rec, err := s.loadMsg(op, conversationID, seq)
	if err != nil {
		return chat.Message{}, false, err
	}
	m := rec.toDomain()
	if m.Deleted() {
		return m, false, nil
	}
	applyTombstone(&m, now)

	if err := s.commit(func(b *pebble.Batch) error {
		return setJSON(b, msgKey(conversationID, seq), fromMessage(m))
	}); err != nil {
		return chat.Message{}, false, err
	}
	return m, true, nil
}

func (s *PebbleStore) AdvanceReceipts(ctx context.Context, in chat.AdvanceReceiptsInput) ([]int64, error) {
	const op = "chatstore.pebble.AdvanceReceipts"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.lockConv(in.ConversationID)
	defer unlock()

	changed := make([]int64, 0, len(in.Seqs))
	updated := make([]pebbleMessage, 0, len(in.Seqs))
	for _, seq := range in.Seqs {
		rec, err := s.loadMsg(op, in.ConversationID, seq)
		if chat.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		cur, ok := rec.Receipts[in.ParticipantID]
		if !ok || in.Status.Rank() <= cur.Rank() {
			continue
		}
		rec.Receipts[in.ParticipantID] = in.Status
		updated = append(updated, rec)
		changed = append(changed, seq)
	}
	if len(updated) == 0 {
		return changed, nil
	}

	err := s.commit(func(b *pebble.Batch) error {
		for _, rec := range updated {
			if err := setJSON(b, msgKey(rec.ConversationID, rec.Seq), rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed, nil
}

func (s *PebbleStore) Activity(ctx context.Context, conversationID, participantID string) (chat.Activity, error) {
	const op = "chatstore.pebble.Activity"

	if err := ctx.Err(); err != nil {
		return chat.Activity{}, err
	}
	conv, err := s.loadConv(op, conversationID)
	if err != nil {
		return chat.Activity{}, err
	}

	prefix := msgPrefix(conversationID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return chat.Activity{}, err
	}
	defer iter.Close()

	out := chat.Activity{LastActivityAt: conv.LastActivityAt}
	lastRead := conv.LastRead[participantID]
	for iter.First(); iter.Valid(); iter.Next() {
		var rec pebbleMessage
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return chat.Activity{}, fmt.Errorf("%s: decode: %w", op, err)
		}
		if rec.DeletedAt != nil {
			continue
		}
		out.TotalMessages++
		if rec.Seq > lastRead && rec.SenderID != participantID {
			out.UnreadCount++
		}
	}
	return out, iter.Error()
}

func unescapeSeg(s string) string {
	s = strings.ReplaceAll(s, "%3A", ":")
	return strings.ReplaceAll(s, "%25", "%")
}
