// Package chatstore contains the Message Store and Conversation Registry backends.
package chatstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatd/cmd/internal/chat"
)

// MemoryStore is an in-process chat.Store for development and tests.
//
// Concurrency model:
//   - one mutex per conversation (the only serialization point for sequence assignment)
//   - the index maps are guarded by a separate RWMutex, taken before any conversation lock
type MemoryStore struct {
	mu            sync.RWMutex
	convs         map[string]*memConversation
	direct        map[string]string
	byParticipant map[string]map[string]struct{}
}

type memConversation struct {
	mu         sync.Mutex
	conv       chat.Conversation
	msgs       []chat.Message // index = seq-1
	byClientID map[string]int64 // clientKey(sender, client id) -> seq
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:         make(map[string]*memConversation),
		direct:        make(map[string]string),
		byParticipant: make(map[string]map[string]struct{}),
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateConversation(ctx context.Context, in chat.CreateConversationRecord) (chat.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if in.DirectKey != "" {
		if id, ok := s.direct[in.DirectKey]; ok {
			e := s.convs[id]
			e.mu.Lock()
			out := e.conv.Clone()
			e.mu.Unlock()
			return out, false, nil
		}
	}
	if _, exists := s.convs[in.ID]; exists {
		return chat.Conversation{}, false, errConflict("chatstore.memory.CreateConversation", "conversation id")
	}

	conv := chat.Conversation{
		ID:             in.ID,
		Kind:           in.Kind,
		Participants:   in.Participants,
		Metadata:       in.Metadata,
		CreatedAt:      in.Now,
		UpdatedAt:      in.Now,
		LastActivityAt: in.Now,
		LastRead:       make(map[string]int64, len(in.Participants)),
	}
	conv = conv.Clone()

	s.convs[in.ID] = &memConversation{conv: conv, byClientID: make(map[string]int64)}
	if in.DirectKey != "" {
		s.direct[in.DirectKey] = in.ID
	}
	for _, p := range in.Participants {
		set := s.byParticipant[p.ID]
		if set == nil {
			set = make(map[string]struct{})
			s.byParticipant[p.ID] = set
		}
		set[in.ID] = struct{}{}
	}
	return conv.Clone(), true, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}
	e, err := s.entry("chatstore.memory.GetConversation", id)
	if err != nil {
		return chat.Conversation{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.Clone(), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, participantID string) ([]chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entries := make([]*memConversation, 0, len(s.byParticipant[participantID]))
	for id := range s.byParticipant[participantID] {
		entries = append(entries, s.convs[id])
	}
	s.mu.RUnlock()

	out := make([]chat.Conversation, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.conv.Clone())
		e.mu.Unlock()
	}
	sortByActivity(out)
	return out, nil
}

func (s *MemoryStore) AdvanceLastRead(ctx context.Context, conversationID, participantID string, seq int64) (int64, error) {
	const op = "chatstore.memory.AdvanceLastRead"

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e, err := s.entry(op, conversationID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.conv.HasParticipant(participantID) {
		return 0, chat.NotFoundError{Op: op, Resource: "participant"}
	}
	if seq > e.conv.LastSeq {
		seq = e.conv.LastSeq
	}
	if seq > e.conv.LastRead[participantID] {
		e.conv.LastRead[participantID] = seq
	}
	return e.conv.LastRead[participantID], nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, in chat.AppendMessageInput) (chat.AppendMessageResult, error) {
	const op = "chatstore.memory.AppendMessage"

	if err := ctx.Err(); err != nil {
		return chat.AppendMessageResult{}, err
	}
	e, err := s.entry(op, in.ConversationID)
	if err != nil {
		return chat.AppendMessageResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if in.ClientMessageID != "" {
		if seq, ok := e.byClientID[clientKey(in.SenderID, in.ClientMessageID)]; ok {
			return chat.AppendMessageResult{Message: e.msgs[seq-1].Clone(), Duplicated: true}, nil
		}
	}

	seq := e.conv.LastSeq + 1
	created := createdAt(in.Clock, e.lastCreatedAt())
	msg := newMessage(e.conv, in, seq, created)

	e.msgs = append(e.msgs, msg)
	if in.ClientMessageID != "" {
		e.byClientID[clientKey(in.SenderID, in.ClientMessageID)] = seq
	}
	e.conv.LastSeq = seq
	e.conv.LastActivityAt = created
	e.conv.UpdatedAt = created

	return chat.AppendMessageResult{Message: msg.Clone()}, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, conversationID string, seq int64) (chat.Message, error) {
	const op = "chatstore.memory.GetMessage"

	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	e, err := s.entry(op, conversationID)
	if err != nil {
		return chat.Message{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if seq <= 0 || seq > int64(len(e.msgs)) {
		return chat.Message{}, chat.NotFoundError{Op: op, Resource: "message"}
	}
	return e.msgs[seq-1].Clone(), nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, in chat.ListMessagesInput) (chat.ListMessagesResult, error) {
	const op = "chatstore.memory.ListMessages"

	if err := ctx.Err(); err != nil {
		return chat.ListMessagesResult{}, err
	}
	e, err := s.entry(op, in.ConversationID)
	if err != nil {
		return chat.ListMessagesResult{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	top, limit := pageWindow(e.conv.LastSeq, in)
	out := make([]chat.Message, 0, limit)
	seq := top
	for ; seq >= 1 && len(out) < limit; seq-- {
		out = append(out, e.msgs[seq-1].Clone())
	}
	return chat.ListMessagesResult{Messages: out, HasMore: seq >= 1}, nil
}

func (s *MemoryStore) MessagesSince(ctx context.Context, conversationIDs []string, since time.Time) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []chat.Message
	for _, id := range conversationIDs {
		s.mu.RLock()
		e := s.convs[id]
		s.mu.RUnlock()
		if e == nil {
			continue
		}

		e.mu.Lock()
		i := len(e.msgs)
		for i > 0 && e.msgs[i-1].CreatedAt.After(since) {
			i--
		}
		for _, m := range e.msgs[i:] {
			out = append(out, m.Clone())
		}
		e.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) EditMessage(ctx context.Context, in chat.EditMessageInput) (chat.Message, error) {
	const op = "chatstore.memory.EditMessage"

	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	e, err := s.entry(op, in.ConversationID)
	if err != nil {
		return chat.Message{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if in.Seq <= 0 || in.Seq > int64(len(e.msgs)) || e.msgs[in.Seq-1].Deleted() {
		return chat.Message{}, chat.NotFoundError{Op: op, Resource: "message"}
	}
	m := &e.msgs[in.Seq-1]
	applyEdit(m, in.Text, in.Now)
	return m.Clone(), nil
}

func (s *MemoryStore) TombstoneMessage(ctx context.Context, conversationID string, seq int64, now time.Time) (chat.Message, bool, error) {
	const op = "chatstore.memory.TombstoneMessage"

	if err := ctx.Err(); err != nil {
		return chat.Message{}, false, err
	}
	e, err := s.entry(op, conversationID)
	if err != nil {
		return chat.Message{}, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if seq <= 0 || seq > int64(len(e.msgs)) {
		return chat.Message{}, false, chat.NotFoundError{Op: op, Resource: "message"}
	}
	m := &e.msgs[seq-1]
	if m.Deleted() {
		return m.Clone(), false, nil
	}
	applyTombstone(m, now)
	return m.Clone(), true, nil
}

func (s *MemoryStore) AdvanceReceipts(ctx context.Context, in chat.AdvanceReceiptsInput) ([]int64, error) {
	const op = "chatstore.memory.AdvanceReceipts"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := s.entry(op, in.ConversationID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := make([]int64, 0, len(in.Seqs))
	for _, seq := range in.Seqs {
		if seq <= 0 || seq > int64(len(e.msgs)) {
			continue
		}
		m := &e.msgs[seq-1]
		cur, ok := m.Receipts[in.ParticipantID]
		if !ok || in.Status.Rank() <= cur.Rank() {
			continue
		}
		m.Receipts[in.ParticipantID] = in.Status
		changed = append(changed, seq)
	}
	return changed, nil
}

func (s *MemoryStore) Activity(ctx context.Context, conversationID, participantID string) (chat.Activity, error) {
	const op = "chatstore.memory.Activity"

	if err := ctx.Err(); err != nil {
		return chat.Activity{}, err
	}
	e, err := s.entry(op, conversationID)
	if err != nil {
		return chat.Activity{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := chat.Activity{LastActivityAt: e.conv.LastActivityAt}
	lastRead := e.conv.LastRead[participantID]
	for _, m := range e.msgs {
		if m.Deleted() {
			continue
		}
		out.TotalMessages++
		if m.Seq > lastRead && m.SenderID != participantID {
			out.UnreadCount++
		}
	}
	return out, nil
}

func (s *MemoryStore) entry(op, id string) (*memConversation, error) {
	s.mu.RLock()
	e := s.convs[id]
	s.mu.RUnlock()
	if e == nil {
		return nil, chat.NotFoundError{Op: op, Resource: "conversation"}
	}
	return e, nil
}

func (e *memConversation) lastCreatedAt() time.Time {
	if len(e.msgs) == 0 {
		return time.Time{}
	}
	return e.msgs[len(e.msgs)-1].CreatedAt
}

func sortByActivity(convs []chat.Conversation) {
	sort.Slice(convs, func(i, j int) bool {
		a, b := convs[i], convs[j]
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		return a.ID > b.ID
	})
}
