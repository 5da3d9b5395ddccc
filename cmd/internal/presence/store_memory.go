package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu     sync.Mutex
	typing map[string]map[string]time.Time // conversation -> participant -> expiresAt
	online map[string]time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		typing: make(map[string]map[string]time.Time),
		online: make(map[string]time.Time),
	}
}

func (s *MemoryStore) PutTyping(ctx context.Context, ind Indicator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byPart := s.typing[ind.ConversationID]
	if byPart == nil {
		byPart = make(map[string]time.Time)
		s.typing[ind.ConversationID] = byPart
	}
	byPart[ind.ParticipantID] = ind.ExpiresAt
	return nil
}

func (s *MemoryStore) DeleteTyping(ctx context.Context, conversationID, participantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byPart := s.typing[conversationID]
	delete(byPart, participantID)
	if len(byPart) == 0 {
		delete(s.typing, conversationID)
	}
	return nil
}

func (s *MemoryStore) ListTyping(ctx context.Context, conversationID string, now time.Time) ([]Indicator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Indicator, 0, len(s.typing[conversationID]))
	for pid, exp := range s.typing[conversationID] {
		if !exp.After(now) {
			continue
		}
		out = append(out, Indicator{
			ConversationID: conversationID,
			ParticipantID:  pid,
			IsTyping:       true,
			ExpiresAt:      exp,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (s *MemoryStore) TouchOnline(ctx context.Context, participantID string, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.online[participantID] = expiresAt
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) MarkOffline(ctx context.Context, participantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.online, participantID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Online(ctx context.Context, participantIDs []string, now time.Time) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]bool, len(participantIDs))
	for _, pid := range participantIDs {
		exp, ok := s.online[pid]
		out[pid] = ok && exp.After(now)
	}
	return out, nil
}

func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for conv, byPart := range s.typing {
		for pid, exp := range byPart {
			if !exp.After(now) {
				delete(byPart, pid)
				n++
			}
		}
		if len(byPart) == 0 {
			delete(s.typing, conv)
		}
	}
	for pid, exp := range s.online {
		if !exp.After(now) {
			delete(s.online, pid)
			n++
		}
	}
	return n, nil
}
