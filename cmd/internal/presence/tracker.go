package presence

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

const (
	DefaultTypingTTL = 8 * time.Second
	DefaultOnlineTTL = 60 * time.Second
)

// Tracker applies TTL policy on top of a Store.
type Tracker struct {
	store     Store
	log       *slog.Logger
	typingTTL time.Duration
	onlineTTL time.Duration
	now       func() time.Time
}

// Option configures Tracker behavior.
type Option func(*Tracker) error

// WithTypingTTL sets how long a typing indicator lives without a refresh.
func WithTypingTTL(d time.Duration) Option {
	return func(t *Tracker) error {
		if d <= 0 {
			return errors.New("presence: typing ttl must be > 0")
		}
		t.typingTTL = d
		return nil
	}
}

// WithOnlineTTL sets how long a presence heartbeat keeps a participant online.
func WithOnlineTTL(d time.Duration) Option {
	return func(t *Tracker) error {
		if d <= 0 {
			return errors.New("presence: online ttl must be > 0")
		}
		t.onlineTTL = d
		return nil
	}
}

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) error {
		if now == nil {
			return errors.New("presence: nil clock")
		}
		t.now = now
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) error {
		if log != nil {
			t.log = log
		}
		return nil
	}
}

// NewTracker constructs a Tracker. A nil store falls back to a MemoryStore.
func NewTracker(store Store, opts ...Option) (*Tracker, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	t := &Tracker{
		store:     store,
		log:       slog.Default(),
		typingTTL: DefaultTypingTTL,
		onlineTTL: DefaultOnlineTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// TypingTTL returns the configured typing TTL.
func (t *Tracker) TypingTTL() time.Duration { return t.typingTTL }

// SetTyping upserts an indicator with a fresh TTL, or deletes it immediately when isTyping is false.
func (t *Tracker) SetTyping(ctx context.Context, conversationID, participantID string, isTyping bool) (Indicator, error) {
	conversationID = strings.TrimSpace(conversationID)
	participantID = strings.TrimSpace(participantID)
	if conversationID == "" || participantID == "" {
		return Indicator{}, errors.New("presence: missing conversation or participant")
	}

	ind := Indicator{ConversationID: conversationID, ParticipantID: participantID, IsTyping: isTyping}
	if !isTyping {
		return ind, t.store.DeleteTyping(ctx, conversationID, participantID)
	}
	ind.ExpiresAt = t.now().Add(t.typingTTL)
	return ind, t.store.PutTyping(ctx, ind)
}

// Typing returns the unexpired indicators for a conversation.
func (t *Tracker) Typing(ctx context.Context, conversationID string) ([]Indicator, error) {
	return t.store.ListTyping(ctx, conversationID, t.now())
}

// Touch marks participantID online for another TTL period.
func (t *Tracker) Touch(ctx context.Context, participantID string) error {
	if participantID == "" {
		return nil
	}
	return t.store.TouchOnline(ctx, participantID, t.now().Add(t.onlineTTL))
}

// Offline clears participantID's presence immediately.
func (t *Tracker) Offline(ctx context.Context, participantID string) error {
	if participantID == "" {
		return nil
	}
	return t.store.MarkOffline(ctx, participantID)
}

// Online reports which participants currently hold an unexpired presence entry.
func (t *Tracker) Online(ctx context.Context, participantIDs []string) (map[string]bool, error) {
	return t.store.Online(ctx, participantIDs, t.now())
}

// Sweep drops expired entries. Reads never depend on it.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	n, err := t.store.Sweep(ctx, t.now())
	if err != nil {
		t.log.Warn("presence.sweep.fail", "err", err)
		return n, err
	}
	if n > 0 {
		t.log.Debug("presence.sweep", "removed", n)
	}
	return n, nil
}
