// Package chat is the conversational messaging core: Conversation Registry, messaging operations,
// Delivery Coordinator, Offline Sync Engine and Conversation Analytics.
//
// Every mutation goes through Store.AppendMessage or the receipt/marker writers, so live sends and
// offline replays share the same ordering and idempotency guarantees.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"chatd/cmd/internal/metrics"
	"chatd/cmd/internal/presence"
)

const (
	DefaultPageLimit    = 50
	MaxPageLimit        = 200
	DefaultMaxTextChars = 4000
	MaxSyncBatch        = 500
	MaxReadBatch        = 500
)

// PresenceTracker is the ephemeral typing/online state the service consults.
type PresenceTracker interface {
	SetTyping(ctx context.Context, conversationID, participantID string, isTyping bool) (presence.Indicator, error)
	Typing(ctx context.Context, conversationID string) ([]presence.Indicator, error)
	Online(ctx context.Context, participantIDs []string) (map[string]bool, error)
}

// Publisher receives events for asynchronous fan-out. Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Service implements the chat operations on top of a Store.
type Service struct {
	store    Store
	log      *slog.Logger
	presence PresenceTracker
	pub      Publisher
	metrics  *metrics.Metrics
	now      func() time.Time
	inflight inflight

	checkpointLag time.Duration
	maxTextChars  int
	pageDefault   int
	pageMax       int
}

// Option configures Service behavior.
type Option func(*Service) error

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// WithPresence sets the typing/online tracker. Without one an in-memory tracker is used.
func WithPresence(p PresenceTracker) Option {
	return func(s *Service) error {
		if p == nil {
			return errors.New("chat: nil presence tracker")
		}
		s.presence = p
		return nil
	}
}

// WithPublisher sets where events are sent for fan-out.
func WithPublisher(p Publisher) Option {
	return func(s *Service) error {
		s.pub = p
		return nil
	}
}

// WithMetrics sets the metrics sink (nil disables).
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return errors.New("chat: nil clock")
		}
		s.now = now
		return nil
	}
}

// WithCheckpointLag moves offline sync checkpoints back by d. Deployments where several instances
// append to one database use it to cover appends running on other instances.
func WithCheckpointLag(d time.Duration) Option {
	return func(s *Service) error {
		if d < 0 {
			return errors.New("chat: checkpoint lag must be >= 0")
		}
		s.checkpointLag = d
		return nil
	}
}

// WithMaxTextChars bounds message text length in runes.
func WithMaxTextChars(n int) Option {
	return func(s *Service) error {
		if n <= 0 {
			return errors.New("chat: max text chars must be > 0")
		}
		s.maxTextChars = n
		return nil
	}
}

// WithPageLimits sets the default and maximum page sizes.
func WithPageLimits(def, max int) Option {
	return func(s *Service) error {
		if def <= 0 || max <= 0 || def > max {
			return errors.New("chat: invalid page limits")
		}
		s.pageDefault = def
		s.pageMax = max
		return nil
	}
}

// NewService constructs a Service.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("chat: nil store")
	}
	s := &Service{
		store:        store,
		log:          slog.Default(),
		now:          time.Now,
		maxTextChars: DefaultMaxTextChars,
		pageDefault:  DefaultPageLimit,
		pageMax:      MaxPageLimit,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.presence == nil {
		tr, err := presence.NewTracker(nil, presence.WithLogger(s.log))
		if err != nil {
			return nil, err
		}
		s.presence = tr
	}
	return s, nil
}

// Store exposes the underlying store (delivery coordinator wiring).
func (s *Service) Store() Store { return s.store }

// clock returns the current time at the precision every backend can round-trip.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) publish(ev Event) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(ev)
}

// retry runs fn, retrying once on a non-domain failure. A second failure becomes ErrStorage.
func retry[T any](ctx context.Context, s *Service, op string, fn func(context.Context) (T, error)) (T, error) {
	out, err := fn(ctx)
	if err == nil || isDomain(err) {
		return out, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}

	s.log.Warn("chat.store.retry", "op", op, "err", err)
	out, err = fn(ctx)
	if err == nil {
		s.metrics.StorageRetry(true)
		return out, nil
	}
	s.metrics.StorageRetry(false)
	if isDomain(err) {
		return out, err
	}
	s.log.Error("chat.store.fail", "op", op, "err", err)
	var zero T
	return zero, OpError{Op: op, Kind: ErrStorage, Msg: "storage unavailable", Err: err}
}

// member loads a conversation and checks that participantID belongs to it.
func (s *Service) member(ctx context.Context, op, conversationID, participantID string) (Conversation, error) {
	if conversationID == "" {
		return Conversation{}, invalid(op, "conversation id is required")
	}
	if participantID == "" {
		return Conversation{}, OpError{Op: op, Kind: ErrAuthentication, Msg: "missing caller identity"}
	}
	conv, err := retry(ctx, s, op, func(ctx context.Context) (Conversation, error) {
		return s.store.GetConversation(ctx, conversationID)
	})
	if err != nil {
		return Conversation{}, err
	}
	if !conv.HasParticipant(participantID) {
		return Conversation{}, MembershipError{Op: op, ConversationID: conversationID}
	}
	return conv, nil
}

func requireCaller(op string, c Caller) error {
	if c.ID == "" {
		return OpError{Op: op, Kind: ErrAuthentication, Msg: "missing caller identity"}
	}
	return nil
}
