package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatd/cmd/internal/metrics"
)

// EventType names a realtime event.
type EventType string

const (
	EventMessageNew     EventType = "message_new"
	EventMessageUpdated EventType = "message_updated"
	EventMessageStatus  EventType = "message_status"
	EventMessagesRead   EventType = "messages_read"
	EventTyping         EventType = "typing"
)

// Event is what the service hands to the Delivery Coordinator. Exactly one payload is set.
type Event struct {
	Type           EventType
	ConversationID string
	Recipients     []string

	Message *Message
	Status  *StatusChange
	Typing  *TypingChange
}

// StatusChange reports receipts that moved forward for one participant.
type StatusChange struct {
	ParticipantID string
	MessageIDs    []string
	Status        Status
}

// TypingChange reports a typing indicator update.
type TypingChange struct {
	ParticipantID string
	IsTyping      bool
	ExpiresAt     time.Time
}

// Transport pushes events to connected participants. Push reports whether recipientID had at
// least one live connection that accepted the event.
type Transport interface {
	Push(ctx context.Context, recipientID string, ev Event) bool
}

// ReceiptWriter is the slice of the store the coordinator writes delivery receipts through.
type ReceiptWriter interface {
	AdvanceReceipts(ctx context.Context, in AdvanceReceiptsInput) ([]int64, error)
}

const (
	DefaultDeliveryWorkers   = 4
	DefaultDeliveryQueueSize = 1024
	receiptWriteTimeout      = 5 * time.Second
)

// Coordinator fans events out to the transport on a pool of workers and records delivered
// receipts for successful pushes. Publish never blocks: a full queue drops the event, which is
// safe because every message stays retrievable through pagination and sync.
type Coordinator struct {
	log       *slog.Logger
	transport Transport
	receipts  ReceiptWriter
	metrics   *metrics.Metrics
	workers   int

	events chan Event

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	started bool
}

// CoordinatorOption configures Coordinator behavior.
type CoordinatorOption func(*Coordinator) error

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(log *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) error {
		if log != nil {
			c.log = log
		}
		return nil
	}
}

// WithCoordinatorMetrics sets the metrics sink.
func WithCoordinatorMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) error {
		c.metrics = m
		return nil
	}
}

// WithWorkers sets the fan-out worker count.
func WithWorkers(n int) CoordinatorOption {
	return func(c *Coordinator) error {
		if n <= 0 {
			return errors.New("chat: workers must be > 0")
		}
		c.workers = n
		return nil
	}
}

// WithQueueSize sets the event buffer size.
func WithQueueSize(n int) CoordinatorOption {
	return func(c *Coordinator) error {
		if n <= 0 {
			return errors.New("chat: queue size must be > 0")
		}
		c.events = make(chan Event, n)
		return nil
	}
}

// NewCoordinator constructs a Coordinator. Call Start before publishing.
func NewCoordinator(transport Transport, receipts ReceiptWriter, opts ...CoordinatorOption) (*Coordinator, error) {
	if transport == nil {
		return nil, errors.New("chat: nil transport")
	}
	if receipts == nil {
		return nil, errors.New("chat: nil receipt writer")
	}
	c := &Coordinator{
		log:       slog.Default(),
		transport: transport,
		receipts:  receipts,
		workers:   DefaultDeliveryWorkers,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.events == nil {
		c.events = make(chan Event, DefaultDeliveryQueueSize)
	}
	return c, nil
}

// Start launches the workers. They exit when ctx is done or Close is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.run(ctx)
		}()
	}
}

// Publish enqueues ev without blocking.
func (c *Coordinator) Publish(ev Event) {
	if c == nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	select {
	case c.events <- ev:
		c.metrics.DeliveryQueueDepth(len(c.events))
	default:
		c.metrics.Push(metrics.PushDropped)
		c.log.Warn("delivery.queue.drop", "type", string(ev.Type), "conversation_id", ev.ConversationID)
	}
}

// Close stops accepting events, drains the queue and waits for the workers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.events)
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.metrics.DeliveryQueueDepth(len(c.events))
			c.dispatch(ctx, ev)
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("delivery.dispatch.panic", "type", string(ev.Type), "conversation_id", ev.ConversationID, "panic", r)
		}
	}()

	if ev.Type == EventMessageNew && ev.Message != nil {
		c.deliverMessage(ctx, ev)
		return
	}
	for _, rid := range ev.Recipients {
		c.push(ctx, rid, ev)
	}
}

func (c *Coordinator) push(ctx context.Context, recipientID string, ev Event) bool {
	ok := c.transport.Push(ctx, recipientID, ev)
	if ok {
		c.metrics.Push(metrics.PushDelivered)
	} else {
		c.metrics.Push(metrics.PushOffline)
	}
	return ok
}

// deliverMessage pushes a new message to every participant and moves each reached recipient's
// receipt to delivered, notifying the sender of the transition.
func (c *Coordinator) deliverMessage(ctx context.Context, ev Event) {
	msg := ev.Message
	delivered := make([]string, 0, len(ev.Recipients))

	for _, rid := range ev.Recipients {
		if !c.push(ctx, rid, ev) {
			continue
		}
		if rid != msg.SenderID {
			delivered = append(delivered, rid)
		}
	}

	for _, rid := range delivered {
		wctx, cancel := context.WithTimeout(ctx, receiptWriteTimeout)
		changed, err := c.receipts.AdvanceReceipts(wctx, AdvanceReceiptsInput{
			ConversationID: msg.ConversationID,
			ParticipantID:  rid,
			Seqs:           []int64{msg.Seq},
			Status:         StatusDelivered,
		})
		cancel()
		if err != nil {
			c.log.Warn("delivery.receipt.fail",
				"conversation_id", msg.ConversationID,
				"seq", msg.Seq,
				"participant_id", rid,
				"err", err,
			)
			continue
		}
		if len(changed) == 0 {
			continue
		}
		c.metrics.ReceiptTransitions(string(StatusDelivered), len(changed))
		c.push(ctx, msg.SenderID, Event{
			Type:           EventMessageStatus,
			ConversationID: msg.ConversationID,
			Recipients:     []string{msg.SenderID},
			Status: &StatusChange{
				ParticipantID: rid,
				MessageIDs:    []string{msg.ID},
				Status:        StatusDelivered,
			},
		})
	}
}
