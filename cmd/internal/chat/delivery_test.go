package chat_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chatd/cmd/internal/chat"
	"chatd/cmd/internal/chatstore"
)

// fakeTransport accepts pushes for online recipients and records everything it was asked to push.
type fakeTransport struct {
	mu     sync.Mutex
	online map[string]bool
	pushed map[string][]chat.Event
	block  chan struct{}
}

func newFakeTransport(online ...string) *fakeTransport {
	ft := &fakeTransport{online: make(map[string]bool), pushed: make(map[string][]chat.Event)}
	for _, id := range online {
		ft.online[id] = true
	}
	return ft
}

func (f *fakeTransport) Push(ctx context.Context, recipientID string, ev chat.Event) bool {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed[recipientID] = append(f.pushed[recipientID], ev)
	return f.online[recipientID]
}

func (f *fakeTransport) events(recipientID string, typ chat.EventType) []chat.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chat.Event
	for _, ev := range f.pushed[recipientID] {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewCoordinator_Validation(t *testing.T) {
	t.Parallel()

	st := chatstore.NewMemoryStore()
	if _, err := chat.NewCoordinator(nil, st); err == nil {
		t.Fatalf("expected error for nil transport")
	}
	if _, err := chat.NewCoordinator(newFakeTransport(), nil); err == nil {
		t.Fatalf("expected error for nil receipt writer")
	}
	if _, err := chat.NewCoordinator(newFakeTransport(), st, chat.WithWorkers(0)); err == nil {
		t.Fatalf("expected error for zero workers")
	}
	if _, err := chat.NewCoordinator(newFakeTransport(), st, chat.WithQueueSize(-1)); err == nil {
		t.Fatalf("expected error for negative queue size")
	}
}

func TestCoordinator_MarksReachedRecipientsDelivered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := chatstore.NewMemoryStore()
	ft := newFakeTransport(alice.ID, bob.ID)

	coord, err := chat.NewCoordinator(ft, st, chat.WithCoordinatorLogger(quietLogger()), chat.WithWorkers(2))
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	svc, err := chat.NewService(st, chat.WithLogger(quietLogger()), chat.WithPublisher(coord))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	coord.Start(ctx)

	conv, _, err := svc.CreateConversation(ctx, chat.CreateConversationInput{
		Creator:      alice,
		Kind:         chat.KindGroupOrder,
		Participants: []chat.Participant{{ID: bob.ID}, {ID: carol.ID}},
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	res, err := svc.SendMessage(ctx, chat.SendMessageInput{Sender: alice, ConversationID: conv.ID, Body: chat.TextBody("lunch?")})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	coord.Close()

	m, err := st.GetMessage(ctx, conv.ID, res.Message.Seq)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if m.Receipts[bob.ID] != chat.StatusDelivered {
		t.Fatalf("bob=%q want=delivered", m.Receipts[bob.ID])
	}
	if m.Receipts[carol.ID] != chat.StatusSent {
		t.Fatalf("carol (offline)=%q want=sent", m.Receipts[carol.ID])
	}

	if got := ft.events(bob.ID, chat.EventMessageNew); len(got) != 1 || got[0].Message.ID != res.Message.ID {
		t.Fatalf("bob message_new=%+v", got)
	}
	if got := ft.events(alice.ID, chat.EventMessageNew); len(got) != 1 {
		t.Fatalf("sender echo=%d want=1", len(got))
	}
	status := ft.events(alice.ID, chat.EventMessageStatus)
	if len(status) != 1 || status[0].Status.ParticipantID != bob.ID || status[0].Status.Status != chat.StatusDelivered {
		t.Fatalf("sender status events=%+v", status)
	}

	// Typing fan-out went to everyone but the sender.
	typing := ft.events(bob.ID, chat.EventTyping)
	if len(typing) != 1 || typing[0].Typing.IsTyping {
		t.Fatalf("typing events=%+v", typing)
	}
	if got := ft.events(alice.ID, chat.EventTyping); len(got) != 0 {
		t.Fatalf("sender got its own typing event")
	}
}

func TestCoordinator_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport("u1")
	ft.block = make(chan struct{})
	coord, err := chat.NewCoordinator(ft, chatstore.NewMemoryStore(),
		chat.WithCoordinatorLogger(quietLogger()),
		chat.WithWorkers(1),
		chat.WithQueueSize(1),
	)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	coord.Start(context.Background())

	ev := chat.Event{Type: chat.EventTyping, ConversationID: "c1", Recipients: []string{"u1"}, Typing: &chat.TypingChange{ParticipantID: "u2"}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			coord.Publish(ev)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Publish blocked on a full queue")
	}

	close(ft.block)
	coord.Close()

	// One in flight plus one buffered at most.
	if got := len(ft.events("u1", chat.EventTyping)); got < 1 || got > 2 {
		t.Fatalf("pushed=%d want 1..2", got)
	}

	// Publishing after Close is a no-op.
	coord.Publish(ev)
}
