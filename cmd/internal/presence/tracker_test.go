package presence

import (
	"context"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T) (*Tracker, *manualClock) {
	t.Helper()

	clk := &manualClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	tr, err := NewTracker(NewMemoryStore(), WithClock(clk.Now), WithTypingTTL(5*time.Second), WithOnlineTTL(time.Minute))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr, clk
}

func TestTyping_ExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, clk := newTestTracker(t)

	if _, err := tr.SetTyping(ctx, "c1", "u1", true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	got, err := tr.Typing(ctx, "c1")
	if err != nil {
		t.Fatalf("Typing: %v", err)
	}
	if len(got) != 1 || got[0].ParticipantID != "u1" || !got[0].IsTyping {
		t.Fatalf("Typing=%+v want [u1]", got)
	}

	clk.Advance(5 * time.Second)
	got, err = tr.Typing(ctx, "c1")
	if err != nil {
		t.Fatalf("Typing: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Typing after ttl=%+v want empty", got)
	}
}

func TestTyping_FalseDeletesImmediately(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, _ := newTestTracker(t)

	_, _ = tr.SetTyping(ctx, "c1", "u1", true)
	_, _ = tr.SetTyping(ctx, "c1", "u2", true)
	if _, err := tr.SetTyping(ctx, "c1", "u1", false); err != nil {
		t.Fatalf("SetTyping(false): %v", err)
	}

	got, _ := tr.Typing(ctx, "c1")
	if len(got) != 1 || got[0].ParticipantID != "u2" {
		t.Fatalf("Typing=%+v want [u2]", got)
	}
}

func TestTyping_RefreshExtendsTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, clk := newTestTracker(t)

	_, _ = tr.SetTyping(ctx, "c1", "u1", true)
	clk.Advance(4 * time.Second)
	_, _ = tr.SetTyping(ctx, "c1", "u1", true)
	clk.Advance(4 * time.Second)

	if got, _ := tr.Typing(ctx, "c1"); len(got) != 1 {
		t.Fatalf("expected refreshed indicator to be live, got %+v", got)
	}
}

func TestTyping_RejectsMissingIDs(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t)
	if _, err := tr.SetTyping(context.Background(), " ", "u1", true); err == nil {
		t.Fatalf("expected error for empty conversation id")
	}
}

func TestOnline_TouchOfflineAndExpiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, clk := newTestTracker(t)

	_ = tr.Touch(ctx, "u1")
	_ = tr.Touch(ctx, "u2")
	_ = tr.Offline(ctx, "u2")

	got, err := tr.Online(ctx, []string{"u1", "u2", "u3"})
	if err != nil {
		t.Fatalf("Online: %v", err)
	}
	if !got["u1"] || got["u2"] || got["u3"] {
		t.Fatalf("Online=%v", got)
	}

	clk.Advance(time.Minute)
	got, _ = tr.Online(ctx, []string{"u1"})
	if got["u1"] {
		t.Fatalf("expected u1 offline after ttl")
	}
}

func TestSweep_RemovesExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, clk := newTestTracker(t)

	_, _ = tr.SetTyping(ctx, "c1", "u1", true)
	_ = tr.Touch(ctx, "u1")
	clk.Advance(10 * time.Second)
	_, _ = tr.SetTyping(ctx, "c2", "u2", true)

	n, err := tr.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("Sweep removed=%d want=1", n)
	}
	if got, _ := tr.Typing(ctx, "c2"); len(got) != 1 {
		t.Fatalf("live indicator swept: %+v", got)
	}
}

func TestNewSweeper_ValidatesCron(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracker(t)
	if _, err := NewSweeper(tr, "not a cron", nil, nil); err == nil {
		t.Fatalf("expected invalid cron error")
	}

	s, err := NewSweeper(tr, "", nil, nil)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	ref := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	next, err := s.Next(ref)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !next.After(ref) || next.Sub(ref) > time.Minute {
		t.Fatalf("Next=%v want within a minute after %v", next, ref)
	}
}
