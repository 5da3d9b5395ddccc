package presence

import (
	"context"
	"testing"
	"time"

	"chatd/cmd/internal/pgdb/pgtest"
)

func TestPostgresStore_TypingAndOnline(t *testing.T) {
	pool, schema := pgtest.Open(t)
	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if err := st.PutTyping(ctx, Indicator{ConversationID: "c1", ParticipantID: "u2", IsTyping: true, ExpiresAt: now.Add(5 * time.Second)}); err != nil {
		t.Fatalf("PutTyping: %v", err)
	}
	if err := st.PutTyping(ctx, Indicator{ConversationID: "c1", ParticipantID: "u1", IsTyping: true, ExpiresAt: now.Add(5 * time.Second)}); err != nil {
		t.Fatalf("PutTyping: %v", err)
	}
	if err := st.PutTyping(ctx, Indicator{ConversationID: "c1", ParticipantID: "u3", IsTyping: true, ExpiresAt: now.Add(-time.Second)}); err != nil {
		t.Fatalf("PutTyping: %v", err)
	}

	got, err := st.ListTyping(ctx, "c1", now)
	if err != nil {
		t.Fatalf("ListTyping: %v", err)
	}
	if len(got) != 2 || got[0].ParticipantID != "u1" || got[1].ParticipantID != "u2" {
		t.Fatalf("ListTyping=%+v want [u1 u2]", got)
	}

	if err := st.DeleteTyping(ctx, "c1", "u1"); err != nil {
		t.Fatalf("DeleteTyping: %v", err)
	}

	if err := st.TouchOnline(ctx, "u1", now.Add(time.Minute)); err != nil {
		t.Fatalf("TouchOnline: %v", err)
	}
	// An older expiry never shortens a newer one.
	if err := st.TouchOnline(ctx, "u1", now.Add(time.Second)); err != nil {
		t.Fatalf("TouchOnline: %v", err)
	}
	online, err := st.Online(ctx, []string{"u1", "u2"}, now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("Online: %v", err)
	}
	if !online["u1"] || online["u2"] {
		t.Fatalf("Online=%v", online)
	}

	n, err := st.Sweep(ctx, now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("Sweep removed=%d want=2 (u2, u3 typing)", n)
	}

	if err := st.MarkOffline(ctx, "u1"); err != nil {
		t.Fatalf("MarkOffline: %v", err)
	}
	online, err = st.Online(ctx, []string{"u1"}, now)
	if err != nil {
		t.Fatalf("Online: %v", err)
	}
	if online["u1"] {
		t.Fatalf("u1 online after MarkOffline")
	}
}
