package chatstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"chatd/cmd/internal/chat"
	"chatd/cmd/internal/ids"
)

// runStoreConformance exercises the chat.Store contract against a fresh store per subtest.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) chat.Store) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s chat.Store)
	}{
		{"CreateGetList", testCreateGetList},
		{"DirectPairIsUnique", testDirectPairIsUnique},
		{"AppendAssignsGapFreeSeq", testAppendAssignsGapFreeSeq},
		{"ConcurrentAppendsAreGapFree", testConcurrentAppends},
		{"ClientMessageIDDedupe", testClientMessageIDDedupe},
		{"ListMessagesWindows", testListMessagesWindows},
		{"MessagesSince", testMessagesSince},
		{"EditAndTombstone", testEditAndTombstone},
		{"ReceiptsOnlyAdvance", testReceiptsOnlyAdvance},
		{"LastReadOnlyAdvances", testLastReadOnlyAdvances},
		{"Activity", testActivity},
		{"NotFound", testNotFound},
		{"CreatedAtNeverDecreases", testCreatedAtNeverDecreases},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustCreate(t *testing.T, s chat.Store, kind chat.ConversationKind, now time.Time, pids ...string) chat.Conversation {
	t.Helper()

	parts := make([]chat.Participant, 0, len(pids))
	for _, p := range pids {
		parts = append(parts, chat.Participant{ID: p, Type: chat.ParticipantCustomer})
	}
	rec := chat.CreateConversationRecord{
		ID:           ids.MustULID(now),
		Kind:         kind,
		Participants: parts,
		Metadata:     map[string]string{"order_id": "o-1"},
		Now:          now,
	}
	if kind == chat.KindDirect {
		rec.DirectKey = chat.DirectKey(pids[0], pids[1])
	}
	conv, created, err := s.CreateConversation(testCtx(t), rec)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if !created {
		t.Fatalf("CreateConversation: created=false for a new conversation")
	}
	return conv
}

func at(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func mustAppend(t *testing.T, s chat.Store, convID, sender, text, clientID string, now time.Time) chat.AppendMessageResult {
	t.Helper()

	res, err := s.AppendMessage(testCtx(t), chat.AppendMessageInput{
		ConversationID:  convID,
		SenderID:        sender,
		SenderType:      chat.ParticipantCustomer,
		Body:            chat.TextBody(text),
		ClientMessageID: clientID,
		Clock:           at(now),
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return res
}

func testCreateGetList(t *testing.T, s chat.Store) {
	ctx := testCtx(t)

	a := mustCreate(t, s, chat.KindSupport, t0, "u1", "u2")
	b := mustCreate(t, s, chat.KindSupport, t0.Add(time.Second), "u1", "u3")
	_ = mustCreate(t, s, chat.KindSupport, t0, "u2", "u3")

	got, err := s.GetConversation(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.ID != a.ID || got.Kind != chat.KindSupport || len(got.Participants) != 2 {
		t.Fatalf("GetConversation=%+v", got)
	}
	if got.Participants[0].ID != "u1" || got.Participants[1].ID != "u2" {
		t.Fatalf("participant order not preserved: %+v", got.Participants)
	}
	if got.Metadata["order_id"] != "o-1" {
		t.Fatalf("metadata=%v", got.Metadata)
	}
	if !got.CreatedAt.Equal(t0) || got.LastSeq != 0 {
		t.Fatalf("CreatedAt=%v LastSeq=%d", got.CreatedAt, got.LastSeq)
	}

	// Activity on a makes it the most recent.
	mustAppend(t, s, a.ID, "u2", "hello", "", t0.Add(time.Minute))

	list, err := s.ListConversations(ctx, "u1")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListConversations len=%d want=2", len(list))
	}
	if list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("ListConversations order=[%s %s] want=[%s %s]", list[0].ID, list[1].ID, a.ID, b.ID)
	}
	if list[0].LastSeq != 1 {
		t.Fatalf("LastSeq=%d want=1", list[0].LastSeq)
	}

	none, err := s.ListConversations(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListConversations(nobody): %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("ListConversations(nobody)=%d want=0", len(none))
	}
}

func testDirectPairIsUnique(t *testing.T, s chat.Store) {
	ctx := testCtx(t)

	first := mustCreate(t, s, chat.KindDirect, t0, "u1", "u2")

	again, created, err := s.CreateConversation(ctx, chat.CreateConversationRecord{
		ID:           ids.MustULID(t0.Add(time.Second)),
		Kind:         chat.KindDirect,
		DirectKey:    chat.DirectKey("u2", "u1"),
		Participants: []chat.Participant{{ID: "u2", Type: chat.ParticipantPartner}, {ID: "u1", Type: chat.ParticipantCustomer}},
		Now:          t0.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if created {
		t.Fatalf("expected existing direct conversation")
	}
	if again.ID != first.ID {
		t.Fatalf("direct id=%s want=%s", again.ID, first.ID)
	}
}

func testAppendAssignsGapFreeSeq(t *testing.T, s chat.Store) {
	conv := mustCreate(t, s, chat.KindSupport, t0, "u1", "u2", "u3")

	for i := 1; i <= 5; i++ {
		res := mustAppend(t, s, conv.ID, "u1", fmt.Sprintf("m%d", i), "", t0.Add(time.Duration(i)*time.Second))
		m := res.Message
		if m.Seq != int64(i) {
			t.Fatalf("seq=%d want=%d", m.Seq, i)
		}
		if m.ID != chat.FormatMessageID(conv.ID, int64(i)) {
			t.Fatalf("id=%q", m.ID)
		}
		if len(m.Receipts) != 2 || m.Receipts["u2"] != chat.StatusSent || m.Receipts["u3"] != chat.StatusSent {
			t.Fatalf("receipts=%v want sent for u2,u3", m.Receipts)
		}
		if _, own := m.Receipts["u1"]; own {
			t.Fatalf("sender must not have a receipt")
		}
	}

	got, err := s.GetMessage(testCtx(t), conv.ID, 3)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Body.Text != "m3" || got.Body.Kind != chat.BodyText || got.SenderID != "u1" {
		t.Fatalf("GetMessage=%+v", got)
	}
}

func testConcurrentAppends(t *testing.T, s chat.Store) {
	conv := mustCreate(t, s, chat.KindSupport, t0, "u1", "u2")
	const n = 40

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs []int64
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "u1"
			if i%2 == 1 {
				sender = "u2"
			}
			res, err := s.AppendMessage(context.Background(), chat.AppendMessageInput{
				ConversationID: conv.ID,
				SenderID:       sender,
				SenderType:     chat.ParticipantCustomer,
				Body:           chat.TextBody(fmt.Sprintf("c%d", i)),
				Clock:          at(t0.Add(time.Duration(i%7) * time.Millisecond)),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			seqs = append(seqs, res.Message.Seq)
		}(i)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("append errors: %v", errs[0])
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("seqs not gap-free: position %d has %d", i, seq)
		}
	}

	res, err := s.ListMessages(testCtx(t), chat.ListMessagesInput{ConversationID: conv.ID, Limit: n})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	for i := 1; i < len(res.Messages); i++ {
		newer, older := res.Messages[i-1], res.Messages[i]
		if newer.CreatedAt.Before(older.CreatedAt) {
			t.Fatalf("createdAt decreased along seq: %d@%v before %d@%v", older.Seq, older.CreatedAt, newer.Seq, newer.CreatedAt)
		}
	}
}

func testClientMessageIDDedupe(t *testing.T, s chat.Store) {
	conv := mustCreate(t, s, chat.KindSupport, t0, "u1", "u2")

	first := mustAppend(t, s, conv.ID, "u1", "draft", "client-a", t0)
	if first.Duplicated {
		t.Fatalf("first append marked duplicated")
	}
	again := mustAppend(t, s, conv.ID, "u1", "draft (retry)", "client-a", t0.Add(time.Second))
	if !again.Duplicated {
		t.Fatalf("retry not marked duplicated")
	}
	if again.Message.ID != first.Message.ID || again.Message.Body.Text != "draft" {
		t.Fatalf("retry returned %+v want original %+v", again.Message, first.Message)
	}

	next := mustAppend(t, s, conv.ID, "u1", "next", "client-b", t0.Add(2*time.Second))
	if next.Message.Seq != 2 {
		t.Fatalf("duplicate consumed a seq: next seq=%d want=2", next.Message.Seq)
	}

	// Client ids are scoped per sender: another participant reusing one gets its own message.
	theirs := mustAppend(t, s, conv.ID, "u2", "mine", "client-a", t0.Add(3*time.Second))
	if theirs.Duplicated || theirs.Message.Seq != 3 || theirs.Message.SenderID != "u2" {
		t.Fatalf("client id shared across senders: %+v", theirs)
	}
	if again := mustAppend(t, s, conv.ID, "u2", "mine (retry)", "client-a", t0.Add(4*time.Second)); !again.Duplicated || again.Message.Seq != 3 {
		t.Fatalf("second sender retry=%+v want duplicate of seq 3", again)
	}

	// Client ids are scoped per conversation.
	other := mustCreate(t, s, chat.KindSupport, t0, "u1", "u3")
	res := mustAppend(t, s, other.ID, "u1", "elsewhere", "client-a", t0)
	if res.Duplicated || res.Message.Seq != 1 {
		t.Fatalf("client id leaked across conversations: %+v", res)
	}
}

func testListMessagesWindows(t *testing.T, s chat.Store) {
	ctx := testCtx(t)
	conv := mustCreate(t, s, chat.KindSupport, t0, "u1", "u2")
	for i := 1; i <= 7; i++ {
		mustAppend(t, s, conv.ID, "u1", fmt.Sprintf("m%d", i), "", t0.Add(time.Duration(i)*time.Second))
	}

	seqsOf := func(ms []chat.Message) []int64 {
		out := make([]int64, 0, len(ms))
		for _, m := range ms {
			out = append(out, m.Seq)
		}
		return out
	}

	cases := []struct {
		name    string
		in      chat.ListMessagesInput
		want    []int64
		hasMore bool
	}{
		{"first page", chat.ListMessagesInput{Limit: 3}, []int64{7, 6, 5}, true},
		{"second page", chat.ListMessagesInput{Limit: 3, Offset: 3}, []int64{4, 3, 2}, true},
		{"last page", chat.ListMessagesInput{Limit: 3, Offset: 6}, []int64{1}, false},
		{"past the end", chat.ListMessagesInput{Limit: 3, Offset: 9}, []int64{}, false},
		{"before cursor", chat.ListMessagesInput{Limit: 2, BeforeSeq: 4}, []int64{3, 2}, true},
		{"before cursor to start", chat.ListMessagesInput{Limit: 5, BeforeSeq: 3}, []int64{2, 1}, false},
		{"exact fit", chat.ListMessagesInput{Limit: 7}, []int64{7, 6, 5, 4, 3, 2, 1}, false},
	}
	for _, tc := range cases {
		in := tc.in
		in.ConversationID = conv.ID
		res, err := s.ListMessages(ctx, in)
		if err != nil {
			t.Fatalf("%s: ListMessages: %v", tc.name, err)
		}
		got := seqsOf(res.Messages)
		if fmt.Sprint(got) != fmt.Sprint(tc.want) || res.HasMore != tc.hasMore {
			t.Fatalf("%s: got=%v hasMore=%v want=%v hasMore=%v", tc.name, got, res.HasMore, tc.want, tc.hasMore)
		}
	}

	// Tombstones keep their slot.
	if _, _, err := s.TombstoneMessage(ctx, conv.ID, 6, t0.Add(time.Hour)); err != nil {
		t.Fatalf("TombstoneMessage: %v", err)
	}
	res, err := s.ListMessages(ctx, chat.ListMessagesInput{ConversationID: conv.ID, Limit: 3})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if got := seqsOf(res.Messages); fmt.Sprint(got) != "[7 6 5]" || !res.Messages[1].Deleted() {
		t.Fatalf("tombstone window=%v", got)
	}
}

func testMessagesSince(t *testing.T, s chat.Store) {
	ctx := testCtx(t)
	a := mustCreate(t, s, chat.KindSupport, t0, "u1", "u2")
	b := mustCreate(t, s, chat.KindSupport, t0, "u1", "u3")

	mustAppend(t, s, a.ID, "u1", "old", "", t0.Add(1*time.Second))
	mustAppend(t, s, a.ID, "u1", "new-1", "", t0.Add(10*time.Second))
	mustAppend(t, s, a.ID, "u1", "new-2", "", t0.Add(11*time.Second))
	mustAppend(t, s, b.ID, "u3", "b-old", "", t0.Add(2*time.Second))

	got, err := s.MessagesSince(ctx, []string{a.ID, b.ID}, t0.Add(5*time.Second))
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(got) != 2 || got[0].Body.Text != "new-1" || got[1].Body.Text != "new-2" {
		t.Fatalf("MessagesSince=%+v", got)
	}

	// Strictly after: a checkpoint equal to a createdAt excludes it.
	got, err = s.MessagesSince(ctx, []string{a.ID}, t0.Add(10*time.Second))
	if err != nil {
		t.Fatalf("MessagesSince: %v", err)
	}
	if len(got) != 1 || got[0].Seq != 3 {
		t.Fatalf("MessagesSince(equal)=%+v", got)
	}
}

func testEditAndTombstone(t *testing.T, s chat.Store) {
	ctx := testCtx(t)
	conv := mustCreate(t, s, chat.KindSupport, t0, "u1", "u2")
	mustAppend(t, s, conv.ID, "u1", "typo", "", t0)

	edited, err := s.EditMessage(ctx, chat.EditMessageInput{ConversationID: conv.ID, Seq: 1, Text: "fixed", Now: t0.Add(time.Minute)})
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if edited.Body.Text != "fixed" || edited.PreviousText != "typo" || edited.EditedAt == nil || !edited.EditedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("edited=%+v", edited)
	}

	deleted, changed, err := s.TombstoneMessage(ctx, conv.ID, 1, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("TombstoneMessage: %v", err)
	}
	if !changed || !deleted.Deleted() || deleted.Body.Kind != chat.BodyTombstone || deleted.Body.Text != "" || deleted.PreviousText != "" {
		t.Fatalf("deleted=%+v changed=%v", deleted, changed)
	}
	if deleted.Seq != 1 || deleted.ID != chat.FormatMessageID(conv.ID, 1) {
		t.Fatalf("tombstone lost its slot: %+v", deleted)
	}

	_, changed, err = s.TombstoneMessage(ctx, conv.ID, 1, t0.Add(3*time.Minute))
	if err != nil || changed {
		t.Fatalf("second tombstone changed=%v err=%v", changed, err)
	}

	_, err = s.EditMessage(ctx, chat.EditMessageInput{ConversationID: conv.ID, Seq: 1, Text: "again", Now: t0.Add(4 * time.Minute)})
	if !chat.IsNotFound(err) {
		t.Fatalf("edit of tombstone err=%v want not found", err)
	}
}

func testReceiptsOnlyAdvance(t *testing.T, s chat.Store) {
	ctx := testCtx(t)
	conv := mustCreate(t, s, chat.KindSupport, t0, "u1", "u2")
	mustAppend(t, s, conv.ID, "u1", "a", "", t0)
	mustAppend(t, s, conv.ID, "u1", "b", "", t0)
	mustAppend(t, s, conv.ID, "u2", "own", "", t0)

	changed, err := s.AdvanceReceipts(ctx, chat.AdvanceReceiptsInput{
		ConversationID: conv.ID, ParticipantID: "u2", Seqs: []int64{1, 2, 3, 99}, Status: chat.StatusRead,
	})
	if err != nil {
		t.Fatalf("AdvanceReceipts: %v", err)
	}
	if fmt.Sprint(changed) != "[1 2]" {
		t.Fatalf("changed=%v want=[1 2]", changed)
	}

	changed, err = s.AdvanceReceipts(ctx, chat.AdvanceReceiptsInput{
		ConversationID: conv.ID, ParticipantID: "u2", Seqs: []int64{1}, Status: chat.StatusDelivered,
	})
	if err != nil {
		t.Fatalf("AdvanceReceipts: %v", err)
	}
	if len(changed) != 0 {
		t.Fatalf("regression applied: %v", changed)
	}

	m, err := s.GetMessage(ctx, conv.ID, 1)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if m.Receipts["u2"] != chat.StatusRead {
		t.Fatalf("receipt=%q want=read", m.Receipts["u2"])
	}
}

func testLastReadOnlyAdvances(t *testing.T, s chat.Store) {
	ctx := testCtx(t)
	conv := mustCreate(t, s, chat.KindSupport, t0, "u1", "u2")
	for i := 0; i < 3; i++ {
		mustAppend(t, s, conv.ID, "u1", "x", "", t0)
	}

	steps := []struct {
		seq  int64
		want int64
	}{
		{2, 2},
		{1, 2},
		{3, 3},
		{50, 3},
	}
	for _, st := range steps {
		got, err := s.AdvanceLastRead(ctx, conv.ID, "u2", st.seq)
		if err != nil {
			t.Fatalf("AdvanceLastRead(%d): %v", st.seq, err)
		}
		if got != st.want {
			t.Fatalf("AdvanceLastRead(%d)=%d want=%d", st.seq, got, st.want)
		}
	}

	c, err := s.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if c.LastRead["u2"] != 3 || c.LastReadMessageID("u2") != chat.FormatMessageID(conv.ID, 3) {
		t.Fatalf("LastRead=%v", c.LastRead)
	}

	if _, err := s.AdvanceLastRead(ctx, conv.ID, "stranger", 1); !chat.IsNotFound(err) {
		t.Fatalf("AdvanceLastRead(stranger) err=%v want not found", err)
	}
}

func testActivity(t *testing.T, s chat.Store) {
	ctx := testCtx(t)
	conv := mustCreate(t, s, chat.KindSupport, t0, "u1", "u2")
	mustAppend(t, s, conv.ID, "u1", "1", "", t0.Add(1*time.Second))
	mustAppend(t, s, conv.ID, "u2", "2", "", t0.Add(2*time.Second))
	mustAppend(t, s, conv.ID, "u1", "3", "", t0.Add(3*time.Second))
	mustAppend(t, s, conv.ID, "u1", "4", "", t0.Add(4*time.Second))
	if _, _, err := s.TombstoneMessage(ctx, conv.ID, 4, t0.Add(time.Minute)); err != nil {
		t.Fatalf("TombstoneMessage: %v", err)
	}

	// The tombstone is counted in neither total nor unread.
	act, err := s.Activity(ctx, conv.ID, "u2")
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if act.TotalMessages != 3 || act.UnreadCount != 2 || !act.LastActivityAt.Equal(t0.Add(4*time.Second)) {
		t.Fatalf("Activity=%+v", act)
	}

	if _, err := s.AdvanceLastRead(ctx, conv.ID, "u2", 3); err != nil {
		t.Fatalf("AdvanceLastRead: %v", err)
	}
	act, err = s.Activity(ctx, conv.ID, "u2")
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	if act.UnreadCount != 0 {
		t.Fatalf("UnreadCount=%d want=0", act.UnreadCount)
	}
}

func testNotFound(t *testing.T, s chat.Store) {
	ctx := testCtx(t)
	missing := ids.MustULID(t0)

	if _, err := s.GetConversation(ctx, missing); !chat.IsNotFound(err) {
		t.Fatalf("GetConversation err=%v", err)
	}
	if _, err := s.AppendMessage(ctx, chat.AppendMessageInput{
		ConversationID: missing, SenderID: "u1", Body: chat.TextBody("x"), Clock: at(t0),
	}); !chat.IsNotFound(err) {
		t.Fatalf("AppendMessage err=%v", err)
	}
	if _, err := s.ListMessages(ctx, chat.ListMessagesInput{ConversationID: missing}); !chat.IsNotFound(err) {
		t.Fatalf("ListMessages err=%v", err)
	}

	conv := mustCreate(t, s, chat.KindSupport, t0, "u1", "u2")
	if _, err := s.GetMessage(ctx, conv.ID, 1); !chat.IsNotFound(err) {
		t.Fatalf("GetMessage err=%v", err)
	}
	if _, _, err := s.TombstoneMessage(ctx, conv.ID, 1, t0); !chat.IsNotFound(err) {
		t.Fatalf("TombstoneMessage err=%v", err)
	}
}

func testCreatedAtNeverDecreases(t *testing.T, s chat.Store) {
	conv := mustCreate(t, s, chat.KindSupport, t0, "u1", "u2")

	a := mustAppend(t, s, conv.ID, "u1", "later clock", "", t0.Add(time.Minute))
	b := mustAppend(t, s, conv.ID, "u2", "skewed clock", "", t0)
	if b.Message.CreatedAt.Before(a.Message.CreatedAt) {
		t.Fatalf("createdAt went backwards: %v then %v", a.Message.CreatedAt, b.Message.CreatedAt)
	}
	if b.Message.Seq != a.Message.Seq+1 {
		t.Fatalf("seq=%d want=%d", b.Message.Seq, a.Message.Seq+1)
	}
}
