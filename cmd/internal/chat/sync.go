package chat

import (
	"context"
	"sort"
	"strings"
	"time"

	"chatd/cmd/internal/metrics"
)

// OfflineBatch is one conversation's backlog, oldest first.
type OfflineBatch struct {
	ConversationID string
	Messages       []Message
}

// OfflineSync is a sync read. Checkpoint is the lastSyncTime to send next: every message not
// returned here has CreatedAt after it. Messages near the checkpoint may be returned again.
type OfflineSync struct {
	Batches    []OfflineBatch
	Checkpoint time.Time
}

// GetOfflineMessages returns every message created after lastSyncTime across participantID's
// conversations, grouped per conversation and oldest first. Groups are ordered by their first
// message. Returned messages from other senders are marked delivered for participantID.
func (s *Service) GetOfflineMessages(ctx context.Context, participantID string, lastSyncTime time.Time) (OfflineSync, error) {
	const op = "chat.GetOfflineMessages"

	if err := ctx.Err(); err != nil {
		return OfflineSync{}, err
	}
	if participantID == "" {
		return OfflineSync{}, OpError{Op: op, Kind: ErrAuthentication, Msg: "missing caller identity"}
	}

	// Taken before reading: appends that finish later were either running now or start later.
	checkpoint := s.syncCheckpoint(lastSyncTime)

	convs, err := retry(ctx, s, op, func(ctx context.Context) ([]Conversation, error) {
		return s.store.ListConversations(ctx, participantID)
	})
	if err != nil {
		return OfflineSync{}, err
	}

	// Conversations with nothing newer than the checkpoint need no scan.
	convIDs := make([]string, 0, len(convs))
	byID := make(map[string]Conversation, len(convs))
	for _, c := range convs {
		if c.LastSeq > 0 && c.LastActivityAt.After(lastSyncTime) {
			convIDs = append(convIDs, c.ID)
			byID[c.ID] = c
		}
	}
	if len(convIDs) == 0 {
		return OfflineSync{Batches: []OfflineBatch{}, Checkpoint: checkpoint}, nil
	}

	msgs, err := retry(ctx, s, op, func(ctx context.Context) ([]Message, error) {
		return s.store.MessagesSince(ctx, convIDs, lastSyncTime)
	})
	if err != nil {
		return OfflineSync{}, err
	}

	groups := make(map[string][]Message, len(convIDs))
	for _, m := range msgs {
		if _, ok := byID[m.ConversationID]; !ok {
			continue
		}
		groups[m.ConversationID] = append(groups[m.ConversationID], m)
	}

	out := make([]OfflineBatch, 0, len(groups))
	for convID, list := range groups {
		sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
		out = append(out, OfflineBatch{ConversationID: convID, Messages: list})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Messages[0], out[j].Messages[0]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ConversationID < b.ConversationID
	})

	for i := range out {
		s.markDelivered(ctx, op, byID[out[i].ConversationID], participantID, out[i].Messages)
	}
	return OfflineSync{Batches: out, Checkpoint: checkpoint}, nil
}

// syncCheckpoint is just below the earlier of now and the oldest running append, never before
// lastSyncTime.
func (s *Service) syncCheckpoint(lastSyncTime time.Time) time.Time {
	horizon := s.clock()
	if start, ok := s.inflight.oldest(); ok && start.Before(horizon) {
		horizon = start
	}
	cp := horizon.Add(-time.Nanosecond - s.checkpointLag)
	if cp.Before(lastSyncTime) {
		return lastSyncTime
	}
	return cp
}

// markDelivered advances participantID's receipts on msgs to delivered. Failures only suppress the
// transition, they never fail the sync.
func (s *Service) markDelivered(ctx context.Context, op string, conv Conversation, participantID string, msgs []Message) {
	seqs := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		if m.SenderID != participantID && m.Receipts[participantID] == StatusSent {
			seqs = append(seqs, m.Seq)
		}
	}
	if len(seqs) == 0 {
		return
	}

	changed, err := retry(ctx, s, op, func(ctx context.Context) ([]int64, error) {
		return s.store.AdvanceReceipts(ctx, AdvanceReceiptsInput{
			ConversationID: conv.ID,
			ParticipantID:  participantID,
			Seqs:           seqs,
			Status:         StatusDelivered,
		})
	})
	if err != nil {
		s.log.Warn("chat.sync.mark_delivered.fail", "conversation_id", conv.ID, "participant_id", participantID, "err", err)
		return
	}
	if len(changed) == 0 {
		return
	}
	s.metrics.ReceiptTransitions(string(StatusDelivered), len(changed))

	done := make(map[int64]struct{}, len(changed))
	for _, seq := range changed {
		done[seq] = struct{}{}
	}
	bySender := make(map[string][]string)
	for i := range msgs {
		if _, ok := done[msgs[i].Seq]; !ok {
			continue
		}
		msgs[i].Receipts[participantID] = StatusDelivered
		bySender[msgs[i].SenderID] = append(bySender[msgs[i].SenderID], msgs[i].ID)
	}
	for sender, ids := range bySender {
		s.publish(Event{
			Type:           EventMessageStatus,
			ConversationID: conv.ID,
			Recipients:     []string{sender},
			Status:         &StatusChange{ParticipantID: participantID, MessageIDs: ids, Status: StatusDelivered},
		})
	}
}

// SyncItem is one message composed while offline.
type SyncItem struct {
	ConversationID  string
	Body            Body
	ReplyTo         string
	ClientMessageID string
}

// SyncedMessage is the canonical message for one SyncItem.
type SyncedMessage struct {
	Message    Message
	Duplicated bool
}

// SyncOfflineMessages appends a batch of offline-composed messages through the live write path.
// The whole batch is validated (membership, bodies, reply targets) before anything is written.
// Items whose ClientMessageID already exists resolve to the stored message. Results keep input order.
func (s *Service) SyncOfflineMessages(ctx context.Context, sender Caller, items []SyncItem) ([]SyncedMessage, error) {
	const op = "chat.SyncOfflineMessages"

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := requireCaller(op, sender); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []SyncedMessage{}, nil
	}
	if len(items) > MaxSyncBatch {
		return nil, invalid(op, "sync batch too large")
	}

	convs := make(map[string]Conversation)
	inputs := make([]SendMessageInput, 0, len(items))
	for _, it := range items {
		convID := strings.TrimSpace(it.ConversationID)
		conv, ok := convs[convID]
		if !ok {
			var err error
			conv, err = s.member(ctx, op, convID, sender.ID)
			if err != nil {
				return nil, err
			}
			convs[convID] = conv
		}

		in := SendMessageInput{
			Sender:          sender,
			ConversationID:  conv.ID,
			Body:            it.Body,
			ReplyTo:         strings.TrimSpace(it.ReplyTo),
			ClientMessageID: strings.TrimSpace(it.ClientMessageID),
		}
		if err := s.checkSend(ctx, op, conv, in); err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
	}

	out := make([]SyncedMessage, 0, len(inputs))
	for _, in := range inputs {
		res, err := s.appendMessage(ctx, op, convs[in.ConversationID], in, metrics.SourceSync)
		if err != nil {
			return nil, err
		}
		out = append(out, SyncedMessage{Message: res.Message, Duplicated: res.Duplicated})
	}

	s.log.Info("chat.sync.apply", "sender_id", sender.ID, "items", len(items), "conversations", len(convs))
	return out, nil
}
