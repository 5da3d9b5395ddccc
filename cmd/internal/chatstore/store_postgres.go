package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatd/cmd/internal/chat"
	"chatd/cmd/internal/pgdb"
)

// PostgresStore is a chat.Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Appends lock the conversation row (SELECT ... FOR UPDATE) and allocate seq from
//     conversations.next_seq inside the same transaction, so seqs are gap-free and strictly
//     increasing and duplicates never consume a slot.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chat").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema, err := pgdb.CheckSchema(schema)
		if err != nil {
			return err
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: pgdb.DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chatstore: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) t(table string) string { return pgdb.Ident(s.schema, table) }

func (s *PostgresStore) CreateConversation(ctx context.Context, in chat.CreateConversationRecord) (chat.Conversation, bool, error) {
	const op = "chatstore.postgres.CreateConversation"

	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, false, err
	}
	md, err := json.Marshal(nonNilMetadata(in.Metadata))
	if err != nil {
		return chat.Conversation{}, false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return chat.Conversation{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	err = tx.QueryRow(ctx,
		`INSERT INTO `+s.t("conversations")+` (id, kind, direct_key, metadata, created_at, updated_at, last_activity_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $5, $5)
		 ON CONFLICT (direct_key) DO NOTHING
		 RETURNING id`,
		in.ID, string(in.Kind), nullable(in.DirectKey), string(md), in.Now,
	).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		// Lost the race (or the pair already talks): hand back the existing direct conversation.
		if err := tx.QueryRow(ctx,
			`SELECT id FROM `+s.t("conversations")+` WHERE direct_key = $1`, in.DirectKey,
		).Scan(&id); err != nil {
			return chat.Conversation{}, false, fmt.Errorf("%s: lookup direct: %w", op, err)
		}
		conv, err := s.loadConversation(ctx, tx, op, id)
		if err != nil {
			return chat.Conversation{}, false, err
		}
		return conv, false, tx.Commit(ctx)
	}
	if err != nil {
		return chat.Conversation{}, false, fmt.Errorf("%s: insert: %w", op, err)
	}

	for i, p := range in.Participants {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.t("conversation_participants")+` (conversation_id, participant_id, participant_type, position)
			 VALUES ($1, $2, $3, $4)`,
			in.ID, p.ID, string(p.Type), i,
		); err != nil {
			return chat.Conversation{}, false, fmt.Errorf("%s: insert participant: %w", op, err)
		}
	}

	conv, err := s.loadConversation(ctx, tx, op, in.ID)
	if err != nil {
		return chat.Conversation{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return chat.Conversation{}, false, err
	}
	return conv, true, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}
	return s.loadConversation(ctx, s.pool, "chatstore.postgres.GetConversation", id)
}

func (s *PostgresStore) ListConversations(ctx context.Context, participantID string) ([]chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.kind, c.metadata::text, c.next_seq - 1, c.created_at, c.updated_at, c.last_activity_at
		   FROM `+s.t("conversations")+` c
		   JOIN `+s.t("conversation_participants")+` p ON p.conversation_id = c.id
		  WHERE p.participant_id = $1
		  ORDER BY c.last_activity_at DESC, c.id DESC`,
		participantID,
	)
	if err != nil {
		return nil, err
	}
	convs, err := pgx.CollectRows(rows, scanConversationRow)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return []chat.Conversation{}, nil
	}

	ids := make([]string, 0, len(convs))
	idx := make(map[string]int, len(convs))
	for i, c := range convs {
		ids = append(ids, c.ID)
		idx[c.ID] = i
	}
	if err := s.loadParticipants(ctx, s.pool, ids, func(convID string, p chat.Participant, lastRead int64) {
		c := &convs[idx[convID]]
		c.Participants = append(c.Participants, p)
		c.LastRead[p.ID] = lastRead
	}); err != nil {
		return nil, err
	}
	return convs, nil
}

func (s *PostgresStore) AdvanceLastRead(ctx context.Context, conversationID, participantID string, seq int64) (int64, error) {
	const op = "chatstore.postgres.AdvanceLastRead"

	var out int64
	err := s.pool.QueryRow(ctx,
		`UPDATE `+s.t("conversation_participants")+` p
		    SET last_read_seq = GREATEST(p.last_read_seq,
		        LEAST($3, (SELECT c.next_seq - 1 FROM `+s.t("conversations")+` c WHERE c.id = $1)))
		  WHERE p.conversation_id = $1 AND p.participant_id = $2
		RETURNING p.last_read_seq`,
		conversationID, participantID, seq,
	).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, chat.NotFoundError{Op: op, Resource: "participant"}
	}
	return out, err
}

func (s *PostgresStore) AppendMessage(ctx context.Context, in chat.AppendMessageInput) (chat.AppendMessageResult, error) {
	const op = "chatstore.postgres.AppendMessage"

	if err := ctx.Err(); err != nil {
		return chat.AppendMessageResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return chat.AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize all appends on this conversation.
	var (
		nextSeq     int64
		lastCreated *time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT next_seq, last_created_at FROM `+s.t("conversations")+` WHERE id = $1 FOR UPDATE`,
		in.ConversationID,
	).Scan(&nextSeq, &lastCreated)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.AppendMessageResult{}, chat.NotFoundError{Op: op, Resource: "conversation"}
	}
	if err != nil {
		return chat.AppendMessageResult{}, fmt.Errorf("%s: lock: %w", op, err)
	}

	if in.ClientMessageID != "" {
		existing, err := s.messageByClientID(ctx, tx, in.ConversationID, in.SenderID, in.ClientMessageID)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return chat.AppendMessageResult{}, err
			}
			return chat.AppendMessageResult{Message: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return chat.AppendMessageResult{}, err
		}
	}

	conv, err := s.loadConversation(ctx, tx, op, in.ConversationID)
	if err != nil {
		return chat.AppendMessageResult{}, err
	}

	var last time.Time
	if lastCreated != nil {
		last = *lastCreated
	}
	msg := newMessage(conv, in, nextSeq, createdAt(in.Clock, last))

	media, err := encodeMedia(msg.Body.Media)
	if err != nil {
		return chat.AppendMessageResult{}, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("messages")+` (
		     conversation_id, seq, sender_id, sender_type, body_kind, body_text, media, reply_to, client_message_id, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10)`,
		msg.ConversationID, msg.Seq, msg.SenderID, string(msg.SenderType), string(msg.Body.Kind), msg.Body.Text,
		media, msg.ReplyTo, nullable(msg.ClientMessageID), msg.CreatedAt,
	); err != nil {
		return chat.AppendMessageResult{}, fmt.Errorf("%s: insert message: %w", op, err)
	}

	if len(msg.Receipts) > 0 {
		recipients := make([]string, 0, len(msg.Receipts))
		for pid := range msg.Receipts {
			recipients = append(recipients, pid)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.t("message_receipts")+` (conversation_id, seq, participant_id, status)
			 SELECT $1, $2, r, 'sent' FROM unnest($3::text[]) AS r`,
			msg.ConversationID, msg.Seq, recipients,
		); err != nil {
			return chat.AppendMessageResult{}, fmt.Errorf("%s: insert receipts: %w", op, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.t("conversations")+`
		    SET next_seq = next_seq + 1,
		        last_created_at = $2,
		        last_activity_at = $2,
		        updated_at = $2
		  WHERE id = $1`,
		msg.ConversationID, msg.CreatedAt,
	); err != nil {
		return chat.AppendMessageResult{}, fmt.Errorf("%s: advance cursor: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return chat.AppendMessageResult{}, err
	}
	return chat.AppendMessageResult{Message: msg}, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, conversationID string, seq int64) (chat.Message, error) {
	const op = "chatstore.postgres.GetMessage"

	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM `+s.t("messages")+` WHERE conversation_id = $1 AND seq = $2`,
		conversationID, seq,
	)
	if err != nil {
		return chat.Message{}, err
	}
	msgs, err := pgx.CollectRows(rows, scanMessageRow)
	if err != nil {
		return chat.Message{}, err
	}
	if len(msgs) == 0 {
		return chat.Message{}, chat.NotFoundError{Op: op, Resource: "message"}
	}
	if err := s.attachReceipts(ctx, s.pool, conversationID, msgs); err != nil {
		return chat.Message{}, err
	}
	return msgs[0], nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, in chat.ListMessagesInput) (chat.ListMessagesResult, error) {
	const op = "chatstore.postgres.ListMessages"

	if err := ctx.Err(); err != nil {
		return chat.ListMessagesResult{}, err
	}

	var lastSeq int64
	err := s.pool.QueryRow(ctx,
		`SELECT next_seq - 1 FROM `+s.t("conversations")+` WHERE id = $1`, in.ConversationID,
	).Scan(&lastSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.ListMessagesResult{}, chat.NotFoundError{Op: op, Resource: "conversation"}
	}
	if err != nil {
		return chat.ListMessagesResult{}, err
	}

	top, limit := pageWindow(lastSeq, in)
	if top < 1 {
		return chat.ListMessagesResult{Messages: []chat.Message{}}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+s.t("messages")+`
		  WHERE conversation_id = $1 AND seq <= $2
		  ORDER BY seq DESC
		  LIMIT $3`,
		in.ConversationID, top, limit+1,
	)
	if err != nil {
		return chat.ListMessagesResult{}, err
	}
	msgs, err := pgx.CollectRows(rows, scanMessageRow)
	if err != nil {
		return chat.ListMessagesResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	if err := s.attachReceipts(ctx, s.pool, in.ConversationID, msgs); err != nil {
		return chat.ListMessagesResult{}, err
	}
	return chat.ListMessagesResult{Messages: msgs, HasMore: hasMore}, nil
}

func (s *PostgresStore) MessagesSince(ctx context.Context, conversationIDs []string, since time.Time) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []chat.Message
	for _, id := range conversationIDs {
		rows, err := s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+s.t("messages")+`
			  WHERE conversation_id = $1 AND created_at > $2
			  ORDER BY seq ASC`,
			id, since,
		)
		if err != nil {
			return nil, err
		}
		msgs, err := pgx.CollectRows(rows, scanMessageRow)
		if err != nil {
			return nil, err
		}
		if err := s.attachReceipts(ctx, s.pool, id, msgs); err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

func (s *PostgresStore) EditMessage(ctx context.Context, in chat.EditMessageInput) (chat.Message, error) {
	const op = "chatstore.postgres.EditMessage"

	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE `+s.t("messages")+`
		    SET previous_text = body_text,
		        body_text = $3,
		        edited_at = $4
		  WHERE conversation_id = $1 AND seq = $2 AND deleted_at IS NULL
		RETURNING `+messageColumns,
		in.ConversationID, in.Seq, in.Text, in.Now,
	)
	if err != nil {
		return chat.Message{}, err
	}
	msgs, err := pgx.CollectRows(rows, scanMessageRow)
	if err != nil {
		return chat.Message{}, err
	}
	if len(msgs) == 0 {
		return chat.Message{}, chat.NotFoundError{Op: op, Resource: "message"}
	}
	if err := s.attachReceipts(ctx, s.pool, in.ConversationID, msgs); err != nil {
		return chat.Message{}, err
	}
	return msgs[0], nil
}

func (s *PostgresStore) TombstoneMessage(ctx context.Context, conversationID string, seq int64, now time.Time) (chat.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, false, err
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE `+s.t("messages")+`
		    SET body_kind = 'tombstone',
		        body_text = '',
		        media = NULL,
		        previous_text = '',
		        deleted_at = $3
		  WHERE conversation_id = $1 AND seq = $2 AND deleted_at IS NULL
		RETURNING `+messageColumns,
		conversationID, seq, now,
	)
	if err != nil {
		return chat.Message{}, false, err
	}
	msgs, err := pgx.CollectRows(rows, scanMessageRow)
	if err != nil {
		return chat.Message{}, false, err
	}
	if len(msgs) == 0 {
		// Already a tombstone, or missing.
		m, err := s.GetMessage(ctx, conversationID, seq)
		return m, false, err
	}
	if err := s.attachReceipts(ctx, s.pool, conversationID, msgs); err != nil {
		return chat.Message{}, false, err
	}
	return msgs[0], true, nil
}

func (s *PostgresStore) AdvanceReceipts(ctx context.Context, in chat.AdvanceReceiptsInput) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(in.Seqs) == 0 {
		return []int64{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`UPDATE `+s.t("message_receipts")+`
		    SET status = $4
		  WHERE conversation_id = $1
		    AND participant_id = $2
		    AND seq = ANY($3)
		    AND (CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END) < $5
		RETURNING seq`,
		in.ConversationID, in.ParticipantID, in.Seqs, string(in.Status), in.Status.Rank(),
	)
	if err != nil {
		return nil, err
	}
	changed, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	return changed, nil
}

func (s *PostgresStore) Activity(ctx context.Context, conversationID, participantID string) (chat.Activity, error) {
	const op = "chatstore.postgres.Activity"

	if err := ctx.Err(); err != nil {
		return chat.Activity{}, err
	}

	var out chat.Activity
	err := s.pool.QueryRow(ctx,
		`SELECT last_activity_at FROM `+s.t("conversations")+` WHERE id = $1`,
		conversationID,
	).Scan(&out.LastActivityAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Activity{}, chat.NotFoundError{Op: op, Resource: "conversation"}
	}
	if err != nil {
		return chat.Activity{}, err
	}
	out.LastActivityAt = out.LastActivityAt.UTC()

	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE m.deleted_at IS NULL),
		        count(*) FILTER (WHERE m.deleted_at IS NULL
		                           AND m.sender_id <> $2
		                           AND m.seq > coalesce(p.last_read_seq, 0))
		   FROM `+s.t("messages")+` m
		   LEFT JOIN `+s.t("conversation_participants")+` p
		          ON p.conversation_id = m.conversation_id AND p.participant_id = $2
		  WHERE m.conversation_id = $1`,
		conversationID, participantID,
	).Scan(&out.TotalMessages, &out.UnreadCount)
	if err != nil {
		return chat.Activity{}, err
	}
	return out, nil
}

// ---- helpers ----

const messageColumns = `conversation_id, seq, sender_id, sender_type, body_kind, body_text, media::text,
	previous_text, reply_to, coalesce(client_message_id, ''), created_at, edited_at, deleted_at`

func scanMessageRow(row pgx.CollectableRow) (chat.Message, error) {
	var (
		m          chat.Message
		senderType string
		kind       string
		media      *string
	)
	if err := row.Scan(
		&m.ConversationID,
		&m.Seq,
		&m.SenderID,
		&senderType,
		&kind,
		&m.Body.Text,
		&media,
		&m.PreviousText,
		&m.ReplyTo,
		&m.ClientMessageID,
		&m.CreatedAt,
		&m.EditedAt,
		&m.DeletedAt,
	); err != nil {
		return chat.Message{}, err
	}
	m.ID = chat.FormatMessageID(m.ConversationID, m.Seq)
	m.SenderType = chat.ParticipantType(senderType)
	m.Body.Kind = chat.BodyKind(kind)
	if media != nil {
		var ref chat.MediaRef
		if err := json.Unmarshal([]byte(*media), &ref); err != nil {
			return chat.Message{}, fmt.Errorf("decode media: %w", err)
		}
		m.Body.Media = &ref
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.EditedAt = utcPtr(m.EditedAt)
	m.DeletedAt = utcPtr(m.DeletedAt)
	m.Receipts = make(map[string]chat.Status)
	return m, nil
}

func scanConversationRow(row pgx.CollectableRow) (chat.Conversation, error) {
	var (
		c    chat.Conversation
		kind string
		md   string
	)
	if err := row.Scan(&c.ID, &kind, &md, &c.LastSeq, &c.CreatedAt, &c.UpdatedAt, &c.LastActivityAt); err != nil {
		return chat.Conversation{}, err
	}
	c.Kind = chat.ConversationKind(kind)
	if err := json.Unmarshal([]byte(md), &c.Metadata); err != nil {
		return chat.Conversation{}, fmt.Errorf("decode metadata: %w", err)
	}
	if len(c.Metadata) == 0 {
		c.Metadata = nil
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.LastActivityAt = c.LastActivityAt.UTC()
	c.LastRead = make(map[string]int64)
	return c, nil
}

func (s *PostgresStore) loadConversation(ctx context.Context, q querier, op, id string) (chat.Conversation, error) {
	rows, err := q.Query(ctx,
		`SELECT id, kind, metadata::text, next_seq - 1, created_at, updated_at, last_activity_at
		   FROM `+s.t("conversations")+` WHERE id = $1`,
		id,
	)
	if err != nil {
		return chat.Conversation{}, err
	}
	convs, err := pgx.CollectRows(rows, scanConversationRow)
	if err != nil {
		return chat.Conversation{}, err
	}
	if len(convs) == 0 {
		return chat.Conversation{}, chat.NotFoundError{Op: op, Resource: "conversation"}
	}
	conv := convs[0]
	err = s.loadParticipants(ctx, q, []string{id}, func(_ string, p chat.Participant, lastRead int64) {
		conv.Participants = append(conv.Participants, p)
		conv.LastRead[p.ID] = lastRead
	})
	return conv, err
}

func (s *PostgresStore) loadParticipants(ctx context.Context, q querier, convIDs []string, add func(convID string, p chat.Participant, lastRead int64)) error {
	rows, err := q.Query(ctx,
		`SELECT conversation_id, participant_id, participant_type, last_read_seq
		   FROM `+s.t("conversation_participants")+`
		  WHERE conversation_id = ANY($1)
		  ORDER BY conversation_id, position`,
		convIDs,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			convID, pid, typ string
			lastRead         int64
		)
		if err := rows.Scan(&convID, &pid, &typ, &lastRead); err != nil {
			return err
		}
		add(convID, chat.Participant{ID: pid, Type: chat.ParticipantType(typ)}, lastRead)
	}
	return rows.Err()
}

func (s *PostgresStore) attachReceipts(ctx context.Context, q querier, conversationID string, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	seqs := make([]int64, 0, len(msgs))
	idx := make(map[int64]int, len(msgs))
	for i, m := range msgs {
		seqs = append(seqs, m.Seq)
		idx[m.Seq] = i
	}

	rows, err := q.Query(ctx,
		`SELECT seq, participant_id, status
		   FROM `+s.t("message_receipts")+`
		  WHERE conversation_id = $1 AND seq = ANY($2)`,
		conversationID, seqs,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq         int64
			pid, status string
		)
		if err := rows.Scan(&seq, &pid, &status); err != nil {
			return err
		}
		if i, ok := idx[seq]; ok {
			msgs[i].Receipts[pid] = chat.Status(status)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) messageByClientID(ctx context.Context, tx pgx.Tx, conversationID, senderID, clientID string) (chat.Message, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+messageColumns+` FROM `+s.t("messages")+`
		  WHERE conversation_id = $1 AND sender_id = $2 AND client_message_id = $3`,
		conversationID, senderID, clientID,
	)
	if err != nil {
		return chat.Message{}, err
	}
	msgs, err := pgx.CollectRows(rows, scanMessageRow)
	if err != nil {
		return chat.Message{}, err
	}
	if len(msgs) == 0 {
		return chat.Message{}, pgx.ErrNoRows
	}
	if err := s.attachReceipts(ctx, tx, conversationID, msgs); err != nil {
		return chat.Message{}, err
	}
	return msgs[0], nil
}

func encodeMedia(m *chat.MediaRef) (*string, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nonNilMetadata(md map[string]string) map[string]string {
	if md == nil {
		return map[string]string{}
	}
	return md
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
