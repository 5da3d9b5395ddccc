package presence

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chatd/cmd/internal/pgdb"
)

// PostgresStore shares typing and presence state across chatd replicas through UNLOGGED tables.
//
// The pool is owned by the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema (default: "chat").
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

// NewPostgresStore constructs a Postgres-backed Store.
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
		return nil, errors.New("presence: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) PutTyping(ctx context.Context, ind Indicator) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgdb.Ident(s.schema, "typing_indicators")+` (conversation_id, participant_id, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (conversation_id, participant_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		ind.ConversationID, ind.ParticipantID, ind.ExpiresAt,
	)
	return err
}

func (s *PostgresStore) DeleteTyping(ctx context.Context, conversationID, participantID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgdb.Ident(s.schema, "typing_indicators")+` WHERE conversation_id = $1 AND participant_id = $2`,
		conversationID, participantID,
	)
	return err
}

func (s *PostgresStore) ListTyping(ctx context.Context, conversationID string, now time.Time) ([]Indicator, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT participant_id, expires_at
		   FROM `+pgdb.Ident(s.schema, "typing_indicators")+`
		  WHERE conversation_id = $1 AND expires_at > $2
		  ORDER BY participant_id`,
		conversationID, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Indicator, 0, 4)
	for rows.Next() {
		ind := Indicator{ConversationID: conversationID, IsTyping: true}
		if err := rows.Scan(&ind.ParticipantID, &ind.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TouchOnline(ctx context.Context, participantID string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgdb.Ident(s.schema, "presence")+` (participant_id, expires_at) VALUES ($1, $2)
		 ON CONFLICT (participant_id) DO UPDATE SET expires_at = GREATEST(presence.expires_at, EXCLUDED.expires_at)`,
		participantID, expiresAt,
	)
	return err
}

func (s *PostgresStore) MarkOffline(ctx context.Context, participantID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgdb.Ident(s.schema, "presence")+` WHERE participant_id = $1`,
		participantID,
	)
	return err
}

func (s *PostgresStore) Online(ctx context.Context, participantIDs []string, now time.Time) (map[string]bool, error) {
	out := make(map[string]bool, len(participantIDs))
	for _, pid := range participantIDs {
		out[pid] = false
	}
	if len(participantIDs) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT participant_id FROM `+pgdb.Ident(s.schema, "presence")+`
		  WHERE participant_id = ANY($1) AND expires_at > $2`,
		participantIDs, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		out[pid] = true
	}
	return out, rows.Err()
}

func (s *PostgresStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	a, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgdb.Ident(s.schema, "typing_indicators")+` WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	b, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgdb.Ident(s.schema, "presence")+` WHERE expires_at <= $1`, now)
	if err != nil {
		return int(a.RowsAffected()), err
	}
	return int(a.RowsAffected() + b.RowsAffected()), nil
}
