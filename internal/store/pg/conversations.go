package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/bookbot/internal/store"
)

// ConversationStore implements store.ConversationStore on Postgres.
// Ordinals are allocated from conversations.next_ordinal under a
// transactional advisory lock on the customer+channel scope, so they stay
// gapless and strictly increasing under concurrent appends.
type ConversationStore struct {
	pool *pgxpool.Pool
}

func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{pool: pool}
}

// WithTx runs fn in a read-committed transaction, committing when fn
// returns nil.
func (s *ConversationStore) WithTx(ctx context.Context, fn func(tx store.ConversationTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&conversationTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const messageColumns = `id, conversation_id, ordinal, direction, COALESCE(dedup_key, ''), body, created_at`

func scanMessage(row pgx.Row) (store.Message, error) {
	var m store.Message
	var dir string
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Ordinal, &dir, &m.DedupKey, &m.Body, &m.CreatedAt); err != nil {
		return store.Message{}, err
	}
	m.Direction = store.Direction(dir)
	return m, nil
}

func (s *ConversationStore) RecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]store.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM (
		     SELECT * FROM messages WHERE conversation_id = $1 ORDER BY ordinal DESC LIMIT $2
		 ) recent ORDER BY ordinal ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *ConversationStore) CountMessages(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&n)
	return n, err
}

func (s *ConversationStore) MarkIdle(ctx context.Context, before, _ time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET state = 'idle' WHERE state = 'open' AND last_message_at < $1`,
		before,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *ConversationStore) CloseIdle(ctx context.Context, before, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET state = 'closed', closed_at = $2 WHERE state = 'idle' AND last_message_at < $1`,
		before, now,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type conversationTx struct {
	tx pgx.Tx
}

func (t *conversationTx) LockScope(ctx context.Context, key string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

func (t *conversationTx) UpsertCustomer(ctx context.Context, in store.CustomerInput, now time.Time) (store.Customer, error) {
	var c store.Customer
	err := t.tx.QueryRow(ctx,
		`INSERT INTO customers (id, identity_key, phone, discord_user_id, display_name, created_at, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $6)
		 ON CONFLICT (identity_key) DO UPDATE SET
		     phone           = COALESCE(EXCLUDED.phone, customers.phone),
		     discord_user_id = COALESCE(EXCLUDED.discord_user_id, customers.discord_user_id),
		     display_name    = COALESCE(EXCLUDED.display_name, customers.display_name),
		     updated_at      = EXCLUDED.updated_at
		 RETURNING id, identity_key, COALESCE(phone, ''), COALESCE(discord_user_id, ''), COALESCE(display_name, ''), created_at, updated_at`,
		uuid.New(), in.IdentityKey, in.Phone, in.DiscordUserID, in.DisplayName, now,
	).Scan(&c.ID, &c.IdentityKey, &c.Phone, &c.DiscordUserID, &c.DisplayName, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

const conversationColumns = `id, customer_id, channel, state, COALESCE(thread_ref, ''), last_message_at, created_at, closed_at`

func scanConversation(row pgx.Row) (store.Conversation, error) {
	var c store.Conversation
	var ch, st string
	if err := row.Scan(&c.ID, &c.CustomerID, &ch, &st, &c.ThreadRef, &c.LastMessageAt, &c.CreatedAt, &c.ClosedAt); err != nil {
		return store.Conversation{}, err
	}
	c.Channel = store.Channel(ch)
	c.State = store.ConversationState(st)
	return c, nil
}

func (t *conversationTx) FindOpenConversation(ctx context.Context, customerID uuid.UUID, ch store.Channel) (*store.Conversation, error) {
	c, err := scanConversation(t.tx.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		  WHERE customer_id = $1 AND channel = $2 AND state = 'open'
		  FOR UPDATE`,
		customerID, string(ch),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *conversationTx) GetConversation(ctx context.Context, id uuid.UUID) (store.Conversation, error) {
	c, err := scanConversation(t.tx.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Conversation{}, store.ErrNotFound
	}
	return c, err
}

func (t *conversationTx) CreateConversation(ctx context.Context, c store.Conversation) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO conversations (id, customer_id, channel, state, thread_ref, next_ordinal, last_message_at, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), 1, $6, $7)`,
		c.ID, c.CustomerID, string(c.Channel), string(c.State), c.ThreadRef, c.LastMessageAt, c.CreatedAt,
	)
	return err
}

func (t *conversationTx) SetConversationState(ctx context.Context, id uuid.UUID, st store.ConversationState, now time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE conversations
		    SET state = $2,
		        closed_at = CASE WHEN $2 = 'closed' THEN $3::timestamptz ELSE closed_at END
		  WHERE id = $1`,
		id, string(st), now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *conversationTx) FindMessageByDedupKey(ctx context.Context, key string) (*store.Message, error) {
	m, err := scanMessage(t.tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE dedup_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *conversationTx) NextOrdinal(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	var ordinal int64
	err := t.tx.QueryRow(ctx,
		`UPDATE conversations
		    SET next_ordinal = next_ordinal + 1
		  WHERE id = $1
		RETURNING next_ordinal - 1`,
		conversationID,
	).Scan(&ordinal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	return ordinal, err
}

func (t *conversationTx) InsertMessage(ctx context.Context, m store.Message) error {
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, ordinal, direction, dedup_key, body, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`,
		m.ID, m.ConversationID, m.Ordinal, string(m.Direction), m.DedupKey, m.Body, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE conversations SET last_message_at = GREATEST(last_message_at, $2) WHERE id = $1`,
		m.ConversationID, m.CreatedAt,
	)
	return err
}
