package pg

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/bookbot/internal/store"
)

// DeliveryStore implements store.DeliveryStore.
type DeliveryStore struct {
	pool *pgxpool.Pool
}

func NewDeliveryStore(pool *pgxpool.Pool) *DeliveryStore {
	return &DeliveryStore{pool: pool}
}

// RecordDelivery upserts the row for (message, chunk), so a retried chunk
// keeps a single row carrying its latest outcome.
func (s *DeliveryStore) RecordDelivery(ctx context.Context, d store.Delivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deliveries (id, message_id, chunk_index, body, status, provider_message_id, attempts, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9)
		 ON CONFLICT (message_id, chunk_index) DO UPDATE SET
		     status              = EXCLUDED.status,
		     provider_message_id = EXCLUDED.provider_message_id,
		     attempts            = EXCLUDED.attempts,
		     error               = EXCLUDED.error`,
		d.ID, d.MessageID, d.ChunkIndex, d.Body, string(d.Status), d.ProviderMessageID, d.Attempts, d.Error, d.CreatedAt,
	)
	return err
}

func (s *DeliveryStore) ListDeliveries(ctx context.Context, messageID uuid.UUID) ([]store.Delivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, message_id, chunk_index, body, status, COALESCE(provider_message_id, ''), attempts, COALESCE(error, ''), created_at
		   FROM deliveries WHERE message_id = $1 ORDER BY chunk_index`,
		messageID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Delivery, error) {
		var d store.Delivery
		var status string
		err := row.Scan(&d.ID, &d.MessageID, &d.ChunkIndex, &d.Body, &status, &d.ProviderMessageID, &d.Attempts, &d.Error, &d.CreatedAt)
		d.Status = store.DeliveryStatus(status)
		return d, err
	})
}

// BookStore implements store.BookStore.
type BookStore struct {
	pool *pgxpool.Pool
}

func NewBookStore(pool *pgxpool.Pool) *BookStore {
	return &BookStore{pool: pool}
}

// UpsertBooks writes every book in one batch.
func (s *BookStore) UpsertBooks(ctx context.Context, books []store.Book) error {
	if len(books) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, b := range books {
		meta, err := json.Marshal(b.Metadata)
		if err != nil {
			return err
		}
		batch.Queue(
			`INSERT INTO books (external_id, title, author, isbns, metadata, refreshed_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (external_id) DO UPDATE SET
			     title = EXCLUDED.title,
			     author = EXCLUDED.author,
			     isbns = EXCLUDED.isbns,
			     metadata = EXCLUDED.metadata,
			     refreshed_at = EXCLUDED.refreshed_at`,
			b.ExternalID, b.Title, b.Author, b.ISBNs, meta, b.RefreshedAt,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}
