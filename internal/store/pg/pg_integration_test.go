package pg

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/bookbot/internal/conversation"
	"github.com/nextlevelbuilder/bookbot/internal/identity"
	"github.com/nextlevelbuilder/bookbot/internal/store"
)

// Integration tests are enabled when BOOKBOT_TEST_DATABASE_URL is set.
// Each test runs in a throwaway schema with the up migrations applied.

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("BOOKBOT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BOOKBOT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	schema := "bookbot_test_" + strings.ToLower(ulid.Make().String())
	_, err = admin.Exec(ctx, `CREATE SCHEMA `+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), `DROP SCHEMA `+schema+` CASCADE`)
		admin.Close()
	})

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	files, err := filepath.Glob(filepath.Join("..", "..", "..", "migrations", "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	sort.Strings(files)
	for _, f := range files {
		sql, err := os.ReadFile(f)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(sql))
		require.NoError(t, err, f)
	}
	return pool
}

func smsIdentity(phone string) identity.Identity {
	return identity.Identity{Key: phone, Channel: store.ChannelSMS, Address: phone, ThreadID: phone}
}

func TestConversationStore_OrdinalsGaplessUnderConcurrency(t *testing.T) {
	pool := mustOpenTestPool(t)
	r := conversation.NewResolver(NewConversationStore(pool), time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id := smsIdentity("+15551234567")
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	convs := make(chan uuid.UUID, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.ResolveAndAppend(ctx, conversation.Inbound{Identity: id, Body: "hi", DedupKey: "sms:" + ulid.Make().String()})
			if err != nil {
				errs <- err
				return
			}
			convs <- res.Conversation.ID
		}(i)
	}
	wg.Wait()
	close(errs)
	close(convs)
	for err := range errs {
		require.NoError(t, err)
	}

	var convID uuid.UUID
	for c := range convs {
		if convID == uuid.Nil {
			convID = c
		}
		require.Equal(t, convID, c, "one open conversation per customer and channel")
	}

	msgs, err := NewConversationStore(pool).RecentMessages(ctx, convID, 100)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for i, m := range msgs {
		require.Equal(t, int64(i+1), m.Ordinal)
	}
}

func TestConversationStore_DedupKeyPersisted(t *testing.T) {
	pool := mustOpenTestPool(t)
	s := NewConversationStore(pool)
	r := conversation.NewResolver(s, time.Hour)
	ctx := context.Background()

	in := conversation.Inbound{Identity: smsIdentity("+15551234567"), Body: "hello", DedupKey: "sms:abc"}
	first, err := r.ResolveAndAppend(ctx, in)
	require.NoError(t, err)
	again, err := r.ResolveAndAppend(ctx, in)
	require.NoError(t, err)
	require.True(t, again.Duplicate)
	require.Equal(t, first.Message.ID, again.Message.ID)

	n, err := s.CountMessages(ctx, first.Conversation.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestConversationStore_IdleRollover(t *testing.T) {
	pool := mustOpenTestPool(t)
	s := NewConversationStore(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)
	r := conversation.NewResolver(s, time.Hour).WithClock(func() time.Time { return now })
	ctx := context.Background()
	id := smsIdentity("+15551234567")

	first, err := r.ResolveAndAppend(ctx, conversation.Inbound{Identity: id, Body: "one"})
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	second, err := r.ResolveAndAppend(ctx, conversation.Inbound{Identity: id, Body: "two"})
	require.NoError(t, err)
	require.True(t, second.RolledOver)
	require.NotEqual(t, first.Conversation.ID, second.Conversation.ID)
	require.Equal(t, int64(1), second.Message.Ordinal)
	require.Equal(t, first.Customer.ID, second.Customer.ID)

	closed, err := s.CloseIdle(ctx, now, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), closed)
}

func TestDeliveryStore_UpsertPerChunk(t *testing.T) {
	pool := mustOpenTestPool(t)
	r := conversation.NewResolver(NewConversationStore(pool), time.Hour)
	ctx := context.Background()
	id := smsIdentity("+15551234567")

	in, err := r.ResolveAndAppend(ctx, conversation.Inbound{Identity: id, Body: "hi"})
	require.NoError(t, err)
	out, err := r.AppendOutbound(ctx, id, in.Conversation.ID, "hello back")
	require.NoError(t, err)
	require.Equal(t, int64(2), out.Ordinal)

	ds := NewDeliveryStore(pool)
	now := time.Now().UTC()
	require.NoError(t, ds.RecordDelivery(ctx, store.Delivery{MessageID: out.ID, ChunkIndex: 0, Body: "hello back", Status: store.DeliveryFailed, Attempts: 1, Error: "timeout", CreatedAt: now}))
	require.NoError(t, ds.RecordDelivery(ctx, store.Delivery{MessageID: out.ID, ChunkIndex: 0, Body: "hello back", Status: store.DeliverySent, ProviderMessageID: "p-1", Attempts: 2, CreatedAt: now}))

	rows, err := ds.ListDeliveries(ctx, out.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, store.DeliverySent, rows[0].Status)
	require.Equal(t, 2, rows[0].Attempts)
	require.Empty(t, rows[0].Error)
}

func TestBookStore_Upsert(t *testing.T) {
	pool := mustOpenTestPool(t)
	bs := NewBookStore(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	book := store.Book{ExternalID: "hc-1", Title: "Dune", Author: "Frank Herbert", ISBNs: []string{"9780441172719"}, RefreshedAt: now}
	require.NoError(t, bs.UpsertBooks(ctx, []store.Book{book}))
	book.Title = "Dune (Deluxe)"
	require.NoError(t, bs.UpsertBooks(ctx, []store.Book{book}))

	var title string
	require.NoError(t, pool.QueryRow(ctx, `SELECT title FROM books WHERE external_id = 'hc-1'`).Scan(&title))
	require.Equal(t, "Dune (Deluxe)", title)
}
