package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/bookbot/internal/store"
)

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// OpenPool builds a pgxpool and validates connectivity. It does not run
// migrations; those are applied by the migrate command.
func OpenPool(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := ping(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func ping(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}

// Prober reports pool connectivity for health checks.
type Prober struct{ pool *pgxpool.Pool }

// NewProber wraps pool.
func NewProber(pool *pgxpool.Pool) *Prober { return &Prober{pool: pool} }

func (p *Prober) Ping(ctx context.Context) error { return ping(ctx, p.pool, 2*time.Second) }

// NewPGStores creates the relational stores backed by pool. The counter
// and dedup stores are left for the caller to fill in. Close closes pool.
func NewPGStores(pool *pgxpool.Pool) *store.Stores {
	return &store.Stores{
		Conversations: NewConversationStore(pool),
		Deliveries:    NewDeliveryStore(pool),
		Books:         NewBookStore(pool),
		Probes:        map[string]store.Pinger{"postgres": NewProber(pool)},
		Close:         pool.Close,
	}
}
