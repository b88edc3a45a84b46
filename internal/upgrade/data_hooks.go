package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// DataHookFunc rewrites existing rows after the SQL migration for its
// schema version has been applied. It runs inside the transaction that
// records it, so a failing hook leaves no partial state behind.
type DataHookFunc func(ctx context.Context, tx *sql.Tx) error

type dataHook struct {
	SchemaVersion uint
	Name          string
	Fn            DataHookFunc
}

var registry []dataHook

// RegisterDataHook adds a hook for schemaVersion. Names are unique; a
// duplicate name panics at init.
func RegisterDataHook(schemaVersion uint, name string, fn DataHookFunc) {
	for _, h := range registry {
		if h.Name == name {
			panic(fmt.Sprintf("upgrade: data hook %q registered twice", name))
		}
	}
	registry = append(registry, dataHook{SchemaVersion: schemaVersion, Name: name, Fn: fn})
	sort.SliceStable(registry, func(i, j int) bool {
		return registry[i].SchemaVersion < registry[j].SchemaVersion
	})
}

// PendingHooks lists hooks not yet recorded in bookbot_data_hooks, in
// the order RunPendingHooks would apply them.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	if err := ensureHookTable(ctx, db); err != nil {
		return nil, err
	}
	applied, err := appliedHooks(ctx, db)
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, h := range registry {
		if !applied[h.Name] {
			pending = append(pending, h.Name)
		}
	}
	return pending, nil
}

// RunPendingHooks applies every pending hook whose schema version is not
// newer than the database's. Each hook and its bookkeeping row commit
// together.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	if err := ensureHookTable(ctx, db); err != nil {
		return 0, fmt.Errorf("ensure bookbot_data_hooks: %w", err)
	}
	applied, err := appliedHooks(ctx, db)
	if err != nil {
		return 0, err
	}
	st, err := CheckSchema(ctx, db)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, h := range registry {
		if applied[h.Name] {
			continue
		}
		if h.SchemaVersion > st.CurrentVersion {
			slog.Warn("data hook waits for schema", "name", h.Name, "needs", h.SchemaVersion, "have", st.CurrentVersion)
			continue
		}
		if err := runHook(ctx, db, h); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func runHook(ctx context.Context, db *sql.DB, h dataHook) error {
	start := time.Now()
	slog.Info("data hook starting", "name", h.Name, "schema_version", h.SchemaVersion)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("data hook %q: begin: %w", h.Name, err)
	}
	defer tx.Rollback()

	if err := h.Fn(ctx, tx); err != nil {
		return fmt.Errorf("data hook %q: %w", h.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bookbot_data_hooks (name, schema_version) VALUES ($1, $2)`,
		h.Name, h.SchemaVersion); err != nil {
		return fmt.Errorf("data hook %q: record: %w", h.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("data hook %q: commit: %w", h.Name, err)
	}

	slog.Info("data hook applied", "name", h.Name, "duration", time.Since(start))
	return nil
}

func ensureHookTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bookbot_data_hooks (
			name           TEXT PRIMARY KEY,
			schema_version INT NOT NULL,
			applied_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

func appliedHooks(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM bookbot_data_hooks`)
	if err != nil {
		return nil, fmt.Errorf("query bookbot_data_hooks: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
