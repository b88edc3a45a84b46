package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/bookbot/internal/upgrade"
)

// ErrUpgradeFailed is returned when the schema cannot be upgraded by this
// binary (dirty, or newer than it understands).
var ErrUpgradeFailed = errors.New("upgrade cannot proceed")

func upgradeCmd() *cobra.Command {
	var dryRun, status bool
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Apply schema migrations and data hooks",
		Long:  "Brings the Postgres schema to the version this binary requires and runs pending data hooks. Safe to repeat.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.IsManagedMode() {
				fmt.Println("Standalone mode: nothing to upgrade.")
				return nil
			}
			db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer db.Close()

			if status {
				return printUpgradeStatus(cmd.Context(), db)
			}
			return runUpgrade(cmd.Context(), db, cfg.Database.PostgresDSN, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without applying it")
	cmd.Flags().BoolVar(&status, "status", false, "print schema and data hook status")
	return cmd
}

func printUpgradeStatus(ctx context.Context, db *sql.DB) error {
	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}

	fmt.Printf("  Binary:          %s\n", Version)
	fmt.Printf("  Schema applied:  %d\n", s.CurrentVersion)
	fmt.Printf("  Schema required: %d\n", s.RequiredVersion)
	switch {
	case s.Dirty:
		fmt.Println("  Status:          DIRTY")
		fmt.Println()
		fmt.Print(upgrade.FormatError(s))
		return nil
	case s.Compatible:
		fmt.Println("  Status:          up to date")
	case errors.Is(s.Err(), upgrade.ErrSchemaAhead):
		fmt.Println("  Status:          binary too old")
	default:
		fmt.Printf("  Status:          %d migration(s) pending\n", s.Pending())
	}

	pending, err := upgrade.PendingHooks(ctx, db)
	if err != nil {
		slog.Debug("pending data hooks unavailable", "error", err)
	} else if len(pending) > 0 {
		fmt.Printf("\n  Pending data hooks: %d\n", len(pending))
		for _, name := range pending {
			fmt.Printf("    - %s\n", name)
		}
	}
	if s.NeedsMigration || len(pending) > 0 {
		fmt.Println("\n  Run 'bookbot upgrade' to apply.")
	}
	return nil
}

func runUpgrade(ctx context.Context, db *sql.DB, dsn string, dryRun bool) error {
	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if err := s.Err(); errors.Is(err, upgrade.ErrSchemaDirty) || errors.Is(err, upgrade.ErrSchemaAhead) {
		fmt.Print(upgrade.FormatError(s))
		return ErrUpgradeFailed
	}

	if dryRun {
		if s.NeedsMigration {
			fmt.Printf("  Would migrate v%d -> v%d\n", s.CurrentVersion, s.RequiredVersion)
		}
		pending, err := upgrade.PendingHooks(ctx, db)
		if err != nil {
			return err
		}
		for _, name := range pending {
			fmt.Printf("  Would run data hook %s\n", name)
		}
		if !s.NeedsMigration && len(pending) == 0 {
			fmt.Println("  Nothing to do.")
		}
		return nil
	}

	from, to, hooks, err := applyUpgrade(ctx, db, dsn, s)
	if err != nil {
		return err
	}
	fmt.Printf("  Schema v%d -> v%d, %d data hook(s) applied.\n", from, to, hooks)
	return nil
}

// applyUpgrade runs migrations when s says they are needed, then pending
// data hooks.
func applyUpgrade(ctx context.Context, db *sql.DB, dsn string, s *upgrade.SchemaStatus) (from, to uint, hooks int, err error) {
	from, to = s.CurrentVersion, s.CurrentVersion
	if s.NeedsMigration {
		m, err := newMigrator(dsn)
		if err != nil {
			return from, to, 0, err
		}
		defer m.Close()
		if err := ignoreNoChange(m.Up()); err != nil {
			return from, to, 0, fmt.Errorf("migrate up: %w", err)
		}
		to, _, _ = m.Version()
	}
	hooks, err = upgrade.RunPendingHooks(ctx, db)
	if err != nil {
		return from, to, hooks, fmt.Errorf("data hooks: %w", err)
	}
	return from, to, hooks, nil
}

// checkSchemaOrAutoUpgrade gates serve on schema compatibility. An outdated
// schema is upgraded inline only with BOOKBOT_AUTO_UPGRADE=true.
func checkSchemaOrAutoUpgrade(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("schema check: connect: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("schema check: ping: %w", err)
	}

	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	if s.Compatible {
		slog.Info("schema check passed", "version", s.CurrentVersion)
		return nil
	}
	if !errors.Is(s.Err(), upgrade.ErrSchemaOutdated) || os.Getenv("BOOKBOT_AUTO_UPGRADE") != "true" {
		return errors.New(upgrade.FormatError(s))
	}

	slog.Info("auto-upgrade starting", "from", s.CurrentVersion, "to", s.RequiredVersion)
	from, to, hooks, err := applyUpgrade(ctx, db, dsn, s)
	if err != nil {
		return fmt.Errorf("auto-upgrade: %w", err)
	}
	slog.Info("auto-upgrade complete", "from", from, "to", to, "data_hooks", hooks)
	return nil
}
