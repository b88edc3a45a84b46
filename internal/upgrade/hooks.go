package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/bookbot/internal/identity"
)

func init() {
	RegisterDataHook(1, "001_normalize_customer_phones", normalizeCustomerPhones)
}

// normalizeCustomerPhones rewrites phone numbers imported before E.164
// normalization so SMS customers resolve to a single identity key. Rows
// whose number cannot be normalized, or whose normalized key already
// belongs to another customer, are left untouched and logged.
func normalizeCustomerPhones(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, phone FROM customers WHERE phone IS NOT NULL AND phone !~ '^\+[1-9][0-9]{7,14}$'`)
	if err != nil {
		return fmt.Errorf("scan customers: %w", err)
	}
	type fix struct{ id, phone string }
	var fixes []fix
	for rows.Next() {
		var id, phone string
		if err := rows.Scan(&id, &phone); err != nil {
			rows.Close()
			return err
		}
		e164, err := identity.NormalizePhone(phone)
		if err != nil {
			slog.Warn("skipping unnormalizable phone", "customer_id", id, "error", err)
			continue
		}
		fixes = append(fixes, fix{id: id, phone: e164})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, f := range fixes {
		res, err := tx.ExecContext(ctx,
			`UPDATE customers SET phone = $2, identity_key = $2, updated_at = NOW()
			  WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM customers WHERE identity_key = $2)`,
			f.id, f.phone)
		if err != nil {
			return fmt.Errorf("normalize customer %s: %w", f.id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			slog.Warn("normalized phone already claimed by another customer", "customer_id", f.id, "phone", f.phone)
		}
	}
	slog.Info("customer phones normalized", "count", len(fixes))
	return nil
}
