package upgrade

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSchemaStatus_Err(t *testing.T) {
	require.NoError(t, (&SchemaStatus{Compatible: true}).Err())
	require.ErrorIs(t, (&SchemaStatus{Dirty: true, CurrentVersion: 2, RequiredVersion: 2}).Err(), ErrSchemaDirty)
	require.ErrorIs(t, (&SchemaStatus{CurrentVersion: 3, RequiredVersion: 2}).Err(), ErrSchemaAhead)
	require.ErrorIs(t, (&SchemaStatus{CurrentVersion: 1, RequiredVersion: 2}).Err(), ErrSchemaOutdated)
}

func TestSchemaStatus_Pending(t *testing.T) {
	require.Equal(t, 2, (&SchemaStatus{RequiredVersion: 2}).Pending())
	require.Equal(t, 0, (&SchemaStatus{CurrentVersion: 2, RequiredVersion: 2}).Pending())
	require.Equal(t, 0, (&SchemaStatus{CurrentVersion: 3, RequiredVersion: 2}).Pending())
}

func TestFormatError_MentionsFix(t *testing.T) {
	require.Contains(t, FormatError(&SchemaStatus{Dirty: true, CurrentVersion: 2}), "migrate force 1")
	require.Contains(t, FormatError(&SchemaStatus{CurrentVersion: 1, RequiredVersion: 2}), "bookbot upgrade")
}

func TestRegistry_PhoneBackfillRegistered(t *testing.T) {
	var names []string
	for _, h := range registry {
		names = append(names, h.Name)
	}
	require.Contains(t, names, "001_normalize_customer_phones")
}

func TestRegisterDataHook_OrdersByVersionAndRejectsDuplicates(t *testing.T) {
	saved := registry
	t.Cleanup(func() { registry = saved })
	registry = nil

	noop := func(context.Context, *sql.Tx) error { return nil }
	RegisterDataHook(2, "b", noop)
	RegisterDataHook(1, "a", noop)
	RegisterDataHook(2, "c", noop)

	var names []string
	for _, h := range registry {
		names = append(names, h.Name)
	}
	require.Equal(t, []string{"a", "b", "c"}, names)
	require.Panics(t, func() { RegisterDataHook(3, "a", noop) })
}
