package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"resolver/internal/billing"
	"resolver/internal/types"
)

func newTestStore() (*LedgerStore, *mockPool) {
	pool := &mockPool{mockDBTX: new(mockDBTX), tx: &mockTx{mockDBTX: new(mockDBTX)}}
	return NewLedgerStore(pool, nil), pool
}

func TestLedgerStore_RunInTx_Commits(t *testing.T) {
	store, pool := newTestStore()
	pool.tx.On("Exec", mock.Anything, sqlContaining("UPDATE invoices"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	pool.tx.On("Exec", mock.Anything, sqlContaining("INSERT INTO users"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
	pool.tx.On("Exec", mock.Anything, sqlContaining("INSERT INTO purchases"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := store.RunInTx(context.Background(), func(tx billing.LedgerTx) error {
		ok, err := tx.MarkInvoicePaid(context.Background(), "inv-1", "ch_1", 10)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tx.EnsureUser(context.Background(), 42))
		inserted, err := tx.InsertPurchase(context.Background(), &types.Purchase{PayerID: 42, ExternalChargeID: "ch_1"})
		require.NoError(t, err)
		require.True(t, inserted)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, pool.tx.committed)
	pool.tx.AssertExpectations(t)
	pool.mockDBTX.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestLedgerStore_RunInTx_PassesThroughCallbackError(t *testing.T) {
	store, pool := newTestStore()
	sentinel := errors.New("skip")

	err := store.RunInTx(context.Background(), func(billing.LedgerTx) error { return sentinel })

	assert.ErrorIs(t, err, sentinel)
	assert.False(t, pool.tx.committed)
	assert.True(t, pool.tx.rolledBack)
}

func TestLedgerStore_RunInTx_BeginFailure(t *testing.T) {
	store, pool := newTestStore()
	pool.beginErr = errors.New("too many connections")
	called := false

	err := store.RunInTx(context.Background(), func(billing.LedgerTx) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestLedgerStore_RunInTx_CommitFailure(t *testing.T) {
	store, pool := newTestStore()
	pool.tx.commitErr = errors.New("serialization failure")

	err := store.RunInTx(context.Background(), func(billing.LedgerTx) error { return nil })

	assert.True(t, types.IsCode(err, types.ErrCodeInternalDB))
}

func TestLedgerStore_ReadsUsePool(t *testing.T) {
	store, pool := newTestStore()
	pool.On("QueryRow", mock.Anything, sqlContaining("SELECT resolves_remaining"), []any{int64(42)}).
		Return(valuesRow(int64(3)))

	balance, err := store.Balance(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
	pool.tx.AssertNotCalled(t, "QueryRow", mock.Anything, mock.Anything, mock.Anything)
}

func TestMigrateURL(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost:5432/ledger?sslmode=disable": "pgx5://u:p@localhost:5432/ledger?sslmode=disable",
		"postgresql://u@db/ledger":                             "pgx5://u@db/ledger",
		"pgx5://already":                                       "pgx5://already",
	}
	for in, want := range tests {
		assert.Equal(t, want, migrateURL(in))
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "000001_ledger.up.sql")
	assert.Contains(t, names, "000001_ledger.down.sql")

	up, err := migrationsFS.ReadFile("migrations/000001_ledger.up.sql")
	require.NoError(t, err)
	for _, constraint := range []string{
		"invoices_external_charge_id_key",
		"purchases_external_charge_id_key",
		"group_subscriptions_external_charge_id_key",
		"addon_subscriptions_external_charge_id_key",
	} {
		assert.Contains(t, string(up), constraint)
	}
}
