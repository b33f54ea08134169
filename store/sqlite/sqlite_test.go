package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurring-engine/recurrence"
	"github.com/warp/recurring-engine/recurrence/storetest"
)

func newTestStore(t *testing.T) recurrence.TxStore {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, newTestStore)
}

func TestNew_MigrationsAreIdempotent(t *testing.T) {
	// GIVEN: A file database that has already been migrated
	// WHEN: Opening it again
	// THEN: No migration error and existing data is intact

	path := filepath.Join(t.TempDir(), "recurring.db")
	store, err := New(path)
	require.NoError(t, err)

	ctx := context.Background()
	start := recurrence.NewDate(2024, time.January, 1)
	require.NoError(t, store.CreateSeries(ctx,
		recurrence.Series{ID: "s1", Owner: "alice", Active: true, CreatedAt: time.Now(), Watermark: start},
		recurrence.Transaction{
			ID: "t0", Owner: "alice", Description: "Rent", Amount: decimal.NewFromInt(900),
			Type: recurrence.Expense, Date: start, Recurring: true, Periodicity: recurrence.Monthly,
			StartDate: start, SeriesID: "s1", CreatedAt: time.Now(),
		}))
	require.NoError(t, store.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetSeries(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, recurrence.OwnerID("alice"), got.Owner)
}

func TestStore_InsertUnknownSeriesIsNotFound(t *testing.T) {
	store, err := New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	err = store.Insert(context.Background(), recurrence.Transaction{
		ID: "orphan", Owner: "alice", Description: "Rent", Amount: decimal.NewFromInt(1),
		Type: recurrence.Expense, Date: recurrence.NewDate(2024, time.January, 1), SeriesID: "ghost",
	})

	assert.ErrorIs(t, err, recurrence.ErrNotFound)
}

func TestStore_AmountPrecisionIsPreserved(t *testing.T) {
	store, err := New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	amount := decimal.RequireFromString("0.1234")
	require.NoError(t, store.SaveTransaction(ctx, recurrence.Transaction{
		ID: "t1", Owner: "alice", Description: "Interest", Amount: amount,
		Type: recurrence.Income, Date: recurrence.NewDate(2024, time.May, 1), CreatedAt: time.Now(),
	}))

	txs, err := store.ListTransactions(ctx, "alice", recurrence.Date{}, recurrence.Date{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, amount.Equal(txs[0].Amount))
}

func TestStore_CorruptTimestampIsReported(t *testing.T) {
	// GIVEN: A series row whose created_at is not a timestamp
	// WHEN: Reading it back
	// THEN: The read fails instead of returning a zero time

	store, err := New(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	_, err = store.db.ExecContext(ctx,
		"INSERT INTO series (id, owner_id, active, watermark, created_at) VALUES ('s1', 'alice', 1, '2024-01-01', 'yesterday')")
	require.NoError(t, err)

	_, err = store.GetSeries(ctx, "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "series s1")

	_, err = store.ListSeries(ctx, "alice")
	assert.Error(t, err)
}
