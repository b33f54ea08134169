// Package storetest is a conformance suite run against every
// recurrence.TxStore implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurring-engine/recurrence"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) recurrence.TxStore

var created = time.Date(2024, time.January, 1, 9, 30, 0, 0, time.UTC)

func day(m time.Month, d int) recurrence.Date { return recurrence.NewDate(2024, m, d) }

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateSeriesRoundTrip", func(t *testing.T) { testCreateSeriesRoundTrip(t, newStore(t)) })
	t.Run("InsertEnforcesUniqueness", func(t *testing.T) { testInsertEnforcesUniqueness(t, newStore(t)) })
	t.Run("DeleteFutureIsStrict", func(t *testing.T) { testDeleteFuture(t, newStore(t)) })
	t.Run("WatermarkCompareAndSet", func(t *testing.T) { testWatermark(t, newStore(t)) })
	t.Run("DeactivateKeepsFirstTimestamp", func(t *testing.T) { testDeactivate(t, newStore(t)) })
	t.Run("WithTxRollsBack", func(t *testing.T) { testWithTxRollback(t, newStore(t)) })
	t.Run("ListingsAreOwnerScoped", func(t *testing.T) { testListings(t, newStore(t)) })
	t.Run("EngineScenarios", func(t *testing.T) { testEngineScenarios(t, newStore(t)) })
	t.Run("ConcurrentGeneration", func(t *testing.T) { testConcurrentGeneration(t, newStore(t)) })
}

func seed(t *testing.T, s recurrence.TxStore, id recurrence.SeriesID, owner recurrence.OwnerID, p recurrence.Periodicity, start recurrence.Date) recurrence.Transaction {
	t.Helper()
	base := recurrence.Transaction{
		ID:          recurrence.TransactionID(string(id) + "-base"),
		Owner:       owner,
		Description: "Rent",
		Category:    "housing",
		Amount:      decimal.RequireFromString("1200.50"),
		Type:        recurrence.Expense,
		Date:        start,
		Recurring:   true,
		Periodicity: p,
		StartDate:   start,
		SeriesID:    id,
		CreatedAt:   created,
	}
	series := recurrence.Series{ID: id, Owner: owner, Active: true, CreatedAt: created, Watermark: start}
	require.NoError(t, s.CreateSeries(context.Background(), series, base))
	return base
}

func testCreateSeriesRoundTrip(t *testing.T, s recurrence.TxStore) {
	ctx := context.Background()
	base := seed(t, s, "s1", "alice", recurrence.Monthly, day(time.January, 31))

	got, err := s.GetSeries(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, recurrence.OwnerID("alice"), got.Owner)
	assert.True(t, got.Active)
	assert.Equal(t, "2024-01-31", got.Watermark.String())
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Nil(t, got.CancelledAt)

	tmpl, err := s.Template(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, base.ID, tmpl.ID)
	assert.Equal(t, base.Description, tmpl.Description)
	assert.Equal(t, base.Category, tmpl.Category)
	assert.True(t, base.Amount.Equal(tmpl.Amount), "amount %s", tmpl.Amount)
	assert.Equal(t, base.Type, tmpl.Type)
	assert.Equal(t, base.Periodicity, tmpl.Periodicity)
	assert.Equal(t, "2024-01-31", tmpl.StartDate.String())
	assert.True(t, tmpl.EndDate.IsZero())
	assert.True(t, tmpl.Recurring)

	_, err = s.GetSeries(ctx, "missing")
	assert.ErrorIs(t, err, recurrence.ErrNotFound)
	_, err = s.Template(ctx, "missing")
	assert.ErrorIs(t, err, recurrence.ErrNotFound)
}

func testInsertEnforcesUniqueness(t *testing.T, s recurrence.TxStore) {
	ctx := context.Background()
	base := seed(t, s, "s1", "alice", recurrence.Weekly, day(time.January, 1))

	require.NoError(t, s.Insert(ctx, base.Occurrence("o1", day(time.January, 8), created)))
	err := s.Insert(ctx, base.Occurrence("o2", day(time.January, 8), created))
	assert.ErrorIs(t, err, recurrence.ErrDuplicateOccurrence)

	exists, err := s.Exists(ctx, "s1", day(time.January, 8))
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.Exists(ctx, "s1", day(time.January, 15))
	require.NoError(t, err)
	assert.False(t, exists)

	// A duplicate inside a transaction does not poison it.
	err = s.WithTx(ctx, func(tx recurrence.SeriesStore) error {
		if err := tx.Insert(ctx, base.Occurrence("o3", day(time.January, 8), created)); !errors.Is(err, recurrence.ErrDuplicateOccurrence) {
			return err
		}
		return tx.Insert(ctx, base.Occurrence("o4", day(time.January, 15), created))
	})
	require.NoError(t, err)

	latest, ok, err := s.LatestOccurrence(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-01-15", latest.String())

	_, ok, err = s.LatestOccurrence(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testDeleteFuture(t *testing.T, s recurrence.TxStore) {
	ctx := context.Background()
	base := seed(t, s, "s1", "alice", recurrence.Monthly, day(time.January, 1))
	for i, m := range []time.Month{time.February, time.March, time.April} {
		id := recurrence.TransactionID([]string{"feb", "mar", "apr"}[i])
		require.NoError(t, s.Insert(ctx, base.Occurrence(id, day(m, 1), created)))
	}

	n, err := s.DeleteFuture(ctx, "s1", day(time.March, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.DeleteFuture(ctx, "s1", day(time.March, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	exists, err := s.Exists(ctx, "s1", day(time.March, 1))
	require.NoError(t, err)
	assert.True(t, exists, "rows on the boundary are kept")
}

func testWatermark(t *testing.T, s recurrence.TxStore) {
	ctx := context.Background()
	seed(t, s, "s1", "alice", recurrence.Daily, day(time.January, 1))

	moved, err := s.AdvanceWatermark(ctx, "s1", day(time.January, 10))
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.AdvanceWatermark(ctx, "s1", day(time.January, 5))
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := s.GetSeries(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-10", got.Watermark.String())

	_, err = s.AdvanceWatermark(ctx, "missing", day(time.January, 10))
	assert.ErrorIs(t, err, recurrence.ErrNotFound)
}

func testDeactivate(t *testing.T, s recurrence.TxStore) {
	ctx := context.Background()
	seed(t, s, "s1", "alice", recurrence.Daily, day(time.January, 1))

	first := created.Add(time.Hour)
	require.NoError(t, s.Deactivate(ctx, "s1", first))
	require.NoError(t, s.Deactivate(ctx, "s1", first.Add(time.Hour)))

	got, err := s.GetSeries(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	require.NotNil(t, got.CancelledAt)
	assert.True(t, got.CancelledAt.Equal(first))

	assert.ErrorIs(t, s.Deactivate(ctx, "missing", first), recurrence.ErrNotFound)
}

func testWithTxRollback(t *testing.T, s recurrence.TxStore) {
	ctx := context.Background()
	base := seed(t, s, "s1", "alice", recurrence.Monthly, day(time.January, 1))
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx recurrence.SeriesStore) error {
		if err := tx.Insert(ctx, base.Occurrence("o1", day(time.February, 1), created)); err != nil {
			return err
		}
		if _, err := tx.AdvanceWatermark(ctx, "s1", day(time.February, 1)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	exists, err := s.Exists(ctx, "s1", day(time.February, 1))
	require.NoError(t, err)
	assert.False(t, exists)
	got, err := s.GetSeries(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", got.Watermark.String())
}

func testListings(t *testing.T, s recurrence.TxStore) {
	ctx := context.Background()
	seed(t, s, "s1", "alice", recurrence.Monthly, day(time.January, 1))
	seed(t, s, "s2", "bob", recurrence.Weekly, day(time.January, 5))
	seed(t, s, "s3", "alice", recurrence.Annual, day(time.March, 1))
	require.NoError(t, s.SaveTransaction(ctx, recurrence.Transaction{
		ID: "coffee", Owner: "alice", Description: "Coffee", Amount: decimal.RequireFromString("3.20"),
		Type: recurrence.Expense, Date: day(time.February, 2), CreatedAt: created,
	}))

	all, err := s.ListTransactions(ctx, "alice", recurrence.Date{}, recurrence.Date{})
	require.NoError(t, err)
	var ids []recurrence.TransactionID
	for _, tx := range all {
		ids = append(ids, tx.ID)
	}
	assert.Equal(t, []recurrence.TransactionID{"s1-base", "coffee", "s3-base"}, ids)
	assert.False(t, all[1].Recurring)
	assert.Empty(t, all[1].SeriesID)

	ranged, err := s.ListTransactions(ctx, "alice", day(time.February, 1), day(time.February, 29))
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, recurrence.TransactionID("coffee"), ranged[0].ID)

	series, err := s.ListSeries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, recurrence.SeriesID("s1"), series[0].ID)

	require.NoError(t, s.Deactivate(ctx, "s1", created))
	active, err := s.ListActiveSeries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, recurrence.SeriesID("s3"), active[0].ID)

	owners, err := s.ListOwnersWithActiveSeries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []recurrence.OwnerID{"alice", "bob"}, owners)
}

func testEngineScenarios(t *testing.T, s recurrence.TxStore) {
	ctx := context.Background()
	engine := recurrence.NewEngine(s, zerolog.Nop())
	now := time.Date(2024, time.July, 1, 12, 0, 0, 0, time.UTC)

	monthly, _, err := engine.CreateSeries(ctx, recurrence.NewSeries{
		Owner: "alice", Description: "Rent", Amount: decimal.NewFromInt(900), Type: recurrence.Expense,
		Periodicity: recurrence.Monthly, StartDate: day(time.January, 31),
	}, now)
	require.NoError(t, err)
	weekly, _, err := engine.CreateSeries(ctx, recurrence.NewSeries{
		Owner: "alice", Description: "Cleaning", Amount: decimal.NewFromInt(40), Type: recurrence.Expense,
		Periodicity: recurrence.Weekly, StartDate: day(time.June, 1), EndDate: day(time.June, 15),
	}, now)
	require.NoError(t, err)

	_, err = engine.GenerateDue(ctx, "alice", day(time.April, 30), now)
	require.NoError(t, err)
	report, err := engine.GenerateDue(ctx, "alice", recurrence.NewDate(2024, time.December, 31), now)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	dates := func(id recurrence.SeriesID) []string {
		txs, err := s.ListTransactions(ctx, "alice", recurrence.Date{}, day(time.April, 30))
		require.NoError(t, err)
		var out []string
		for _, tx := range txs {
			if tx.SeriesID == id {
				out = append(out, tx.Date.String())
			}
		}
		return out
	}
	assert.Equal(t, []string{"2024-01-31", "2024-02-29", "2024-03-31", "2024-04-30"}, dates(monthly.ID))

	all, err := s.ListTransactions(ctx, "alice", day(time.June, 1), recurrence.NewDate(2024, time.December, 31))
	require.NoError(t, err)
	var weeklyDates []string
	for _, tx := range all {
		if tx.SeriesID == weekly.ID {
			weeklyDates = append(weeklyDates, tx.Date.String())
		}
	}
	assert.Equal(t, []string{"2024-06-01", "2024-06-08", "2024-06-15"}, weeklyDates)

	result, err := engine.CancelSeries(ctx, monthly.ID, "alice", day(time.March, 31), now)
	require.NoError(t, err)
	assert.Equal(t, 9, result.Deleted) // Apr 30 .. Dec 31
	assert.Equal(t, []string{"2024-01-31", "2024-02-29", "2024-03-31"}, dates(monthly.ID))
}

func testConcurrentGeneration(t *testing.T, s recurrence.TxStore) {
	ctx := context.Background()
	now := time.Date(2024, time.July, 1, 12, 0, 0, 0, time.UTC)
	creator := recurrence.NewEngine(s, zerolog.Nop())
	series, _, err := creator.CreateSeries(ctx, recurrence.NewSeries{
		Owner: "alice", Description: "Coffee", Amount: decimal.NewFromInt(3), Type: recurrence.Expense,
		Periodicity: recurrence.Daily, StartDate: day(time.January, 1),
	}, now)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine := recurrence.NewEngine(s, zerolog.Nop())
			_, err := engine.GenerateDue(ctx, "alice", day(time.February, 29), now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	txs, err := s.ListTransactions(ctx, "alice", recurrence.Date{}, recurrence.Date{})
	require.NoError(t, err)
	seen := make(map[string]bool)
	for _, tx := range txs {
		require.Equal(t, series.ID, tx.SeriesID)
		require.False(t, seen[tx.Date.String()], "duplicate %s", tx.Date)
		seen[tx.Date.String()] = true
	}
	assert.Len(t, seen, 60)
}
