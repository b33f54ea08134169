package recurrence_test

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
	"github.com/warp/recurring-engine/recurrence/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const owner = recurrence.OwnerID("alice")

var now = time.Date(2024, time.July, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*recurrence.Engine, *store.TxMemory) {
	t.Helper()
	mem := store.NewTxMemory()
	return recurrence.NewEngine(mem, zerolog.Nop()), mem
}

func rent(p recurrence.Periodicity, start, end recurrence.Date) recurrence.NewSeries {
	return recurrence.NewSeries{
		Owner:       owner,
		Description: "Rent",
		Category:    "housing",
		Amount:      decimal.RequireFromString("1200.50"),
		Type:        recurrence.Expense,
		Periodicity: p,
		StartDate:   start,
		EndDate:     end,
	}
}

func seriesDates(t *testing.T, s recurrence.SeriesStore, id recurrence.SeriesID) []string {
	t.Helper()
	txs, err := s.ListTransactions(context.Background(), owner, recurrence.Date{}, recurrence.Date{})
	require.NoError(t, err)
	var dates []string
	for _, tx := range txs {
		if tx.SeriesID == id {
			dates = append(dates, tx.Date.String())
		}
	}
	return dates
}

// =============================================================================
// GENERATION SCENARIOS
// =============================================================================

func TestGenerateDue_MonthlyFromJan31ClampsPerMonth(t *testing.T) {
	// GIVEN: A monthly series starting 2024-01-31, no end date
	// WHEN: Generating up to 2024-04-30
	// THEN: Feb 29, Mar 31 and Apr 30 exist next to the base row and the
	//       watermark ends on Apr 30

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	s, _, err := engine.CreateSeries(ctx, rent(recurrence.Monthly, date(2024, time.January, 31), recurrence.Date{}), now)
	require.NoError(t, err)

	report, err := engine.GenerateDue(ctx, owner, date(2024, time.April, 30), now)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Equal(t, []string{"2024-01-31", "2024-02-29", "2024-03-31", "2024-04-30"}, seriesDates(t, mem, s.ID))
	assert.Len(t, report.Created(), 3)

	got, err := mem.GetSeries(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-04-30", got.Watermark.String())
}

func TestGenerateDue_WeeklyStopsAtEndDate(t *testing.T) {
	// GIVEN: A weekly series 2024-06-01..2024-06-15
	// WHEN: Generating far past the end date
	// THEN: Only 06-08 and 06-15 are added; watermark stays <= 06-15

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	s, _, err := engine.CreateSeries(ctx, rent(recurrence.Weekly, date(2024, time.June, 1), date(2024, time.June, 15)), now)
	require.NoError(t, err)

	_, err = engine.GenerateDue(ctx, owner, date(2024, time.December, 31), now)
	require.NoError(t, err)

	assert.Equal(t, []string{"2024-06-01", "2024-06-08", "2024-06-15"}, seriesDates(t, mem, s.ID))
	got, err := mem.GetSeries(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.Watermark.After(date(2024, time.June, 15)))
}

func TestGenerateDue_Idempotent(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)
	s, _, err := engine.CreateSeries(ctx, rent(recurrence.Weekly, date(2024, time.January, 1), recurrence.Date{}), now)
	require.NoError(t, err)

	horizon := date(2024, time.March, 31)
	_, err = engine.GenerateDue(ctx, owner, horizon, now)
	require.NoError(t, err)
	first := seriesDates(t, mem, s.ID)

	// Repeated and overlapping horizons
	for _, h := range []recurrence.Date{horizon, date(2024, time.February, 1), horizon} {
		report, err := engine.GenerateDue(ctx, owner, h, now)
		require.NoError(t, err)
		assert.Empty(t, report.Created())
	}

	assert.Equal(t, first, seriesDates(t, mem, s.ID))
}

func TestGenerateDue_WatermarkNeverDecreases(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)
	s, _, err := engine.CreateSeries(ctx, rent(recurrence.Daily, date(2024, time.January, 1), recurrence.Date{}), now)
	require.NoError(t, err)

	_, err = engine.GenerateDue(ctx, owner, date(2024, time.January, 20), now)
	require.NoError(t, err)
	_, err = engine.GenerateDue(ctx, owner, date(2024, time.January, 5), now)
	require.NoError(t, err)

	got, err := mem.GetSeries(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-20", got.Watermark.String())
}

func TestGenerateDue_HorizonBeforeStartIsNoop(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)
	s, _, err := engine.CreateSeries(ctx, rent(recurrence.Monthly, date(2024, time.September, 1), recurrence.Date{}), now)
	require.NoError(t, err)

	report, err := engine.GenerateDue(ctx, owner, date(2024, time.July, 1), now)
	require.NoError(t, err)

	assert.Empty(t, report.Created())
	assert.Equal(t, []string{"2024-09-01"}, seriesDates(t, mem, s.ID))
}

func TestGenerateDue_SnapshotsTemplateFields(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)
	s, base, err := engine.CreateSeries(ctx, rent(recurrence.Monthly, date(2024, time.January, 15), recurrence.Date{}), now)
	require.NoError(t, err)

	report, err := engine.GenerateDue(ctx, owner, date(2024, time.February, 15), now)
	require.NoError(t, err)
	require.Len(t, report.Created(), 1)

	occ := report.Created()[0]
	assert.NotEqual(t, base.ID, occ.ID)
	assert.Equal(t, s.ID, occ.SeriesID)
	assert.True(t, occ.Recurring)
	assert.Equal(t, base.Description, occ.Description)
	assert.Equal(t, base.Category, occ.Category)
	assert.True(t, base.Amount.Equal(occ.Amount))
	assert.Equal(t, base.Type, occ.Type)
	assert.Equal(t, base.Periodicity, occ.Periodicity)
	assert.Equal(t, base.StartDate, occ.StartDate)
	assert.Equal(t, "2024-02-15", occ.Date.String())

	tmpl, err := mem.Template(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, base.ID, tmpl.ID)
}

func TestGenerateDue_OtherOwnersUntouched(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)
	in := rent(recurrence.Daily, date(2024, time.January, 1), recurrence.Date{})
	in.Owner = "bob"
	s, _, err := engine.CreateSeries(ctx, in, now)
	require.NoError(t, err)

	report, err := engine.GenerateDue(ctx, owner, date(2024, time.January, 10), now)
	require.NoError(t, err)

	assert.Empty(t, report.Series)
	got, err := mem.GetSeries(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", got.Watermark.String())
}

// =============================================================================
// WORK CAP
// =============================================================================

func TestGenerateDue_CapDefersRemainder(t *testing.T) {
	// GIVEN: A daily series 60 days behind and a cap of 30 per call
	// WHEN: Generating repeatedly
	// THEN: Each call adds at most 30 rows and reports the series deferred
	//       until it has caught up

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	engine.MaxOccurrencesPerSeries = 30
	s, _, err := engine.CreateSeries(ctx, rent(recurrence.Daily, date(2024, time.January, 1), recurrence.Date{}), now)
	require.NoError(t, err)

	horizon := date(2024, time.March, 1) // 60 days after start (leap year)

	report, err := engine.GenerateDue(ctx, owner, horizon, now)
	require.NoError(t, err)
	assert.Len(t, report.Created(), 30)
	assert.Equal(t, []recurrence.SeriesID{s.ID}, report.Deferred())
	assert.Equal(t, "2024-01-31", report.Series[0].Watermark.String())

	report, err = engine.GenerateDue(ctx, owner, horizon, now)
	require.NoError(t, err)
	assert.Len(t, report.Created(), 30)
	assert.Empty(t, report.Deferred())
	assert.Equal(t, "2024-03-01", report.Series[0].Watermark.String())

	assert.Len(t, seriesDates(t, mem, s.ID), 61)
}

// =============================================================================
// UNSUPPORTED PERIODICITY
// =============================================================================

func TestGenerateDue_UnsupportedPeriodicityIsReported(t *testing.T) {
	// GIVEN: A stored series whose template carries an unknown periodicity
	//        (legacy data) next to a healthy one
	// WHEN: Generating
	// THEN: The bad series is skipped and listed; the healthy one proceeds

	ctx := context.Background()
	engine, mem := newTestEngine(t)

	bad := recurrence.Series{ID: "legacy", Owner: owner, Active: true, CreatedAt: now}
	badBase := recurrence.Transaction{
		ID: "legacy-base", Owner: owner, Description: "Gym", Amount: decimal.NewFromInt(30),
		Type: recurrence.Expense, Date: date(2024, time.January, 1), Recurring: true,
		Periodicity: "bimestral", StartDate: date(2024, time.January, 1), SeriesID: "legacy",
	}
	require.NoError(t, mem.CreateSeries(ctx, bad, badBase))

	good, _, err := engine.CreateSeries(ctx, rent(recurrence.Monthly, date(2024, time.January, 1), recurrence.Date{}), now)
	require.NoError(t, err)

	report, err := engine.GenerateDue(ctx, owner, date(2024, time.March, 1), now)
	require.NoError(t, err)

	require.Len(t, report.Skipped, 1)
	assert.Equal(t, recurrence.SeriesID("legacy"), report.Skipped[0].SeriesID)
	assert.ErrorIs(t, report.Err(), recurrence.ErrUnsupportedPeriodicity)
	assert.Equal(t, []string{"2024-01-01"}, seriesDates(t, mem, "legacy"))
	assert.Equal(t, []string{"2024-01-01", "2024-02-01", "2024-03-01"}, seriesDates(t, mem, good.ID))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestGenerateDue_ConcurrentCallsProduceOneRowPerDate(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)
	var ids []recurrence.SeriesID
	for _, p := range []recurrence.Periodicity{recurrence.Daily, recurrence.Weekly, recurrence.Monthly} {
		s, _, err := engine.CreateSeries(ctx, rent(p, date(2024, time.January, 1), recurrence.Date{}), now)
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.GenerateDue(ctx, owner, date(2024, time.March, 1), now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, seriesDates(t, mem, ids[0]), 61)
	assert.Len(t, seriesDates(t, mem, ids[1]), 9)
	assert.Len(t, seriesDates(t, mem, ids[2]), 3)
}

// racingStore reports every date as missing so the engine always hits the
// store's uniqueness constraint on existing rows.
type racingStore struct {
	*store.TxMemory
}

func (r racingStore) WithTx(ctx context.Context, fn func(recurrence.SeriesStore) error) error {
	return r.TxMemory.WithTx(ctx, func(s recurrence.SeriesStore) error {
		return fn(blindExists{s})
	})
}

type blindExists struct {
	recurrence.SeriesStore
}

func (blindExists) Exists(context.Context, recurrence.SeriesID, recurrence.Date) (bool, error) {
	return false, nil
}

func TestGenerateDue_DuplicateInsertTreatedAsSuccess(t *testing.T) {
	ctx := context.Background()
	mem := store.NewTxMemory()
	engine := recurrence.NewEngine(racingStore{mem}, zerolog.Nop())
	s, _, err := engine.CreateSeries(ctx, rent(recurrence.Weekly, date(2024, time.January, 1), recurrence.Date{}), now)
	require.NoError(t, err)

	// Pre-insert the row a concurrent generator would have written.
	base, err := mem.Template(ctx, s.ID)
	require.NoError(t, err)
	require.NoError(t, mem.Insert(ctx, base.Occurrence("other", date(2024, time.January, 8), now)))

	report, err := engine.GenerateDue(ctx, owner, date(2024, time.January, 15), now)
	require.NoError(t, err)

	require.Len(t, report.Created(), 1)
	assert.Equal(t, "2024-01-15", report.Created()[0].Date.String())
	assert.Equal(t, []string{"2024-01-01", "2024-01-08", "2024-01-15"}, seriesDates(t, mem, s.ID))
}

// =============================================================================
// FAILURE RECOVERY
// =============================================================================

var errDisk = errors.New("disk full")

// failingStore fails the first insert on each listed date.
type failingStore struct {
	*store.TxMemory
	mu    sync.Mutex
	fails map[recurrence.Date]bool
}

func (f *failingStore) WithTx(ctx context.Context, fn func(recurrence.SeriesStore) error) error {
	return f.TxMemory.WithTx(ctx, func(s recurrence.SeriesStore) error {
		return fn(&failingView{SeriesStore: s, parent: f})
	})
}

type failingView struct {
	recurrence.SeriesStore
	parent *failingStore
}

func (v *failingView) Insert(ctx context.Context, tx recurrence.Transaction) error {
	v.parent.mu.Lock()
	fail := v.parent.fails[tx.Date]
	delete(v.parent.fails, tx.Date)
	v.parent.mu.Unlock()
	if fail {
		return errDisk
	}
	return v.SeriesStore.Insert(ctx, tx)
}

func TestGenerateDue_FailureLeavesNoGap(t *testing.T) {
	// GIVEN: A store that fails once while inserting Feb 1
	// WHEN: Generating twice
	// THEN: The first call rolls back without moving the watermark and the
	//       second call fills every date

	ctx := context.Background()
	fs := &failingStore{
		TxMemory: store.NewTxMemory(),
		fails:    map[recurrence.Date]bool{date(2024, time.February, 1): true},
	}
	engine := recurrence.NewEngine(fs, zerolog.Nop())
	s, _, err := engine.CreateSeries(ctx, rent(recurrence.Monthly, date(2024, time.January, 1), recurrence.Date{}), now)
	require.NoError(t, err)

	_, err = engine.GenerateDue(ctx, owner, date(2024, time.March, 1), now)
	require.ErrorIs(t, err, errDisk)

	got, err := fs.GetSeries(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", got.Watermark.String())
	assert.Equal(t, []string{"2024-01-01"}, seriesDates(t, fs, s.ID))

	_, err = engine.GenerateDue(ctx, owner, date(2024, time.March, 1), now)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01", "2024-02-01", "2024-03-01"}, seriesDates(t, fs, s.ID))
}

// =============================================================================
// PUBLISHING
// =============================================================================

type recordingPublisher struct {
	mu        sync.Mutex
	generated []recurrence.Transaction
	cancelled []recurrence.CancelResult
	err       error
}

func (p *recordingPublisher) OccurrencesGenerated(_ context.Context, created []recurrence.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generated = append(p.generated, created...)
	return p.err
}

func (p *recordingPublisher) SeriesCancelled(_ context.Context, r recurrence.CancelResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, r)
	return p.err
}

func TestGenerateDue_PublishesCreatedOccurrences(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)
	pub := &recordingPublisher{err: errors.New("broker down")}
	engine.Publisher = pub

	s, _, err := engine.CreateSeries(ctx, rent(recurrence.Weekly, date(2024, time.January, 1), recurrence.Date{}), now)
	require.NoError(t, err)

	report, err := engine.GenerateDue(ctx, owner, date(2024, time.January, 15), now)
	require.NoError(t, err, "publish failures do not fail generation")

	assert.Len(t, pub.generated, 2)
	assert.Len(t, report.Created(), 2)
	assert.Len(t, seriesDates(t, mem, s.ID), 3)
}
