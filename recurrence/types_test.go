package recurrence_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/recurring-engine/recurrence"
)

func TestNewSeries_Validate(t *testing.T) {
	valid := rent(recurrence.Monthly, date(2024, time.January, 1), recurrence.Date{})

	tests := []struct {
		name    string
		mutate  func(*recurrence.NewSeries)
		wantErr error
	}{
		{"valid", func(*recurrence.NewSeries) {}, nil},
		{"missing owner", func(n *recurrence.NewSeries) { n.Owner = " " }, recurrence.ErrMissingOwner},
		{"empty description", func(n *recurrence.NewSeries) { n.Description = "  " }, recurrence.ErrEmptyDescription},
		{"long description", func(n *recurrence.NewSeries) { n.Description = strings.Repeat("x", 256) }, recurrence.ErrDescriptionLength},
		{"accented description at limit", func(n *recurrence.NewSeries) { n.Description = strings.Repeat("ñ", 255) }, nil},
		{"accented description over limit", func(n *recurrence.NewSeries) { n.Description = strings.Repeat("é", 256) }, recurrence.ErrDescriptionLength},
		{"zero amount", func(n *recurrence.NewSeries) { n.Amount = decimal.Zero }, recurrence.ErrInvalidAmount},
		{"negative amount", func(n *recurrence.NewSeries) { n.Amount = decimal.NewFromInt(-5) }, recurrence.ErrInvalidAmount},
		{"bad type", func(n *recurrence.NewSeries) { n.Type = "TRANSFER" }, recurrence.ErrInvalidType},
		{"bad periodicity", func(n *recurrence.NewSeries) { n.Periodicity = "HOURLY" }, recurrence.ErrUnsupportedPeriodicity},
		{"missing start", func(n *recurrence.NewSeries) { n.StartDate = recurrence.Date{} }, recurrence.ErrMissingStartDate},
		{"end before start", func(n *recurrence.NewSeries) { n.EndDate = date(2023, time.December, 31) }, recurrence.ErrInvalidWindow},
		{"end equals start", func(n *recurrence.NewSeries) { n.EndDate = n.StartDate }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			err := in.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, recurrence.IsClientError(err))
		})
	}
}

func TestCreateSeries_InvalidWindowNeverReachesStore(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)

	_, _, err := engine.CreateSeries(ctx, rent(recurrence.Monthly, date(2024, time.March, 1), date(2024, time.February, 1)), now)
	require.ErrorIs(t, err, recurrence.ErrInvalidWindow)

	series, err := mem.ListSeries(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, series)
}

func TestCreateSeries_BaseRowIsFirstOccurrence(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)

	s, base, err := engine.CreateSeries(ctx, rent(recurrence.Annual, date(2024, time.February, 29), recurrence.Date{}), now)
	require.NoError(t, err)

	assert.True(t, s.Active)
	assert.Equal(t, "2024-02-29", s.Watermark.String())
	assert.Equal(t, s.ID, base.SeriesID)
	assert.True(t, base.Recurring)
	assert.Equal(t, base.StartDate, base.Date)

	latest, ok, err := mem.LatestOccurrence(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2024-02-29", latest.String())
}

func TestCreateTransaction_OneOff(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)

	tx, err := engine.CreateTransaction(ctx, recurrence.NewTransaction{
		Owner:       owner,
		Description: "Salary bonus",
		Amount:      decimal.RequireFromString("250"),
		Type:        recurrence.Income,
	}, now)
	require.NoError(t, err)

	assert.False(t, tx.Recurring)
	assert.Empty(t, tx.SeriesID)
	assert.Equal(t, "2024-07-01", tx.Date.String(), "defaults to the day of now")

	all, err := mem.ListTransactions(ctx, owner, recurrence.Date{}, recurrence.Date{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, tx.ID, all[0].ID)

	_, err = engine.CreateTransaction(ctx, recurrence.NewTransaction{Owner: owner, Description: "x", Type: recurrence.Income}, now)
	assert.ErrorIs(t, err, recurrence.ErrInvalidAmount)
}

func TestTransaction_InWindow(t *testing.T) {
	tx := recurrence.Transaction{StartDate: date(2024, time.June, 1), EndDate: date(2024, time.June, 15)}

	assert.False(t, tx.InWindow(date(2024, time.May, 31)))
	assert.True(t, tx.InWindow(date(2024, time.June, 1)))
	assert.True(t, tx.InWindow(date(2024, time.June, 15)))
	assert.False(t, tx.InWindow(date(2024, time.June, 16)))

	tx.EndDate = recurrence.Date{}
	assert.True(t, tx.InWindow(date(2030, time.January, 1)))
}
