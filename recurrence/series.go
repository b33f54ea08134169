package recurrence

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// CREATION FLOW
// =============================================================================

// CreateSeries validates a recurring template and stores the series together
// with its base row, dated on the start date. The watermark starts at the
// start date since the base row is the first occurrence.
func (e *Engine) CreateSeries(ctx context.Context, in NewSeries, now time.Time) (Series, Transaction, error) {
	if err := in.Validate(); err != nil {
		return Series{}, Transaction{}, err
	}

	series := Series{
		ID:        SeriesID(e.NewID()),
		Owner:     in.Owner,
		Active:    true,
		CreatedAt: now,
		Watermark: in.StartDate,
	}
	base := Transaction{
		ID:          TransactionID(e.NewID()),
		Owner:       in.Owner,
		Description: in.Description,
		Category:    in.Category,
		Amount:      in.Amount,
		Type:        in.Type,
		Date:        in.StartDate,
		Recurring:   true,
		Periodicity: in.Periodicity,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		SeriesID:    series.ID,
		CreatedAt:   now,
	}

	err := e.Store.WithTx(ctx, func(store SeriesStore) error {
		return store.CreateSeries(ctx, series, base)
	})
	if err != nil {
		return Series{}, Transaction{}, fmt.Errorf("create series: %w", err)
	}

	e.Logger.Info().
		Str("owner", string(in.Owner)).
		Str("series_id", string(series.ID)).
		Str("periodicity", string(in.Periodicity)).
		Str("start", in.StartDate.String()).
		Msg("series created")
	return series, base, nil
}

// CreateTransaction stores a one-off row. A zero date means today.
func (e *Engine) CreateTransaction(ctx context.Context, in NewTransaction, now time.Time) (Transaction, error) {
	if err := in.Validate(); err != nil {
		return Transaction{}, err
	}
	date := in.Date
	if date.IsZero() {
		date = DateOf(now)
	}

	tx := Transaction{
		ID:          TransactionID(e.NewID()),
		Owner:       in.Owner,
		Description: in.Description,
		Category:    in.Category,
		Amount:      in.Amount,
		Type:        in.Type,
		Date:        date,
		CreatedAt:   now,
	}
	if err := e.Store.SaveTransaction(ctx, tx); err != nil {
		return Transaction{}, fmt.Errorf("save transaction: %w", err)
	}
	return tx, nil
}

// OwnedSeries returns the series if it belongs to owner.
func (e *Engine) OwnedSeries(ctx context.Context, id SeriesID, owner OwnerID) (Series, error) {
	s, err := e.Store.GetSeries(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return Series{}, &NotFoundError{SeriesID: id, Owner: owner}
		}
		return Series{}, err
	}
	if s.Owner != owner {
		return Series{}, &NotFoundError{SeriesID: id, Owner: owner}
	}
	return s, nil
}
