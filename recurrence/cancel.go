package recurrence

import (
	"context"
	"fmt"
	"time"
)

// CancelResult reports the outcome of CancelSeries.
type CancelResult struct {
	SeriesID SeriesID
	Owner    OwnerID
	AsOf     Date
	Deleted  int

	// AlreadyInactive is true when the series had been cancelled before.
	AlreadyInactive bool
}

// CancelSeries deactivates a series and deletes its rows dated strictly
// after asOf. Rows on or before asOf are kept. Cancelling an inactive
// series is not an error; stray future rows are pruned again.
func (e *Engine) CancelSeries(ctx context.Context, id SeriesID, owner OwnerID, asOf Date, now time.Time) (CancelResult, error) {
	result := CancelResult{SeriesID: id, Owner: owner, AsOf: asOf}

	err := e.Store.WithTx(ctx, func(store SeriesStore) error {
		s, err := store.GetSeries(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				return &NotFoundError{SeriesID: id, Owner: owner}
			}
			return err
		}
		if s.Owner != owner {
			return &NotFoundError{SeriesID: id, Owner: owner}
		}

		result.AlreadyInactive = !s.Active
		if err := store.Deactivate(ctx, id, now); err != nil {
			return fmt.Errorf("deactivate: %w", err)
		}
		n, err := store.DeleteFuture(ctx, id, asOf)
		if err != nil {
			return fmt.Errorf("delete future occurrences: %w", err)
		}
		result.Deleted = n
		return nil
	})
	if err != nil {
		return CancelResult{}, err
	}

	e.Logger.Info().
		Str("owner", string(owner)).
		Str("series_id", string(id)).
		Str("as_of", asOf.String()).
		Int("deleted", result.Deleted).
		Bool("already_inactive", result.AlreadyInactive).
		Msg("series cancelled")

	if e.Publisher != nil {
		if err := e.Publisher.SeriesCancelled(ctx, result); err != nil {
			e.Logger.Error().Err(err).Str("series_id", string(id)).Msg("publish cancellation")
		}
	}
	return result, nil
}
