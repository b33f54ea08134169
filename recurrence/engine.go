/*
engine.go - Generation engine

PURPOSE:
  Materializes the occurrences of an owner's active series that are due up
  to a horizon, exactly once each, and advances every series' watermark.

ALGORITHM (per active series):
  1. effectiveEnd = min(horizon, template end date)
  2. cursor = watermark, or the template start date if unset
  3. cursor = NextAnchored(cursor) while cursor <= effectiveEnd:
       insert a snapshot of the template unless (series, cursor) exists
  4. advance the watermark to the last cursor reached

ATOMICITY:
  Steps 2-4 of one series run in a single store transaction and the
  watermark moves by compare-and-set, so a failed call leaves the previous
  watermark in place and the next call resumes from there.

CONCURRENCY:
  Series are independent and generated in parallel (bounded by
  Concurrency). Two callers racing on the same series both see the store's
  uniqueness constraint; the loser gets ErrDuplicateOccurrence and moves on.

WORK CAP:
  At most MaxOccurrencesPerSeries dates are stepped per series per call.
  The remainder is left for a later call and the result is marked Deferred.

SEE ALSO:
  - calendar.go: NextAnchored
  - store.go: TxStore
  - cancel.go: CancelSeries
*/
package recurrence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxOccurrencesPerSeries matches the historical cap on daily series.
	DefaultMaxOccurrencesPerSeries = 90
	DefaultConcurrency             = 4
)

// Engine generates and cancels recurring occurrences.
type Engine struct {
	Store     TxStore
	Logger    zerolog.Logger
	Publisher Publisher // optional

	MaxOccurrencesPerSeries int
	Concurrency             int

	// NewID generates transaction and series ids.
	NewID func() string
}

// NewEngine creates an engine with default limits and no publisher.
func NewEngine(store TxStore, logger zerolog.Logger) *Engine {
	return &Engine{
		Store:                   store,
		Logger:                  logger.With().Str("component", "engine").Logger(),
		MaxOccurrencesPerSeries: DefaultMaxOccurrencesPerSeries,
		Concurrency:             DefaultConcurrency,
		NewID:                   uuid.NewString,
	}
}

// =============================================================================
// REPORT
// =============================================================================

// SeriesResult describes what one GenerateDue call did to one series.
type SeriesResult struct {
	SeriesID  SeriesID
	Created   []Transaction
	Watermark Date
	Deferred  bool
}

// Report summarises a GenerateDue call.
type Report struct {
	Owner   OwnerID
	Horizon Date
	Series  []SeriesResult

	// Skipped lists series whose template periodicity is unsupported.
	Skipped []*UnsupportedPeriodicityError
}

// Created returns every row inserted by the call.
func (r Report) Created() []Transaction {
	var all []Transaction
	for _, s := range r.Series {
		all = append(all, s.Created...)
	}
	return all
}

// Deferred lists series that hit the per-call cap and still have due dates.
func (r Report) Deferred() []SeriesID {
	var ids []SeriesID
	for _, s := range r.Series {
		if s.Deferred {
			ids = append(ids, s.SeriesID)
		}
	}
	return ids
}

// Err joins the skipped-series errors, or returns nil.
func (r Report) Err() error {
	errs := make([]error, len(r.Skipped))
	for i, e := range r.Skipped {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// =============================================================================
// GENERATE DUE
// =============================================================================

// GenerateDue materializes every occurrence of owner's active series dated
// up to horizon. now stamps the created rows.
//
// The returned error joins store failures of individual series; the report
// still covers the series that succeeded. Unsupported periodicities are not
// errors here, see Report.Skipped.
func (e *Engine) GenerateDue(ctx context.Context, owner OwnerID, horizon Date, now time.Time) (Report, error) {
	report := Report{Owner: owner, Horizon: horizon}
	if owner == "" {
		return report, ErrMissingOwner
	}

	active, err := e.Store.ListActiveSeries(ctx, owner)
	if err != nil {
		return report, fmt.Errorf("list active series: %w", err)
	}

	results := make([]SeriesResult, len(active))
	errs := make([]error, len(active))

	var g errgroup.Group
	g.SetLimit(e.concurrency())
	for i, s := range active {
		i, s := i, s
		g.Go(func() error {
			results[i], errs[i] = e.generateSeries(ctx, s.ID, horizon, now)
			return nil
		})
	}
	_ = g.Wait()

	var failures []error
	for i, err := range errs {
		var unsupported *UnsupportedPeriodicityError
		switch {
		case err == nil:
			report.Series = append(report.Series, results[i])
		case errors.As(err, &unsupported):
			e.Logger.Warn().
				Str("owner", string(owner)).
				Str("series_id", string(unsupported.SeriesID)).
				Str("periodicity", string(unsupported.Periodicity)).
				Msg("skipping series with unsupported periodicity")
			report.Skipped = append(report.Skipped, unsupported)
		default:
			e.Logger.Error().Err(err).
				Str("owner", string(owner)).
				Str("series_id", string(active[i].ID)).
				Msg("generation failed")
			failures = append(failures, fmt.Errorf("series %s: %w", active[i].ID, err))
		}
	}

	created := report.Created()
	if len(created) > 0 {
		e.Logger.Info().
			Str("owner", string(owner)).
			Str("horizon", horizon.String()).
			Int("created", len(created)).
			Msg("occurrences generated")
		e.publishOccurrences(ctx, created)
	}

	return report, errors.Join(failures...)
}

// generateSeries runs one series' catch-up inside a store transaction.
func (e *Engine) generateSeries(ctx context.Context, id SeriesID, horizon Date, now time.Time) (SeriesResult, error) {
	var result SeriesResult

	err := e.Store.WithTx(ctx, func(store SeriesStore) error {
		result = SeriesResult{SeriesID: id}

		// Re-read inside the transaction: a concurrent cancel or generate
		// may have changed the series since it was listed.
		series, err := store.GetSeries(ctx, id)
		if err != nil {
			return err
		}
		result.Watermark = series.Watermark
		if !series.Active {
			return nil
		}

		tmpl, err := store.Template(ctx, id)
		if err != nil {
			return fmt.Errorf("load template: %w", err)
		}
		if !tmpl.Periodicity.Supported() {
			return &UnsupportedPeriodicityError{SeriesID: id, Periodicity: tmpl.Periodicity}
		}
		if tmpl.StartDate.After(horizon) {
			return nil
		}

		cursor := series.Watermark
		if cursor.IsZero() {
			cursor = tmpl.StartDate
		}
		reached := cursor

		for steps := 0; ; steps++ {
			next, err := NextAnchored(tmpl.Periodicity, tmpl.StartDate, cursor)
			if err != nil {
				return err
			}
			if next.After(horizon) || !tmpl.InWindow(next) {
				break
			}
			if steps >= e.maxPerSeries() {
				result.Deferred = true
				break
			}
			cursor = next

			exists, err := store.Exists(ctx, id, cursor)
			if err != nil {
				return fmt.Errorf("check occurrence %s: %w", cursor, err)
			}
			if exists {
				reached = cursor
				continue
			}

			occ := tmpl.Occurrence(TransactionID(e.NewID()), cursor, now)
			switch err := store.Insert(ctx, occ); {
			case err == nil:
				result.Created = append(result.Created, occ)
			case errors.Is(err, ErrDuplicateOccurrence):
				// Lost a race with a concurrent generator; the row exists.
			default:
				return fmt.Errorf("insert occurrence %s: %w", cursor, err)
			}
			reached = cursor
		}

		if reached.After(series.Watermark) || series.Watermark.IsZero() {
			if _, err := store.AdvanceWatermark(ctx, id, reached); err != nil {
				return fmt.Errorf("advance watermark: %w", err)
			}
			result.Watermark = reached
		}
		return nil
	})
	if err != nil {
		return SeriesResult{SeriesID: id}, err
	}
	return result, nil
}

func (e *Engine) concurrency() int {
	if e.Concurrency < 1 {
		return 1
	}
	return e.Concurrency
}

func (e *Engine) maxPerSeries() int {
	if e.MaxOccurrencesPerSeries < 1 {
		return DefaultMaxOccurrencesPerSeries
	}
	return e.MaxOccurrencesPerSeries
}

func (e *Engine) publishOccurrences(ctx context.Context, created []Transaction) {
	if e.Publisher == nil {
		return
	}
	if err := e.Publisher.OccurrencesGenerated(ctx, created); err != nil {
		e.Logger.Error().Err(err).Int("count", len(created)).Msg("publish occurrences")
	}
}
