/*
store.go - Persistence interfaces for occurrences and series

PURPOSE:
  Defines the boundary between the engine and the database. The store, not
  the engine, enforces (series, date) uniqueness, so concurrent generation
  calls racing on the same date resolve to a single row.

KEY INTERFACES:
  OccurrenceStore: the four operations the generation engine relies on
  SeriesStore:     series lifecycle + read views
  TxStore:         atomic multi-write (a generation batch and its watermark)

WATERMARK:
  AdvanceWatermark is a compare-and-set: it only moves the watermark
  forward. Callers that lose a race see moved == false and carry on.

IMPLEMENTATIONS:
  - recurrence/store/memory.go: In-memory (tests, dev)
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL via pgx

SEE ALSO:
  - engine.go: Uses TxStore
*/
package recurrence

import (
	"context"
	"time"
)

// =============================================================================
// OCCURRENCE STORE
// =============================================================================

type OccurrenceStore interface {
	// Exists reports whether a row exists for (seriesID, date).
	Exists(ctx context.Context, seriesID SeriesID, date Date) (bool, error)

	// Insert persists a series row. Returns an error wrapping
	// ErrDuplicateOccurrence if (SeriesID, Date) already exists.
	Insert(ctx context.Context, tx Transaction) error

	// DeleteFuture removes rows of the series dated strictly after after.
	DeleteFuture(ctx context.Context, seriesID SeriesID, after Date) (int, error)

	// LatestOccurrence returns the latest stored date for the series.
	LatestOccurrence(ctx context.Context, seriesID SeriesID) (Date, bool, error)
}

// =============================================================================
// SERIES STORE
// =============================================================================

type SeriesStore interface {
	OccurrenceStore

	// CreateSeries persists a series together with its base row.
	CreateSeries(ctx context.Context, s Series, base Transaction) error

	// GetSeries returns ErrNotFound when id is unknown.
	GetSeries(ctx context.Context, id SeriesID) (Series, error)

	// ListSeries returns every series of owner, oldest first.
	ListSeries(ctx context.Context, owner OwnerID) ([]Series, error)

	// ListActiveSeries returns active series of owner, oldest first.
	ListActiveSeries(ctx context.Context, owner OwnerID) ([]Series, error)

	// ListOwnersWithActiveSeries is used by the background scheduler.
	ListOwnersWithActiveSeries(ctx context.Context) ([]OwnerID, error)

	// Template returns the base row (earliest date) of the series.
	Template(ctx context.Context, id SeriesID) (Transaction, error)

	// AdvanceWatermark sets the watermark to to if it is unset or earlier.
	AdvanceWatermark(ctx context.Context, id SeriesID, to Date) (moved bool, err error)

	// Deactivate marks the series inactive. Deactivating twice keeps the
	// first cancellation timestamp.
	Deactivate(ctx context.Context, id SeriesID, at time.Time) error

	// SaveTransaction persists a one-off row.
	SaveTransaction(ctx context.Context, tx Transaction) error

	// ListTransactions returns rows of owner dated in [from, to]; zero
	// bounds are open.
	ListTransactions(ctx context.Context, owner OwnerID, from, to Date) ([]Transaction, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps SeriesStore with transaction support.
type TxStore interface {
	SeriesStore

	// WithTx executes fn within a transaction.
	// If fn returns error, all writes made through the argument are rolled back.
	WithTx(ctx context.Context, fn func(SeriesStore) error) error
}
