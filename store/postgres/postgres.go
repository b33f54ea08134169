/*
Package postgres provides a PostgreSQL implementation of recurrence.TxStore.

PURPOSE:
  Same contract and schema shape as the SQLite store, on pgx. Use it when
  several server instances share one database.

CONCURRENCY:
  - Occurrences are inserted with ON CONFLICT (series_id, occurrence_date)
    DO NOTHING, so a losing writer neither fails nor aborts its transaction.
  - The watermark UPDATE carries its own compare-and-set predicate; the row
    lock makes a concurrent writer re-evaluate it after the first commits.

TYPES:
  amount          NUMERIC (read back as text, parsed with shopspring/decimal)
  occurrence_date DATE
  created_at      TIMESTAMPTZ

MIGRATION:
  Embedded migrations/ are applied with golang-migrate (pgx/v5 driver) over
  a short-lived database/sql handle.
*/
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/warp/recurring-engine/recurrence"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Store implements recurrence.TxStore on a pgx pool.
type Store struct {
	queries
	pool *pgxpool.Pool
}

var _ recurrence.TxStore = (*Store)(nil)

// New connects to databaseURL and applies migrations.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	if err := Migrate(databaseURL); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{queries: queries{q: pool}, pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies the embedded migrations.
func Migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("open migration database: %w", err)
	}
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("create pgx driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(recurrence.SeriesStore) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&queries{q: tx, lockSeries: true}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q querier

	// lockSeries makes GetSeries take a row lock, serializing generate and
	// cancel on the same series until the transaction ends.
	lockSeries bool
}

// =============================================================================
// OCCURRENCE STORE
// =============================================================================

func (s *queries) Exists(ctx context.Context, id recurrence.SeriesID, date recurrence.Date) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM transactions WHERE series_id = $1 AND occurrence_date = $2)",
		string(id), date.Time,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check occurrence: %w", err)
	}
	return exists, nil
}

func (s *queries) Insert(ctx context.Context, tx recurrence.Transaction) error {
	tag, err := s.q.Exec(ctx, insertTransaction+`
		ON CONFLICT (series_id, occurrence_date) DO NOTHING`,
		transactionArgs(tx)...,
	)
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation {
			return &recurrence.NotFoundError{SeriesID: tx.SeriesID, Owner: tx.Owner}
		}
		return fmt.Errorf("failed to insert occurrence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &recurrence.DuplicateOccurrenceError{SeriesID: tx.SeriesID, Date: tx.Date}
	}
	return nil
}

func (s *queries) DeleteFuture(ctx context.Context, id recurrence.SeriesID, after recurrence.Date) (int, error) {
	tag, err := s.q.Exec(ctx,
		"DELETE FROM transactions WHERE series_id = $1 AND occurrence_date > $2",
		string(id), after.Time,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete future occurrences: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *queries) LatestOccurrence(ctx context.Context, id recurrence.SeriesID) (recurrence.Date, bool, error) {
	var latest pgtype.Date
	err := s.q.QueryRow(ctx,
		"SELECT MAX(occurrence_date) FROM transactions WHERE series_id = $1", string(id),
	).Scan(&latest)
	if err != nil {
		return recurrence.Date{}, false, fmt.Errorf("failed to query latest occurrence: %w", err)
	}
	if !latest.Valid {
		return recurrence.Date{}, false, nil
	}
	return recurrence.DateOf(latest.Time), true, nil
}

// =============================================================================
// SERIES STORE
// =============================================================================

func (s *queries) CreateSeries(ctx context.Context, series recurrence.Series, base recurrence.Transaction) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO series (id, owner_id, active, watermark, created_at, cancelled_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(series.ID), string(series.Owner), series.Active, nullDate(series.Watermark),
		series.CreatedAt, series.CancelledAt,
	)
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return &recurrence.DuplicateOccurrenceError{SeriesID: series.ID, Date: base.Date}
		}
		return fmt.Errorf("failed to create series: %w", err)
	}
	return s.Insert(ctx, base)
}

const selectSeries = `
	SELECT id, owner_id, active, watermark, created_at, cancelled_at
	FROM series`

func (s *queries) GetSeries(ctx context.Context, id recurrence.SeriesID) (recurrence.Series, error) {
	query := selectSeries + " WHERE id = $1"
	if s.lockSeries {
		query += " FOR UPDATE"
	}
	list, err := s.querySeries(ctx, query, string(id))
	if err != nil {
		return recurrence.Series{}, err
	}
	if len(list) == 0 {
		return recurrence.Series{}, &recurrence.NotFoundError{SeriesID: id}
	}
	return list[0], nil
}

func (s *queries) ListSeries(ctx context.Context, owner recurrence.OwnerID) ([]recurrence.Series, error) {
	return s.querySeries(ctx, selectSeries+" WHERE owner_id = $1 ORDER BY created_at, id", string(owner))
}

func (s *queries) ListActiveSeries(ctx context.Context, owner recurrence.OwnerID) ([]recurrence.Series, error) {
	return s.querySeries(ctx, selectSeries+" WHERE owner_id = $1 AND active ORDER BY created_at, id", string(owner))
}

func (s *queries) ListOwnersWithActiveSeries(ctx context.Context) ([]recurrence.OwnerID, error) {
	rows, err := s.q.Query(ctx, "SELECT DISTINCT owner_id FROM series WHERE active ORDER BY owner_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query owners: %w", err)
	}
	owners, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (recurrence.OwnerID, error) {
		var o string
		err := row.Scan(&o)
		return recurrence.OwnerID(o), err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan owners: %w", err)
	}
	return owners, nil
}

func (s *queries) Template(ctx context.Context, id recurrence.SeriesID) (recurrence.Transaction, error) {
	txs, err := s.queryTransactions(ctx,
		selectTransaction+" WHERE series_id = $1 ORDER BY occurrence_date, seq LIMIT 1", string(id))
	if err != nil {
		return recurrence.Transaction{}, err
	}
	if len(txs) == 0 {
		return recurrence.Transaction{}, &recurrence.NotFoundError{SeriesID: id}
	}
	return txs[0], nil
}

func (s *queries) AdvanceWatermark(ctx context.Context, id recurrence.SeriesID, to recurrence.Date) (bool, error) {
	tag, err := s.q.Exec(ctx,
		"UPDATE series SET watermark = $1 WHERE id = $2 AND (watermark IS NULL OR watermark < $1)",
		to.Time, string(id),
	)
	if err != nil {
		return false, fmt.Errorf("failed to advance watermark: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.GetSeries(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *queries) Deactivate(ctx context.Context, id recurrence.SeriesID, at time.Time) error {
	tag, err := s.q.Exec(ctx,
		"UPDATE series SET active = FALSE, cancelled_at = COALESCE(cancelled_at, $1) WHERE id = $2",
		at, string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate series: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &recurrence.NotFoundError{SeriesID: id}
	}
	return nil
}

func (s *queries) SaveTransaction(ctx context.Context, tx recurrence.Transaction) error {
	if _, err := s.q.Exec(ctx, insertTransaction, transactionArgs(tx)...); err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

func (s *queries) ListTransactions(ctx context.Context, owner recurrence.OwnerID, from, to recurrence.Date) ([]recurrence.Transaction, error) {
	query := selectTransaction + " WHERE owner_id = $1"
	args := []any{string(owner)}
	if !from.IsZero() {
		args = append(args, from.Time)
		query += fmt.Sprintf(" AND occurrence_date >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to.Time)
		query += fmt.Sprintf(" AND occurrence_date <= $%d", len(args))
	}
	return s.queryTransactions(ctx, query+" ORDER BY occurrence_date, seq", args...)
}

// =============================================================================
// ROW MAPPING
// =============================================================================

const insertTransaction = `
	INSERT INTO transactions
	(id, owner_id, description, category, amount, tx_type, occurrence_date,
	 recurring, periodicity, start_date, end_date, series_id, created_at)
	VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13)`

const selectTransaction = `
	SELECT id, owner_id, description, category, amount::text, tx_type, occurrence_date,
	       recurring, periodicity, start_date, end_date, series_id, created_at
	FROM transactions`

func transactionArgs(tx recurrence.Transaction) []any {
	return []any{
		string(tx.ID),
		string(tx.Owner),
		tx.Description,
		tx.Category,
		tx.Amount.String(),
		string(tx.Type),
		tx.Date.Time,
		tx.Recurring,
		nullString(string(tx.Periodicity)),
		nullDate(tx.StartDate),
		nullDate(tx.EndDate),
		nullString(string(tx.SeriesID)),
		tx.CreatedAt,
	}
}

func (s *queries) queryTransactions(ctx context.Context, query string, args ...any) ([]recurrence.Transaction, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	txs, err := pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transactions: %w", err)
	}
	return txs, nil
}

func scanTransaction(row pgx.CollectableRow) (recurrence.Transaction, error) {
	var (
		tx                    recurrence.Transaction
		id, owner, txType     string
		amount                string
		date                  time.Time
		periodicity, seriesID pgtype.Text
		startDate, endDate    pgtype.Date
	)
	err := row.Scan(&id, &owner, &tx.Description, &tx.Category, &amount, &txType, &date,
		&tx.Recurring, &periodicity, &startDate, &endDate, &seriesID, &tx.CreatedAt)
	if err != nil {
		return tx, err
	}

	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return tx, fmt.Errorf("transaction %s: invalid amount %q: %w", id, amount, err)
	}
	tx.ID = recurrence.TransactionID(id)
	tx.Owner = recurrence.OwnerID(owner)
	tx.Type = recurrence.TxType(txType)
	tx.Date = recurrence.DateOf(date)
	tx.Periodicity = recurrence.Periodicity(periodicity.String)
	tx.SeriesID = recurrence.SeriesID(seriesID.String)
	if startDate.Valid {
		tx.StartDate = recurrence.DateOf(startDate.Time)
	}
	if endDate.Valid {
		tx.EndDate = recurrence.DateOf(endDate.Time)
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, nil
}

func (s *queries) querySeries(ctx context.Context, query string, args ...any) ([]recurrence.Series, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query series: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (recurrence.Series, error) {
		var (
			series      recurrence.Series
			id, owner   string
			watermark   pgtype.Date
			cancelledAt *time.Time
		)
		if err := row.Scan(&id, &owner, &series.Active, &watermark, &series.CreatedAt, &cancelledAt); err != nil {
			return series, err
		}
		series.ID = recurrence.SeriesID(id)
		series.Owner = recurrence.OwnerID(owner)
		if watermark.Valid {
			series.Watermark = recurrence.DateOf(watermark.Time)
		}
		series.CreatedAt = series.CreatedAt.UTC()
		if cancelledAt != nil {
			t := cancelledAt.UTC()
			series.CancelledAt = &t
		}
		return series, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan series: %w", err)
	}
	return list, nil
}

// Helper functions

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullDate(d recurrence.Date) *time.Time {
	if d.IsZero() {
		return nil
	}
	return &d.Time
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
