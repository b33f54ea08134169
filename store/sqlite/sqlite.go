/*
Package sqlite provides a SQLite-backed implementation of recurrence.TxStore.

PURPOSE:
  Persists series and transactions. The (series_id, occurrence_date) unique
  index is what makes concurrent generation safe: two writers racing on the
  same date resolve to one row.

KEY TABLES:
  series:       One row per recurring template (active flag, watermark)
  transactions: One-off rows, series base rows and generated occurrences

INDEXES:
  - idx_unique_series_occurrence: Enforces one row per (series, date)
  - idx_transactions_owner_date:  Owner read views
  - idx_series_owner_active:      Active series lookup (generation hot path)

INSERT SEMANTICS:
  Occurrences are written with ON CONFLICT(series_id, occurrence_date)
  DO NOTHING. Zero affected rows means another writer got there first and
  is reported as ErrDuplicateOccurrence.

CONNECTIONS:
  The pool is limited to one connection. Writers are serialized by SQLite
  anyway, and ":memory:" databases exist per connection.

MIGRATION:
  Versioned migrations under migrations/ are embedded and applied with
  golang-migrate on New().

USAGE:
  store, err := sqlite.New("./data/recurring.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - recurrence/store.go: Interface definitions
  - recurrence/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/recurring-engine/recurrence"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements recurrence.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
}

var _ recurrence.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{queries: queries{q: db}, db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrateUp applies the embedded migrations on db. The migrate instance is
// not closed: closing it would close db.
func migrateUp(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create iofs source: %w", err)
	}
	defer src.Close()

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (recurrence.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(recurrence.SeriesStore) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements recurrence.SeriesStore on a querier.
type queries struct {
	q querier
}

// =============================================================================
// OCCURRENCE STORE
// =============================================================================

func (s *queries) Exists(ctx context.Context, id recurrence.SeriesID, date recurrence.Date) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE series_id = ? AND occurrence_date = ?",
		id, date.String(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check occurrence: %w", err)
	}
	return n > 0, nil
}

// Insert adds a series row.
func (s *queries) Insert(ctx context.Context, tx recurrence.Transaction) error {
	res, err := s.q.ExecContext(ctx, insertTransaction+`
		ON CONFLICT(series_id, occurrence_date) DO NOTHING`,
		transactionArgs(tx)...,
	)
	if err != nil {
		if isForeignKeyError(err) {
			return &recurrence.NotFoundError{SeriesID: tx.SeriesID, Owner: tx.Owner}
		}
		return fmt.Errorf("failed to insert occurrence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert occurrence: %w", err)
	}
	if n == 0 {
		return &recurrence.DuplicateOccurrenceError{SeriesID: tx.SeriesID, Date: tx.Date}
	}
	return nil
}

func (s *queries) DeleteFuture(ctx context.Context, id recurrence.SeriesID, after recurrence.Date) (int, error) {
	res, err := s.q.ExecContext(ctx,
		"DELETE FROM transactions WHERE series_id = ? AND occurrence_date > ?",
		id, after.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete future occurrences: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *queries) LatestOccurrence(ctx context.Context, id recurrence.SeriesID) (recurrence.Date, bool, error) {
	var latest sql.NullString
	err := s.q.QueryRowContext(ctx,
		"SELECT MAX(occurrence_date) FROM transactions WHERE series_id = ?", id,
	).Scan(&latest)
	if err != nil {
		return recurrence.Date{}, false, fmt.Errorf("failed to query latest occurrence: %w", err)
	}
	if !latest.Valid {
		return recurrence.Date{}, false, nil
	}
	d, err := recurrence.ParseDate(latest.String)
	return d, err == nil, err
}

// =============================================================================
// SERIES STORE
// =============================================================================

func (s *queries) CreateSeries(ctx context.Context, series recurrence.Series, base recurrence.Transaction) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO series (id, owner_id, active, watermark, created_at, cancelled_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		series.ID, series.Owner, series.Active, nullDate(series.Watermark),
		formatTime(series.CreatedAt), nullTime(series.CancelledAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
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
	rows, err := s.q.QueryContext(ctx, selectSeries+" WHERE id = ?", id)
	if err != nil {
		return recurrence.Series{}, fmt.Errorf("failed to query series: %w", err)
	}
	list, err := scanSeriesRows(rows)
	if err != nil {
		return recurrence.Series{}, err
	}
	if len(list) == 0 {
		return recurrence.Series{}, &recurrence.NotFoundError{SeriesID: id}
	}
	return list[0], nil
}

func (s *queries) ListSeries(ctx context.Context, owner recurrence.OwnerID) ([]recurrence.Series, error) {
	rows, err := s.q.QueryContext(ctx, selectSeries+" WHERE owner_id = ? ORDER BY rowid", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query series: %w", err)
	}
	return scanSeriesRows(rows)
}

func (s *queries) ListActiveSeries(ctx context.Context, owner recurrence.OwnerID) ([]recurrence.Series, error) {
	rows, err := s.q.QueryContext(ctx, selectSeries+" WHERE owner_id = ? AND active = 1 ORDER BY rowid", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query active series: %w", err)
	}
	return scanSeriesRows(rows)
}

func (s *queries) ListOwnersWithActiveSeries(ctx context.Context) ([]recurrence.OwnerID, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT DISTINCT owner_id FROM series WHERE active = 1 ORDER BY owner_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query owners: %w", err)
	}
	defer rows.Close()

	var owners []recurrence.OwnerID
	for rows.Next() {
		var o recurrence.OwnerID
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

func (s *queries) Template(ctx context.Context, id recurrence.SeriesID) (recurrence.Transaction, error) {
	txs, err := s.queryTransactions(ctx,
		selectTransaction+" WHERE series_id = ? ORDER BY occurrence_date ASC, rowid ASC LIMIT 1", id)
	if err != nil {
		return recurrence.Transaction{}, err
	}
	if len(txs) == 0 {
		return recurrence.Transaction{}, &recurrence.NotFoundError{SeriesID: id}
	}
	return txs[0], nil
}

// AdvanceWatermark moves the watermark forward only.
func (s *queries) AdvanceWatermark(ctx context.Context, id recurrence.SeriesID, to recurrence.Date) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		"UPDATE series SET watermark = ? WHERE id = ? AND (watermark IS NULL OR watermark < ?)",
		to.String(), id, to.String(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to advance watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetSeries(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *queries) Deactivate(ctx context.Context, id recurrence.SeriesID, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE series SET active = 0, cancelled_at = COALESCE(cancelled_at, ?) WHERE id = ?",
		formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate series: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return &recurrence.NotFoundError{SeriesID: id}
	}
	return nil
}

// SaveTransaction persists a one-off row.
func (s *queries) SaveTransaction(ctx context.Context, tx recurrence.Transaction) error {
	if _, err := s.q.ExecContext(ctx, insertTransaction, transactionArgs(tx)...); err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

func (s *queries) ListTransactions(ctx context.Context, owner recurrence.OwnerID, from, to recurrence.Date) ([]recurrence.Transaction, error) {
	query := selectTransaction + " WHERE owner_id = ?"
	args := []any{owner}
	if !from.IsZero() {
		query += " AND occurrence_date >= ?"
		args = append(args, from.String())
	}
	if !to.IsZero() {
		query += " AND occurrence_date <= ?"
		args = append(args, to.String())
	}
	return s.queryTransactions(ctx, query+" ORDER BY occurrence_date ASC, rowid ASC", args...)
}

// =============================================================================
// ROW MAPPING
// =============================================================================

const insertTransaction = `
	INSERT INTO transactions
	(id, owner_id, description, category, amount, tx_type, occurrence_date,
	 recurring, periodicity, start_date, end_date, series_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectTransaction = `
	SELECT id, owner_id, description, category, amount, tx_type, occurrence_date,
	       recurring, periodicity, start_date, end_date, series_id, created_at
	FROM transactions`

func transactionArgs(tx recurrence.Transaction) []any {
	return []any{
		tx.ID,
		tx.Owner,
		tx.Description,
		tx.Category,
		tx.Amount.String(),
		tx.Type,
		tx.Date.String(),
		tx.Recurring,
		nullString(string(tx.Periodicity)),
		nullDate(tx.StartDate),
		nullDate(tx.EndDate),
		nullString(string(tx.SeriesID)),
		formatTime(tx.CreatedAt),
	}
}

func (s *queries) queryTransactions(ctx context.Context, query string, args ...any) ([]recurrence.Transaction, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []recurrence.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (recurrence.Transaction, error) {
	var (
		tx          recurrence.Transaction
		amount      string
		date        string
		periodicity sql.NullString
		startDate   sql.NullString
		endDate     sql.NullString
		seriesID    sql.NullString
		createdAt   string
	)

	err := rows.Scan(
		&tx.ID, &tx.Owner, &tx.Description, &tx.Category, &amount, &tx.Type, &date,
		&tx.Recurring, &periodicity, &startDate, &endDate, &seriesID, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return tx, fmt.Errorf("transaction %s: invalid amount %q: %w", tx.ID, amount, err)
	}
	if tx.Date, err = recurrence.ParseDate(date); err != nil {
		return tx, err
	}
	if tx.StartDate, err = recurrence.ParseDate(startDate.String); err != nil {
		return tx, err
	}
	if tx.EndDate, err = recurrence.ParseDate(endDate.String); err != nil {
		return tx, err
	}
	tx.Periodicity = recurrence.Periodicity(periodicity.String)
	tx.SeriesID = recurrence.SeriesID(seriesID.String)
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return tx, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	return tx, nil
}

func scanSeriesRows(rows *sql.Rows) ([]recurrence.Series, error) {
	defer rows.Close()

	var list []recurrence.Series
	for rows.Next() {
		var (
			s           recurrence.Series
			watermark   sql.NullString
			createdAt   string
			cancelledAt sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Owner, &s.Active, &watermark, &createdAt, &cancelledAt); err != nil {
			return nil, fmt.Errorf("failed to scan series: %w", err)
		}
		wm, err := recurrence.ParseDate(watermark.String)
		if err != nil {
			return nil, err
		}
		s.Watermark = wm
		if s.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("series %s: %w", s.ID, err)
		}
		if cancelledAt.Valid {
			t, err := parseTime(cancelledAt.String)
			if err != nil {
				return nil, fmt.Errorf("series %s: %w", s.ID, err)
			}
			s.CancelledAt = &t
		}
		list = append(list, s)
	}
	return list, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(d recurrence.Date) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
