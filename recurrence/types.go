/*
Package recurrence provides the recurring transaction generation engine.

PURPOSE:
  A single user-entered template (income or expense) produces a sequence of
  concrete dated occurrences. The engine materializes exactly the
  occurrences due up to a horizon, exactly once each, and lets an owner
  cancel future occurrences while keeping history.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: a stored row, either one-off, a series base row, or a
    generated occurrence
  - Series: generation progress for one template (active flag, watermark)
  - NewSeries / NewTransaction: validated creation inputs

INVARIANTS:
  1. At most one Transaction per (SeriesID, Date)
  2. The base row (earliest date of a series) is the template; generated
     rows are snapshots and never change when the template changes
  3. Watermark never decreases
  4. Inactive series produce no rows
  5. Generated dates lie in [StartDate, EndDate]

SEE ALSO:
  - calendar.go: Periodicity and next-date arithmetic
  - store.go: Persistence interfaces
  - engine.go: GenerateDue
  - cancel.go: CancelSeries
*/
package recurrence

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type SeriesID string
type TransactionID string

// =============================================================================
// TRANSACTION
// =============================================================================

type TxType string

const (
	Income  TxType = "INCOME"
	Expense TxType = "EXPENSE"
)

func (t TxType) Valid() bool { return t == Income || t == Expense }

// MaxDescriptionLength bounds free-text descriptions, in characters.
const MaxDescriptionLength = 255

type Transaction struct {
	ID          TransactionID
	Owner       OwnerID
	Description string
	Category    string
	Amount      decimal.Decimal
	Type        TxType
	Date        Date

	// Recurrence fields. Recurring is true for the base row and every
	// generated row of a series; SeriesID is empty for one-off rows.
	Recurring   bool
	Periodicity Periodicity
	StartDate   Date
	EndDate     Date // zero = open-ended
	SeriesID    SeriesID

	CreatedAt time.Time
}

// Occurrence returns a snapshot of the template dated on date.
func (t Transaction) Occurrence(id TransactionID, date Date, now time.Time) Transaction {
	occ := t
	occ.ID = id
	occ.Date = date
	occ.Recurring = true
	occ.CreatedAt = now
	return occ
}

// InWindow reports whether d lies in [StartDate, EndDate].
func (t Transaction) InWindow(d Date) bool {
	if d.Before(t.StartDate) {
		return false
	}
	return t.EndDate.IsZero() || d.BeforeOrEqual(t.EndDate)
}

// =============================================================================
// SERIES
// =============================================================================

type Series struct {
	ID          SeriesID
	Owner       OwnerID
	Active      bool
	CreatedAt   time.Time
	Watermark   Date // zero = nothing materialized yet
	CancelledAt *time.Time
}

// =============================================================================
// CREATION INPUTS
// =============================================================================

// NewTransaction describes a one-off row.
type NewTransaction struct {
	Owner       OwnerID
	Description string
	Category    string
	Amount      decimal.Decimal
	Type        TxType
	Date        Date
}

func (n NewTransaction) Validate() error {
	return validateFields(n.Owner, n.Description, n.Amount, n.Type)
}

// NewSeries describes a recurring template. Its base row is dated StartDate.
type NewSeries struct {
	Owner       OwnerID
	Description string
	Category    string
	Amount      decimal.Decimal
	Type        TxType
	Periodicity Periodicity
	StartDate   Date
	EndDate     Date
}

func (n NewSeries) Validate() error {
	if err := validateFields(n.Owner, n.Description, n.Amount, n.Type); err != nil {
		return err
	}
	if !n.Periodicity.Supported() {
		return &UnsupportedPeriodicityError{Periodicity: n.Periodicity}
	}
	if n.StartDate.IsZero() {
		return ErrMissingStartDate
	}
	if !n.EndDate.IsZero() && n.EndDate.Before(n.StartDate) {
		return ErrInvalidWindow
	}
	return nil
}

func validateFields(owner OwnerID, description string, amount decimal.Decimal, typ TxType) error {
	if strings.TrimSpace(string(owner)) == "" {
		return ErrMissingOwner
	}
	if strings.TrimSpace(description) == "" {
		return ErrEmptyDescription
	}
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return ErrDescriptionLength
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !typ.Valid() {
		return ErrInvalidType
	}
	return nil
}
