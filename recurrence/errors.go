/*
errors.go - Centralized error types for the recurrence engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers (API, scheduler) branch on these with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Integrity errors - surfaced to the caller (unsupported periodicity,
     ownership mismatch, invalid window)
  2. Race errors - recovered inside the engine (duplicate occurrence)
  3. Validation errors - rejected at creation time

PROPAGATION:
  ErrDuplicateOccurrence never leaves the engine: a losing writer in a
  generation race treats it as success. Everything else is returned.
*/
package recurrence

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnsupportedPeriodicity is returned when a template carries a
	// periodicity outside the calendar's increment table.
	ErrUnsupportedPeriodicity = errors.New("unsupported periodicity")

	// ErrDuplicateOccurrence is returned by the store when a row for
	// (series, date) already exists.
	ErrDuplicateOccurrence = errors.New("duplicate occurrence")

	// ErrNotFound is returned when a series does not exist or belongs to
	// another owner; both cases map to this error.
	ErrNotFound = errors.New("not found")

	// ErrInvalidWindow is returned when end date is earlier than start date.
	ErrInvalidWindow = errors.New("invalid window: end date before start date")

	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidType       = errors.New("type must be INCOME or EXPENSE")
	ErrEmptyDescription  = errors.New("empty description")
	ErrDescriptionLength = errors.New("description too long")
	ErrMissingStartDate  = errors.New("start date is required for recurring transactions")
	ErrMissingOwner      = errors.New("owner is required")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// UnsupportedPeriodicityError names the offending value and, when known,
// the series that carried it.
type UnsupportedPeriodicityError struct {
	SeriesID    SeriesID
	Periodicity Periodicity
}

func (e *UnsupportedPeriodicityError) Error() string {
	if e.SeriesID == "" {
		return fmt.Sprintf("unsupported periodicity %q", e.Periodicity)
	}
	return fmt.Sprintf("series %s: unsupported periodicity %q", e.SeriesID, e.Periodicity)
}

func (e *UnsupportedPeriodicityError) Unwrap() error { return ErrUnsupportedPeriodicity }

// DuplicateOccurrenceError reports which (series, date) pair collided.
type DuplicateOccurrenceError struct {
	SeriesID SeriesID
	Date     Date
}

func (e *DuplicateOccurrenceError) Error() string {
	return fmt.Sprintf("occurrence already exists: series %s on %s", e.SeriesID, e.Date)
}

func (e *DuplicateOccurrenceError) Unwrap() error { return ErrDuplicateOccurrence }

// NotFoundError identifies the missing series/owner pair.
type NotFoundError struct {
	SeriesID SeriesID
	Owner    OwnerID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("series %s not found for owner %s", e.SeriesID, e.Owner)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnsupportedPeriodicity) ||
		errors.Is(err, ErrInvalidWindow) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidType) ||
		errors.Is(err, ErrEmptyDescription) ||
		errors.Is(err, ErrDescriptionLength) ||
		errors.Is(err, ErrMissingStartDate) ||
		errors.Is(err, ErrMissingOwner)
}

// IsNotFound returns true if the error indicates a missing series.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
