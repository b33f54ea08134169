/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  recurrence domain types.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

DATES:
  Calendar dates are "YYYY-MM-DD"; instants are RFC 3339.
  Amounts are decimal strings on output and accept strings or numbers on input.

VALIDATION:
  Validation is done by the recurrence package. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/recurring-engine/recurrence"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateTransactionRequest creates a one-off row, or a series when Recurring.
type CreateTransactionRequest struct {
	Description string          `json:"description"`
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	Date        string          `json:"date,omitempty"`

	Recurring   bool   `json:"recurring"`
	Periodicity string `json:"periodicity,omitempty"`
	StartDate   string `json:"start_date,omitempty"` // defaults to date
	EndDate     string `json:"end_date,omitempty"`
}

// CancelSeriesRequest carries the cancellation cut-off. Empty means today.
type CancelSeriesRequest struct {
	AsOf string `json:"as_of"`
}

// GenerateRequest carries the catch-up horizon. Empty means today.
type GenerateRequest struct {
	Horizon string `json:"horizon"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// TransactionDTO represents a stored row.
type TransactionDTO struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
	Amount      string `json:"amount"`
	Type        string `json:"type"`
	Date        string `json:"date"`
	Recurring   bool   `json:"recurring"`
	Periodicity string `json:"periodicity,omitempty"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
	SeriesID    string `json:"series_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// SeriesDTO represents a series together with its template.
type SeriesDTO struct {
	ID          string  `json:"id"`
	Owner       string  `json:"owner"`
	Active      bool    `json:"active"`
	Description string  `json:"description"`
	Amount      string  `json:"amount"`
	Type        string  `json:"type"`
	Periodicity string  `json:"periodicity"`
	StartDate   string  `json:"start_date"`
	EndDate     string  `json:"end_date,omitempty"`
	Watermark   string  `json:"watermark,omitempty"`
	RRule       string  `json:"rrule,omitempty"`
	CreatedAt   string  `json:"created_at"`
	CancelledAt *string `json:"cancelled_at,omitempty"`
}

// CreateTransactionResponse is returned by the creation flow.
type CreateTransactionResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	Series      *SeriesDTO     `json:"series,omitempty"`
	Generated   int            `json:"generated"`
}

// CancelResultDTO reports a cancellation.
type CancelResultDTO struct {
	SeriesID        string `json:"series_id"`
	AsOf            string `json:"as_of"`
	Deleted         int    `json:"deleted"`
	AlreadyInactive bool   `json:"already_inactive"`
}

// SkippedSeriesDTO names a series left untouched by generation.
type SkippedSeriesDTO struct {
	SeriesID    string `json:"series_id"`
	Periodicity string `json:"periodicity"`
}

// GenerateResponse reports a catch-up run.
type GenerateResponse struct {
	Owner    string             `json:"owner"`
	Horizon  string             `json:"horizon"`
	Created  []TransactionDTO   `json:"created"`
	Deferred []string           `json:"deferred"`
	Skipped  []SkippedSeriesDTO `json:"skipped"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toTransactionDTO(tx recurrence.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:          string(tx.ID),
		Owner:       string(tx.Owner),
		Description: tx.Description,
		Category:    tx.Category,
		Amount:      tx.Amount.String(),
		Type:        string(tx.Type),
		Date:        tx.Date.String(),
		Recurring:   tx.Recurring,
		Periodicity: string(tx.Periodicity),
		StartDate:   dateString(tx.StartDate),
		EndDate:     dateString(tx.EndDate),
		SeriesID:    string(tx.SeriesID),
		CreatedAt:   tx.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTOs(txs []recurrence.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toSeriesDTO(s recurrence.Series, tmpl recurrence.Transaction, rrule string) SeriesDTO {
	dto := SeriesDTO{
		ID:          string(s.ID),
		Owner:       string(s.Owner),
		Active:      s.Active,
		Description: tmpl.Description,
		Amount:      tmpl.Amount.String(),
		Type:        string(tmpl.Type),
		Periodicity: string(tmpl.Periodicity),
		StartDate:   dateString(tmpl.StartDate),
		EndDate:     dateString(tmpl.EndDate),
		Watermark:   dateString(s.Watermark),
		RRule:       rrule,
		CreatedAt:   s.CreatedAt.Format(time.RFC3339),
	}
	if s.CancelledAt != nil {
		at := s.CancelledAt.Format(time.RFC3339)
		dto.CancelledAt = &at
	}
	return dto
}

func toGenerateResponse(r recurrence.Report) GenerateResponse {
	resp := GenerateResponse{
		Owner:    string(r.Owner),
		Horizon:  r.Horizon.String(),
		Created:  toTransactionDTOs(r.Created()),
		Deferred: []string{},
		Skipped:  []SkippedSeriesDTO{},
	}
	for _, id := range r.Deferred() {
		resp.Deferred = append(resp.Deferred, string(id))
	}
	for _, s := range r.Skipped {
		resp.Skipped = append(resp.Skipped, SkippedSeriesDTO{
			SeriesID:    string(s.SeriesID),
			Periodicity: string(s.Periodicity),
		})
	}
	return resp
}

func dateString(d recurrence.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}
