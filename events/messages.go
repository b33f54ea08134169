package events

import (
	"encoding/json"
	"time"

	"github.com/warp/recurring-engine/recurrence"
)

// Routing keys on the topic exchange.
const (
	KeyOccurrenceGenerated = "occurrence.generated"
	KeySeriesCancelled     = "series.cancelled"
)

// OccurrenceMessage announces one newly materialized occurrence.
type OccurrenceMessage struct {
	TransactionID string    `json:"transaction_id"`
	SeriesID      string    `json:"series_id"`
	Owner         string    `json:"owner"`
	Date          string    `json:"date"`
	Description   string    `json:"description"`
	Category      string    `json:"category,omitempty"`
	Amount        string    `json:"amount"`
	Type          string    `json:"type"`
	Periodicity   string    `json:"periodicity"`
	Timestamp     time.Time `json:"timestamp"`
}

func NewOccurrenceMessage(tx recurrence.Transaction, at time.Time) *OccurrenceMessage {
	return &OccurrenceMessage{
		TransactionID: string(tx.ID),
		SeriesID:      string(tx.SeriesID),
		Owner:         string(tx.Owner),
		Date:          tx.Date.String(),
		Description:   tx.Description,
		Category:      tx.Category,
		Amount:        tx.Amount.String(),
		Type:          string(tx.Type),
		Periodicity:   string(tx.Periodicity),
		Timestamp:     at,
	}
}

// CancellationMessage announces a series cancellation.
type CancellationMessage struct {
	SeriesID        string    `json:"series_id"`
	Owner           string    `json:"owner"`
	AsOf            string    `json:"as_of"`
	Deleted         int       `json:"deleted"`
	AlreadyInactive bool      `json:"already_inactive"`
	Timestamp       time.Time `json:"timestamp"`
}

func NewCancellationMessage(r recurrence.CancelResult, at time.Time) *CancellationMessage {
	return &CancellationMessage{
		SeriesID:        string(r.SeriesID),
		Owner:           string(r.Owner),
		AsOf:            r.AsOf.String(),
		Deleted:         r.Deleted,
		AlreadyInactive: r.AlreadyInactive,
		Timestamp:       at,
	}
}

// ToJSON converts the message to JSON bytes.
func (m *OccurrenceMessage) ToJSON() ([]byte, error) { return json.Marshal(m) }

// ToJSON converts the message to JSON bytes.
func (m *CancellationMessage) ToJSON() ([]byte, error) { return json.Marshal(m) }
