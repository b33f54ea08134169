/*
handlers.go - HTTP API handlers for the recurring transaction engine

PURPOSE:
  Exposes the generation engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the recurrence package.

ENDPOINTS:
  Transactions:
    GET    /api/owners/{owner}/transactions?from=&to=   Catch up, then list rows
    POST   /api/owners/{owner}/transactions             Create one-off row or series

  Series:
    GET    /api/owners/{owner}/series                   List series with RRULE
    POST   /api/owners/{owner}/series/{id}/cancel       Cancel future occurrences

  Generation:
    POST   /api/owners/{owner}/generate                 Explicit catch-up to a horizon

  Reference:
    GET    /api/periodicities                           Supported periodicities

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the engine (which validates)
  3. Serialize response
  4. Map errors to status codes

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, unsupported periodicity, malformed dates
  - 404: Series not found (or owned by someone else)
  - 500: Internal errors

SECURITY NOTE:
  No authentication. The owner in the path is trusted.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/recurring-engine/logger"
	"github.com/warp/recurring-engine/recurrence"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *recurrence.Engine

	// Now is the clock used for "today" and created_at stamps.
	Now func() time.Time
}

// NewHandler creates a new handler around the engine.
func NewHandler(engine *recurrence.Engine) *Handler {
	return &Handler{Engine: engine, Now: time.Now}
}

func (h *Handler) today() recurrence.Date {
	return recurrence.DateOf(h.Now())
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// ListTransactions materializes everything due today for the owner, then
// returns the owner's rows in the optional [from, to] range.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	owner := recurrence.OwnerID(chi.URLParam(r, "owner"))

	from, err := recurrence.ParseDate(r.URL.Query().Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from date", err)
		return
	}
	to, err := recurrence.ParseDate(r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to date", err)
		return
	}

	now := h.Now()
	if _, err := h.Engine.GenerateDue(r.Context(), owner, recurrence.DateOf(now), now); err != nil {
		h.writeEngineError(w, r, "Failed to generate occurrences", err)
		return
	}

	txs, err := h.Engine.Store.ListTransactions(r.Context(), owner, from, to)
	if err != nil {
		h.writeEngineError(w, r, "Failed to list transactions", err)
		return
	}

	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// CreateTransaction stores a one-off row, or a series plus its base row when
// recurring. A new series is caught up to today before responding.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	owner := recurrence.OwnerID(chi.URLParam(r, "owner"))

	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	date, err := recurrence.ParseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}
	txType := recurrence.TxType(strings.ToUpper(strings.TrimSpace(req.Type)))
	now := h.Now()

	if !req.Recurring {
		tx, err := h.Engine.CreateTransaction(r.Context(), recurrence.NewTransaction{
			Owner:       owner,
			Description: req.Description,
			Category:    req.Category,
			Amount:      req.Amount,
			Type:        txType,
			Date:        date,
		}, now)
		if err != nil {
			h.writeEngineError(w, r, "Failed to create transaction", err)
			return
		}
		writeJSON(w, http.StatusCreated, CreateTransactionResponse{Transaction: toTransactionDTO(tx)})
		return
	}

	periodicity, err := recurrence.ParsePeriodicity(req.Periodicity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unsupported periodicity", err)
		return
	}
	start, err := recurrence.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date", err)
		return
	}
	if start.IsZero() {
		start = date
	}
	end, err := recurrence.ParseDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_date", err)
		return
	}

	series, base, err := h.Engine.CreateSeries(r.Context(), recurrence.NewSeries{
		Owner:       owner,
		Description: req.Description,
		Category:    req.Category,
		Amount:      req.Amount,
		Type:        txType,
		Periodicity: periodicity,
		StartDate:   start,
		EndDate:     end,
	}, now)
	if err != nil {
		h.writeEngineError(w, r, "Failed to create series", err)
		return
	}

	// The series is committed; a failed catch-up is redone by the next read
	// or scheduler pass.
	report, err := h.Engine.GenerateDue(r.Context(), owner, recurrence.DateOf(now), now)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Str("series_id", string(series.ID)).Msg("catch-up after create failed")
	}
	generated := 0
	for _, res := range report.Series {
		if res.SeriesID == series.ID {
			generated = len(res.Created)
			series.Watermark = res.Watermark
		}
	}

	rrule, _ := recurrence.RRule(base.Periodicity, base.StartDate, base.EndDate)
	seriesDTO := toSeriesDTO(series, base, rrule)
	writeJSON(w, http.StatusCreated, CreateTransactionResponse{
		Transaction: toTransactionDTO(base),
		Series:      &seriesDTO,
		Generated:   generated,
	})
}

// =============================================================================
// SERIES HANDLERS
// =============================================================================

// ListSeries returns every series of the owner, active or not.
func (h *Handler) ListSeries(w http.ResponseWriter, r *http.Request) {
	owner := recurrence.OwnerID(chi.URLParam(r, "owner"))
	ctx := r.Context()

	list, err := h.Engine.Store.ListSeries(ctx, owner)
	if err != nil {
		h.writeEngineError(w, r, "Failed to list series", err)
		return
	}

	dtos := make([]SeriesDTO, 0, len(list))
	for _, s := range list {
		tmpl, err := h.Engine.Store.Template(ctx, s.ID)
		switch {
		case recurrence.IsNotFound(err):
			// Cancelled before its start date: every row, base included, is gone.
			dtos = append(dtos, toSeriesDTO(s, recurrence.Transaction{}, ""))
			continue
		case err != nil:
			h.writeEngineError(w, r, "Failed to load series template", err)
			return
		}
		// Legacy periodicities have no RRULE; the field is left empty.
		rrule, _ := recurrence.RRule(tmpl.Periodicity, tmpl.StartDate, tmpl.EndDate)
		dtos = append(dtos, toSeriesDTO(s, tmpl, rrule))
	}

	writeJSON(w, http.StatusOK, dtos)
}

// CancelSeries stops a series and deletes its occurrences after as_of.
func (h *Handler) CancelSeries(w http.ResponseWriter, r *http.Request) {
	owner := recurrence.OwnerID(chi.URLParam(r, "owner"))
	id := recurrence.SeriesID(chi.URLParam(r, "id"))

	var req CancelSeriesRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	asOf, err := recurrence.ParseDate(req.AsOf)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date", err)
		return
	}
	if asOf.IsZero() {
		asOf = h.today()
	}

	res, err := h.Engine.CancelSeries(r.Context(), id, owner, asOf, h.Now())
	if err != nil {
		h.writeEngineError(w, r, "Failed to cancel series", err)
		return
	}

	writeJSON(w, http.StatusOK, CancelResultDTO{
		SeriesID:        string(res.SeriesID),
		AsOf:            res.AsOf.String(),
		Deleted:         res.Deleted,
		AlreadyInactive: res.AlreadyInactive,
	})
}

// =============================================================================
// GENERATION HANDLERS
// =============================================================================

// Generate runs an explicit catch-up for the owner up to horizon.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	owner := recurrence.OwnerID(chi.URLParam(r, "owner"))

	var req GenerateRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	horizon, err := recurrence.ParseDate(req.Horizon)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid horizon", err)
		return
	}
	if horizon.IsZero() {
		horizon = h.today()
	}

	report, err := h.Engine.GenerateDue(r.Context(), owner, horizon, h.Now())
	if err != nil {
		h.writeEngineError(w, r, "Failed to generate occurrences", err)
		return
	}

	writeJSON(w, http.StatusOK, toGenerateResponse(report))
}

// ListPeriodicities returns the canonical periodicity names.
func (h *Handler) ListPeriodicities(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	for _, p := range recurrence.Periodicities() {
		names = append(names, string(p))
	}
	writeJSON(w, http.StatusOK, names)
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeOptional decodes a JSON body, treating an empty body as {}.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	switch {
	case recurrence.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Series not found", err)
	case recurrence.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("path", r.URL.Path).Msg(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
