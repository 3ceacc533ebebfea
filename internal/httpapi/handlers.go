package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"sikaplan.org/internal/audit"
	"sikaplan.org/internal/ledger"
	"sikaplan.org/internal/money"
	"sikaplan.org/internal/obs"
	"sikaplan.org/internal/stream"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleLedgerError maps the ledger's sentinel errors to HTTP status codes.
// Busy aggregates answer 503 with Retry-After so callers retry rather than
// assume failure.
func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidTerm),
		errors.Is(err, ledger.ErrInvalidPrincipal),
		errors.Is(err, money.ErrCurrencyMismatch):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrInvalidStatus),
		errors.Is(err, ledger.ErrLoanNotActive),
		errors.Is(err, ledger.ErrScheduleExists),
		errors.Is(err, ledger.ErrScheduleEntryMismatch),
		errors.Is(err, ledger.ErrSameAccount),
		errors.Is(err, ledger.ErrAccountInactive),
		errors.Is(err, ledger.ErrAccountNotEmpty):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// outcomeFor reduces an operation error to the metrics outcome label.
func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrBusy):
		return "busy"
	default:
		return "rejected"
	}
}

func observe(op string, err error) {
	obs.ObserveLedgerOp(op, outcomeFor(err))
}

func (a *API) audit(ctx context.Context, event, entity, id string, meta map[string]string) {
	fields := map[string]any{
		"entity":    entity,
		"entity_id": id,
	}
	for k, v := range meta {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}

func parseLimit(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

// publish mirrors a committed transaction onto the live event stream.
func (a *API) publish(tx ledger.Transaction) {
	if a.stream == nil {
		return
	}
	a.stream.Publish(stream.FromTransaction(tx))
}
