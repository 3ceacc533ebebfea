package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"sikaplan.org/internal/ledger"
)

func (a *API) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var afterSeq uint64
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		afterSeq, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a sequence number")
			return
		}
	}

	txs, nextSeq, err := a.svc.ListTransactions(r.Context(), ledger.TransactionQuery{
		Limit:     limit,
		AfterSeq:  afterSeq,
		LoanID:    strings.TrimSpace(q.Get("loan_id")),
		AccountID: strings.TrimSpace(q.Get("account_id")),
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	resp := map[string]any{
		"items": txs,
	}
	if len(txs) == limit {
		resp["next_after"] = nextSeq
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleTransactionResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/ledger/transactions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	tx, err := a.svc.GetTransaction(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// Stream pushes committed transaction events to the client as server-sent
// events until the client disconnects.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := a.stream.Subscribe(r.Context())
	for evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return
		}
		if _, err := w.Write(payload); err != nil {
			return
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}
