package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"sikaplan.org/internal/ledger"
	"sikaplan.org/internal/money"
)

type createLoanRequest struct {
	CustomerID string          `json:"customer_id"`
	Amount     int64           `json:"amount"`
	Currency   string          `json:"currency"`
	AnnualRate decimal.Decimal `json:"annual_rate"`
	TermMonths int             `json:"term_months"`
	Purpose    string          `json:"purpose"`
}

type disburseRequest struct {
	CreditAccountID string `json:"credit_account_id"`
	Method          string `json:"method"`
	PerformedBy     string `json:"performed_by"`
}

type repaymentRequest struct {
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	ScheduleEntryID string `json:"schedule_entry_id"`
	Method          string `json:"method"`
	PerformedBy     string `json:"performed_by"`
}

type penaltyRequest struct {
	ScheduleEntryID string `json:"schedule_entry_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

func (a *API) handleLoansCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createLoan(w, r)
	case http.MethodGet:
		a.listLoans(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleLoanResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/loans/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id, action, _ := strings.Cut(path, "/")
	if id == "" || strings.Contains(action, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getLoan(w, r, id)
	case "approve":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.approveLoan(w, r, id)
	case "disburse":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.disburseLoan(w, r, id)
	case "default":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.markDefaulted(w, r, id)
	case "schedule":
		switch r.Method {
		case http.MethodGet:
			a.getSchedule(w, r, id)
		case http.MethodPost:
			a.generateSchedule(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case "repayments":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.applyRepayment(w, r, id)
	case "penalties":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.assessPenalty(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createLoan(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		writeError(w, r, http.StatusBadRequest, "customer_id is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}
	if req.TermMonths <= 0 {
		writeError(w, r, http.StatusBadRequest, "term_months must be > 0")
		return
	}
	if req.AnnualRate.IsNegative() {
		writeError(w, r, http.StatusBadRequest, "annual_rate must be >= 0")
		return
	}

	loan, err := a.svc.CreateLoan(r.Context(), ledger.CreateLoanInput{
		CustomerID: req.CustomerID,
		Amount:     money.New(a.currencyOr(req.Currency), req.Amount),
		AnnualRate: req.AnnualRate,
		TermMonths: req.TermMonths,
		Purpose:    strings.TrimSpace(req.Purpose),
	})
	observe("loan.create", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "ledger.loan.create", "loan", loan.ID, map[string]string{
		"customer_id": loan.CustomerID,
		"amount":      strconv.FormatInt(loan.Amount.Amount, 10),
		"term_months": strconv.Itoa(loan.TermMonths),
	})

	w.Header().Set("Location", "/v1/loans/"+loan.ID)
	writeJSON(w, http.StatusCreated, loan)
}

func (a *API) listLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := a.svc.ListLoans(r.Context(), strings.TrimSpace(r.URL.Query().Get("customer_id")))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": loans})
}

func (a *API) getLoan(w http.ResponseWriter, r *http.Request, id string) {
	loan, err := a.svc.GetLoan(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (a *API) approveLoan(w http.ResponseWriter, r *http.Request, id string) {
	if !a.requireRole(w, r, "supervisor") {
		return
	}
	loan, err := a.svc.ApproveLoan(r.Context(), id)
	observe("loan.approve", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.loan.approve", "loan", loan.ID, nil)
	writeJSON(w, http.StatusOK, loan)
}

func (a *API) markDefaulted(w http.ResponseWriter, r *http.Request, id string) {
	if !a.requireRole(w, r, "supervisor") {
		return
	}
	loan, err := a.svc.MarkDefaulted(r.Context(), id)
	observe("loan.default", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.loan.default", "loan", loan.ID, nil)
	writeJSON(w, http.StatusOK, loan)
}

func (a *API) disburseLoan(w http.ResponseWriter, r *http.Request, id string) {
	var req disburseRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	loan, tx, err := a.svc.DisburseLoan(r.Context(), ledger.DisburseInput{
		LoanID:          id,
		CreditAccountID: strings.TrimSpace(req.CreditAccountID),
		Method:          strings.TrimSpace(req.Method),
		PerformedBy:     a.performedBy(r, req.PerformedBy),
	})
	observe("loan.disburse", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.publish(tx)

	meta := map[string]string{
		"amount": strconv.FormatInt(loan.Amount.Amount, 10),
	}
	if req.CreditAccountID != "" {
		meta["credit_account"] = req.CreditAccountID
	}
	a.audit(r.Context(), "ledger.loan.disburse", "loan", loan.ID, meta)

	writeJSON(w, http.StatusOK, map[string]any{
		"loan":        loan,
		"transaction": tx,
	})
}

func (a *API) generateSchedule(w http.ResponseWriter, r *http.Request, id string) {
	entries, err := a.svc.GenerateSchedule(r.Context(), id)
	observe("loan.schedule", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.loan.schedule", "loan", id, map[string]string{
		"installments": strconv.Itoa(len(entries)),
	})
	writeJSON(w, http.StatusCreated, map[string]any{"items": entries})
}

func (a *API) getSchedule(w http.ResponseWriter, r *http.Request, id string) {
	entries, err := a.svc.GetSchedule(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (a *API) applyRepayment(w http.ResponseWriter, r *http.Request, id string) {
	var req repaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}

	out, err := a.svc.ApplyRepayment(r.Context(), ledger.RepaymentInput{
		LoanID:          id,
		Amount:          money.New(a.currencyOr(req.Currency), req.Amount),
		ScheduleEntryID: strings.TrimSpace(req.ScheduleEntryID),
		Method:          strings.TrimSpace(req.Method),
		PerformedBy:     a.performedBy(r, req.PerformedBy),
	})
	observe("loan.repayment", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.publish(out.Transaction)

	a.audit(r.Context(), "ledger.loan.repayment", "loan", id, map[string]string{
		"amount":      strconv.FormatInt(req.Amount, 10),
		"transaction": out.Transaction.ID,
		"status":      string(out.Loan.Status),
	})
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) assessPenalty(w http.ResponseWriter, r *http.Request, id string) {
	var req penaltyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ScheduleEntryID) == "" {
		writeError(w, r, http.StatusBadRequest, "schedule_entry_id is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}

	entry, err := a.svc.AssessPenalty(r.Context(), ledger.PenaltyInput{
		LoanID:          id,
		ScheduleEntryID: strings.TrimSpace(req.ScheduleEntryID),
		Amount:          money.New(a.currencyOr(req.Currency), req.Amount),
	})
	observe("loan.penalty", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.loan.penalty", "schedule_entry", entry.ID, map[string]string{
		"loan_id": id,
		"amount":  strconv.FormatInt(req.Amount, 10),
	})
	writeJSON(w, http.StatusOK, entry)
}

// currencyOr resolves the currency for a request, falling back to the
// configured operating currency when the body leaves it out.
func (a *API) currencyOr(raw string) string {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw != "" {
		return raw
	}
	if a.opts.Currency != "" {
		return a.opts.Currency
	}
	return money.DefaultCurrency
}
