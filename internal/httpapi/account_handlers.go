package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"sikaplan.org/internal/ledger"
	"sikaplan.org/internal/money"
)

type openAccountRequest struct {
	CustomerID   string          `json:"customer_id"`
	Type         string          `json:"type"`
	InterestRate decimal.Decimal `json:"interest_rate"`
	Initial      int64           `json:"initial_deposit"`
	Currency     string          `json:"currency"`
	MaturityDate *time.Time      `json:"maturity_date,omitempty"`
	Method       string          `json:"method"`
	PerformedBy  string          `json:"performed_by"`
}

type movementRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Method      string `json:"method"`
	PerformedBy string `json:"performed_by"`
}

type transferRequest struct {
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	PerformedBy   string `json:"performed_by"`
}

type interestRequest struct {
	PerformedBy string `json:"performed_by"`
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.openAccount(w, r)
}

func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
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
		a.getAccount(w, r, id)
	case "close":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.closeAccount(w, r, id)
	case "deposits":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.deposit(w, r, id)
	case "withdrawals":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.withdraw(w, r, id)
	case "interest":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.postInterest(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) openAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		writeError(w, r, http.StatusBadRequest, "customer_id is required")
		return
	}
	accountType := ledger.AccountType(strings.TrimSpace(req.Type))
	if accountType == "" {
		accountType = ledger.AccountRegular
	}
	if !accountType.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown account type")
		return
	}
	if req.Initial < 0 {
		writeError(w, r, http.StatusBadRequest, "initial_deposit must be >= 0")
		return
	}
	if req.InterestRate.IsNegative() {
		writeError(w, r, http.StatusBadRequest, "interest_rate must be >= 0")
		return
	}

	account, err := a.svc.OpenAccount(r.Context(), ledger.OpenAccountInput{
		CustomerID:   req.CustomerID,
		Type:         accountType,
		InterestRate: req.InterestRate,
		Initial:      money.New(a.currencyOr(req.Currency), req.Initial),
		MaturityDate: req.MaturityDate,
		Method:       strings.TrimSpace(req.Method),
		PerformedBy:  a.performedBy(r, req.PerformedBy),
	})
	observe("account.open", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "ledger.account.open", "account", account.ID, map[string]string{
		"customer_id": account.CustomerID,
		"type":        string(account.Type),
		"balance":     strconv.FormatInt(account.Balance.Amount, 10),
	})

	w.Header().Set("Location", "/v1/accounts/"+account.ID)
	writeJSON(w, http.StatusCreated, account)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request, id string) {
	account, err := a.svc.GetAccount(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (a *API) closeAccount(w http.ResponseWriter, r *http.Request, id string) {
	account, err := a.svc.CloseAccount(r.Context(), id)
	observe("account.close", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.account.close", "account", account.ID, nil)
	writeJSON(w, http.StatusOK, account)
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request, id string) {
	var req movementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}

	tx, err := a.svc.Deposit(r.Context(), ledger.DepositInput{
		AccountID:   id,
		Amount:      money.New(a.currencyOr(req.Currency), req.Amount),
		Method:      strings.TrimSpace(req.Method),
		PerformedBy: a.performedBy(r, req.PerformedBy),
	})
	observe("account.deposit", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.publish(tx)

	a.audit(r.Context(), "ledger.account.deposit", "account", id, map[string]string{
		"amount":      strconv.FormatInt(req.Amount, 10),
		"transaction": tx.ID,
	})
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) withdraw(w http.ResponseWriter, r *http.Request, id string) {
	var req movementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}

	tx, err := a.svc.Withdraw(r.Context(), ledger.WithdrawInput{
		AccountID:   id,
		Amount:      money.New(a.currencyOr(req.Currency), req.Amount),
		Method:      strings.TrimSpace(req.Method),
		PerformedBy: a.performedBy(r, req.PerformedBy),
	})
	observe("account.withdraw", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.publish(tx)

	a.audit(r.Context(), "ledger.account.withdraw", "account", id, map[string]string{
		"amount":      strconv.FormatInt(req.Amount, 10),
		"transaction": tx.ID,
	})
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) postInterest(w http.ResponseWriter, r *http.Request, id string) {
	if !a.requireRole(w, r, "supervisor") {
		return
	}
	var req interestRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	tx, err := a.svc.PostAccountInterest(r.Context(), id, a.performedBy(r, req.PerformedBy))
	observe("account.interest", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.publish(tx)

	a.audit(r.Context(), "ledger.account.interest", "account", id, map[string]string{
		"amount":      strconv.FormatInt(tx.Amount.Amount, 10),
		"transaction": tx.ID,
	})
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.FromAccountID) == "" || strings.TrimSpace(req.ToAccountID) == "" {
		writeError(w, r, http.StatusBadRequest, "from_account_id and to_account_id are required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}

	tx, err := a.svc.Transfer(r.Context(), ledger.TransferInput{
		FromAccountID: strings.TrimSpace(req.FromAccountID),
		ToAccountID:   strings.TrimSpace(req.ToAccountID),
		Amount:        money.New(a.currencyOr(req.Currency), req.Amount),
		PerformedBy:   a.performedBy(r, req.PerformedBy),
	})
	observe("account.transfer", err)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.publish(tx)

	a.audit(r.Context(), "ledger.account.transfer", "transaction", tx.ID, map[string]string{
		"from":   req.FromAccountID,
		"to":     req.ToAccountID,
		"amount": strconv.FormatInt(req.Amount, 10),
	})
	writeJSON(w, http.StatusCreated, tx)
}
