// Package sqlite implements the ledger service on an embedded SQLite
// database. A single-writer mutex serializes mutating operations, which
// matches SQLite's own writer model; timestamps are stored as RFC 3339 text
// and rates as decimal strings so no precision is lost.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	sqlite3 "modernc.org/sqlite"

	"sikaplan.org/internal/ids"
	"sikaplan.org/internal/ledger"
	"sikaplan.org/internal/money"
)

const schema = `
CREATE TABLE IF NOT EXISTS loans (
	id TEXT PRIMARY KEY,
	number TEXT NOT NULL UNIQUE,
	customer_id TEXT NOT NULL,
	currency TEXT NOT NULL,
	amount INTEGER NOT NULL,
	interest_rate TEXT NOT NULL,
	term_months INTEGER NOT NULL,
	purpose TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	disbursed_at TEXT,
	total_paid INTEGER NOT NULL DEFAULT 0,
	remaining_balance INTEGER NOT NULL,
	next_payment_date TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS loans_customer_idx ON loans (customer_id);

CREATE TABLE IF NOT EXISTS schedule_entries (
	id TEXT PRIMARY KEY,
	loan_id TEXT NOT NULL REFERENCES loans (id),
	sequence INTEGER NOT NULL,
	due_date TEXT NOT NULL,
	principal INTEGER NOT NULL,
	interest INTEGER NOT NULL,
	total_due INTEGER NOT NULL,
	paid_amount INTEGER,
	paid INTEGER NOT NULL DEFAULT 0,
	payment_date TEXT,
	penalty INTEGER,
	UNIQUE (loan_id, sequence)
);

CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	number TEXT NOT NULL UNIQUE,
	customer_id TEXT NOT NULL,
	type TEXT NOT NULL,
	currency TEXT NOT NULL,
	balance INTEGER NOT NULL DEFAULT 0,
	interest_rate TEXT NOT NULL DEFAULT '0',
	maturity_date TEXT,
	active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	sequence INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	number TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	currency TEXT NOT NULL,
	amount INTEGER NOT NULL,
	account_id TEXT,
	loan_id TEXT,
	method TEXT NOT NULL DEFAULT '',
	performed_by TEXT NOT NULL DEFAULT '',
	transfer TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_loan_idx ON transactions (loan_id);
CREATE INDEX IF NOT EXISTS transactions_account_idx ON transactions (account_id);
`

const timeFormat = time.RFC3339Nano

// Store implements ledger.Service on SQLite.
type Store struct {
	db *sql.DB

	// mu serializes writers. SQLite allows one writer at a time; taking the
	// lock in-process avoids SQLITE_BUSY churn under concurrent handlers.
	mu sync.Mutex
}

var _ ledger.Service = (*Store)(nil)

// Open opens (and if needed creates) the database at path, including its
// parent directory.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- Loans ---

func (s *Store) CreateLoan(ctx context.Context, in ledger.CreateLoanInput) (ledger.Loan, error) {
	if in.CustomerID == "" {
		return ledger.Loan{}, errors.New("customer id is required")
	}
	if !in.Amount.IsPositive() {
		return ledger.Loan{}, ledger.ErrInvalidPrincipal
	}
	if in.TermMonths <= 0 {
		return ledger.Loan{}, ledger.ErrInvalidTerm
	}
	if in.AnnualRate.IsNegative() {
		return ledger.Loan{}, ledger.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	loan := ledger.Loan{
		ID:               ids.New(),
		Number:           ids.LoanNumber(),
		CustomerID:       in.CustomerID,
		Amount:           in.Amount,
		InterestRate:     in.AnnualRate,
		TermMonths:       in.TermMonths,
		Purpose:          in.Purpose,
		Status:           ledger.StatusPending,
		TotalPaid:        money.New(in.Amount.Currency, 0),
		RemainingBalance: in.Amount,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loans (id, number, customer_id, currency, amount, interest_rate, term_months,
			purpose, status, total_paid, remaining_balance, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, loan.ID, loan.Number, loan.CustomerID, loan.Amount.Currency, loan.Amount.Amount,
		loan.InterestRate.String(), loan.TermMonths, loan.Purpose, string(loan.Status),
		loan.TotalPaid.Amount, loan.RemainingBalance.Amount,
		now.Format(timeFormat), now.Format(timeFormat))
	if err != nil {
		return ledger.Loan{}, translate(err)
	}
	return loan, nil
}

func (s *Store) ApproveLoan(ctx context.Context, loanID string) (ledger.Loan, error) {
	return s.transition(ctx, loanID, ledger.StatusApproved)
}

func (s *Store) MarkDefaulted(ctx context.Context, loanID string) (ledger.Loan, error) {
	return s.transition(ctx, loanID, ledger.StatusDefaulted)
}

func (s *Store) transition(ctx context.Context, loanID string, to ledger.LoanStatus) (ledger.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out ledger.Loan
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		loan, err := getLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if !loan.Status.CanTransition(to) {
			return ledger.ErrInvalidStatus
		}
		loan.Status = to
		loan.UpdatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE loans SET status=?, updated_at=? WHERE id=?`,
			string(loan.Status), loan.UpdatedAt.Format(timeFormat), loan.ID); err != nil {
			return err
		}
		out = loan
		return nil
	})
	return out, err
}

func (s *Store) DisburseLoan(ctx context.Context, in ledger.DisburseInput) (ledger.Loan, ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outLoan ledger.Loan
	var outTx ledger.Transaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		loan, err := getLoan(ctx, tx, in.LoanID)
		if err != nil {
			return err
		}
		if !loan.Status.CanTransition(ledger.StatusDisbursed) {
			return ledger.ErrInvalidStatus
		}
		if in.CreditAccountID != "" {
			acct, err := getAccount(ctx, tx, in.CreditAccountID)
			if err != nil {
				return err
			}
			if !acct.Active {
				return ledger.ErrAccountInactive
			}
			if acct.Balance.Currency != loan.Amount.Currency {
				return money.ErrCurrencyMismatch
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE accounts SET balance = balance + ? WHERE id=?`,
				loan.Amount.Amount, acct.ID); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		loan.Status = ledger.StatusDisbursed
		loan.DisbursedAt = &now
		loan.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE loans SET status=?, disbursed_at=?, updated_at=? WHERE id=?`,
			string(loan.Status), now.Format(timeFormat), now.Format(timeFormat), loan.ID); err != nil {
			return err
		}

		rec, err := insertTx(ctx, tx, ledger.Transaction{
			Type:        ledger.TxLoanDisbursement,
			Amount:      loan.Amount,
			AccountID:   in.CreditAccountID,
			LoanID:      loan.ID,
			Method:      in.Method,
			PerformedBy: in.PerformedBy,
		})
		if err != nil {
			return err
		}
		outLoan = loan
		outTx = rec
		return nil
	})
	return outLoan, outTx, err
}

// GenerateSchedule builds the amortization schedule exactly once per loan.
func (s *Store) GenerateSchedule(ctx context.Context, loanID string) ([]ledger.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ledger.ScheduleEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		loan, err := getLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if !loan.Status.Schedulable() {
			return ledger.ErrInvalidStatus
		}
		var existing int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM schedule_entries WHERE loan_id=?`, loanID).Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			return ledger.ErrScheduleExists
		}

		start := time.Now().UTC()
		if loan.DisbursedAt != nil {
			start = *loan.DisbursedAt
		}
		built, err := ledger.BuildSchedule(loanID, ledger.ScheduleTerms{
			Principal:   loan.Amount,
			AnnualRate:  loan.InterestRate,
			TermMonths:  loan.TermMonths,
			DisbursedAt: start,
		})
		if err != nil {
			return err
		}
		for _, e := range built {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO schedule_entries (id, loan_id, sequence, due_date, principal, interest, total_due, paid)
				VALUES (?,?,?,?,?,?,?,0)
			`, e.ID, e.LoanID, e.Sequence, e.DueDate.Format(timeFormat),
				e.Principal.Amount, e.Interest.Amount, e.TotalDue.Amount); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE loans SET next_payment_date=?, updated_at=? WHERE id=?`,
			built[0].DueDate.Format(timeFormat), time.Now().UTC().Format(timeFormat), loanID); err != nil {
			return err
		}
		out = built
		return nil
	})
	return out, err
}

func (s *Store) ApplyRepayment(ctx context.Context, in ledger.RepaymentInput) (ledger.RepaymentOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out ledger.RepaymentOutcome
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		loan, err := getLoan(ctx, tx, in.LoanID)
		if err != nil {
			return err
		}
		entries, err := loanEntries(ctx, tx, in.LoanID, loan.Amount.Currency)
		if err != nil {
			return err
		}

		plan, err := ledger.PlanRepayment(loan, entries, in.Amount, in.ScheduleEntryID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if plan.EntryID != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE schedule_entries SET paid_amount=?, paid=?, payment_date=? WHERE id=?`,
				plan.NewPaid.Amount, plan.EntryPaid, now.Format(timeFormat), plan.EntryID); err != nil {
				return err
			}
		}
		var nextPayment any
		if plan.NextPayment != nil {
			nextPayment = plan.NextPayment.Format(timeFormat)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE loans SET total_paid=?, remaining_balance=?, status=?, next_payment_date=?, updated_at=?
			WHERE id=?
		`, plan.TotalPaid.Amount, plan.Remaining.Amount, string(plan.Status),
			nextPayment, now.Format(timeFormat), loan.ID); err != nil {
			return err
		}

		rec, err := insertTx(ctx, tx, ledger.Transaction{
			Type:        ledger.TxLoanRepayment,
			Amount:      in.Amount,
			LoanID:      loan.ID,
			Method:      in.Method,
			PerformedBy: in.PerformedBy,
		})
		if err != nil {
			return err
		}

		loan.TotalPaid = plan.TotalPaid
		loan.RemainingBalance = plan.Remaining
		loan.Status = plan.Status
		loan.NextPaymentDate = plan.NextPayment
		loan.UpdatedAt = now
		out = ledger.RepaymentOutcome{Loan: loan, Transaction: rec}
		if plan.EntryID != "" {
			for i := range entries {
				if entries[i].ID == plan.EntryID {
					e := entries[i]
					e.PaidAmount = &plan.NewPaid
					e.Paid = plan.EntryPaid
					e.PaymentDate = &now
					out.Entry = &e
					break
				}
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) AssessPenalty(ctx context.Context, in ledger.PenaltyInput) (ledger.ScheduleEntry, error) {
	if !in.Amount.IsPositive() {
		return ledger.ScheduleEntry{}, ledger.ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out ledger.ScheduleEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		loan, err := getLoan(ctx, tx, in.LoanID)
		if err != nil {
			return err
		}
		entries, err := loanEntries(ctx, tx, in.LoanID, loan.Amount.Currency)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.ID != in.ScheduleEntryID {
				continue
			}
			if e.Paid {
				return ledger.ErrScheduleEntryMismatch
			}
			if e.TotalDue.Currency != in.Amount.Currency {
				return money.ErrCurrencyMismatch
			}
			penalty := money.New(in.Amount.Currency, in.Amount.Amount)
			if e.Penalty != nil {
				penalty.Amount += e.Penalty.Amount
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE schedule_entries SET penalty=? WHERE id=?`,
				penalty.Amount, e.ID); err != nil {
				return err
			}
			e.Penalty = &penalty
			out = e
			return nil
		}
		return ledger.ErrScheduleEntryMismatch
	})
	return out, err
}

func (s *Store) GetLoan(ctx context.Context, loanID string) (ledger.Loan, error) {
	loan, err := getLoanDB(ctx, s.db, loanID)
	if err != nil {
		return ledger.Loan{}, translate(err)
	}
	return loan, nil
}

func (s *Store) GetSchedule(ctx context.Context, loanID string) ([]ledger.ScheduleEntry, error) {
	loan, err := getLoanDB(ctx, s.db, loanID)
	if err != nil {
		return nil, translate(err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM schedule_entries WHERE loan_id=? ORDER BY sequence ASC`, loanID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	return collectEntries(rows, loan.Amount.Currency)
}

func (s *Store) ListLoans(ctx context.Context, customerID string) ([]ledger.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans`
	var args []any
	if customerID != "" {
		query += ` WHERE customer_id=?`
		args = append(args, customerID)
	}
	query += ` ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []ledger.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, loan)
	}
	return out, rows.Err()
}

// --- Savings accounts ---

func (s *Store) OpenAccount(ctx context.Context, in ledger.OpenAccountInput) (ledger.SavingsAccount, error) {
	if in.CustomerID == "" {
		return ledger.SavingsAccount{}, errors.New("customer id is required")
	}
	if !in.Type.Valid() {
		return ledger.SavingsAccount{}, errors.New("unknown account type")
	}
	if in.Initial.IsNegative() || in.InterestRate.IsNegative() {
		return ledger.SavingsAccount{}, ledger.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct := ledger.SavingsAccount{
		ID:           ids.New(),
		Number:       ids.AccountNumber(),
		CustomerID:   in.CustomerID,
		Type:         in.Type,
		Balance:      money.New(in.Initial.Currency, in.Initial.Amount),
		InterestRate: in.InterestRate,
		MaturityDate: in.MaturityDate,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var maturity any
		if acct.MaturityDate != nil {
			maturity = acct.MaturityDate.Format(timeFormat)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, number, customer_id, type, currency, balance, interest_rate, maturity_date, active, created_at)
			VALUES (?,?,?,?,?,?,?,?,1,?)
		`, acct.ID, acct.Number, acct.CustomerID, string(acct.Type), acct.Balance.Currency,
			acct.Balance.Amount, acct.InterestRate.String(), maturity,
			acct.CreatedAt.Format(timeFormat)); err != nil {
			return err
		}
		if in.Initial.IsPositive() {
			if _, err := insertTx(ctx, tx, ledger.Transaction{
				Type:        ledger.TxDeposit,
				Amount:      in.Initial,
				AccountID:   acct.ID,
				Method:      in.Method,
				PerformedBy: in.PerformedBy,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ledger.SavingsAccount{}, err
	}
	return acct, nil
}

func (s *Store) CloseAccount(ctx context.Context, accountID string) (ledger.SavingsAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out ledger.SavingsAccount
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		acct, err := getAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if !acct.Active {
			return ledger.ErrAccountInactive
		}
		if !acct.Balance.IsZero() {
			return ledger.ErrAccountNotEmpty
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET active=0 WHERE id=?`, accountID); err != nil {
			return err
		}
		acct.Active = false
		out = acct
		return nil
	})
	return out, err
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (ledger.SavingsAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id=?`, accountID)
	acct, err := scanAccount(row)
	if err != nil {
		return ledger.SavingsAccount{}, translate(err)
	}
	return acct, nil
}

func (s *Store) Deposit(ctx context.Context, in ledger.DepositInput) (ledger.Transaction, error) {
	return s.adjustBalance(ctx, in.AccountID, in.Amount, ledger.TxDeposit, in.Method, in.PerformedBy)
}

func (s *Store) Withdraw(ctx context.Context, in ledger.WithdrawInput) (ledger.Transaction, error) {
	return s.adjustBalance(ctx, in.AccountID, in.Amount, ledger.TxWithdrawal, in.Method, in.PerformedBy)
}

func (s *Store) adjustBalance(ctx context.Context, accountID string, amount money.Money, kind ledger.TransactionType, method, performedBy string) (ledger.Transaction, error) {
	if !amount.IsPositive() {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out ledger.Transaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		acct, err := getAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if !acct.Active {
			return ledger.ErrAccountInactive
		}
		if acct.Balance.Currency != amount.Currency {
			return money.ErrCurrencyMismatch
		}
		delta := amount.Amount
		if kind == ledger.TxWithdrawal {
			if amount.Amount > acct.Balance.Amount {
				return ledger.ErrInsufficientFunds
			}
			delta = -delta
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance + ? WHERE id=?`,
			delta, accountID); err != nil {
			return err
		}
		rec, err := insertTx(ctx, tx, ledger.Transaction{
			Type:        kind,
			Amount:      amount,
			AccountID:   accountID,
			Method:      method,
			PerformedBy: performedBy,
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

func (s *Store) Transfer(ctx context.Context, in ledger.TransferInput) (ledger.Transaction, error) {
	if !in.Amount.IsPositive() {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	if in.FromAccountID == in.ToAccountID {
		return ledger.Transaction{}, ledger.ErrSameAccount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out ledger.Transaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		from, err := getAccount(ctx, tx, in.FromAccountID)
		if err != nil {
			return err
		}
		to, err := getAccount(ctx, tx, in.ToAccountID)
		if err != nil {
			return err
		}
		if !from.Active || !to.Active {
			return ledger.ErrAccountInactive
		}
		if from.Balance.Currency != in.Amount.Currency || to.Balance.Currency != in.Amount.Currency {
			return money.ErrCurrencyMismatch
		}
		if in.Amount.Amount > from.Balance.Amount {
			return ledger.ErrInsufficientFunds
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance - ? WHERE id=?`,
			in.Amount.Amount, from.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance + ? WHERE id=?`,
			in.Amount.Amount, to.ID); err != nil {
			return err
		}

		rec, err := insertTx(ctx, tx, ledger.Transaction{
			Type:        ledger.TxTransfer,
			Amount:      in.Amount,
			PerformedBy: in.PerformedBy,
			Transfer: &ledger.TransferMetadata{
				FromAccountID:  from.ID,
				ToAccountID:    to.ID,
				FromCustomerID: from.CustomerID,
				ToCustomerID:   to.CustomerID,
			},
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

func (s *Store) PostAccountInterest(ctx context.Context, accountID, performedBy string) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out ledger.Transaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		acct, err := getAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if !acct.Active {
			return ledger.ErrAccountInactive
		}
		interest := money.PercentOf(acct.Balance, acct.InterestRate)
		if !interest.IsPositive() {
			return ledger.ErrInvalidAmount
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = balance + ? WHERE id=?`,
			interest.Amount, accountID); err != nil {
			return err
		}
		rec, err := insertTx(ctx, tx, ledger.Transaction{
			Type:        ledger.TxInterestPayment,
			Amount:      interest,
			AccountID:   accountID,
			PerformedBy: performedBy,
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

// --- Transaction log ---

func (s *Store) GetTransaction(ctx context.Context, txID string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id=?`, txID)
	rec, err := scanTx(row)
	if err != nil {
		return ledger.Transaction{}, translate(err)
	}
	return rec, nil
}

func (s *Store) ListTransactions(ctx context.Context, q ledger.TransactionQuery) ([]ledger.Transaction, uint64, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT ` + txColumns + ` FROM transactions WHERE sequence > ?`
	args := []any{q.AfterSeq}
	if q.LoanID != "" {
		query += ` AND loan_id = ?`
		args = append(args, q.LoanID)
	}
	if q.AccountID != "" {
		query += ` AND (account_id = ? OR json_extract(transfer,'$.from_account_id') = ? OR json_extract(transfer,'$.to_account_id') = ?)`
		args = append(args, q.AccountID, q.AccountID, q.AccountID)
	}
	query += ` ORDER BY sequence ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, translate(err)
	}
	defer rows.Close()

	var res []ledger.Transaction
	var last uint64
	for rows.Next() {
		rec, err := scanTx(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, rec)
		last = rec.Sequence
	}
	return res, last, rows.Err()
}

// --- helpers ---

const loanColumns = `id, number, customer_id, currency, amount, interest_rate, term_months, purpose,
	status, disbursed_at, total_paid, remaining_balance, next_payment_date, created_at, updated_at`

const entryColumns = `id, loan_id, sequence, due_date, principal, interest, total_due,
	paid_amount, paid, payment_date, penalty`

const accountColumns = `id, number, customer_id, type, currency, balance, interest_rate,
	maturity_date, active, created_at`

const txColumns = `id, number, type, currency, amount, account_id, loan_id, method,
	performed_by, transfer, sequence, created_at`

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return translate(err)
	}
	return translate(tx.Commit())
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getLoan(ctx context.Context, tx *sql.Tx, loanID string) (ledger.Loan, error) {
	return getLoanDB(ctx, tx, loanID)
}

func getLoanDB(ctx context.Context, q querier, loanID string) (ledger.Loan, error) {
	row := q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id=?`, loanID)
	return scanLoan(row)
}

func getAccount(ctx context.Context, tx *sql.Tx, accountID string) (ledger.SavingsAccount, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=?`, accountID)
	return scanAccount(row)
}

func loanEntries(ctx context.Context, tx *sql.Tx, loanID, currency string) ([]ledger.ScheduleEntry, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM schedule_entries WHERE loan_id=? ORDER BY sequence ASC`, loanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows, currency)
}

func insertTx(ctx context.Context, tx *sql.Tx, rec ledger.Transaction) (ledger.Transaction, error) {
	rec.ID = ids.New()
	rec.Number = ids.TransactionNumber()
	rec.CreatedAt = time.Now().UTC()

	var transfer any
	if rec.Transfer != nil {
		data, err := json.Marshal(rec.Transfer)
		if err != nil {
			return ledger.Transaction{}, err
		}
		transfer = string(data)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, number, type, currency, amount, account_id, loan_id, method, performed_by, transfer, created_at)
		VALUES (?,?,?,?,?,nullif(?,''),nullif(?,''),?,?,?,?)
	`, rec.ID, rec.Number, string(rec.Type), rec.Amount.Currency, rec.Amount.Amount,
		rec.AccountID, rec.LoanID, rec.Method, rec.PerformedBy, transfer,
		rec.CreatedAt.Format(timeFormat))
	if err != nil {
		return ledger.Transaction{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return ledger.Transaction{}, err
	}
	rec.Sequence = uint64(seq)
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (ledger.Loan, error) {
	var loan ledger.Loan
	var currency, status, rate, createdAt, updatedAt string
	var amount, totalPaid, remaining int64
	var disbursed, nextPayment sql.NullString
	err := row.Scan(&loan.ID, &loan.Number, &loan.CustomerID, &currency, &amount, &rate,
		&loan.TermMonths, &loan.Purpose, &status, &disbursed, &totalPaid, &remaining,
		&nextPayment, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Loan{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Loan{}, err
	}
	loan.Amount = money.New(currency, amount)
	loan.Status = ledger.LoanStatus(status)
	loan.TotalPaid = money.New(currency, totalPaid)
	loan.RemainingBalance = money.New(currency, remaining)
	if loan.InterestRate, err = decimal.NewFromString(rate); err != nil {
		return ledger.Loan{}, fmt.Errorf("parse interest rate: %w", err)
	}
	if loan.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Loan{}, err
	}
	if loan.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Loan{}, err
	}
	if loan.DisbursedAt, err = parseNullTime(disbursed); err != nil {
		return ledger.Loan{}, err
	}
	if loan.NextPaymentDate, err = parseNullTime(nextPayment); err != nil {
		return ledger.Loan{}, err
	}
	return loan, nil
}

func scanAccount(row rowScanner) (ledger.SavingsAccount, error) {
	var acct ledger.SavingsAccount
	var kind, currency, rate, createdAt string
	var balance int64
	var maturity sql.NullString
	err := row.Scan(&acct.ID, &acct.Number, &acct.CustomerID, &kind, &currency, &balance,
		&rate, &maturity, &acct.Active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.SavingsAccount{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.SavingsAccount{}, err
	}
	acct.Type = ledger.AccountType(kind)
	acct.Balance = money.New(currency, balance)
	if acct.InterestRate, err = decimal.NewFromString(rate); err != nil {
		return ledger.SavingsAccount{}, fmt.Errorf("parse interest rate: %w", err)
	}
	if acct.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.SavingsAccount{}, err
	}
	if acct.MaturityDate, err = parseNullTime(maturity); err != nil {
		return ledger.SavingsAccount{}, err
	}
	return acct, nil
}

func collectEntries(rows *sql.Rows, currency string) ([]ledger.ScheduleEntry, error) {
	var out []ledger.ScheduleEntry
	for rows.Next() {
		var e ledger.ScheduleEntry
		var principal, interest, totalDue int64
		var paidAmount, penalty sql.NullInt64
		var dueDate string
		var paymentDate sql.NullString
		if err := rows.Scan(&e.ID, &e.LoanID, &e.Sequence, &dueDate, &principal, &interest,
			&totalDue, &paidAmount, &e.Paid, &paymentDate, &penalty); err != nil {
			return nil, err
		}
		e.Principal = money.New(currency, principal)
		e.Interest = money.New(currency, interest)
		e.TotalDue = money.New(currency, totalDue)
		var err error
		if e.DueDate, err = parseTime(dueDate); err != nil {
			return nil, err
		}
		if e.PaymentDate, err = parseNullTime(paymentDate); err != nil {
			return nil, err
		}
		if paidAmount.Valid {
			m := money.New(currency, paidAmount.Int64)
			e.PaidAmount = &m
		}
		if penalty.Valid {
			m := money.New(currency, penalty.Int64)
			e.Penalty = &m
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanTx(row rowScanner) (ledger.Transaction, error) {
	var rec ledger.Transaction
	var kind, currency, createdAt string
	var amount int64
	var accountID, loanID, transfer sql.NullString
	err := row.Scan(&rec.ID, &rec.Number, &kind, &currency, &amount, &accountID, &loanID,
		&rec.Method, &rec.PerformedBy, &transfer, &rec.Sequence, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	rec.Type = ledger.TransactionType(kind)
	rec.Amount = money.New(currency, amount)
	rec.AccountID = accountID.String
	rec.LoanID = loanID.String
	if transfer.Valid && transfer.String != "" {
		var meta ledger.TransferMetadata
		if err := json.Unmarshal([]byte(transfer.String), &meta); err != nil {
			return ledger.Transaction{}, err
		}
		rec.Transfer = &meta
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Transaction{}, err
	}
	return rec, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// translate maps driver errors to the ledger's sentinel errors. A busy or
// locked database becomes ErrBusy so callers can retry.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	var sqErr *sqlite3.Error
	if errors.As(err, &sqErr) {
		// SQLITE_BUSY (5) and SQLITE_LOCKED (6).
		switch sqErr.Code() & 0xff {
		case 5, 6:
			return ledger.ErrBusy
		}
	}
	return err
}
