// Package pg implements the ledger service on PostgreSQL. Mutating
// operations run in serializable transactions with row locks taken in a
// stable order; contention surfaces as ledger.ErrBusy so callers can retry.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"sikaplan.org/internal/ids"
	"sikaplan.org/internal/ledger"
	"sikaplan.org/internal/money"
)

type Store struct {
	db *sql.DB
}

var _ ledger.Service = (*Store)(nil)

// Open connects to PostgreSQL using the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing database handle. Used by tests.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const loanColumns = `id, number, customer_id, currency, amount, interest_rate, term_months, purpose,
	status, disbursed_at, total_paid, remaining_balance, next_payment_date, created_at, updated_at`

const entryColumns = `e.id, e.loan_id, e.sequence, e.due_date, e.principal, e.interest, e.total_due,
	e.paid_amount, e.paid, e.payment_date, e.penalty, l.currency`

const accountColumns = `id, number, customer_id, type, currency, balance, interest_rate,
	maturity_date, active, created_at`

const txColumns = `id, number, type, currency, amount, account_id, loan_id, method,
	performed_by, transfer, sequence, created_at`

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
		insert into loans (id, number, customer_id, currency, amount, interest_rate, term_months,
			purpose, status, total_paid, remaining_balance, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, loan.ID, loan.Number, loan.CustomerID, loan.Amount.Currency, loan.Amount.Amount,
		loan.InterestRate, loan.TermMonths, loan.Purpose, string(loan.Status),
		loan.TotalPaid.Amount, loan.RemainingBalance.Amount, loan.CreatedAt, loan.UpdatedAt)
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
	var out ledger.Loan
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		loan, err := lockLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if !loan.Status.CanTransition(to) {
			return ledger.ErrInvalidStatus
		}
		loan.Status = to
		loan.UpdatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`update loans set status=$2, updated_at=$3 where id=$1`,
			loan.ID, string(loan.Status), loan.UpdatedAt); err != nil {
			return err
		}
		out = loan
		return nil
	})
	return out, err
}

func (s *Store) DisburseLoan(ctx context.Context, in ledger.DisburseInput) (ledger.Loan, ledger.Transaction, error) {
	var outLoan ledger.Loan
	var outTx ledger.Transaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		loan, err := lockLoan(ctx, tx, in.LoanID)
		if err != nil {
			return err
		}
		if !loan.Status.CanTransition(ledger.StatusDisbursed) {
			return ledger.ErrInvalidStatus
		}

		if in.CreditAccountID != "" {
			acct, err := lockAccount(ctx, tx, in.CreditAccountID)
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
				`update accounts set balance = balance + $2 where id=$1`,
				acct.ID, loan.Amount.Amount); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		loan.Status = ledger.StatusDisbursed
		loan.DisbursedAt = &now
		loan.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`update loans set status=$2, disbursed_at=$3, updated_at=$3 where id=$1`,
			loan.ID, string(loan.Status), now); err != nil {
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

// GenerateSchedule builds the loan's amortization schedule exactly once;
// regeneration fails with ErrScheduleExists.
func (s *Store) GenerateSchedule(ctx context.Context, loanID string) ([]ledger.ScheduleEntry, error) {
	var out []ledger.ScheduleEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		loan, err := lockLoan(ctx, tx, loanID)
		if err != nil {
			return err
		}
		if !loan.Status.Schedulable() {
			return ledger.ErrInvalidStatus
		}
		var existing int
		if err := tx.QueryRowContext(ctx,
			`select count(*) from schedule_entries where loan_id=$1`, loanID).Scan(&existing); err != nil {
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
				insert into schedule_entries (id, loan_id, sequence, due_date, principal, interest, total_due, paid)
				values ($1,$2,$3,$4,$5,$6,$7,false)
			`, e.ID, e.LoanID, e.Sequence, e.DueDate,
				e.Principal.Amount, e.Interest.Amount, e.TotalDue.Amount); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`update loans set next_payment_date=$2, updated_at=$3 where id=$1`,
			loanID, built[0].DueDate, time.Now().UTC()); err != nil {
			return err
		}
		out = built
		return nil
	})
	return out, err
}

func (s *Store) ApplyRepayment(ctx context.Context, in ledger.RepaymentInput) (ledger.RepaymentOutcome, error) {
	var out ledger.RepaymentOutcome
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		loan, err := lockLoan(ctx, tx, in.LoanID)
		if err != nil {
			return err
		}
		entries, err := loanEntries(ctx, tx, in.LoanID)
		if err != nil {
			return err
		}

		plan, err := ledger.PlanRepayment(loan, entries, in.Amount, in.ScheduleEntryID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if plan.EntryID != "" {
			if _, err := tx.ExecContext(ctx, `
				update schedule_entries set paid_amount=$2, paid=$3, payment_date=$4 where id=$1
			`, plan.EntryID, plan.NewPaid.Amount, plan.EntryPaid, now); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `
			update loans set total_paid=$2, remaining_balance=$3, status=$4, next_payment_date=$5, updated_at=$6
			where id=$1
		`, loan.ID, plan.TotalPaid.Amount, plan.Remaining.Amount, string(plan.Status), plan.NextPayment, now); err != nil {
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
	var out ledger.ScheduleEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := lockLoan(ctx, tx, in.LoanID); err != nil {
			return err
		}
		entries, err := loanEntries(ctx, tx, in.LoanID)
		if err != nil {
			return err
		}
		for i := range entries {
			e := entries[i]
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
				`update schedule_entries set penalty=$2 where id=$1`,
				e.ID, penalty.Amount); err != nil {
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
	row := s.db.QueryRowContext(ctx, `select `+loanColumns+` from loans where id=$1`, loanID)
	loan, err := scanLoan(row)
	if err != nil {
		return ledger.Loan{}, translate(err)
	}
	return loan, nil
}

func (s *Store) GetSchedule(ctx context.Context, loanID string) ([]ledger.ScheduleEntry, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from loans where id=$1)`, loanID).Scan(&exists); err != nil {
		return nil, translate(err)
	}
	if !exists {
		return nil, ledger.ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+entryColumns+`
		from schedule_entries e join loans l on l.id = e.loan_id
		where e.loan_id=$1 order by e.sequence asc`, loanID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *Store) ListLoans(ctx context.Context, customerID string) ([]ledger.Loan, error) {
	query := `select ` + loanColumns + ` from loans`
	var args []any
	if customerID != "" {
		query += ` where customer_id=$1`
		args = append(args, customerID)
	}
	query += ` order by id asc`
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
		if _, err := tx.ExecContext(ctx, `
			insert into accounts (id, number, customer_id, type, currency, balance, interest_rate, maturity_date, active, created_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,true,$9)
		`, acct.ID, acct.Number, acct.CustomerID, string(acct.Type), acct.Balance.Currency,
			acct.Balance.Amount, acct.InterestRate, acct.MaturityDate, acct.CreatedAt); err != nil {
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
	var out ledger.SavingsAccount
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		acct, err := lockAccount(ctx, tx, accountID)
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
			`update accounts set active=false where id=$1`, accountID); err != nil {
			return err
		}
		acct.Active = false
		out = acct
		return nil
	})
	return out, err
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (ledger.SavingsAccount, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id=$1`, accountID)
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
	var out ledger.Transaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		acct, err := lockAccount(ctx, tx, accountID)
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
			`update accounts set balance = balance + $2 where id=$1`,
			accountID, delta); err != nil {
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
	var out ledger.Transaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Lock both rows in ascending id order to avoid deadlocks.
		locked := map[string]ledger.SavingsAccount{}
		keys := []string{in.FromAccountID, in.ToAccountID}
		sort.Strings(keys)
		for _, id := range keys {
			acct, err := lockAccount(ctx, tx, id)
			if err != nil {
				return err
			}
			locked[id] = acct
		}
		from := locked[in.FromAccountID]
		to := locked[in.ToAccountID]

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
			`update accounts set balance = balance - $2 where id=$1`,
			from.ID, in.Amount.Amount); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`update accounts set balance = balance + $2 where id=$1`,
			to.ID, in.Amount.Amount); err != nil {
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
	var out ledger.Transaction
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		acct, err := lockAccount(ctx, tx, accountID)
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
			`update accounts set balance = balance + $2 where id=$1`,
			accountID, interest.Amount); err != nil {
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
	row := s.db.QueryRowContext(ctx, `select `+txColumns+` from transactions where id=$1`, txID)
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
	query := `select ` + txColumns + ` from transactions where sequence > $1`
	args := []any{q.AfterSeq}
	if q.LoanID != "" {
		args = append(args, q.LoanID)
		query += fmt.Sprintf(` and loan_id = $%d`, len(args))
	}
	if q.AccountID != "" {
		args = append(args, q.AccountID)
		n := len(args)
		query += fmt.Sprintf(
			` and (account_id = $%d or transfer->>'from_account_id' = $%d or transfer->>'to_account_id' = $%d)`,
			n, n, n)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` order by sequence asc limit $%d`, len(args))

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

// inTx runs fn in a serializable transaction and translates driver errors.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return translate(err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return translate(err)
	}
	return translate(tx.Commit())
}

func lockLoan(ctx context.Context, tx *sql.Tx, loanID string) (ledger.Loan, error) {
	row := tx.QueryRowContext(ctx,
		`select `+loanColumns+` from loans where id=$1 for update`, loanID)
	return scanLoan(row)
}

func lockAccount(ctx context.Context, tx *sql.Tx, accountID string) (ledger.SavingsAccount, error) {
	row := tx.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where id=$1 for update`, accountID)
	return scanAccount(row)
}

func loanEntries(ctx context.Context, tx *sql.Tx, loanID string) ([]ledger.ScheduleEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		select `+entryColumns+`
		from schedule_entries e join loans l on l.id = e.loan_id
		where e.loan_id=$1 order by e.sequence asc`, loanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
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
		transfer = data
	}
	err := tx.QueryRowContext(ctx, `
		insert into transactions (id, number, type, currency, amount, account_id, loan_id, method, performed_by, transfer, created_at)
		values ($1,$2,$3,$4,$5,nullif($6,''),nullif($7,''),$8,$9,$10,$11) returning sequence
	`, rec.ID, rec.Number, string(rec.Type), rec.Amount.Currency, rec.Amount.Amount,
		rec.AccountID, rec.LoanID, rec.Method, rec.PerformedBy, transfer, rec.CreatedAt).Scan(&rec.Sequence)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (ledger.Loan, error) {
	var loan ledger.Loan
	var currency, status string
	var amount, totalPaid, remaining int64
	var rate decimal.Decimal
	var disbursed, nextPayment sql.NullTime
	err := row.Scan(&loan.ID, &loan.Number, &loan.CustomerID, &currency, &amount, &rate,
		&loan.TermMonths, &loan.Purpose, &status, &disbursed, &totalPaid, &remaining,
		&nextPayment, &loan.CreatedAt, &loan.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Loan{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Loan{}, err
	}
	loan.Amount = money.New(currency, amount)
	loan.InterestRate = rate
	loan.Status = ledger.LoanStatus(status)
	loan.TotalPaid = money.New(currency, totalPaid)
	loan.RemainingBalance = money.New(currency, remaining)
	if disbursed.Valid {
		t := disbursed.Time.UTC()
		loan.DisbursedAt = &t
	}
	if nextPayment.Valid {
		t := nextPayment.Time.UTC()
		loan.NextPaymentDate = &t
	}
	return loan, nil
}

func scanEntry(row rowScanner) (ledger.ScheduleEntry, error) {
	var e ledger.ScheduleEntry
	var principal, interest, totalDue int64
	var paidAmount, penalty sql.NullInt64
	var paymentDate sql.NullTime
	var currency string
	err := row.Scan(&e.ID, &e.LoanID, &e.Sequence, &e.DueDate, &principal, &interest,
		&totalDue, &paidAmount, &e.Paid, &paymentDate, &penalty, &currency)
	if err != nil {
		return ledger.ScheduleEntry{}, err
	}
	e.Principal = money.New(currency, principal)
	e.Interest = money.New(currency, interest)
	e.TotalDue = money.New(currency, totalDue)
	if paidAmount.Valid {
		m := money.New(currency, paidAmount.Int64)
		e.PaidAmount = &m
	}
	if penalty.Valid {
		m := money.New(currency, penalty.Int64)
		e.Penalty = &m
	}
	if paymentDate.Valid {
		t := paymentDate.Time.UTC()
		e.PaymentDate = &t
	}
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]ledger.ScheduleEntry, error) {
	var out []ledger.ScheduleEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAccount(row rowScanner) (ledger.SavingsAccount, error) {
	var acct ledger.SavingsAccount
	var kind, currency string
	var balance int64
	var rate decimal.Decimal
	var maturity sql.NullTime
	err := row.Scan(&acct.ID, &acct.Number, &acct.CustomerID, &kind, &currency, &balance,
		&rate, &maturity, &acct.Active, &acct.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.SavingsAccount{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.SavingsAccount{}, err
	}
	acct.Type = ledger.AccountType(kind)
	acct.Balance = money.New(currency, balance)
	acct.InterestRate = rate
	if maturity.Valid {
		t := maturity.Time.UTC()
		acct.MaturityDate = &t
	}
	return acct, nil
}

func scanTx(row rowScanner) (ledger.Transaction, error) {
	var rec ledger.Transaction
	var kind, currency string
	var amount int64
	var accountID, loanID sql.NullString
	var transfer []byte
	err := row.Scan(&rec.ID, &rec.Number, &kind, &currency, &amount, &accountID, &loanID,
		&rec.Method, &rec.PerformedBy, &transfer, &rec.Sequence, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	rec.Type = ledger.TransactionType(kind)
	rec.Amount = money.New(currency, amount)
	if accountID.Valid {
		rec.AccountID = accountID.String
	}
	if loanID.Valid {
		rec.LoanID = loanID.String
	}
	if len(transfer) > 0 {
		var meta ledger.TransferMetadata
		if err := json.Unmarshal(transfer, &meta); err != nil {
			return ledger.Transaction{}, err
		}
		rec.Transfer = &meta
	}
	return rec, nil
}

// translate maps driver errors to the ledger's sentinel errors. Serialization
// failures and lock timeouts become ErrBusy so callers can retry.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return ledger.ErrBusy
		}
	}
	return err
}
