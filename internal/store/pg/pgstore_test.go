package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"sikaplan.org/internal/ledger"
	"sikaplan.org/internal/money"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func accountRow(id string, balance int64, active bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "number", "customer_id", "type", "currency", "balance",
		"interest_rate", "maturity_date", "active", "created_at",
	}).AddRow(id, "SA-"+id, "cust-"+id, "regular", "GHS", balance, "0", nil, active, time.Now().UTC())
}

func TestCreateLoanInserts(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into loans").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "cust-1", "GHS", int64(120000),
			sqlmock.AnyArg(), 12, "inventory", "pending", int64(0), int64(120000),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	loan, err := store.CreateLoan(context.Background(), ledger.CreateLoanInput{
		CustomerID: "cust-1",
		Amount:     money.New("GHS", 120000),
		AnnualRate: decimal.NewFromInt(12),
		TermMonths: 12,
		Purpose:    "inventory",
	})
	if err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}
	if loan.Status != ledger.StatusPending {
		t.Fatalf("status = %s, want pending", loan.Status)
	}
	if loan.RemainingBalance.Amount != 120000 {
		t.Fatalf("remaining = %d, want 120000", loan.RemainingBalance.Amount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateLoanRejectsBadInput(t *testing.T) {
	store, _ := newMockStore(t)
	ctx := context.Background()

	_, err := store.CreateLoan(ctx, ledger.CreateLoanInput{
		CustomerID: "cust-1", Amount: money.New("GHS", 0), TermMonths: 12,
	})
	if !errors.Is(err, ledger.ErrInvalidPrincipal) {
		t.Fatalf("expected ErrInvalidPrincipal, got %v", err)
	}
	_, err = store.CreateLoan(ctx, ledger.CreateLoanInput{
		CustomerID: "cust-1", Amount: money.New("GHS", 1000), TermMonths: 0,
	})
	if !errors.Is(err, ledger.ErrInvalidTerm) {
		t.Fatalf("expected ErrInvalidTerm, got %v", err)
	}
}

func TestGetLoanNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select (.+) from loans where id=").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetLoan(context.Background(), "missing")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWithdrawInsufficientFundsRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from accounts where id=(.+) for update").
		WithArgs("acc-1").
		WillReturnRows(accountRow("acc-1", 5000, true))
	mock.ExpectRollback()

	_, err := store.Withdraw(context.Background(), ledger.WithdrawInput{
		AccountID: "acc-1",
		Amount:    money.New("GHS", 10000),
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransferWritesSingleTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	// Accounts locked in ascending id order.
	mock.ExpectQuery("select (.+) from accounts where id=(.+) for update").
		WithArgs("acc-1").
		WillReturnRows(accountRow("acc-1", 50000, true))
	mock.ExpectQuery("select (.+) from accounts where id=(.+) for update").
		WithArgs("acc-2").
		WillReturnRows(accountRow("acc-2", 0, true))
	mock.ExpectExec(`update accounts set balance = balance - `).
		WithArgs("acc-1", int64(20000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update accounts set balance = balance \+ `).
		WithArgs("acc-2", int64(20000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into transactions").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(7))
	mock.ExpectCommit()

	rec, err := store.Transfer(context.Background(), ledger.TransferInput{
		FromAccountID: "acc-1",
		ToAccountID:   "acc-2",
		Amount:        money.New("GHS", 20000),
		PerformedBy:   "teller-1",
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if rec.Type != ledger.TxTransfer {
		t.Fatalf("type = %s, want transfer", rec.Type)
	}
	if rec.Sequence != 7 {
		t.Fatalf("sequence = %d, want 7", rec.Sequence)
	}
	if rec.Transfer == nil || rec.Transfer.FromAccountID != "acc-1" || rec.Transfer.ToAccountID != "acc-2" {
		t.Fatalf("transfer metadata missing or wrong: %+v", rec.Transfer)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransferSameAccountRejected(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.Transfer(context.Background(), ledger.TransferInput{
		FromAccountID: "acc-1",
		ToAccountID:   "acc-1",
		Amount:        money.New("GHS", 100),
	})
	if !errors.Is(err, ledger.ErrSameAccount) {
		t.Fatalf("expected ErrSameAccount, got %v", err)
	}
}

func TestSerializationFailureMapsToBusy(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from accounts where id=(.+) for update").
		WithArgs("acc-1").
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()

	_, err := store.Deposit(context.Background(), ledger.DepositInput{
		AccountID: "acc-1",
		Amount:    money.New("GHS", 100),
	})
	if !errors.Is(err, ledger.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestCloseAccountRequiresZeroBalance(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from accounts where id=(.+) for update").
		WithArgs("acc-1").
		WillReturnRows(accountRow("acc-1", 2500, true))
	mock.ExpectRollback()

	_, err := store.CloseAccount(context.Background(), "acc-1")
	if !errors.Is(err, ledger.ErrAccountNotEmpty) {
		t.Fatalf("expected ErrAccountNotEmpty, got %v", err)
	}
}

func TestListTransactionsFiltersByLoan(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "number", "type", "currency", "amount", "account_id", "loan_id",
		"method", "performed_by", "transfer", "sequence", "created_at",
	}).
		AddRow("t1", "TX-1", "loan_repayment", "GHS", 10000, nil, "loan-1", "cash", "teller-1", nil, 3, time.Now().UTC()).
		AddRow("t2", "TX-2", "loan_repayment", "GHS", 10000, nil, "loan-1", "cash", "teller-1", nil, 4, time.Now().UTC())

	mock.ExpectQuery("select (.+) from transactions where sequence > (.+) and loan_id =").
		WithArgs(uint64(2), "loan-1", 50).
		WillReturnRows(rows)

	res, last, err := store.ListTransactions(context.Background(), ledger.TransactionQuery{
		Limit:    50,
		AfterSeq: 2,
		LoanID:   "loan-1",
	})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("len = %d, want 2", len(res))
	}
	if last != 4 {
		t.Fatalf("last = %d, want 4", last)
	}
	if res[0].LoanID != "loan-1" || res[0].Type != ledger.TxLoanRepayment {
		t.Fatalf("unexpected row: %+v", res[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
