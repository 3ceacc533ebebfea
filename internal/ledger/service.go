package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"sikaplan.org/internal/money"
)

// Service defines the loan and account ledger operations. Every mutating
// operation commits the aggregate change and its transaction record as a
// single atomic unit, or fails with no observable partial state.
type Service interface {
	// Loans.
	CreateLoan(ctx context.Context, in CreateLoanInput) (Loan, error)
	ApproveLoan(ctx context.Context, loanID string) (Loan, error)
	DisburseLoan(ctx context.Context, in DisburseInput) (Loan, Transaction, error)
	MarkDefaulted(ctx context.Context, loanID string) (Loan, error)
	GenerateSchedule(ctx context.Context, loanID string) ([]ScheduleEntry, error)
	ApplyRepayment(ctx context.Context, in RepaymentInput) (RepaymentOutcome, error)
	AssessPenalty(ctx context.Context, in PenaltyInput) (ScheduleEntry, error)
	GetLoan(ctx context.Context, loanID string) (Loan, error)
	GetSchedule(ctx context.Context, loanID string) ([]ScheduleEntry, error)
	ListLoans(ctx context.Context, customerID string) ([]Loan, error)

	// Savings accounts.
	OpenAccount(ctx context.Context, in OpenAccountInput) (SavingsAccount, error)
	CloseAccount(ctx context.Context, accountID string) (SavingsAccount, error)
	GetAccount(ctx context.Context, accountID string) (SavingsAccount, error)
	Deposit(ctx context.Context, in DepositInput) (Transaction, error)
	Withdraw(ctx context.Context, in WithdrawInput) (Transaction, error)
	Transfer(ctx context.Context, in TransferInput) (Transaction, error)
	PostAccountInterest(ctx context.Context, accountID, performedBy string) (Transaction, error)

	// Transaction log.
	GetTransaction(ctx context.Context, txID string) (Transaction, error)
	ListTransactions(ctx context.Context, q TransactionQuery) ([]Transaction, uint64, error)
}

// CreateLoanInput books a loan application; the loan starts as pending.
type CreateLoanInput struct {
	CustomerID string
	Amount     money.Money
	AnnualRate decimal.Decimal // percent
	TermMonths int
	Purpose    string
}

// DisburseInput releases an approved loan. When CreditAccountID is set, the
// principal is credited to that savings account in the same atomic unit.
type DisburseInput struct {
	LoanID          string
	CreditAccountID string
	Method          string
	PerformedBy     string
}

// RepaymentInput applies a repayment. ScheduleEntryID optionally targets a
// specific installment; when empty the earliest unpaid entry is used.
type RepaymentInput struct {
	LoanID          string
	Amount          money.Money
	ScheduleEntryID string
	Method          string
	PerformedBy     string
}

// RepaymentOutcome reports the state after a repayment committed.
type RepaymentOutcome struct {
	Loan        Loan           `json:"loan"`
	Entry       *ScheduleEntry `json:"entry,omitempty"`
	Transaction Transaction    `json:"transaction"`
}

// PenaltyInput records a late-payment penalty against an unpaid entry.
type PenaltyInput struct {
	LoanID          string
	ScheduleEntryID string
	Amount          money.Money
}

// OpenAccountInput opens a savings account, optionally with an initial
// deposit recorded as the account's first transaction.
type OpenAccountInput struct {
	CustomerID   string
	Type         AccountType
	InterestRate decimal.Decimal // percent per posting period
	Initial      money.Money
	MaturityDate *time.Time
	Method       string
	PerformedBy  string
}

// DepositInput credits an account.
type DepositInput struct {
	AccountID   string
	Amount      money.Money
	Method      string
	PerformedBy string
}

// WithdrawInput debits an account; fails with ErrInsufficientFunds rather
// than letting the balance go negative.
type WithdrawInput struct {
	AccountID   string
	Amount      money.Money
	Method      string
	PerformedBy string
}

// TransferInput moves funds between two accounts as one transaction record.
type TransferInput struct {
	FromAccountID string
	ToAccountID   string
	Amount        money.Money
	PerformedBy   string
}

// TransactionQuery pages through the transaction log by sequence cursor,
// optionally filtered to one loan or one account.
type TransactionQuery struct {
	Limit     int
	AfterSeq  uint64
	LoanID    string
	AccountID string
}
