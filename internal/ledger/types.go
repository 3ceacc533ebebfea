package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"sikaplan.org/internal/money"
)

// Loan is the borrowing aggregate. RemainingBalance is always
// Amount - TotalPaid clamped at zero, and TotalPaid never decreases.
type Loan struct {
	ID               string          `json:"id"`
	Number           string          `json:"number"`
	CustomerID       string          `json:"customer_id"`
	Amount           money.Money     `json:"amount"`
	InterestRate     decimal.Decimal `json:"interest_rate"` // annual, percent
	TermMonths       int             `json:"term_months"`
	Purpose          string          `json:"purpose,omitempty"`
	Status           LoanStatus      `json:"status"`
	DisbursedAt      *time.Time      `json:"disbursed_at,omitempty"`
	TotalPaid        money.Money     `json:"total_paid"`
	RemainingBalance money.Money     `json:"remaining_balance"`
	NextPaymentDate  *time.Time      `json:"next_payment_date,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ScheduleEntry is one installment of a loan's amortization schedule.
// Sequence numbers are contiguous from 1 and order by due date.
type ScheduleEntry struct {
	ID          string       `json:"id"`
	LoanID      string       `json:"loan_id"`
	Sequence    int          `json:"sequence"`
	DueDate     time.Time    `json:"due_date"`
	Principal   money.Money  `json:"principal"`
	Interest    money.Money  `json:"interest"`
	TotalDue    money.Money  `json:"total_due"`
	PaidAmount  *money.Money `json:"paid_amount,omitempty"`
	Paid        bool         `json:"paid"`
	PaymentDate *time.Time   `json:"payment_date,omitempty"`
	Penalty     *money.Money `json:"penalty,omitempty"` // additive to what is owed
}

// Owed returns the amount still outstanding on the entry, penalty included.
func (e ScheduleEntry) Owed() money.Money {
	owed := e.TotalDue.Amount
	if e.Penalty != nil {
		owed += e.Penalty.Amount
	}
	if e.PaidAmount != nil {
		owed -= e.PaidAmount.Amount
	}
	if owed < 0 {
		owed = 0
	}
	return money.Money{Currency: e.TotalDue.Currency, Amount: owed}
}

// AccountType distinguishes savings products.
type AccountType string

const (
	AccountRegular      AccountType = "regular"
	AccountFixedDeposit AccountType = "fixed_deposit"
	AccountSusu         AccountType = "susu"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountRegular, AccountFixedDeposit, AccountSusu:
		return true
	}
	return false
}

// SavingsAccount is the deposit aggregate. Its balance only moves as the
// direct result of a recorded Transaction, and never goes negative.
type SavingsAccount struct {
	ID           string          `json:"id"`
	Number       string          `json:"number"`
	CustomerID   string          `json:"customer_id"`
	Type         AccountType     `json:"type"`
	Balance      money.Money     `json:"balance"`
	InterestRate decimal.Decimal `json:"interest_rate"` // percent per posting period
	MaturityDate *time.Time      `json:"maturity_date,omitempty"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TransactionType enumerates every kind of money movement the engine records.
type TransactionType string

const (
	TxDeposit          TransactionType = "deposit"
	TxWithdrawal       TransactionType = "withdrawal"
	TxLoanDisbursement TransactionType = "loan_disbursement"
	TxLoanRepayment    TransactionType = "loan_repayment"
	TxInterestPayment  TransactionType = "interest_payment"
	TxPenaltyPayment   TransactionType = "penalty_payment"
	TxTransfer         TransactionType = "transfer"
)

// TransferMetadata identifies both sides of a transfer. It is present on a
// Transaction exactly when the type is TxTransfer; a transfer writes a single
// transaction row for the two-sided movement, so audit needs both ends here.
type TransferMetadata struct {
	FromAccountID  string `json:"from_account_id"`
	ToAccountID    string `json:"to_account_id"`
	FromCustomerID string `json:"from_customer_id"`
	ToCustomerID   string `json:"to_customer_id"`
}

// Transaction is an immutable, append-only record of one money movement.
// Sequence is strictly increasing per store instance; only the in-memory
// backend keeps it dense, since the SQL backends draw it from an identity
// column that can skip values on rollback.
type Transaction struct {
	ID          string            `json:"id"`
	Number      string            `json:"number"`
	Type        TransactionType   `json:"type"`
	Amount      money.Money       `json:"amount"`
	AccountID   string            `json:"account_id,omitempty"`
	LoanID      string            `json:"loan_id,omitempty"`
	Method      string            `json:"method,omitempty"`
	PerformedBy string            `json:"performed_by"`
	Transfer    *TransferMetadata `json:"transfer,omitempty"`
	Sequence    uint64            `json:"sequence"`
	CreatedAt   time.Time         `json:"created_at"`
}

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidAmount         = errors.New("invalid amount (must be > 0)")
	ErrInvalidTerm           = errors.New("invalid term (months must be > 0)")
	ErrInvalidPrincipal      = errors.New("invalid principal (must be > 0)")
	ErrLoanNotActive         = errors.New("loan is not open for repayment")
	ErrInvalidStatus         = errors.New("illegal loan status transition")
	ErrScheduleExists        = errors.New("loan already has a repayment schedule")
	ErrScheduleEntryMismatch = errors.New("schedule entry does not match loan or is already paid")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrSameAccount           = errors.New("source and destination accounts are the same")
	ErrAccountInactive       = errors.New("account is not active")
	ErrAccountNotEmpty       = errors.New("account balance must be zero to close")
	ErrBusy                  = errors.New("aggregate is busy, retry")
)
