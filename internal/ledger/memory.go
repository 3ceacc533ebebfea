package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"sikaplan.org/internal/ids"
	"sikaplan.org/internal/money"
)

// InMemory implements Service with in-process aggregates. Mutating operations
// are serialized per loan id and per account id through a bounded-wait lock
// table; transfers take both account locks in ascending id order.
type InMemory struct {
	locks *lockTable

	// mu guards the maps and the transaction log. Critical sections under mu
	// are short; logical serialization happens in the lock table above.
	mu       sync.RWMutex
	loans    map[string]*Loan
	entries  map[string][]*ScheduleEntry // loan id -> ordered by sequence
	accounts map[string]*SavingsAccount
	txs      []Transaction
	txByID   map[string]int
	seq      uint64
}

// NewInMemory creates a fresh ledger. lockWait bounds how long a mutating
// operation waits for a busy aggregate before failing with ErrBusy.
func NewInMemory(lockWait time.Duration) *InMemory {
	return &InMemory{
		locks:    newLockTable(lockWait),
		loans:    make(map[string]*Loan),
		entries:  make(map[string][]*ScheduleEntry),
		accounts: make(map[string]*SavingsAccount),
		txByID:   make(map[string]int),
	}
}

var _ Service = (*InMemory)(nil)

// --- Loans ---

func (s *InMemory) CreateLoan(ctx context.Context, in CreateLoanInput) (Loan, error) {
	if in.CustomerID == "" {
		return Loan{}, errors.New("customer id is required")
	}
	if !in.Amount.IsPositive() {
		return Loan{}, ErrInvalidPrincipal
	}
	if in.TermMonths <= 0 {
		return Loan{}, ErrInvalidTerm
	}
	if in.AnnualRate.IsNegative() {
		return Loan{}, ErrInvalidAmount
	}

	now := time.Now().UTC()
	loan := &Loan{
		ID:               ids.New(),
		Number:           ids.LoanNumber(),
		CustomerID:       in.CustomerID,
		Amount:           in.Amount,
		InterestRate:     in.AnnualRate,
		TermMonths:       in.TermMonths,
		Purpose:          in.Purpose,
		Status:           StatusPending,
		TotalPaid:        money.New(in.Amount.Currency, 0),
		RemainingBalance: in.Amount,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	s.mu.Lock()
	s.loans[loan.ID] = loan
	s.mu.Unlock()
	return cloneLoan(loan), nil
}

func (s *InMemory) ApproveLoan(ctx context.Context, loanID string) (Loan, error) {
	return s.transition(ctx, loanID, StatusApproved, nil)
}

func (s *InMemory) MarkDefaulted(ctx context.Context, loanID string) (Loan, error) {
	return s.transition(ctx, loanID, StatusDefaulted, nil)
}

// transition moves a loan to the requested status under its aggregate lock.
func (s *InMemory) transition(ctx context.Context, loanID string, to LoanStatus, mutate func(*Loan)) (Loan, error) {
	if err := s.locks.acquire(ctx, loanID); err != nil {
		return Loan{}, err
	}
	defer s.locks.release(loanID)

	s.mu.Lock()
	defer s.mu.Unlock()
	loan, ok := s.loans[loanID]
	if !ok {
		return Loan{}, ErrNotFound
	}
	if !loan.Status.CanTransition(to) {
		return Loan{}, ErrInvalidStatus
	}
	loan.Status = to
	loan.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(loan)
	}
	return cloneLoan(loan), nil
}

func (s *InMemory) DisburseLoan(ctx context.Context, in DisburseInput) (Loan, Transaction, error) {
	keys := []string{in.LoanID}
	if in.CreditAccountID != "" {
		keys = append(keys, in.CreditAccountID)
	}
	release, err := s.locks.acquireAll(ctx, keys...)
	if err != nil {
		return Loan{}, Transaction{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	loan, ok := s.loans[in.LoanID]
	if !ok {
		return Loan{}, Transaction{}, ErrNotFound
	}
	if !loan.Status.CanTransition(StatusDisbursed) {
		return Loan{}, Transaction{}, ErrInvalidStatus
	}

	var acct *SavingsAccount
	if in.CreditAccountID != "" {
		acct, ok = s.accounts[in.CreditAccountID]
		if !ok {
			return Loan{}, Transaction{}, ErrNotFound
		}
		if !acct.Active {
			return Loan{}, Transaction{}, ErrAccountInactive
		}
		if acct.Balance.Currency != loan.Amount.Currency {
			return Loan{}, Transaction{}, money.ErrCurrencyMismatch
		}
	}

	now := time.Now().UTC()
	loan.Status = StatusDisbursed
	loan.DisbursedAt = &now
	loan.UpdatedAt = now
	if acct != nil {
		acct.Balance.Amount += loan.Amount.Amount
	}

	tx := s.appendTx(Transaction{
		Type:        TxLoanDisbursement,
		Amount:      loan.Amount,
		AccountID:   in.CreditAccountID,
		LoanID:      loan.ID,
		Method:      in.Method,
		PerformedBy: in.PerformedBy,
	})
	return cloneLoan(loan), tx, nil
}

// GenerateSchedule builds the loan's amortization schedule exactly once.
// Regeneration is rejected with ErrScheduleExists: replacing an existing
// schedule would orphan recorded paid amounts, so a rebooked loan is the only
// path to new terms.
func (s *InMemory) GenerateSchedule(ctx context.Context, loanID string) ([]ScheduleEntry, error) {
	if err := s.locks.acquire(ctx, loanID); err != nil {
		return nil, err
	}
	defer s.locks.release(loanID)

	s.mu.Lock()
	defer s.mu.Unlock()

	loan, ok := s.loans[loanID]
	if !ok {
		return nil, ErrNotFound
	}
	if !loan.Status.Schedulable() {
		return nil, ErrInvalidStatus
	}
	if len(s.entries[loanID]) > 0 {
		return nil, ErrScheduleExists
	}

	start := time.Now().UTC()
	if loan.DisbursedAt != nil {
		start = *loan.DisbursedAt
	}
	built, err := BuildSchedule(loanID, ScheduleTerms{
		Principal:   loan.Amount,
		AnnualRate:  loan.InterestRate,
		TermMonths:  loan.TermMonths,
		DisbursedAt: start,
	})
	if err != nil {
		return nil, err
	}

	stored := make([]*ScheduleEntry, len(built))
	out := make([]ScheduleEntry, len(built))
	for i := range built {
		e := built[i]
		stored[i] = &e
		out[i] = cloneEntry(&e)
	}
	s.entries[loanID] = stored

	first := built[0].DueDate
	loan.NextPaymentDate = &first
	loan.UpdatedAt = time.Now().UTC()
	return out, nil
}

func (s *InMemory) ApplyRepayment(ctx context.Context, in RepaymentInput) (RepaymentOutcome, error) {
	if err := s.locks.acquire(ctx, in.LoanID); err != nil {
		return RepaymentOutcome{}, err
	}
	defer s.locks.release(in.LoanID)

	s.mu.Lock()
	defer s.mu.Unlock()

	loan, ok := s.loans[in.LoanID]
	if !ok {
		return RepaymentOutcome{}, ErrNotFound
	}
	stored := s.entries[in.LoanID]
	snapshot := make([]ScheduleEntry, len(stored))
	for i, e := range stored {
		snapshot[i] = cloneEntry(e)
	}

	plan, err := PlanRepayment(*loan, snapshot, in.Amount, in.ScheduleEntryID)
	if err != nil {
		return RepaymentOutcome{}, err
	}

	now := time.Now().UTC()
	var touched *ScheduleEntry
	if plan.EntryID != "" {
		for _, e := range stored {
			if e.ID == plan.EntryID {
				paid := plan.NewPaid
				e.PaidAmount = &paid
				e.Paid = plan.EntryPaid
				e.PaymentDate = &now
				touched = e
				break
			}
		}
	}

	loan.TotalPaid = plan.TotalPaid
	loan.RemainingBalance = plan.Remaining
	if loan.Status != plan.Status {
		loan.Status = plan.Status
	}
	loan.NextPaymentDate = plan.NextPayment
	loan.UpdatedAt = now

	tx := s.appendTx(Transaction{
		Type:        TxLoanRepayment,
		Amount:      in.Amount,
		LoanID:      loan.ID,
		Method:      in.Method,
		PerformedBy: in.PerformedBy,
	})

	outcome := RepaymentOutcome{Loan: cloneLoan(loan), Transaction: tx}
	if touched != nil {
		e := cloneEntry(touched)
		outcome.Entry = &e
	}
	return outcome, nil
}

func (s *InMemory) AssessPenalty(ctx context.Context, in PenaltyInput) (ScheduleEntry, error) {
	if !in.Amount.IsPositive() {
		return ScheduleEntry{}, ErrInvalidAmount
	}
	if err := s.locks.acquire(ctx, in.LoanID); err != nil {
		return ScheduleEntry{}, err
	}
	defer s.locks.release(in.LoanID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.loans[in.LoanID]; !ok {
		return ScheduleEntry{}, ErrNotFound
	}
	for _, e := range s.entries[in.LoanID] {
		if e.ID != in.ScheduleEntryID {
			continue
		}
		if e.Paid {
			return ScheduleEntry{}, ErrScheduleEntryMismatch
		}
		if e.TotalDue.Currency != in.Amount.Currency {
			return ScheduleEntry{}, money.ErrCurrencyMismatch
		}
		penalty := money.New(in.Amount.Currency, in.Amount.Amount)
		if e.Penalty != nil {
			penalty.Amount += e.Penalty.Amount
		}
		e.Penalty = &penalty
		return cloneEntry(e), nil
	}
	return ScheduleEntry{}, ErrScheduleEntryMismatch
}

func (s *InMemory) GetLoan(ctx context.Context, loanID string) (Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loan, ok := s.loans[loanID]
	if !ok {
		return Loan{}, ErrNotFound
	}
	return cloneLoan(loan), nil
}

func (s *InMemory) GetSchedule(ctx context.Context, loanID string) ([]ScheduleEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.loans[loanID]; !ok {
		return nil, ErrNotFound
	}
	stored := s.entries[loanID]
	out := make([]ScheduleEntry, len(stored))
	for i, e := range stored {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

func (s *InMemory) ListLoans(ctx context.Context, customerID string) ([]Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Loan
	for _, loan := range s.loans {
		if customerID != "" && loan.CustomerID != customerID {
			continue
		}
		out = append(out, cloneLoan(loan))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Savings accounts ---

func (s *InMemory) OpenAccount(ctx context.Context, in OpenAccountInput) (SavingsAccount, error) {
	if in.CustomerID == "" {
		return SavingsAccount{}, errors.New("customer id is required")
	}
	if !in.Type.Valid() {
		return SavingsAccount{}, errors.New("unknown account type")
	}
	if in.Initial.IsNegative() {
		return SavingsAccount{}, ErrInvalidAmount
	}
	if in.InterestRate.IsNegative() {
		return SavingsAccount{}, ErrInvalidAmount
	}

	acct := &SavingsAccount{
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

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.ID] = acct
	if in.Initial.IsPositive() {
		s.appendTx(Transaction{
			Type:        TxDeposit,
			Amount:      in.Initial,
			AccountID:   acct.ID,
			Method:      in.Method,
			PerformedBy: in.PerformedBy,
		})
	}
	return cloneAccount(acct), nil
}

func (s *InMemory) CloseAccount(ctx context.Context, accountID string) (SavingsAccount, error) {
	if err := s.locks.acquire(ctx, accountID); err != nil {
		return SavingsAccount{}, err
	}
	defer s.locks.release(accountID)

	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return SavingsAccount{}, ErrNotFound
	}
	if !acct.Active {
		return SavingsAccount{}, ErrAccountInactive
	}
	if !acct.Balance.IsZero() {
		return SavingsAccount{}, ErrAccountNotEmpty
	}
	acct.Active = false
	return cloneAccount(acct), nil
}

func (s *InMemory) GetAccount(ctx context.Context, accountID string) (SavingsAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return SavingsAccount{}, ErrNotFound
	}
	return cloneAccount(acct), nil
}

func (s *InMemory) Deposit(ctx context.Context, in DepositInput) (Transaction, error) {
	return s.adjustBalance(ctx, in.AccountID, in.Amount, TxDeposit, in.Method, in.PerformedBy)
}

func (s *InMemory) Withdraw(ctx context.Context, in WithdrawInput) (Transaction, error) {
	return s.adjustBalance(ctx, in.AccountID, in.Amount, TxWithdrawal, in.Method, in.PerformedBy)
}

func (s *InMemory) adjustBalance(ctx context.Context, accountID string, amount money.Money, kind TransactionType, method, performedBy string) (Transaction, error) {
	if !amount.IsPositive() {
		return Transaction{}, ErrInvalidAmount
	}
	if err := s.locks.acquire(ctx, accountID); err != nil {
		return Transaction{}, err
	}
	defer s.locks.release(accountID)

	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if !acct.Active {
		return Transaction{}, ErrAccountInactive
	}
	if acct.Balance.Currency != amount.Currency {
		return Transaction{}, money.ErrCurrencyMismatch
	}
	switch kind {
	case TxDeposit:
		acct.Balance.Amount += amount.Amount
	case TxWithdrawal:
		if amount.Amount > acct.Balance.Amount {
			return Transaction{}, ErrInsufficientFunds
		}
		acct.Balance.Amount -= amount.Amount
	}
	return s.appendTx(Transaction{
		Type:        kind,
		Amount:      amount,
		AccountID:   accountID,
		Method:      method,
		PerformedBy: performedBy,
	}), nil
}

func (s *InMemory) Transfer(ctx context.Context, in TransferInput) (Transaction, error) {
	if !in.Amount.IsPositive() {
		return Transaction{}, ErrInvalidAmount
	}
	if in.FromAccountID == in.ToAccountID {
		return Transaction{}, ErrSameAccount
	}
	release, err := s.locks.acquireAll(ctx, in.FromAccountID, in.ToAccountID)
	if err != nil {
		return Transaction{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.accounts[in.FromAccountID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	to, ok := s.accounts[in.ToAccountID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if !from.Active || !to.Active {
		return Transaction{}, ErrAccountInactive
	}
	if from.Balance.Currency != in.Amount.Currency || to.Balance.Currency != in.Amount.Currency {
		return Transaction{}, money.ErrCurrencyMismatch
	}
	if in.Amount.Amount > from.Balance.Amount {
		return Transaction{}, ErrInsufficientFunds
	}

	from.Balance.Amount -= in.Amount.Amount
	to.Balance.Amount += in.Amount.Amount

	return s.appendTx(Transaction{
		Type:        TxTransfer,
		Amount:      in.Amount,
		PerformedBy: in.PerformedBy,
		Transfer: &TransferMetadata{
			FromAccountID:  from.ID,
			ToAccountID:    to.ID,
			FromCustomerID: from.CustomerID,
			ToCustomerID:   to.CustomerID,
		},
	}), nil
}

// PostAccountInterest applies the account's period rate to its balance,
// rounding half-up at pesewa precision. Posting cadence is the operator's
// call; there is no background accrual.
func (s *InMemory) PostAccountInterest(ctx context.Context, accountID, performedBy string) (Transaction, error) {
	if err := s.locks.acquire(ctx, accountID); err != nil {
		return Transaction{}, err
	}
	defer s.locks.release(accountID)

	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[accountID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if !acct.Active {
		return Transaction{}, ErrAccountInactive
	}
	interest := money.PercentOf(acct.Balance, acct.InterestRate)
	if !interest.IsPositive() {
		return Transaction{}, ErrInvalidAmount
	}
	acct.Balance.Amount += interest.Amount
	return s.appendTx(Transaction{
		Type:        TxInterestPayment,
		Amount:      interest,
		AccountID:   acct.ID,
		PerformedBy: performedBy,
	}), nil
}

// --- Transaction log ---

func (s *InMemory) GetTransaction(ctx context.Context, txID string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.txByID[txID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return s.txs[idx], nil
}

func (s *InMemory) ListTransactions(ctx context.Context, q TransactionQuery) ([]Transaction, uint64, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Transaction
	var last uint64
	for _, tx := range s.txs {
		if tx.Sequence <= q.AfterSeq {
			continue
		}
		if !matchesQuery(tx, q) {
			continue
		}
		res = append(res, tx)
		last = tx.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func matchesQuery(tx Transaction, q TransactionQuery) bool {
	if q.LoanID != "" && tx.LoanID != q.LoanID {
		return false
	}
	if q.AccountID != "" {
		if tx.AccountID == q.AccountID {
			return true
		}
		if tx.Transfer != nil && (tx.Transfer.FromAccountID == q.AccountID || tx.Transfer.ToAccountID == q.AccountID) {
			return true
		}
		return false
	}
	return true
}

// appendTx assigns identity and sequence and appends to the log.
// Callers must hold s.mu.
func (s *InMemory) appendTx(tx Transaction) Transaction {
	s.seq++
	tx.ID = ids.New()
	tx.Number = ids.TransactionNumber()
	tx.Sequence = s.seq
	tx.CreatedAt = time.Now().UTC()
	s.txs = append(s.txs, tx)
	s.txByID[tx.ID] = len(s.txs) - 1
	return tx
}

// --- copies ---

func cloneLoan(l *Loan) Loan {
	out := *l
	if l.DisbursedAt != nil {
		d := *l.DisbursedAt
		out.DisbursedAt = &d
	}
	if l.NextPaymentDate != nil {
		d := *l.NextPaymentDate
		out.NextPaymentDate = &d
	}
	return out
}

func cloneEntry(e *ScheduleEntry) ScheduleEntry {
	out := *e
	if e.PaidAmount != nil {
		v := *e.PaidAmount
		out.PaidAmount = &v
	}
	if e.PaymentDate != nil {
		v := *e.PaymentDate
		out.PaymentDate = &v
	}
	if e.Penalty != nil {
		v := *e.Penalty
		out.Penalty = &v
	}
	return out
}

func cloneAccount(a *SavingsAccount) SavingsAccount {
	out := *a
	if a.MaturityDate != nil {
		v := *a.MaturityDate
		out.MaturityDate = &v
	}
	return out
}
