package ledger

// LoanStatus is the explicit loan lifecycle state. Transitions are validated
// against the table below; fully_paid and defaulted are terminal.
type LoanStatus string

const (
	StatusPending   LoanStatus = "pending"
	StatusApproved  LoanStatus = "approved"
	StatusDisbursed LoanStatus = "disbursed"
	StatusActive    LoanStatus = "active"
	StatusFullyPaid LoanStatus = "fully_paid"
	StatusDefaulted LoanStatus = "defaulted"
)

// A default is an operator decision allowed from any non-terminal state.
var transitions = map[LoanStatus][]LoanStatus{
	StatusPending:   {StatusApproved, StatusDefaulted},
	StatusApproved:  {StatusDisbursed, StatusDefaulted},
	StatusDisbursed: {StatusActive, StatusFullyPaid, StatusDefaulted},
	StatusActive:    {StatusFullyPaid, StatusDefaulted},
	StatusFullyPaid: nil,
	StatusDefaulted: nil,
}

// Valid reports whether s is a known status.
func (s LoanStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s LoanStatus) Terminal() bool {
	return s == StatusFullyPaid || s == StatusDefaulted
}

// CanTransition reports whether s -> to is a legal transition.
func (s LoanStatus) CanTransition(to LoanStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Repayable reports whether a loan in this status accepts repayments.
func (s LoanStatus) Repayable() bool {
	return s == StatusDisbursed || s == StatusActive
}

// Schedulable reports whether a schedule may be generated in this status.
func (s LoanStatus) Schedulable() bool {
	return s == StatusApproved || s == StatusDisbursed || s == StatusActive
}
