package ledger

import (
	"time"

	"sikaplan.org/internal/money"
)

// RepaymentPlan is the computed effect of applying one repayment. The store
// applies every field of the plan, or none of them.
type RepaymentPlan struct {
	EntryID     string // empty when the loan has no schedule
	NewPaid     money.Money
	EntryPaid   bool
	TotalPaid   money.Money
	Remaining   money.Money
	Status      LoanStatus
	NextPayment *time.Time
}

// PlanRepayment resolves the target schedule entry and computes the resulting
// entry and loan aggregate state. Entries must be the loan's full schedule
// ordered by sequence (possibly empty for loans without schedules).
//
// Partial payments are accepted: the shortfall stays on the entry, which
// remains the earliest-unpaid target for the next repayment. Amounts paid
// beyond the entry's outstanding total (penalty included) move the loan
// aggregate only; later entries are never adjusted.
func PlanRepayment(loan Loan, entries []ScheduleEntry, amount money.Money, entryID string) (RepaymentPlan, error) {
	if !amount.IsPositive() {
		return RepaymentPlan{}, ErrInvalidAmount
	}
	if amount.Currency != loan.Amount.Currency {
		return RepaymentPlan{}, money.ErrCurrencyMismatch
	}
	if !loan.Status.Repayable() {
		return RepaymentPlan{}, ErrLoanNotActive
	}

	var target *ScheduleEntry
	if entryID != "" {
		for i := range entries {
			if entries[i].ID == entryID {
				target = &entries[i]
				break
			}
		}
		if target == nil || target.Paid {
			return RepaymentPlan{}, ErrScheduleEntryMismatch
		}
	} else {
		// Oldest due first.
		for i := range entries {
			if !entries[i].Paid {
				target = &entries[i]
				break
			}
		}
	}

	plan := RepaymentPlan{}
	if target != nil {
		prev := int64(0)
		if target.PaidAmount != nil {
			prev = target.PaidAmount.Amount
		}
		owed := target.TotalDue.Amount
		if target.Penalty != nil {
			owed += target.Penalty.Amount
		}
		newPaid := prev + amount.Amount
		if newPaid > owed {
			newPaid = owed
		}
		plan.EntryID = target.ID
		plan.NewPaid = money.New(amount.Currency, newPaid)
		plan.EntryPaid = newPaid >= owed
	}

	totalPaid, err := loan.TotalPaid.Add(amount)
	if err != nil {
		return RepaymentPlan{}, err
	}
	remaining, err := loan.Amount.SubFloor(totalPaid)
	if err != nil {
		return RepaymentPlan{}, err
	}
	plan.TotalPaid = totalPaid
	plan.Remaining = remaining
	if remaining.IsZero() {
		plan.Status = StatusFullyPaid
	} else {
		plan.Status = StatusActive
	}

	if plan.Status == StatusFullyPaid {
		return plan, nil
	}

	// Next payment due is the earliest entry still unpaid after this plan.
	for i := range entries {
		e := &entries[i]
		if e.Paid {
			continue
		}
		if e.ID == plan.EntryID && plan.EntryPaid {
			continue
		}
		due := e.DueDate
		plan.NextPayment = &due
		break
	}
	return plan, nil
}
