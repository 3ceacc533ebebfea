package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"sikaplan.org/internal/ids"
	"sikaplan.org/internal/money"
)

var (
	twelve  = decimal.NewFromInt(12)
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// ScheduleTerms are the loan terms the generator amortizes over.
type ScheduleTerms struct {
	Principal   money.Money
	AnnualRate  decimal.Decimal // percent, e.g. 12 for 12%/year
	TermMonths  int
	DisbursedAt time.Time
}

// BuildSchedule produces an equal-installment (annuity) amortization schedule.
//
// Interest for period k is the outstanding balance times the monthly rate,
// rounded half-up to the pesewa; the principal portion is the installment
// minus that interest. The final entry's principal is forced to the exact
// remaining outstanding balance, so principal across all entries sums to the
// loan principal regardless of per-period rounding. Due date k is the
// disbursement date plus k months.
func BuildSchedule(loanID string, t ScheduleTerms) ([]ScheduleEntry, error) {
	if t.TermMonths <= 0 {
		return nil, ErrInvalidTerm
	}
	if !t.Principal.IsPositive() {
		return nil, ErrInvalidPrincipal
	}
	if t.AnnualRate.IsNegative() {
		return nil, ErrInvalidAmount
	}

	currency := t.Principal.Currency
	n := t.TermMonths

	if t.AnnualRate.IsZero() {
		return buildZeroRate(loanID, t)
	}

	monthly := t.AnnualRate.Div(twelve).Div(hundred)
	principal := decimal.NewFromInt(t.Principal.Amount)

	// A = P * i * (1+i)^n / ((1+i)^n - 1)
	growth := one.Add(monthly).Pow(decimal.NewFromInt(int64(n)))
	installment := principal.Mul(monthly).Mul(growth).Div(growth.Sub(one)).Round(0).IntPart()

	entries := make([]ScheduleEntry, 0, n)
	outstanding := t.Principal.Amount
	for k := 1; k <= n; k++ {
		interest := decimal.NewFromInt(outstanding).Mul(monthly).Round(0).IntPart()
		principalPart := installment - interest
		if k == n || principalPart > outstanding {
			principalPart = outstanding
		}
		if principalPart < 0 {
			principalPart = 0
		}
		entries = append(entries, ScheduleEntry{
			ID:        ids.New(),
			LoanID:    loanID,
			Sequence:  k,
			DueDate:   t.DisbursedAt.AddDate(0, k, 0),
			Principal: money.New(currency, principalPart),
			Interest:  money.New(currency, interest),
			TotalDue:  money.New(currency, principalPart+interest),
		})
		outstanding -= principalPart
	}
	return entries, nil
}

// buildZeroRate splits the principal into equal installments; the remainder
// of the division lands on the final entry via money.Allocate.
func buildZeroRate(loanID string, t ScheduleTerms) ([]ScheduleEntry, error) {
	weights := make([]int64, t.TermMonths)
	for i := range weights {
		weights[i] = 1
	}
	shares, err := money.Allocate(t.Principal, weights)
	if err != nil {
		return nil, err
	}

	entries := make([]ScheduleEntry, 0, t.TermMonths)
	for k := 1; k <= t.TermMonths; k++ {
		share := shares[k-1]
		entries = append(entries, ScheduleEntry{
			ID:        ids.New(),
			LoanID:    loanID,
			Sequence:  k,
			DueDate:   t.DisbursedAt.AddDate(0, k, 0),
			Principal: share,
			Interest:  money.New(share.Currency, 0),
			TotalDue:  share,
		})
	}
	return entries, nil
}
