// Package money implements fixed-point monetary arithmetic in integer minor
// units (pesewas). No monetary value is ever held or computed as a float.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is the single currency the back office operates in.
const DefaultCurrency = "GHS"

// Money is an amount in minor units tagged with its currency.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

var (
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrNoShares         = errors.New("allocation requires at least one positive weight")
)

// New returns an amount in minor units.
func New(currency string, amount int64) Money {
	return Money{Currency: currency, Amount: amount}
}

func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsZero() bool     { return m.Amount == 0 }
func (m Money) IsNegative() bool { return m.Amount < 0 }

// String renders the amount in major units for logs and statements.
func (m Money) String() string {
	sign := ""
	amt := m.Amount
	if amt < 0 {
		sign = "-"
		amt = -amt
	}
	return fmt.Sprintf("%s %s%d.%02d", m.Currency, sign, amt/100, amt%100)
}

// Add sums two amounts of the same currency.
func (m Money) Add(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Currency: m.Currency, Amount: m.Amount + o.Amount}, nil
}

// Sub subtracts o from m. The result may be negative.
func (m Money) Sub(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Currency: m.Currency, Amount: m.Amount - o.Amount}, nil
}

// SubFloor subtracts o from m, saturating at zero. Used for balances that the
// domain requires to be non-negative, e.g. a loan's remaining balance.
func (m Money) SubFloor(o Money) (Money, error) {
	res, err := m.Sub(o)
	if err != nil {
		return Money{}, err
	}
	if res.Amount < 0 {
		res.Amount = 0
	}
	return res, nil
}

// PercentOf applies a percentage rate to the amount, rounding half-up to the
// nearest minor unit. The rate is a decimal percentage, e.g. 12.5 for 12.5%.
func PercentOf(m Money, rate decimal.Decimal) Money {
	v := decimal.NewFromInt(m.Amount).Mul(rate).Div(decimal.NewFromInt(100))
	return Money{Currency: m.Currency, Amount: v.Round(0).IntPart()}
}

// Allocate distributes total across len(weights) shares proportionally.
// Every share is truncated toward zero and the remainder is assigned to the
// last share, so the shares always sum exactly to the total.
func Allocate(total Money, weights []int64) ([]Money, error) {
	var sum int64
	for _, w := range weights {
		if w < 0 {
			return nil, ErrNoShares
		}
		sum += w
	}
	if len(weights) == 0 || sum <= 0 {
		return nil, ErrNoShares
	}

	shares := make([]Money, len(weights))
	var assigned int64
	for i, w := range weights {
		if i == len(weights)-1 {
			shares[i] = Money{Currency: total.Currency, Amount: total.Amount - assigned}
			break
		}
		part := total.Amount * w / sum
		shares[i] = Money{Currency: total.Currency, Amount: part}
		assigned += part
	}
	return shares, nil
}
