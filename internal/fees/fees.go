package fees

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount occurs when a fee is requested for an amount that cannot
// produce a positive net payout.
var ErrInvalidAmount = errors.New("invalid amount")

// Calculator derives the platform fee and net payout for a withdrawal amount.
// It is pure and deterministic: it is invoked both at request time and again
// at completion time for audit, and the two results must agree.
type Calculator struct {
	rate    decimal.Decimal
	minimum decimal.Decimal
}

// NewCalculator builds a calculator from the configured fee rate (e.g. 0.02
// for 2%) and minimum fee in currency units.
func NewCalculator(rate, minimum decimal.Decimal) Calculator {
	return Calculator{rate: rate, minimum: minimum}
}

// Compute returns the fee and net amount for the given withdrawal amount.
// fee = max(amount * rate, minimum); net = amount - fee.
func (c Calculator) Compute(amount decimal.Decimal) (fee, net decimal.Decimal, err error) {
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, ErrInvalidAmount
	}

	fee = amount.Mul(c.rate)
	if fee.LessThan(c.minimum) {
		fee = c.minimum
	}

	net = amount.Sub(fee)
	if !net.IsPositive() {
		// The whole amount would be swallowed by the fee.
		return decimal.Zero, decimal.Zero, ErrInvalidAmount
	}
	return fee, net, nil
}
