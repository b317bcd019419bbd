// Package ledger converts fractional currency amounts into integer
// milliunits, the smallest unit YNAB accepts, so that downstream arithmetic
// never touches floating point.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MilliunitsPerUnit is the number of minor units in one currency unit.
const MilliunitsPerUnit = 1000

// PrecisionError is returned when an amount carries sub-milliunit precision
// that cannot be represented losslessly.
type PrecisionError struct {
	Amount decimal.Decimal
}

func (e *PrecisionError) Error() string {
	return fmt.Sprintf("amount %s has sub-milliunit precision and cannot be converted losslessly", e.Amount)
}

// ToMilliunits converts a decimal currency amount to signed integer
// milliunits. The conversion is exact: an amount with more than three
// decimal places fails with *PrecisionError instead of rounding.
func ToMilliunits(amount decimal.Decimal) (int64, error) {
	m := amount.Mul(decimal.NewFromInt(MilliunitsPerUnit))
	if !m.IsInteger() {
		return 0, &PrecisionError{Amount: amount}
	}
	return m.IntPart(), nil
}

// NetOf returns the signed net for one expense: what the viewer paid minus
// what the viewer owed. Positive means the viewer is owed money.
func NetOf(paidShare, owedShare int64) int64 {
	return paidShare - owedShare
}
