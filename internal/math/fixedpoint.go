package math

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of decimal places amounts and positions are
// rounded to before persistence.
const AmountScale int32 = 4

// amountPattern is the interoperability API amount grammar: up to 18
// integer digits, up to 4 fraction digits, no sign, no leading zeros.
var amountPattern = regexp.MustCompile(`^([0]|([1-9][0-9]{0,17}))([.][0-9]{0,3}[1-9])?$`)

// Round rounds d to AmountScale using banker's rounding.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(AmountScale)
}

// ParseAmount parses a wire amount string. The grammar is checked before the
// value is handed to decimal so that "1e3" or "-5" are rejected.
func ParseAmount(s string) (decimal.Decimal, error) {
	if !amountPattern.MatchString(s) {
		return decimal.Zero, fmt.Errorf("amount %q does not match the amount format", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}

// ValidAmount reports whether d is a strictly positive amount expressible
// within AmountScale.
func ValidAmount(d decimal.Decimal) bool {
	if !d.IsPositive() {
		return false
	}
	return d.Equal(d.Truncate(AmountScale))
}

// Add returns a+b rounded to AmountScale.
func Add(a, b decimal.Decimal) decimal.Decimal {
	return Round(a.Add(b))
}

// Sub returns a-b rounded to AmountScale.
func Sub(a, b decimal.Decimal) decimal.Decimal {
	return Round(a.Sub(b))
}

// Percent returns d * pct / 100 rounded to AmountScale.
func Percent(d, pct decimal.Decimal) decimal.Decimal {
	return Round(d.Mul(pct).Div(decimal.NewFromInt(100)))
}
