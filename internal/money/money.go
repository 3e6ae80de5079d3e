// Package money provides shared naira parsing, formatting and comparison
// utilities.
//
// Amounts are carried as decimal.Decimal and rendered with 2 decimal
// places (kobo). Balance consistency checks tolerate a rounding epsilon
// of 0.01.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of decimal places for naira amounts.
const Places = 2

// Epsilon is the rounding tolerance for balance consistency checks.
var Epsilon = decimal.New(1, -2) // 0.01

// Parse converts a decimal string (e.g. "1500.50") to a Decimal.
//
// Rules:
//   - Empty string parses as zero
//   - Negative amounts are rejected
//   - Surrounding whitespace is ignored
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount must not be negative")
	}
	return d, nil
}

// Format renders an amount with exactly 2 decimal places (e.g. "1500.50").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Round rounds an amount to kobo precision, half up.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// WithinEpsilon reports whether a and b agree within the rounding epsilon.
func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}

// ApplyMargin returns base * (1 + marginPercent/100), exact. Rounding to
// kobo happens at presentation, not here: profit must equal the exact
// difference.
func ApplyMargin(base decimal.Decimal, marginPercent decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(marginPercent.Div(decimal.NewFromInt(100)))
	return base.Mul(factor)
}
