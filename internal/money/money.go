// Package money provides the fixed-point decimal primitives used for every
// financial value in the system. No float64 ever participates in a financial
// calculation; conversion to float is allowed only at the Prometheus / JSON
// response boundary.
package money

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Canonical scales per field class. All rounding is banker's rounding.
const (
	ScalePrice int32 = 8 // exchange prices
	ScalePct   int32 = 4 // percentages and ratios
	ScaleZAR   int32 = 2 // ZAR amounts
	ScaleTrust int32 = 4 // trust / confidence values
)

// ErrFloatToken is returned when a JSON float token (fraction or exponent)
// is supplied where a decimal string or integer is required.
var ErrFloatToken = fmt.Errorf("float token in decimal field")

// Parse parses a decimal string and rescales it to the given scale using
// banker's rounding.
func Parse(s string, scale int32) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d.RoundBank(scale), nil
}

// MustParse is Parse for compile-time constants in tests and defaults.
// It panics on invalid input.
func MustParse(s string, scale int32) decimal.Decimal {
	d, err := Parse(s, scale)
	if err != nil {
		panic(err)
	}
	return d
}

// Price parses a price string at scale 8.
func Price(s string) (decimal.Decimal, error) { return Parse(s, ScalePrice) }

// Pct parses a percentage/ratio string at scale 4.
func Pct(s string) (decimal.Decimal, error) { return Parse(s, ScalePct) }

// ZAR parses a ZAR amount at scale 2.
func ZAR(s string) (decimal.Decimal, error) { return Parse(s, ScaleZAR) }

// Trust parses a trust/confidence string at scale 4.
func Trust(s string) (decimal.Decimal, error) { return Parse(s, ScaleTrust) }

// FromJSONNumber converts a JSON number token into a fixed-point decimal.
// Only integer tokens are accepted; a fraction or exponent means the sender
// serialized a float, which is rejected so precision loss cannot slip in
// silently.
func FromJSONNumber(n json.Number, scale int32) (decimal.Decimal, error) {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return decimal.Zero, ErrFloatToken
	}
	return Parse(s, scale)
}

// Canonical returns the canonical string form of a decimal: minus sign,
// integer digits without leading zeros, and a fractional part exactly as
// wide as the scale. This form is what row hashes are computed over, so it
// must stay stable across releases.
func Canonical(d decimal.Decimal, scale int32) string {
	return d.RoundBank(scale).StringFixed(scale)
}

// Clamp01 clamps d into [0, 1].
func Clamp01(d decimal.Decimal) decimal.Decimal {
	switch {
	case d.IsNegative():
		return decimal.Zero
	case d.GreaterThan(decimal.NewFromInt(1)):
		return decimal.NewFromInt(1)
	default:
		return d
	}
}

// RoundDownToLot rounds qty down to a whole multiple of lot. A zero or
// negative lot leaves qty untouched.
func RoundDownToLot(qty, lot decimal.Decimal) decimal.Decimal {
	if !lot.IsPositive() {
		return qty
	}
	return qty.Div(lot).Floor().Mul(lot)
}
