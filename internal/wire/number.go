package wire

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Venue amounts never need more than this many digits or a larger exponent magnitude.
// Tokens outside these bounds would make decimal arithmetic arbitrarily expensive.
const (
	maxExponent = 40
	maxDigits   = 64
)

// Number is a decimal that may be absent. Wrong-typed or missing tokens decode to the
// zero Number, whose Valid is false.
type Number struct {
	Value decimal.Decimal
	Valid bool
}

// Num builds a valid Number.
func Num(d decimal.Decimal) Number {
	return Number{Value: d, Valid: true}
}

// ParseNumber parses a venue numeric token. Anything that is not a finite decimal
// within the venue bounds yields the absent sentinel.
func ParseNumber(raw string) Number {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Number{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return Number{}
	}
	if exp := d.Exponent(); exp > maxExponent || exp < -maxExponent || d.NumDigits() > maxDigits {
		return Number{}
	}
	return Num(d)
}

// MustNumber parses raw and panics when it is not a number. For tests and constants.
func MustNumber(raw string) Number {
	n := ParseNumber(raw)
	if !n.Valid {
		panic("wire: invalid number " + raw)
	}
	return n
}

// Or returns the value, or fallback when absent.
func (n Number) Or(fallback decimal.Decimal) decimal.Decimal {
	if !n.Valid {
		return fallback
	}
	return n.Value
}

func (n Number) String() string {
	if !n.Valid {
		return "<absent>"
	}
	return n.Value.String()
}

func hasStatusPrefix(status, prefix string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(status)), prefix)
}
