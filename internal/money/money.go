// Package money represents amounts as integer minor units.
//
// Fares, fees, refunds and payouts are int64 counts of the currency's
// smallest unit (cents). Conversions to and from decimal strings go through
// shopspring/decimal so no binary floating point ever touches a balance.
package money

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/shopspring/decimal"
)

// MinorDigits is the number of fractional digits in a major unit.
const MinorDigits = 2

// DefaultCurrency is used when a request does not name one.
const DefaultCurrency = "USD"

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrOverflow      = errors.New("amount overflow")
	ErrNegative      = errors.New("amount must not be negative")
)

// Amount is a quantity of money in minor units.
type Amount int64

// Parse converts a major-unit decimal string ("10.50") to minor units (1050).
// More than MinorDigits fractional digits of precision is rejected rather
// than silently rounded.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return 0, ErrNegative
	}
	if !d.Round(MinorDigits).Equal(d) {
		return 0, fmt.Errorf("%w: %q has more than %d decimal places", ErrInvalidAmount, s, MinorDigits)
	}
	minor := d.Shift(MinorDigits)
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, ErrOverflow
	}
	return Amount(minor.IntPart()), nil
}

// MustParse is Parse for constants in tests and defaults.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String formats the amount in major units with exactly MinorDigits decimals.
func (a Amount) String() string {
	return decimal.New(int64(a), -MinorDigits).StringFixed(MinorDigits)
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a == 0 }

// IsNegative reports whether the amount is below zero.
func (a Amount) IsNegative() bool { return a < 0 }

// PercentBps returns the basis-point share of a (10000 bps = 100%),
// rounded half up.
func (a Amount) PercentBps(bps int64) (Amount, error) {
	if a < 0 || bps < 0 {
		return 0, ErrNegative
	}
	v, err := MulDivRoundHalfUp(int64(a), bps, 10_000)
	if err != nil {
		return 0, err
	}
	return Amount(v), nil
}

// Min returns the smaller of two amounts.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Sum adds amounts, failing on overflow.
func Sum(amounts ...Amount) (Amount, error) {
	var total int64
	for _, a := range amounts {
		next := total + int64(a)
		if (int64(a) > 0 && next < total) || (int64(a) < 0 && next > total) {
			return 0, ErrOverflow
		}
		total = next
	}
	return Amount(total), nil
}

// MulDivRoundHalfUp computes round_half_up(x * num / den) for non-negative
// operands using a 128-bit intermediate product.
func MulDivRoundHalfUp(x, num, den int64) (int64, error) {
	if x < 0 || num < 0 {
		return 0, ErrNegative
	}
	if den <= 0 {
		return 0, fmt.Errorf("%w: denominator must be positive", ErrInvalidAmount)
	}
	hi, lo := bits.Mul64(uint64(x), uint64(num))
	if hi >= uint64(den) {
		return 0, ErrOverflow
	}
	q, r := bits.Div64(hi, lo, uint64(den))
	// r < den, so 2*r cannot overflow for den <= MaxInt64.
	if 2*r >= uint64(den) {
		q++
	}
	if q > math.MaxInt64 {
		return 0, ErrOverflow
	}
	return int64(q), nil
}
