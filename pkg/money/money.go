// Package money provides a two-decimal fixed-point currency amount.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when an amount does not parse as a positive
// finite number.
var ErrInvalidAmount = errors.New("money: amount must be a positive number")

// ErrOutOfRange is returned when an amount or the result of arithmetic on
// amounts exceeds MaxCents in magnitude. It wraps ErrInvalidAmount.
var ErrOutOfRange = fmt.Errorf("%w: out of range", ErrInvalidAmount)

// MaxCents is the largest magnitude an Amount may hold: 2^53 cents, the
// range a JSON number carries exactly.
const MaxCents int64 = 1 << 53

func inRange(cents int64) bool {
	return cents >= -MaxCents && cents <= MaxCents
}

// Amount is a currency amount held as an integer count of cents.
type Amount struct {
	cents int64
}

// Zero is the zero amount.
var Zero = Amount{}

// FromCents creates an Amount from a count of cents.
func FromCents(cents int64) Amount {
	return Amount{cents: cents}
}

// Parse parses a caller-supplied amount. The value must be a positive finite
// decimal; it is rounded half away from zero to two decimal places and must
// stay positive after rounding.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, ErrInvalidAmount
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	a, err := fromDecimal(d)
	if err != nil {
		return Zero, err
	}
	if !a.IsPositive() {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return a, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func fromDecimal(d decimal.Decimal) (Amount, error) {
	scaled := d.Round(2).Shift(2)
	if !scaled.IsInteger() || scaled.Abs().GreaterThan(decimal.NewFromInt(MaxCents)) {
		return Zero, fmt.Errorf("%w: %s", ErrOutOfRange, d.String())
	}
	return Amount{cents: scaled.IntPart()}, nil
}

// Cents returns the amount as a count of cents.
func (a Amount) Cents() int64 { return a.cents }

// Decimal returns the amount as a decimal.Decimal.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(a.cents, -2)
}

// Add returns a+b, or ErrOutOfRange when an operand or the sum exceeds
// MaxCents.
func (a Amount) Add(b Amount) (Amount, error) {
	if !inRange(a.cents) || !inRange(b.cents) {
		return Zero, ErrOutOfRange
	}
	sum := a.cents + b.cents
	if !inRange(sum) {
		return Zero, fmt.Errorf("%w: %s + %s", ErrOutOfRange, a, b)
	}
	return Amount{cents: sum}, nil
}

func (a Amount) Sub(b Amount) Amount { return Amount{cents: a.cents - b.cents} }
func (a Amount) Neg() Amount         { return Amount{cents: -a.cents} }

// MulInt multiplies the amount by an integer quantity. The product must stay
// within MaxCents.
func (a Amount) MulInt(n int) (Amount, error) {
	if !inRange(a.cents) {
		return Zero, ErrOutOfRange
	}
	if a.cents == 0 || n == 0 {
		return Zero, nil
	}
	m := int64(n)
	if m > MaxCents || m < -MaxCents {
		return Zero, fmt.Errorf("%w: %s x %d", ErrOutOfRange, a, n)
	}
	absA, absM := a.cents, m
	if absA < 0 {
		absA = -absA
	}
	if absM < 0 {
		absM = -absM
	}
	if absA > MaxCents/absM {
		return Zero, fmt.Errorf("%w: %s x %d", ErrOutOfRange, a, n)
	}
	return Amount{cents: a.cents * m}, nil
}

// Cmp returns -1, 0 or +1 comparing a with b.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a.cents < b.cents:
		return -1
	case a.cents > b.cents:
		return 1
	default:
		return 0
	}
}

func (a Amount) LessThan(b Amount) bool { return a.cents < b.cents }
func (a Amount) Equal(b Amount) bool    { return a.cents == b.cents }
func (a Amount) IsPositive() bool       { return a.cents > 0 }
func (a Amount) IsNegative() bool       { return a.cents < 0 }
func (a Amount) IsZero() bool           { return a.cents == 0 }

// String formats the amount with exactly two decimals, e.g. "40.00".
func (a Amount) String() string {
	return a.Decimal().StringFixed(2)
}

// MarshalJSON encodes the amount as a two-decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a JSON string or a JSON number. Zero and
// negative values decode successfully; operations validate sign themselves.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*a = Zero
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	parsed, err := fromDecimal(d)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
