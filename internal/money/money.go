// internal/money/money.go
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of fraction digits every amount is kept at.
const Scale = 2

// Amount is a fixed-point monetary value. It scans from and writes to
// NUMERIC columns through the embedded decimal and renders on the wire as a
// quoted string with two fraction digits.
type Amount struct {
	decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{}

// New returns units + cents/100.
func New(units int64, cents int64) Amount {
	return Amount{decimal.New(units*100+cents, -Scale)}
}

// FromInt returns a whole amount.
func FromInt(units int64) Amount {
	return Amount{decimal.NewFromInt(units)}
}

// Parse reads a decimal string and rounds it to two fraction digits.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Amount{d.Round(Scale)}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromFloat converts a float as sent by loosely typed clients.
func FromFloat(f float64) Amount {
	return Amount{decimal.NewFromFloat(f).Round(Scale)}
}

// Plus returns a + b.
func (a Amount) Plus(b Amount) Amount {
	return Amount{a.Decimal.Add(b.Decimal)}
}

// Minus returns a - b.
func (a Amount) Minus(b Amount) Amount {
	return Amount{a.Decimal.Sub(b.Decimal)}
}

// Negate returns -a.
func (a Amount) Negate() Amount {
	return Amount{a.Decimal.Neg()}
}

// Equals compares by value, ignoring internal representation.
func (a Amount) Equals(b Amount) bool {
	return a.Decimal.Equal(b.Decimal)
}

func (a Amount) String() string {
	return a.Decimal.StringFixed(Scale)
}

// MarshalJSON renders the amount as "12.50".
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted and bare numbers.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("decode amount: %w", err)
	}
	a.Decimal = d.Round(Scale)
	return nil
}
