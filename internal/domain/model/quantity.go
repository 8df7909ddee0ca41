package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// ErrInvalidQuantity is returned for literals that are not finite decimals.
var ErrInvalidQuantity = errors.New("invalid quantity")

// Quantity is an exact decimal amount. The zero value is 0.
type Quantity struct {
	value apd.Decimal
}

// ParseQuantity parses a decimal literal such as "1500" or "0.25".
func ParseQuantity(s string) (Quantity, error) {
	var d apd.Decimal
	if _, _, err := d.SetString(s); err != nil {
		return Quantity{}, fmt.Errorf("%w: %q", ErrInvalidQuantity, s)
	}
	if d.Form != apd.Finite {
		return Quantity{}, fmt.Errorf("%w: %q is not finite", ErrInvalidQuantity, s)
	}
	return Quantity{value: d}, nil
}

// MustQuantity is ParseQuantity for literals known to be valid.
func MustQuantity(s string) Quantity {
	q, err := ParseQuantity(s)
	if err != nil {
		panic(err)
	}
	return q
}

// QuantityFromInt64 converts an integer amount.
func QuantityFromInt64(i int64) Quantity {
	var d apd.Decimal
	d.SetInt64(i)
	return Quantity{value: d}
}

func (q Quantity) String() string { return q.value.String() }

// Digits returns how many digits the plain notation of q carries, counting
// the zeros its exponent implies.
func (q Quantity) Digits() int64 {
	n := q.value.NumDigits()
	e := int64(q.value.Exponent)
	if e >= 0 {
		return n + e
	}
	return max(n+e, 1) - e
}

// IsNegative reports whether q < 0. Negative zero is not negative.
func (q Quantity) IsNegative() bool { return q.value.Sign() < 0 }

// Cmp compares q and other.
func (q Quantity) Cmp(other Quantity) int { return q.value.Cmp(&other.value) }

// Add returns q + other with 34 digits of precision.
func (q Quantity) Add(other Quantity) Quantity {
	var result apd.Decimal
	ctx := apd.BaseContext.WithPrecision(34)
	_, _ = ctx.Add(&result, &q.value, &other.value)
	return Quantity{value: result}
}

// MarshalJSON writes the quantity as a JSON number literal.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return []byte(q.value.Text('f')), nil
}

// UnmarshalJSON accepts a JSON number (or a numeric string) without float rounding.
func (q *Quantity) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidQuantity, string(b))
	}
	parsed, err := ParseQuantity(n.String())
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
