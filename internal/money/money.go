// Package money defines the exact integer amount type used for every balance,
// reserve, share count and payout in the engine.
//
// One Amount unit is 1e-6 of the unit of account (the USDC minor unit). Outcome
// shares are denominated in the same unit: one whole share redeems for
// 1_000_000 units. Never float64 for money.
package money

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-amm/internal/errs"
)

const (
	// Decimals is the number of fractional digits of the unit of account.
	Decimals = 6

	// BasisPoints is the denominator for bps-denominated rates.
	BasisPoints = 10_000
)

var (
	// ErrInvalidAmount is returned when a value cannot be represented as a
	// non-negative integer amount.
	ErrInvalidAmount = errs.New(errs.InvalidInput, "INVALID_AMOUNT", "money: invalid amount")

	// Zero is the zero amount.
	Zero = Amount{}

	// One is the smallest representable amount.
	One = FromUint64(1)

	// Unit is one whole unit of account (1.000000).
	Unit = FromUint64(1_000_000)

	// MaxAmount (2^96 - 1) bounds every amount accepted from a caller. The
	// product of two such amounts stays far below 2^256, so pool and yield
	// arithmetic on accepted input cannot overflow.
	MaxAmount = maxAmount()
)

func maxAmount() Amount {
	var a Amount
	a.v.Lsh(uint256.NewInt(1), 96)
	a.v.SubUint64(&a.v, 1)
	return a
}

// Amount is an exact, non-negative integer quantity backed by a 256-bit
// unsigned integer. The zero value is ready to use.
type Amount struct {
	v uint256.Int
}

// FromUint64 returns the amount u.
func FromUint64(u uint64) Amount {
	var a Amount
	a.v.SetUint64(u)
	return a
}

// Parse parses a base-10 integer string such as "1500000".
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	var a Amount
	if err := a.v.SetFromDecimal(s); err != nil {
		return Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return a, nil
}

// MustParse is like Parse but panics on error. Intended for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal converts an integral, non-negative decimal to an Amount.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() || !d.IsInteger() {
		return Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, d.String())
	}
	return Parse(d.String())
}

// FromSigned floors a signed decimal and clamps it at zero.
func FromSigned(d decimal.Decimal) Amount {
	if !d.IsPositive() {
		return Zero
	}
	return MustParse(d.Floor().String())
}

// Decimal returns the amount as an exact integer decimal. Signed quantities
// (cost basis, profit and loss) are carried as decimals built from this.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.v.ToBig(), 0)
}

// Add returns a + b. Panics on 256-bit overflow.
func (a Amount) Add(b Amount) Amount {
	var z Amount
	if _, overflow := z.v.AddOverflow(&a.v, &b.v); overflow {
		panic("money: add overflow")
	}
	return z
}

// Sub returns a - b. Panics if b > a; callers compare first.
func (a Amount) Sub(b Amount) Amount {
	var z Amount
	if _, underflow := z.v.SubOverflow(&a.v, &b.v); underflow {
		panic("money: sub underflow")
	}
	return z
}

// SubFloor returns max(0, a - b).
func (a Amount) SubFloor(b Amount) Amount {
	if a.Lte(b) {
		return Zero
	}
	return a.Sub(b)
}

// Mul returns a * b. Panics on 256-bit overflow.
func (a Amount) Mul(b Amount) Amount {
	var z Amount
	if _, overflow := z.v.MulOverflow(&a.v, &b.v); overflow {
		panic("money: mul overflow")
	}
	return z
}

// MulUint64 returns a * u.
func (a Amount) MulUint64(u uint64) Amount {
	return a.Mul(FromUint64(u))
}

// Div returns floor(a / b). Panics on division by zero.
func (a Amount) Div(b Amount) Amount {
	if b.IsZero() {
		panic("money: division by zero")
	}
	var z Amount
	z.v.Div(&a.v, &b.v)
	return z
}

// DivCeil returns ceil(a / b). Panics on division by zero.
func (a Amount) DivCeil(b Amount) Amount {
	q := a.Div(b)
	if !q.Mul(b).Eq(a) {
		q = q.Add(One)
	}
	return q
}

// MulDiv returns floor(a * b / d).
func (a Amount) MulDiv(b, d Amount) Amount {
	return a.Mul(b).Div(d)
}

// SqrtCeil returns the smallest r with r*r >= a.
func (a Amount) SqrtCeil() Amount {
	var r Amount
	r.v.Sqrt(&a.v)
	if r.Mul(r).Lt(a) {
		r = r.Add(One)
	}
	return r
}

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

func (a Amount) Eq(b Amount) bool  { return a.v.Eq(&b.v) }
func (a Amount) Lt(b Amount) bool  { return a.v.Lt(&b.v) }
func (a Amount) Gt(b Amount) bool  { return a.v.Gt(&b.v) }
func (a Amount) Lte(b Amount) bool { return !a.v.Gt(&b.v) }
func (a Amount) Gte(b Amount) bool { return !a.v.Lt(&b.v) }

// InBounds reports whether a <= MaxAmount.
func (a Amount) InBounds() bool { return a.Lte(MaxAmount) }

// IsZero reports whether a == 0.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// Uint64 returns the amount as a uint64 and whether it fits.
func (a Amount) Uint64() (uint64, bool) {
	return a.v.Uint64(), a.v.IsUint64()
}

// String returns the base-10 integer representation.
func (a Amount) String() string { return a.v.Dec() }

// Format renders the amount in whole units with six decimals, e.g. "1.500000".
func (a Amount) Format() string {
	return decimal.NewFromBigInt(a.v.ToBig(), -Decimals).StringFixed(Decimals)
}

// MarshalJSON encodes the amount as a decimal string so large values never
// pass through a JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON accepts a decimal string or a bare JSON integer.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		return fmt.Errorf("%w: null", ErrInvalidAmount)
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Lt(b) {
		return a
	}
	return b
}

// Sum adds all amounts.
func Sum(amounts ...Amount) Amount {
	total := Zero
	for _, x := range amounts {
		total = total.Add(x)
	}
	return total
}
