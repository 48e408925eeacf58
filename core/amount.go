package core

// amount.go – unsigned 128-bit balance arithmetic. All ledger math must go
// through the checked helpers here; raw uint64 arithmetic on balances is a
// bug. Backed by holiman/uint256 with an explicit 128-bit bound so overflow
// is an error, never a wrap.

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// AtomicPerDisplay converts display units to atomic units (10^9).
	AtomicPerDisplay = 1_000_000_000
)

// Amount is an unsigned 128-bit quantity of atomic units.
type Amount struct {
	i uint256.Int
}

// NewAmount builds an Amount from atomic units.
func NewAmount(atomic uint64) Amount {
	var a Amount
	a.i.SetUint64(atomic)
	return a
}

// DisplayToAtomic converts whole display units into atomic units.
func DisplayToAtomic(display uint64) Amount {
	var a Amount
	a.i.SetUint64(display)
	a.i.Mul(&a.i, uint256.NewInt(AtomicPerDisplay))
	return a
}

// ParseAmount parses a decimal string of atomic units.
func ParseAmount(s string) (Amount, error) {
	var a Amount
	if err := a.i.SetFromDecimal(s); err != nil {
		return Amount{}, WrapErr(KindValidation, "parse amount", err)
	}
	if a.i.BitLen() > 128 {
		return Amount{}, ErrAmountOverflow
	}
	return a, nil
}

// amountFromU256 bounds-checks an intermediate uint256 result.
func amountFromU256(u *uint256.Int) (Amount, error) {
	if u.BitLen() > 128 {
		return Amount{}, ErrAmountOverflow
	}
	var a Amount
	a.i.Set(u)
	return a, nil
}

// Add returns a+b or ErrAmountOverflow.
func (a Amount) Add(b Amount) (Amount, error) {
	var sum uint256.Int
	if _, overflow := sum.AddOverflow(&a.i, &b.i); overflow {
		return Amount{}, ErrAmountOverflow
	}
	return amountFromU256(&sum)
}

// Sub returns a-b or ErrInsufficientBalance when b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.i.Lt(&b.i) {
		return Amount{}, ErrInsufficientBalance
	}
	var diff uint256.Int
	diff.Sub(&a.i, &b.i)
	return amountFromU256(&diff)
}

// Cmp returns -1, 0 or 1.
func (a Amount) Cmp(b Amount) int { return a.i.Cmp(&b.i) }

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.i.IsZero() }

// Lt reports a < b.
func (a Amount) Lt(b Amount) bool { return a.i.Lt(&b.i) }

// Uint64 truncates to uint64; callers must know the value fits (display
// conversions, test fixtures).
func (a Amount) Uint64() uint64 { return a.i.Uint64() }

// U256 returns a copy for module-level math (AMM quotes, inflation). The
// copy keeps ledger state immutable from the outside.
func (a Amount) U256() *uint256.Int { return new(uint256.Int).Set(&a.i) }

// DisplayUnits returns the whole display-unit part (atomic / 10^9),
// truncated to uint64.
func (a Amount) DisplayUnits() uint64 {
	q := a.U256()
	q.Div(q, uint256.NewInt(AtomicPerDisplay))
	return q.Uint64()
}

// String renders the decimal atomic-unit value.
func (a Amount) String() string { return a.i.Dec() }

// Bytes32 returns the big-endian 32-byte form used in hashing.
func (a Amount) Bytes32() [32]byte { return a.i.Bytes32() }

// MarshalJSON encodes the amount as a string-quoted decimal, matching the
// canonical transaction encoding.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.i.Dec())
}

// UnmarshalJSON accepts both string-quoted decimals and bare JSON numbers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n uint64
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return fmt.Errorf("amount: %w", err)
		}
		a.i.SetUint64(n)
		return nil
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
