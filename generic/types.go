/*
Package generic provides the accounting primitives of the circle engine.

PURPOSE:
  This package contains the domain-agnostic pieces every savings-circle
  computation is built from: money arithmetic, identifiers, time helpers,
  the append-only ledger entry and the cash balance fold. Nothing here knows
  about schedules, benefits or loans; that lives in package circle.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A fixed-point decimal amount (never float64)
  - GroupID/CircleID/MemberID: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal so repeated recomputation never drifts
  2. Type Safety: Distinct ID types prevent mixing a group with a circle
  3. Immutability: Money values are never mutated, every operation returns a new value

USAGE:
  fee := generic.NewMoneyFromInt(5000)
  due := fee.Mul(decimal.NewFromInt(3))

SEE ALSO:
  - ledger.go: LedgerEntry, the only way money moves
  - balance.go: available/reserve/spendable computed from entries
*/
package generic

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed-point amount
// =============================================================================

// Money is an amount in the group's currency. The group operates a single
// currency, so no currency code is carried.
type Money struct {
	Value decimal.Decimal
}

// MoneyScale is the number of decimal places money is rounded to when a
// computation produces fractional minor units (interest).
const MoneyScale = 2

func NewMoney(value decimal.Decimal) Money { return Money{Value: value} }

func NewMoneyFromInt(value int64) Money { return Money{Value: decimal.NewFromInt(value)} }

// NewMoneyFromString parses a decimal string such as "1250.50". Amounts finer
// than MoneyScale are rejected so every stored amount prints exactly.
func NewMoneyFromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	m := Money{Value: d}
	if !m.FitsScale() {
		return Money{}, fmt.Errorf("amount %q has more than %d decimal places: %w", s, MoneyScale, ErrInvalidAmount)
	}
	return m, nil
}

// MustMoney parses s and panics on malformed input. Intended for tests and presets.
func MustMoney(s string) Money {
	m, err := NewMoneyFromString(s)
	if err != nil {
		panic(err)
	}
	return m
}

func ZeroMoney() Money { return Money{Value: decimal.Zero} }

func (m Money) Add(o Money) Money               { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money               { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Mul(s decimal.Decimal) Money     { return Money{Value: m.Value.Mul(s)} }
func (m Money) Neg() Money                      { return Money{Value: m.Value.Neg()} }
func (m Money) Round() Money                    { return Money{Value: m.Value.Round(MoneyScale)} }
func (m Money) IsNegative() bool                { return m.Value.IsNegative() }
func (m Money) IsZero() bool                    { return m.Value.IsZero() }
func (m Money) IsPositive() bool                { return m.Value.IsPositive() }
func (m Money) GreaterThan(o Money) bool        { return m.Value.GreaterThan(o.Value) }
func (m Money) GreaterThanOrEqual(o Money) bool { return m.Value.GreaterThanOrEqual(o.Value) }
func (m Money) LessThan(o Money) bool           { return m.Value.LessThan(o.Value) }
func (m Money) LessThanOrEqual(o Money) bool    { return m.Value.LessThanOrEqual(o.Value) }
func (m Money) Equal(o Money) bool              { return m.Value.Equal(o.Value) }

// FitsScale reports whether m has no digits past MoneyScale.
func (m Money) FitsScale() bool { return m.Value.Equal(m.Value.Round(MoneyScale)) }

// String prints two decimals, or every digit when m does not fit the scale.
func (m Money) String() string {
	if !m.FitsScale() {
		return m.Value.String()
	}
	return m.Value.StringFixed(MoneyScale)
}

func (m Money) Max(o Money) Money {
	if m.GreaterThan(o) {
		return m
	}
	return o
}

// FloorZero returns m, or zero when m is negative.
func (m Money) FloorZero() Money { return m.Max(ZeroMoney()) }

// MarshalJSON encodes money as a decimal string so clients never see binary
// floating point. Encoding is lossless.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Accept bare JSON numbers too.
		s = string(data)
	}
	parsed, err := NewMoneyFromString(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type GroupID string
type CircleID string
type MemberID string
type EntryID string
