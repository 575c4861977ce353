/*
balance.go - Cash balance computed from ledger entries

PURPOSE:
  Answers "how much money can the group commit right now?" by folding
  confirmed ledger entries. Balance is never persisted as authoritative
  state; calling ComputeBalance again is always a valid repair.

BALANCE COMPONENTS:
  Available: sum(IN) - sum(OUT) over the entries supplied
  Reserve:   the policy's reserve minimum (not derived)
  Spendable: max(0, Available - Reserve)

SCOPE:
  The reserve protects the group's overall solvency, so callers normally pass
  every entry of the group. Filtering to one circle is the caller's choice.

HEALTH:
  Critical: spendable <= 0
  Low:      0 < spendable < 10% of available
  Healthy:  otherwise
  Health is an advisory signal for reporting. Gating happens in settlement.

SEE ALSO:
  - ledger.go: LedgerEntry
  - circle/settlement.go: Uses Spendable as the funding source
*/
package generic

import "github.com/shopspring/decimal"

// Balance is the derived cash position of a group.
type Balance struct {
	Available Money
	Reserve   Money
	Spendable Money
	TotalIn   Money
	TotalOut  Money
}

type Health string

const (
	HealthCritical Health = "critical"
	HealthLow      Health = "low"
	HealthHealthy  Health = "healthy"
)

// lowHealthRatio is the share of available cash below which spendable is "low".
var lowHealthRatio = decimal.RequireFromString("0.1")

// ComputeBalance folds entries into a Balance. It has no side effects and
// returns a validation error for entries that break ledger invariants.
func ComputeBalance(entries []LedgerEntry, reserveMin Money) (Balance, error) {
	if reserveMin.IsNegative() {
		return Balance{}, &ValidationError{Field: "reserve_min_balance", Reason: "must not be negative"}
	}

	in, out := ZeroMoney(), ZeroMoney()
	for _, e := range entries {
		if e.Amount.IsNegative() {
			return Balance{}, &ValidationError{Field: "amount", Reason: "ledger entry " + string(e.ID) + " is negative"}
		}
		switch e.Direction {
		case DirectionIn:
			in = in.Add(e.Amount)
		case DirectionOut:
			out = out.Add(e.Amount)
		default:
			return Balance{}, &ValidationError{Field: "direction", Reason: "ledger entry " + string(e.ID) + " has no direction"}
		}
	}

	available := in.Sub(out)
	return Balance{
		Available: available,
		Reserve:   reserveMin,
		Spendable: available.Sub(reserveMin).FloorZero(),
		TotalIn:   in,
		TotalOut:  out,
	}, nil
}

// Health classifies the balance for reporting.
func (b Balance) Health() Health {
	if !b.Spendable.IsPositive() {
		return HealthCritical
	}
	threshold := b.Available.Mul(lowHealthRatio)
	if b.Spendable.LessThan(threshold) {
		return HealthLow
	}
	return HealthHealthy
}

// CanFund reports whether amount fits within spendable.
func (b Balance) CanFund(amount Money) bool {
	return amount.LessThanOrEqual(b.Spendable)
}
