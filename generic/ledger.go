/*
ledger.go - Append-only cash ledger entries

PURPOSE:
  The ledger is the immutable source of truth for every economic event of a
  group: confirmed contributions, benefit payouts, loan disbursements, loan
  repayments and manual adjustments. Cash balance is always computed by
  folding entries. There is no stored balance that can drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. ONE ENTRY PER EVENT: The idempotency key is derived from the event
     (e.g. "contribution:<id>"), so a retried event never writes twice.
  3. NON-NEGATIVE AMOUNTS: Direction carries the sign, Amount is >= 0.
  4. TYPE/DIRECTION AGREEMENT: CONTRIBUTION_IN and LOAN_REPAYMENT_IN are IN,
     BENEFIT_OUT and LOAN_OUT are OUT, ADJUSTMENT may be either.

CORRECTIONS:
  A mistaken entry is never edited. An ADJUSTMENT in the opposite direction
  is appended and both remain in the history.

SEE ALSO:
  - balance.go: Folds entries into available/reserve/spendable
  - circle/store.go: Persistence interface for entries
*/
package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// ENTRY TYPES
// =============================================================================

type EntryType string

const (
	EntryContributionIn  EntryType = "CONTRIBUTION_IN"
	EntryBenefitOut      EntryType = "BENEFIT_OUT"
	EntryLoanOut         EntryType = "LOAN_OUT"
	EntryLoanRepaymentIn EntryType = "LOAN_REPAYMENT_IN"
	EntryAdjustment      EntryType = "ADJUSTMENT"
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryContributionIn, EntryBenefitOut, EntryLoanOut, EntryLoanRepaymentIn, EntryAdjustment:
		return true
	}
	return false
}

// Direction returns the fixed direction of the entry type. ADJUSTMENT has
// no fixed direction and reports ok=false.
func (t EntryType) Direction() (dir Direction, ok bool) {
	switch t {
	case EntryContributionIn, EntryLoanRepaymentIn:
		return DirectionIn, true
	case EntryBenefitOut, EntryLoanOut:
		return DirectionOut, true
	}
	return "", false
}

type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

func (d Direction) Valid() bool { return d == DirectionIn || d == DirectionOut }

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type LedgerEntry struct {
	ID        EntryID
	GroupID   GroupID
	CircleID  CircleID
	Type      EntryType
	Direction Direction
	Amount    Money
	// RefID points at the contribution, benefit, loan payment or adjustment
	// that produced the entry.
	RefID          string
	Reason         string
	IdempotencyKey string
	EffectiveAt    time.Time
	CreatedBy      string
	CreatedAt      time.Time
}

// Signed returns the amount with the sign implied by Direction.
func (e LedgerEntry) Signed() Money {
	if e.Direction == DirectionOut {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Validate checks the structural invariants of an entry before it is appended.
func (e LedgerEntry) Validate() error {
	if !e.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown entry type %q", e.Type)}
	}
	if !e.Direction.Valid() {
		return &ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", e.Direction)}
	}
	if fixed, ok := e.Type.Direction(); ok && fixed != e.Direction {
		return &ValidationError{Field: "direction", Reason: fmt.Sprintf("%s entries must be %s", e.Type, fixed)}
	}
	if e.Amount.IsNegative() {
		return &ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	if e.GroupID == "" {
		return &ValidationError{Field: "group_id", Reason: "is required", Err: ErrDataIntegrity}
	}
	if e.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotency_key", Reason: "is required", Err: ErrDataIntegrity}
	}
	return nil
}

// EntryKey builds the idempotency key for the ledger entry of an event.
func EntryKey(kind string, refID string) string {
	return kind + ":" + refID
}

// LedgerFilter scopes an entry query. An empty CircleID means the whole group.
type LedgerFilter struct {
	GroupID  GroupID
	CircleID CircleID
}
