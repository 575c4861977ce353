/*
Package circle implements the accounting core of a rotating savings circle.

PURPOSE:
  Turns a group's configured policy into a deterministic contribution
  schedule, classifies member payments against it, accrues loan interest,
  and funds deferred benefit/loan requests from the group's spendable cash
  in a configurable waitlist order.

KEY CONCEPTS IN THIS FILE (policy.go):
  - GroupPolicy: Contribution cadence, benefit caps, loan terms, reserve, waitlist order
  - Group: A savings group and its current policy
  - Circle: One policy-bound cycle of a group (ACTIVE or CLOSED)

POLICY SNAPSHOTS:
  A circle snapshots the group policy when it opens. An administrative policy
  update refreshes the snapshot of the ACTIVE circle only; CLOSED circles keep
  the policy they ran under so their schedules never change retroactively.

SEE ALSO:
  - schedule.go: Installment generation from a policy
  - service.go: Group and circle lifecycle operations
*/
package circle

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/circle-engine/generic"
)

// =============================================================================
// POLICY ENUMS
// =============================================================================

type ContributionStrategy string

const (
	StrategyMonthly               ContributionStrategy = "MONTHLY"
	StrategyIntervalDays          ContributionStrategy = "INTERVAL_DAYS"
	StrategyInstallmentsPerCircle ContributionStrategy = "INSTALLMENTS_PER_CIRCLE"
)

func (s ContributionStrategy) Valid() bool {
	switch s {
	case StrategyMonthly, StrategyIntervalDays, StrategyInstallmentsPerCircle:
		return true
	}
	return false
}

type WaitlistPolicy string

const (
	WaitlistFIFO          WaitlistPolicy = "FIFO"
	WaitlistBenefitsFirst WaitlistPolicy = "BENEFITS_FIRST"
	WaitlistLoansFirst    WaitlistPolicy = "LOANS_FIRST"
)

func (w WaitlistPolicy) Valid() bool {
	switch w {
	case WaitlistFIFO, WaitlistBenefitsFirst, WaitlistLoansFirst:
		return true
	}
	return false
}

// =============================================================================
// GROUP POLICY
// =============================================================================

// GroupPolicy is immutable within a computation. A zero benefit cap means
// the benefit type is uncapped.
type GroupPolicy struct {
	CircleDurationDays    int
	Strategy              ContributionStrategy
	IntervalDays          int
	InstallmentsPerCircle int
	DefaultContribution   generic.Money

	FuneralBenefitCap  generic.Money
	SicknessBenefitCap generic.Money

	// Simple interest charged per loan period, in percent.
	LoanInterestPercent decimal.Decimal
	LoanPeriodDays      int
	GracePeriodDays     int

	ReserveMinBalance generic.Money
	WaitlistPolicy    WaitlistPolicy

	// When set, a request that cannot be funded is waitlisted instead of rejected.
	AutoWaitlistBenefits bool
	AutoWaitlistLoans    bool
}

// Validate rejects policies that cannot drive a schedule or a loan. Interval
// days and installments-per-circle of zero are accepted and floored to one
// when the schedule is computed.
func (p GroupPolicy) Validate() error {
	if p.CircleDurationDays <= 0 {
		return &generic.PolicyError{Field: "circle_duration_days", Reason: "must be positive"}
	}
	if !p.Strategy.Valid() {
		return &generic.PolicyError{Field: "contribution_strategy", Reason: fmt.Sprintf("unknown strategy %q", p.Strategy)}
	}
	if p.IntervalDays < 0 {
		return &generic.PolicyError{Field: "interval_days", Reason: "must not be negative"}
	}
	if p.InstallmentsPerCircle < 0 {
		return &generic.PolicyError{Field: "installments_per_circle", Reason: "must not be negative"}
	}
	for field, m := range map[string]generic.Money{
		"default_contribution": p.DefaultContribution,
		"funeral_benefit_cap":  p.FuneralBenefitCap,
		"sickness_benefit_cap": p.SicknessBenefitCap,
		"reserve_min_balance":  p.ReserveMinBalance,
	} {
		if m.IsNegative() {
			return &generic.PolicyError{Field: field, Reason: "must not be negative"}
		}
		if !m.FitsScale() {
			return &generic.PolicyError{Field: field, Reason: fmt.Sprintf("must not have more than %d decimal places", generic.MoneyScale)}
		}
	}
	if p.LoanInterestPercent.IsNegative() {
		return &generic.PolicyError{Field: "loan_interest_percent", Reason: "must not be negative"}
	}
	if p.LoanPeriodDays <= 0 {
		return &generic.PolicyError{Field: "loan_period_days", Reason: "must be positive"}
	}
	if p.GracePeriodDays < 0 {
		return &generic.PolicyError{Field: "grace_period_days", Reason: "must not be negative"}
	}
	if !p.WaitlistPolicy.Valid() {
		return &generic.PolicyError{Field: "waitlist_policy", Reason: fmt.Sprintf("unknown policy %q", p.WaitlistPolicy)}
	}
	return nil
}

// BenefitCap returns the cap for a benefit type and whether one applies.
func (p GroupPolicy) BenefitCap(t BenefitType) (generic.Money, bool) {
	var limit generic.Money
	switch t {
	case BenefitFuneral:
		limit = p.FuneralBenefitCap
	case BenefitSickness:
		limit = p.SicknessBenefitCap
	default:
		return generic.ZeroMoney(), false
	}
	return limit, limit.IsPositive()
}

// AutoWaitlist reports whether unfundable requests of kind are waitlisted.
func (p GroupPolicy) AutoWaitlist(kind RequestKind) bool {
	if kind == KindLoan {
		return p.AutoWaitlistLoans
	}
	return p.AutoWaitlistBenefits
}

// =============================================================================
// GROUP & CIRCLE
// =============================================================================

type Group struct {
	ID        generic.GroupID
	Name      string
	Policy    GroupPolicy
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CircleStatus string

const (
	CircleActive CircleStatus = "ACTIVE"
	CircleClosed CircleStatus = "CLOSED"
)

// Circle is one cycle of a group. Its schedule is derived, never stored.
type Circle struct {
	ID        generic.CircleID
	GroupID   generic.GroupID
	Start     time.Time
	End       time.Time
	Status    CircleStatus
	Policy    GroupPolicy
	CreatedAt time.Time
	ClosedAt  *time.Time
}

func (c Circle) IsClosed() bool { return c.Status == CircleClosed }

// Schedule computes the circle's installments from its policy snapshot.
func (c Circle) Schedule() (Schedule, error) {
	return ComputeInstallments(c.Policy, c.Start, c.Policy.CircleDurationDays)
}
