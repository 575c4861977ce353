/*
Package factory provides JSON to Go policy conversion.

PURPOSE:
  Converts JSON group-policy definitions into circle.GroupPolicy values and
  back. Treasurers edit policies as JSON through the API; the SQLite store
  persists circle policy snapshots in the same format.

JSON SCHEMA:
  {
    "circle_duration_days": 365,
    "contribution_strategy": "MONTHLY",
    "interval_days": 0,
    "installments_per_circle": 0,
    "default_contribution": "1000.00",
    "benefit_caps": {"funeral": "20000.00", "sickness": "5000.00"},
    "loan": {"interest_percent": "5", "period_days": 30, "grace_period_days": 7},
    "reserve_min_balance": "10000.00",
    "waitlist": {"policy": "FIFO", "auto_benefits": true, "auto_loans": true}
  }

DEFAULTS:
  contribution_strategy: MONTHLY
  loan.period_days:      30
  waitlist.policy:       FIFO
  Missing money fields are zero; a zero benefit cap means uncapped.
  circle_duration_days has no default: a missing duration is an invalid policy.

SEE ALSO:
  - circle/policy.go: GroupPolicy and its validation
  - store/sqlite: Persists policies with ToJSON / FromJSON
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/circle-engine/circle"
	"github.com/warp/circle-engine/generic"
)

const defaultLoanPeriodDays = 30

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of a group policy.
type PolicyJSON struct {
	CircleDurationDays    int            `json:"circle_duration_days"`
	Strategy              string         `json:"contribution_strategy,omitempty"`
	IntervalDays          int            `json:"interval_days,omitempty"`
	InstallmentsPerCircle int            `json:"installments_per_circle,omitempty"`
	DefaultContribution   generic.Money  `json:"default_contribution"`
	BenefitCaps           BenefitCapJSON `json:"benefit_caps"`
	Loan                  LoanJSON       `json:"loan"`
	ReserveMinBalance     generic.Money  `json:"reserve_min_balance"`
	Waitlist              WaitlistJSON   `json:"waitlist"`
}

type BenefitCapJSON struct {
	Funeral  generic.Money `json:"funeral"`
	Sickness generic.Money `json:"sickness"`
}

type LoanJSON struct {
	InterestPercent decimal.Decimal `json:"interest_percent"`
	PeriodDays      int             `json:"period_days,omitempty"`
	GracePeriodDays int             `json:"grace_period_days,omitempty"`
}

type WaitlistJSON struct {
	Policy       string `json:"policy,omitempty"`
	AutoBenefits bool   `json:"auto_benefits"`
	AutoLoans    bool   `json:"auto_loans"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to Go structs.
type PolicyFactory struct{}

func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses and validates a JSON policy document.
func (f *PolicyFactory) ParsePolicy(data []byte) (*circle.GroupPolicy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return nil, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// FromJSON applies defaults and validates.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) (*circle.GroupPolicy, error) {
	strategy := circle.ContributionStrategy(pj.Strategy)
	if strategy == "" {
		strategy = circle.StrategyMonthly
	}
	waitlist := circle.WaitlistPolicy(pj.Waitlist.Policy)
	if waitlist == "" {
		waitlist = circle.WaitlistFIFO
	}
	loanPeriod := pj.Loan.PeriodDays
	if loanPeriod == 0 {
		loanPeriod = defaultLoanPeriodDays
	}

	p := &circle.GroupPolicy{
		CircleDurationDays:    pj.CircleDurationDays,
		Strategy:              strategy,
		IntervalDays:          pj.IntervalDays,
		InstallmentsPerCircle: pj.InstallmentsPerCircle,
		DefaultContribution:   orZero(pj.DefaultContribution),
		FuneralBenefitCap:     orZero(pj.BenefitCaps.Funeral),
		SicknessBenefitCap:    orZero(pj.BenefitCaps.Sickness),
		LoanInterestPercent:   pj.Loan.InterestPercent,
		LoanPeriodDays:        loanPeriod,
		GracePeriodDays:       pj.Loan.GracePeriodDays,
		ReserveMinBalance:     orZero(pj.ReserveMinBalance),
		WaitlistPolicy:        waitlist,
		AutoWaitlistBenefits:  pj.Waitlist.AutoBenefits,
		AutoWaitlistLoans:     pj.Waitlist.AutoLoans,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ToJSON is the inverse of FromJSON.
func (f *PolicyFactory) ToJSON(p circle.GroupPolicy) PolicyJSON {
	return PolicyJSON{
		CircleDurationDays:    p.CircleDurationDays,
		Strategy:              string(p.Strategy),
		IntervalDays:          p.IntervalDays,
		InstallmentsPerCircle: p.InstallmentsPerCircle,
		DefaultContribution:   p.DefaultContribution,
		BenefitCaps: BenefitCapJSON{
			Funeral:  p.FuneralBenefitCap,
			Sickness: p.SicknessBenefitCap,
		},
		Loan: LoanJSON{
			InterestPercent: p.LoanInterestPercent,
			PeriodDays:      p.LoanPeriodDays,
			GracePeriodDays: p.GracePeriodDays,
		},
		ReserveMinBalance: p.ReserveMinBalance,
		Waitlist: WaitlistJSON{
			Policy:       string(p.WaitlistPolicy),
			AutoBenefits: p.AutoWaitlistBenefits,
			AutoLoans:    p.AutoWaitlistLoans,
		},
	}
}

// Marshal encodes a policy as JSON.
func (f *PolicyFactory) Marshal(p circle.GroupPolicy) ([]byte, error) {
	return json.Marshal(f.ToJSON(p))
}

// orZero normalizes a Money decoded from an absent field.
func orZero(m generic.Money) generic.Money {
	if m.Value.IsZero() {
		return generic.ZeroMoney()
	}
	return m
}
