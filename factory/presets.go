package factory

import (
	"fmt"

	"github.com/warp/circle-engine/circle"
)

// Preset policies for common circle setups. Each returns JSON so it can be
// edited before parsing, like any treasurer-supplied policy.

// MonthlyCircleJSON is a one-year circle with monthly contributions, both
// auto-waitlist flags on and FIFO promotion.
func MonthlyCircleJSON(contribution, reserve string) string {
	return fmt.Sprintf(`{
		"circle_duration_days": 365,
		"contribution_strategy": "MONTHLY",
		"default_contribution": %q,
		"benefit_caps": {"funeral": "0", "sickness": "0"},
		"loan": {"interest_percent": "5", "period_days": 30, "grace_period_days": 7},
		"reserve_min_balance": %q,
		"waitlist": {"policy": "FIFO", "auto_benefits": true, "auto_loans": true}
	}`, contribution, reserve)
}

// WeeklyCircleJSON is a 364-day circle with a contribution every 7 days.
// Benefits are served before loans.
func WeeklyCircleJSON(contribution, reserve string) string {
	return fmt.Sprintf(`{
		"circle_duration_days": 364,
		"contribution_strategy": "INTERVAL_DAYS",
		"interval_days": 7,
		"default_contribution": %q,
		"loan": {"interest_percent": "1.5", "period_days": 7, "grace_period_days": 0},
		"reserve_min_balance": %q,
		"waitlist": {"policy": "BENEFITS_FIRST", "auto_benefits": true, "auto_loans": true}
	}`, contribution, reserve)
}

// QuarterlyCircleJSON splits a 360-day circle into four installments and
// rejects loans outright when cash is short.
func QuarterlyCircleJSON(contribution, reserve string) string {
	return fmt.Sprintf(`{
		"circle_duration_days": 360,
		"contribution_strategy": "INSTALLMENTS_PER_CIRCLE",
		"installments_per_circle": 4,
		"default_contribution": %q,
		"loan": {"interest_percent": "10", "period_days": 90, "grace_period_days": 14},
		"reserve_min_balance": %q,
		"waitlist": {"policy": "BENEFITS_FIRST", "auto_benefits": true, "auto_loans": false}
	}`, contribution, reserve)
}

// Preset looks up a preset by name.
func (f *PolicyFactory) Preset(name, contribution, reserve string) (*circle.GroupPolicy, error) {
	var doc string
	switch name {
	case "monthly":
		doc = MonthlyCircleJSON(contribution, reserve)
	case "weekly":
		doc = WeeklyCircleJSON(contribution, reserve)
	case "quarterly":
		doc = QuarterlyCircleJSON(contribution, reserve)
	default:
		return nil, fmt.Errorf("unknown preset %q", name)
	}
	return f.ParsePolicy([]byte(doc))
}
