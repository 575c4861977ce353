package circle_test

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/circle-engine/circle"
	"github.com/warp/circle-engine/generic"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func money(s string) generic.Money { return generic.MustMoney(s) }

func date(y int, m time.Month, d int) time.Time { return generic.NewDate(y, m, d) }

var jan1 = date(2025, time.January, 1)

func testPolicy() circle.GroupPolicy {
	return circle.GroupPolicy{
		CircleDurationDays:    360,
		Strategy:              circle.StrategyInstallmentsPerCircle,
		InstallmentsPerCircle: 12,
		DefaultContribution:   money("1000"),
		LoanInterestPercent:   decimal.NewFromInt(5),
		LoanPeriodDays:        30,
		GracePeriodDays:       5,
		ReserveMinBalance:     generic.ZeroMoney(),
		WaitlistPolicy:        circle.WaitlistFIFO,
		AutoWaitlistBenefits:  true,
		AutoWaitlistLoans:     true,
	}
}

func sequentialIDs(prefix string) func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, atomic.AddInt64(&n, 1))
	}
}

func confirmed(member string, period int, amount string) circle.Contribution {
	return circle.Contribution{
		ID:                     circle.ContributionID(fmt.Sprintf("%s-%d-%s", member, period, amount)),
		MemberID:               generic.MemberID(member),
		PeriodIndex:            period,
		Amount:                 money(amount),
		ExpectedAmountSnapshot: money("1000"),
		Status:                 circle.ContributionConfirmed,
		CreatedAt:              jan1,
	}
}
