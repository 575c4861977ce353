package circle_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circle-engine/circle"
	"github.com/warp/circle-engine/generic"
)

func TestPeriodStatus(t *testing.T) {
	due := date(2025, time.February, 1)
	before, after := due.Add(-time.Hour), due.Add(time.Hour)

	pending := confirmed("m1", 0, "1000")
	pending.Status = circle.ContributionPending
	rejected := confirmed("m1", 0, "1000")
	rejected.Status = circle.ContributionRejected

	tests := []struct {
		name  string
		rows  []circle.Contribution
		asOf  time.Time
		state circle.PeriodState
	}{
		{"fully paid", []circle.Contribution{confirmed("m1", 0, "1000")}, after, circle.PeriodPaid},
		{"paid in parts", []circle.Contribution{confirmed("m1", 0, "400"), confirmed("m1", 0, "600")}, after, circle.PeriodPaid},
		{"overpaid", []circle.Contribution{confirmed("m1", 0, "1500")}, after, circle.PeriodPaid},
		{"partial before due", []circle.Contribution{confirmed("m1", 0, "400")}, before, circle.PeriodPartial},
		{"partial after due", []circle.Contribution{confirmed("m1", 0, "400")}, after, circle.PeriodPartial},
		{"nothing after due", nil, after, circle.PeriodOverdue},
		{"nothing on due date", nil, due, circle.PeriodPending},
		{"nothing before due", nil, before, circle.PeriodPending},
		{"only unconfirmed rows", []circle.Contribution{pending, rejected}, after, circle.PeriodOverdue},
		{"other period only", []circle.Contribution{confirmed("m1", 1, "1000")}, after, circle.PeriodOverdue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := circle.PeriodStatus(tt.rows, 0, money("1000"), due, tt.asOf)
			require.NoError(t, err)
			assert.Equal(t, tt.state, state)
		})
	}
}

func TestPeriodStatus_RejectsNegativeInput(t *testing.T) {
	_, err := circle.PeriodStatus(nil, -1, money("1000"), jan1, jan1)
	assert.ErrorIs(t, err, generic.ErrInvalidPeriod)

	_, err = circle.PeriodStatus(nil, 0, money("-1"), jan1, jan1)
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)
}

func TestResolveExpectedAmount_Order(t *testing.T) {
	p := testPolicy()
	explicit := money("750")

	early := confirmed("m1", 2, "500")
	early.ExpectedAmountSnapshot = money("900")
	early.CreatedAt = jan1
	late := confirmed("m1", 2, "500")
	late.ID = "late"
	late.ExpectedAmountSnapshot = money("1200")
	late.CreatedAt = jan1.Add(time.Hour)
	rows := []circle.Contribution{late, early}

	assert.True(t, circle.ResolveExpectedAmount(&explicit, rows, 2, p).Equal(explicit))
	assert.True(t, circle.ResolveExpectedAmount(nil, rows, 2, p).Equal(money("900")), "earliest confirmed snapshot")
	assert.True(t, circle.ResolveExpectedAmount(nil, rows, 3, p).Equal(p.DefaultContribution))
}

func TestMemberArrears(t *testing.T) {
	p := testPolicy()
	p.InstallmentsPerCircle = 4
	schedule, err := circle.ComputeInstallments(p, jan1, 360)
	require.NoError(t, err)
	resolve := func(int) generic.Money { return money("1000") }

	// GIVEN: period 0 paid, period 1 partial, period 2 unpaid and past due,
	// period 3 not yet due
	rows := []circle.Contribution{
		confirmed("m1", 0, "1000"),
		confirmed("m1", 1, "300"),
	}
	asOf := generic.AddDays(jan1, 200)

	// WHEN
	arrears, err := circle.MemberArrears(rows, schedule, resolve, asOf)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, []int{1, 2}, arrears.Periods)
	assert.True(t, arrears.TotalOwed.Equal(money("1700")), "owed %s", arrears.TotalOwed)
}

func TestMemberArrears_OverpaymentDoesNotLeak(t *testing.T) {
	p := testPolicy()
	p.InstallmentsPerCircle = 4
	schedule, err := circle.ComputeInstallments(p, jan1, 360)
	require.NoError(t, err)
	resolve := func(int) generic.Money { return money("1000") }

	rows := []circle.Contribution{
		confirmed("m1", 0, "5000"),
	}
	arrears, err := circle.MemberArrears(rows, schedule, resolve, generic.AddDays(jan1, 100))
	require.NoError(t, err)

	// period 1 is still owed in full
	assert.Equal(t, []int{1}, arrears.Periods)
	assert.True(t, arrears.TotalOwed.Equal(money("1000")))
}

func TestMemberArrears_NeverNegativeAndZeroWhenCurrent(t *testing.T) {
	p := testPolicy()
	schedule, err := circle.ComputeInstallments(p, jan1, 360)
	require.NoError(t, err)

	var rows []circle.Contribution
	for i := 0; i < 12; i++ {
		rows = append(rows, confirmed("m1", i, "1000"))
	}
	resolve := circle.DefaultResolver(rows, p)

	for d := -5; d < 400; d += 7 {
		arrears, err := circle.MemberArrears(rows, schedule, resolve, generic.AddDays(jan1, d))
		require.NoError(t, err)
		assert.False(t, arrears.TotalOwed.IsNegative())
		assert.True(t, arrears.TotalOwed.IsZero(), "day %d owed %s", d, arrears.TotalOwed)
	}
}

func TestMemberArrears_PendingPeriodsAreNotArrears(t *testing.T) {
	schedule, err := circle.ComputeInstallments(testPolicy(), jan1, 360)
	require.NoError(t, err)

	// on the first due date nothing is overdue yet
	arrears, err := circle.MemberArrears(nil, schedule, func(int) generic.Money { return money("1000") }, jan1)
	require.NoError(t, err)
	assert.Empty(t, arrears.Periods)
	assert.True(t, arrears.TotalOwed.IsZero())
}

func TestBuildStatement(t *testing.T) {
	p := testPolicy()
	p.InstallmentsPerCircle = 4
	schedule, err := circle.ComputeInstallments(p, jan1, 360)
	require.NoError(t, err)

	rows := []circle.Contribution{confirmed("m1", 0, "1000"), confirmed("m1", 1, "250")}
	st, err := circle.BuildStatement("c1", "m1", rows, schedule, p, generic.AddDays(jan1, 95))
	require.NoError(t, err)

	require.Len(t, st.Lines, 4)
	assert.Equal(t, circle.PeriodPaid, st.Lines[0].Status)
	assert.Equal(t, circle.PeriodPartial, st.Lines[1].Status)
	assert.Equal(t, circle.PeriodPending, st.Lines[2].Status)
	assert.True(t, st.TotalPaid.Equal(money("1250")))
	assert.True(t, st.Arrears.TotalOwed.Equal(money("750")))
	require.NotNil(t, st.NextDue)
	assert.Equal(t, 2, st.NextDue.Index)
}

func TestContributionTransitions(t *testing.T) {
	c := circle.Contribution{ID: "c1", Status: circle.ContributionPending}
	require.NoError(t, c.TransitionTo(circle.ContributionConfirmed))

	err := c.TransitionTo(circle.ContributionRejected)
	assert.ErrorIs(t, err, generic.ErrDataIntegrity, "confirmed rows are immutable")

	r := circle.Contribution{ID: "c2", Status: circle.ContributionRejected}
	assert.ErrorIs(t, r.TransitionTo(circle.ContributionConfirmed), generic.ErrInvalidTransition)
}
