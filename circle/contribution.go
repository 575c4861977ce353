package circle

import (
	"time"

	"github.com/warp/circle-engine/generic"
)

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

type ContributionID string

type ContributionStatus string

const (
	ContributionPending   ContributionStatus = "PENDING"
	ContributionConfirmed ContributionStatus = "CONFIRMED"
	ContributionRejected  ContributionStatus = "REJECTED"
)

var contributionTransitions = map[ContributionStatus][]ContributionStatus{
	ContributionPending: {ContributionConfirmed, ContributionRejected},
}

// Contribution is one member payment toward one period. A member may have
// several rows per period; only CONFIRMED rows count.
type Contribution struct {
	ID                     ContributionID
	GroupID                generic.GroupID
	CircleID               generic.CircleID
	MemberID               generic.MemberID
	PeriodIndex            int
	Amount                 generic.Money
	ExpectedAmountSnapshot generic.Money
	Status                 ContributionStatus
	RejectionReason        string
	ConfirmedBy            string
	ConfirmedAt            *time.Time
	CreatedAt              time.Time
	Version                int64
}

// TransitionTo moves the contribution to a new status. A confirmed or
// rejected row is immutable.
func (c *Contribution) TransitionTo(to ContributionStatus) error {
	if c.Status == ContributionConfirmed {
		return generic.ErrDataIntegrity
	}
	for _, allowed := range contributionTransitions[c.Status] {
		if allowed == to {
			c.Status = to
			return nil
		}
	}
	return &generic.TransitionError{Entity: "contribution", ID: string(c.ID), From: string(c.Status), To: string(to)}
}

// =============================================================================
// PERIOD STATUS
// =============================================================================

type PeriodState string

const (
	PeriodPaid    PeriodState = "PAID"
	PeriodPartial PeriodState = "PARTIAL"
	PeriodOverdue PeriodState = "OVERDUE"
	PeriodPending PeriodState = "PENDING"
)

// PaidForPeriod sums CONFIRMED contributions for periodIndex.
func PaidForPeriod(contributions []Contribution, periodIndex int) generic.Money {
	paid := generic.ZeroMoney()
	for _, c := range contributions {
		if c.Status == ContributionConfirmed && c.PeriodIndex == periodIndex {
			paid = paid.Add(c.Amount)
		}
	}
	return paid
}

// PeriodStatus classifies one period for one member. Status is always
// derived, never stored.
func PeriodStatus(contributions []Contribution, periodIndex int, expected generic.Money, dueDate, asOf time.Time) (PeriodState, error) {
	if periodIndex < 0 {
		return "", &generic.ValidationError{Field: "period_index", Reason: "must not be negative", Err: generic.ErrInvalidPeriod}
	}
	if expected.IsNegative() {
		return "", &generic.ValidationError{Field: "expected_amount", Reason: "must not be negative"}
	}

	paid := PaidForPeriod(contributions, periodIndex)
	switch {
	case paid.GreaterThanOrEqual(expected):
		return PeriodPaid, nil
	case paid.IsPositive():
		return PeriodPartial, nil
	case asOf.After(dueDate):
		return PeriodOverdue, nil
	default:
		return PeriodPending, nil
	}
}

// =============================================================================
// EXPECTED AMOUNT RESOLUTION
// =============================================================================

// ExpectedAmountResolver returns the amount owed for a period.
type ExpectedAmountResolver func(periodIndex int) generic.Money

// ResolveExpectedAmount picks the amount owed for a period: the explicit
// value when given, else the snapshot of the earliest confirmed contribution
// for that period, else the policy default.
func ResolveExpectedAmount(explicit *generic.Money, contributions []Contribution, periodIndex int, policy GroupPolicy) generic.Money {
	if explicit != nil {
		return *explicit
	}
	var earliest *Contribution
	for i := range contributions {
		c := &contributions[i]
		if c.Status != ContributionConfirmed || c.PeriodIndex != periodIndex {
			continue
		}
		if earliest == nil || c.CreatedAt.Before(earliest.CreatedAt) {
			earliest = c
		}
	}
	if earliest != nil {
		return earliest.ExpectedAmountSnapshot
	}
	return policy.DefaultContribution
}

// DefaultResolver resolves each period from the member's confirmed rows and
// falls back to the policy default.
func DefaultResolver(contributions []Contribution, policy GroupPolicy) ExpectedAmountResolver {
	return func(periodIndex int) generic.Money {
		return ResolveExpectedAmount(nil, contributions, periodIndex, policy)
	}
}

// =============================================================================
// ARREARS
// =============================================================================

type Arrears struct {
	Periods   []int
	TotalOwed generic.Money
}

// MemberArrears accumulates the shortfall of every OVERDUE or PARTIAL period
// up to and including the current one. Overpayment in one period is never
// applied to another.
func MemberArrears(contributions []Contribution, schedule Schedule, resolve ExpectedAmountResolver, asOf time.Time) (Arrears, error) {
	out := Arrears{TotalOwed: generic.ZeroMoney()}
	if len(schedule) == 0 {
		return out, nil
	}

	current := schedule.CurrentPeriodIndex(asOf)
	for _, inst := range schedule[:current+1] {
		expected := resolve(inst.Index)
		state, err := PeriodStatus(contributions, inst.Index, expected, inst.DueDate, asOf)
		if err != nil {
			return Arrears{}, err
		}
		if state != PeriodOverdue && state != PeriodPartial {
			continue
		}
		owed := expected.Sub(PaidForPeriod(contributions, inst.Index)).FloorZero()
		out.Periods = append(out.Periods, inst.Index)
		out.TotalOwed = out.TotalOwed.Add(owed)
	}
	return out, nil
}

// =============================================================================
// MEMBER STATEMENT
// =============================================================================

// StatementLine is one period of a member statement.
type StatementLine struct {
	PeriodIndex int
	DueDate     time.Time
	Expected    generic.Money
	Paid        generic.Money
	Status      PeriodState
}

// Statement is a member's full schedule with per-period status and arrears.
type Statement struct {
	CircleID  generic.CircleID
	MemberID  generic.MemberID
	AsOf      time.Time
	Lines     []StatementLine
	TotalPaid generic.Money
	Arrears   Arrears
	NextDue   *Installment
}

// BuildStatement lays out every installment of the schedule for a member.
func BuildStatement(circleID generic.CircleID, memberID generic.MemberID, contributions []Contribution, schedule Schedule, policy GroupPolicy, asOf time.Time) (*Statement, error) {
	resolve := DefaultResolver(contributions, policy)

	st := &Statement{
		CircleID:  circleID,
		MemberID:  memberID,
		AsOf:      asOf,
		TotalPaid: generic.ZeroMoney(),
	}
	for _, inst := range schedule {
		expected := resolve(inst.Index)
		state, err := PeriodStatus(contributions, inst.Index, expected, inst.DueDate, asOf)
		if err != nil {
			return nil, err
		}
		paid := PaidForPeriod(contributions, inst.Index)
		st.TotalPaid = st.TotalPaid.Add(paid)
		st.Lines = append(st.Lines, StatementLine{
			PeriodIndex: inst.Index,
			DueDate:     inst.DueDate,
			Expected:    expected,
			Paid:        paid,
			Status:      state,
		})
	}

	arrears, err := MemberArrears(contributions, schedule, resolve, asOf)
	if err != nil {
		return nil, err
	}
	st.Arrears = arrears

	if next, ok := schedule.NextDue(asOf); ok {
		st.NextDue = &next
	}
	return st, nil
}
