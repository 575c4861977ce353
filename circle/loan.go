package circle

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/circle-engine/generic"
)

// =============================================================================
// LOANS
// =============================================================================

type LoanID string

type LoanStatus string

const (
	LoanPending    LoanStatus = "PENDING"
	LoanWaitlisted LoanStatus = "WAITLISTED"
	LoanActive     LoanStatus = "ACTIVE"
	LoanOverdue    LoanStatus = "OVERDUE"
	LoanClosed     LoanStatus = "CLOSED"
	LoanRejected   LoanStatus = "REJECTED"
)

var loanTransitions = map[LoanStatus][]LoanStatus{
	LoanPending:    {LoanActive, LoanWaitlisted, LoanRejected},
	LoanWaitlisted: {LoanActive, LoanRejected},
	LoanActive:     {LoanOverdue, LoanClosed},
	LoanOverdue:    {LoanClosed},
}

func (s LoanStatus) CanTransitionTo(to LoanStatus) bool {
	for _, allowed := range loanTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Outstanding reports whether the loan still has money out.
func (s LoanStatus) Outstanding() bool { return s == LoanActive || s == LoanOverdue }

type Loan struct {
	ID               LoanID
	GroupID          generic.GroupID
	CircleID         generic.CircleID
	BorrowerID       generic.MemberID
	Principal        generic.Money
	Status           LoanStatus
	GracePeriodDays  int
	DisbursedAt      *time.Time
	DueAt            *time.Time
	WaitlistPosition *int64
	WaitlistedAt     *time.Time
	ClosedAt         *time.Time
	RejectionReason  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Version          int64
}

func (l *Loan) TransitionTo(to LoanStatus) error {
	if !l.Status.CanTransitionTo(to) {
		return &generic.TransitionError{Entity: "loan", ID: string(l.ID), From: string(l.Status), To: string(to)}
	}
	l.Status = to
	return nil
}

// Disburse activates the loan at asOf: the due date is one loan period out
// and the policy's grace window is frozen onto the loan.
func (l *Loan) Disburse(policy GroupPolicy, asOf time.Time) error {
	if err := l.TransitionTo(LoanActive); err != nil {
		return err
	}
	disbursed := asOf
	due := generic.AddDays(asOf, policy.LoanPeriodDays)
	l.DisbursedAt = &disbursed
	l.DueAt = &due
	l.GracePeriodDays = policy.GracePeriodDays
	l.WaitlistPosition = nil
	l.UpdatedAt = asOf
	return nil
}

// FundingAmount is what a disbursement takes out of spendable.
func (l Loan) FundingAmount() generic.Money { return l.Principal }

// LoanPayment is an append-only repayment row.
type LoanPayment struct {
	ID         string
	LoanID     LoanID
	Amount     generic.Money
	PaidAt     time.Time
	RecordedBy string
}

// =============================================================================
// ACCRUAL
// =============================================================================

// LoanDue is the accrual view of a loan at a point in time.
type LoanDue struct {
	Principal      generic.Money
	Interest       generic.Money
	GrossDue       generic.Money
	Paid           generic.Money
	Outstanding    generic.Money
	InGrace        bool
	PeriodsElapsed int64
	Overdue        bool
}

var hundred = decimal.NewFromInt(100)

// ComputeLoanDue accrues simple interest per started loan period since
// disbursement. No interest accrues while asOf is within the grace window.
// An undisbursed loan owes nothing.
func ComputeLoanDue(loan Loan, payments []LoanPayment, policy GroupPolicy, asOf time.Time) (LoanDue, error) {
	if policy.LoanPeriodDays <= 0 {
		return LoanDue{}, &generic.PolicyError{Field: "loan_period_days", Reason: "must be positive"}
	}
	if loan.Principal.IsNegative() {
		return LoanDue{}, &generic.ValidationError{Field: "principal", Reason: "must not be negative"}
	}

	paid := generic.ZeroMoney()
	for _, p := range payments {
		if p.Amount.IsNegative() {
			return LoanDue{}, &generic.ValidationError{Field: "payment", Reason: "loan payment " + p.ID + " is negative"}
		}
		paid = paid.Add(p.Amount)
	}

	due := LoanDue{
		Principal: loan.Principal,
		Interest:  generic.ZeroMoney(),
		Paid:      paid,
	}
	if loan.DisbursedAt == nil {
		due.GrossDue = generic.ZeroMoney()
		due.Outstanding = generic.ZeroMoney()
		return due, nil
	}

	disbursed := *loan.DisbursedAt
	graceEnd := generic.AddDays(disbursed, loan.GracePeriodDays)
	if !asOf.After(graceEnd) {
		due.InGrace = true
	} else {
		due.PeriodsElapsed = generic.CeilDiv(asOf.Sub(disbursed), time.Duration(policy.LoanPeriodDays)*generic.Day)
	}

	rate := policy.LoanInterestPercent.Div(hundred)
	due.Interest = loan.Principal.Mul(rate.Mul(decimal.NewFromInt(due.PeriodsElapsed))).Round()
	due.GrossDue = loan.Principal.Add(due.Interest)
	due.Outstanding = due.GrossDue.Sub(paid).FloorZero()
	due.Overdue = loan.DueAt != nil && asOf.After(*loan.DueAt) && due.Outstanding.IsPositive()
	return due, nil
}
