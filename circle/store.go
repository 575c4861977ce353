package circle

import (
	"context"

	"github.com/warp/circle-engine/generic"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================
// Interfaces are split by concern so components depend only on what they use.
//
// Update* methods use optimistic locking: the row is written only when the
// stored version equals the version on the argument, and the stored version
// is then incremented. A mismatch returns generic.ErrConcurrentModification.
// Get* methods return generic.ErrNotFound for missing rows.

// GroupStore persists groups and their current policy. InsertGroup returns
// generic.ErrGroupExists when the id is taken; SaveGroup overwrites.
type GroupStore interface {
	InsertGroup(ctx context.Context, g Group) error
	SaveGroup(ctx context.Context, g Group) error
	GetGroup(ctx context.Context, id generic.GroupID) (*Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
}

// CircleStore persists circles. A group has at most one ACTIVE circle.
type CircleStore interface {
	SaveCircle(ctx context.Context, c Circle) error
	GetCircle(ctx context.Context, id generic.CircleID) (*Circle, error)
	ActiveCircle(ctx context.Context, groupID generic.GroupID) (*Circle, error)
	ListActiveCircles(ctx context.Context) ([]Circle, error)
}

// LedgerStore is append-only. AppendEntry returns
// generic.ErrDuplicateIdempotencyKey when the key is already present.
type LedgerStore interface {
	AppendEntry(ctx context.Context, e generic.LedgerEntry) error
	Entries(ctx context.Context, filter generic.LedgerFilter) ([]generic.LedgerEntry, error)
	EntryExists(ctx context.Context, idempotencyKey string) (bool, error)
}

// ContributionStore persists member payments. An empty memberID lists every
// member of the circle.
type ContributionStore interface {
	InsertContribution(ctx context.Context, c Contribution) error
	UpdateContribution(ctx context.Context, c Contribution) error
	GetContribution(ctx context.Context, id ContributionID) (*Contribution, error)
	ListContributions(ctx context.Context, circleID generic.CircleID, memberID generic.MemberID) ([]Contribution, error)
}

// RequestStore persists benefits, loans and loan payments. An empty status
// filter lists every row of the circle.
type RequestStore interface {
	InsertBenefit(ctx context.Context, b Benefit) error
	UpdateBenefit(ctx context.Context, b Benefit) error
	GetBenefit(ctx context.Context, id BenefitID) (*Benefit, error)
	ListBenefits(ctx context.Context, circleID generic.CircleID, status BenefitStatus) ([]Benefit, error)

	InsertLoan(ctx context.Context, l Loan) error
	UpdateLoan(ctx context.Context, l Loan) error
	GetLoan(ctx context.Context, id LoanID) (*Loan, error)
	ListLoans(ctx context.Context, circleID generic.CircleID, status LoanStatus) ([]Loan, error)

	AppendLoanPayment(ctx context.Context, p LoanPayment) error
	LoanPayments(ctx context.Context, loanID LoanID) ([]LoanPayment, error)

	// NextWaitlistPosition hands out strictly increasing positions per
	// circle. Positions are never reused.
	NextWaitlistPosition(ctx context.Context, circleID generic.CircleID) (int64, error)
}

// Store combines all storage interfaces.
type Store interface {
	GroupStore
	CircleStore
	LedgerStore
	ContributionStore
	RequestStore
}

// TxStore runs fn atomically: either every write made through the Store
// passed to fn is committed, or none is.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
