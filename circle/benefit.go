package circle

import (
	"time"

	"github.com/warp/circle-engine/generic"
)

// =============================================================================
// BENEFITS
// =============================================================================

type BenefitID string

type BenefitType string

const (
	BenefitFuneral  BenefitType = "FUNERAL"
	BenefitSickness BenefitType = "SICKNESS"
)

func (t BenefitType) Valid() bool { return t == BenefitFuneral || t == BenefitSickness }

type BenefitStatus string

const (
	BenefitPending    BenefitStatus = "PENDING"
	BenefitWaitlisted BenefitStatus = "WAITLISTED"
	BenefitApproved   BenefitStatus = "APPROVED"
	BenefitRejected   BenefitStatus = "REJECTED"
	BenefitPaid       BenefitStatus = "PAID"
)

var benefitTransitions = map[BenefitStatus][]BenefitStatus{
	BenefitPending:    {BenefitApproved, BenefitWaitlisted, BenefitRejected},
	BenefitWaitlisted: {BenefitApproved, BenefitRejected},
	BenefitApproved:   {BenefitPaid},
}

func (s BenefitStatus) CanTransitionTo(to BenefitStatus) bool {
	for _, allowed := range benefitTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

type Benefit struct {
	ID               BenefitID
	GroupID          generic.GroupID
	CircleID         generic.CircleID
	MemberID         generic.MemberID
	Type             BenefitType
	RequestedAmount  generic.Money
	Status           BenefitStatus
	WaitlistPosition *int64
	WaitlistedAt     *time.Time
	ApprovedAt       *time.Time
	PaidAt           *time.Time
	RejectionReason  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Version          int64
}

func (b *Benefit) TransitionTo(to BenefitStatus) error {
	if !b.Status.CanTransitionTo(to) {
		return &generic.TransitionError{Entity: "benefit", ID: string(b.ID), From: string(b.Status), To: string(to)}
	}
	b.Status = to
	return nil
}

// Approve funds the benefit at asOf and clears its waitlist position.
func (b *Benefit) Approve(asOf time.Time) error {
	if err := b.TransitionTo(BenefitApproved); err != nil {
		return err
	}
	approved := asOf
	b.ApprovedAt = &approved
	b.WaitlistPosition = nil
	b.UpdatedAt = asOf
	return nil
}
