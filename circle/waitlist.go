package circle

import (
	"sort"
	"time"

	"github.com/warp/circle-engine/generic"
)

// RequestKind distinguishes the two request types that can be waitlisted.
type RequestKind string

const (
	KindBenefit RequestKind = "BENEFIT"
	KindLoan    RequestKind = "LOAN"
)

// WaitlistItem is a benefit or loan while it is WAITLISTED.
type WaitlistItem struct {
	Kind         RequestKind
	ID           string
	MemberID     generic.MemberID
	Amount       generic.Money
	Position     int64
	WaitlistedAt time.Time
}

// EntryKey is the idempotency key of the ledger entry that funds the item.
func (w WaitlistItem) EntryKey() string {
	if w.Kind == KindLoan {
		return generic.EntryKey("loan", w.ID)
	}
	return generic.EntryKey("benefit", w.ID)
}

// WaitlistFromRequests projects WAITLISTED benefits and loans into items.
// Rows in any other status are ignored.
func WaitlistFromRequests(benefits []Benefit, loans []Loan) []WaitlistItem {
	var items []WaitlistItem
	for _, b := range benefits {
		if b.Status != BenefitWaitlisted || b.WaitlistPosition == nil {
			continue
		}
		items = append(items, WaitlistItem{
			Kind:         KindBenefit,
			ID:           string(b.ID),
			MemberID:     b.MemberID,
			Amount:       b.RequestedAmount,
			Position:     *b.WaitlistPosition,
			WaitlistedAt: derefTime(b.WaitlistedAt),
		})
	}
	for _, l := range loans {
		if l.Status != LoanWaitlisted || l.WaitlistPosition == nil {
			continue
		}
		items = append(items, WaitlistItem{
			Kind:         KindLoan,
			ID:           string(l.ID),
			MemberID:     l.BorrowerID,
			Amount:       l.FundingAmount(),
			Position:     *l.WaitlistPosition,
			WaitlistedAt: derefTime(l.WaitlistedAt),
		})
	}
	return items
}

// OrderWaitlist returns a copy of items in settlement order. Within a bucket
// items are ordered by position, which is unique per circle.
func OrderWaitlist(items []WaitlistItem, policy WaitlistPolicy) []WaitlistItem {
	out := make([]WaitlistItem, len(items))
	copy(out, items)

	bucket := func(k RequestKind) int {
		switch policy {
		case WaitlistBenefitsFirst:
			if k == KindBenefit {
				return 0
			}
			return 1
		case WaitlistLoansFirst:
			if k == KindLoan {
				return 0
			}
			return 1
		}
		return 0
	}

	sort.SliceStable(out, func(i, j int) bool {
		bi, bj := bucket(out[i].Kind), bucket(out[j].Kind)
		if bi != bj {
			return bi < bj
		}
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
