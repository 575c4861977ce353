// Package memory provides an in-memory circle.TxStore for tests and
// single-process development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/circle-engine/circle"
	"github.com/warp/circle-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store keeps every row in maps guarded by one RWMutex. All logic lives on
// state so the transactional view can reuse it while WithTx holds the lock.
type Store struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	groups  map[generic.GroupID]circle.Group
	circles map[generic.CircleID]circle.Circle

	entries []generic.LedgerEntry // sorted by EffectiveAt, then insertion
	keys    map[string]bool

	contributions     map[circle.ContributionID]circle.Contribution
	contributionOrder []circle.ContributionID

	benefits     map[circle.BenefitID]circle.Benefit
	benefitOrder []circle.BenefitID

	loans     map[circle.LoanID]circle.Loan
	loanOrder []circle.LoanID
	payments  map[circle.LoanID][]circle.LoanPayment

	waitlistSeq map[generic.CircleID]int64
}

func newState() *state {
	return &state{
		groups:        make(map[generic.GroupID]circle.Group),
		circles:       make(map[generic.CircleID]circle.Circle),
		keys:          make(map[string]bool),
		contributions: make(map[circle.ContributionID]circle.Contribution),
		benefits:      make(map[circle.BenefitID]circle.Benefit),
		loans:         make(map[circle.LoanID]circle.Loan),
		payments:      make(map[circle.LoanID][]circle.LoanPayment),
		waitlistSeq:   make(map[generic.CircleID]int64),
	}
}

func New() *Store {
	return &Store{st: newState()}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Writers are serialized for the duration of fn.
func (m *Store) WithTx(ctx context.Context, fn func(circle.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&txView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := &state{
		groups:            make(map[generic.GroupID]circle.Group, len(s.groups)),
		circles:           make(map[generic.CircleID]circle.Circle, len(s.circles)),
		entries:           append([]generic.LedgerEntry(nil), s.entries...),
		keys:              make(map[string]bool, len(s.keys)),
		contributions:     make(map[circle.ContributionID]circle.Contribution, len(s.contributions)),
		contributionOrder: append([]circle.ContributionID(nil), s.contributionOrder...),
		benefits:          make(map[circle.BenefitID]circle.Benefit, len(s.benefits)),
		benefitOrder:      append([]circle.BenefitID(nil), s.benefitOrder...),
		loans:             make(map[circle.LoanID]circle.Loan, len(s.loans)),
		loanOrder:         append([]circle.LoanID(nil), s.loanOrder...),
		payments:          make(map[circle.LoanID][]circle.LoanPayment, len(s.payments)),
		waitlistSeq:       make(map[generic.CircleID]int64, len(s.waitlistSeq)),
	}
	for k, v := range s.groups {
		c.groups[k] = v
	}
	for k, v := range s.circles {
		c.circles[k] = v
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	for k, v := range s.contributions {
		c.contributions[k] = v
	}
	for k, v := range s.benefits {
		c.benefits[k] = v
	}
	for k, v := range s.loans {
		c.loans[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = append([]circle.LoanPayment(nil), v...)
	}
	for k, v := range s.waitlistSeq {
		c.waitlistSeq[k] = v
	}
	return c
}

// txView is the Store handed to WithTx callbacks. It runs on state directly
// because WithTx already holds the write lock.
type txView struct {
	st *state
}

// =============================================================================
// GROUPS & CIRCLES
// =============================================================================

func (s *state) insertGroup(g circle.Group) error {
	if _, ok := s.groups[g.ID]; ok {
		return fmt.Errorf("group %s: %w", g.ID, generic.ErrGroupExists)
	}
	s.groups[g.ID] = g
	return nil
}

func (s *state) saveGroup(g circle.Group) error {
	s.groups[g.ID] = g
	return nil
}

func (s *state) getGroup(id generic.GroupID) (*circle.Group, error) {
	g, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", id, generic.ErrNotFound)
	}
	return &g, nil
}

func (s *state) listGroups() []circle.Group {
	out := make([]circle.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *state) saveCircle(c circle.Circle) error {
	if c.Status == circle.CircleActive {
		for _, other := range s.circles {
			if other.GroupID == c.GroupID && other.ID != c.ID && other.Status == circle.CircleActive {
				return generic.ErrActiveCircleExists
			}
		}
	}
	s.circles[c.ID] = c
	return nil
}

func (s *state) getCircle(id generic.CircleID) (*circle.Circle, error) {
	c, ok := s.circles[id]
	if !ok {
		return nil, fmt.Errorf("circle %s: %w", id, generic.ErrNotFound)
	}
	return &c, nil
}

func (s *state) activeCircle(groupID generic.GroupID) (*circle.Circle, error) {
	for _, c := range s.circles {
		if c.GroupID == groupID && c.Status == circle.CircleActive {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("active circle of group %s: %w", groupID, generic.ErrNotFound)
}

func (s *state) listActiveCircles() []circle.Circle {
	var out []circle.Circle
	for _, c := range s.circles {
		if c.Status == circle.CircleActive {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *state) appendEntry(e generic.LedgerEntry) error {
	if e.IdempotencyKey != "" && s.keys[e.IdempotencyKey] {
		return generic.ErrDuplicateIdempotencyKey
	}

	// Binary search for insertion point keeps entries ordered by EffectiveAt.
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].EffectiveAt.After(e.EffectiveAt)
	})
	s.entries = append(s.entries, generic.LedgerEntry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e

	if e.IdempotencyKey != "" {
		s.keys[e.IdempotencyKey] = true
	}
	return nil
}

func (s *state) listEntries(f generic.LedgerFilter) []generic.LedgerEntry {
	var out []generic.LedgerEntry
	for _, e := range s.entries {
		if f.GroupID != "" && e.GroupID != f.GroupID {
			continue
		}
		if f.CircleID != "" && e.CircleID != f.CircleID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

func (s *state) insertContribution(c circle.Contribution) error {
	if _, ok := s.contributions[c.ID]; ok {
		return fmt.Errorf("contribution %s already exists: %w", c.ID, generic.ErrDataIntegrity)
	}
	s.contributions[c.ID] = c
	s.contributionOrder = append(s.contributionOrder, c.ID)
	return nil
}

func (s *state) updateContribution(c circle.Contribution) error {
	cur, ok := s.contributions[c.ID]
	if !ok {
		return fmt.Errorf("contribution %s: %w", c.ID, generic.ErrNotFound)
	}
	if cur.Version != c.Version {
		return generic.ErrConcurrentModification
	}
	c.Version++
	s.contributions[c.ID] = c
	return nil
}

func (s *state) getContribution(id circle.ContributionID) (*circle.Contribution, error) {
	c, ok := s.contributions[id]
	if !ok {
		return nil, fmt.Errorf("contribution %s: %w", id, generic.ErrNotFound)
	}
	return &c, nil
}

func (s *state) listContributions(circleID generic.CircleID, memberID generic.MemberID) []circle.Contribution {
	var out []circle.Contribution
	for _, id := range s.contributionOrder {
		c := s.contributions[id]
		if c.CircleID != circleID || (memberID != "" && c.MemberID != memberID) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// =============================================================================
// BENEFITS, LOANS & PAYMENTS
// =============================================================================

func (s *state) insertBenefit(b circle.Benefit) error {
	if _, ok := s.benefits[b.ID]; ok {
		return fmt.Errorf("benefit %s already exists: %w", b.ID, generic.ErrDataIntegrity)
	}
	s.benefits[b.ID] = b
	s.benefitOrder = append(s.benefitOrder, b.ID)
	return nil
}

func (s *state) updateBenefit(b circle.Benefit) error {
	cur, ok := s.benefits[b.ID]
	if !ok {
		return fmt.Errorf("benefit %s: %w", b.ID, generic.ErrNotFound)
	}
	if cur.Version != b.Version {
		return generic.ErrConcurrentModification
	}
	b.Version++
	s.benefits[b.ID] = b
	return nil
}

func (s *state) getBenefit(id circle.BenefitID) (*circle.Benefit, error) {
	b, ok := s.benefits[id]
	if !ok {
		return nil, fmt.Errorf("benefit %s: %w", id, generic.ErrNotFound)
	}
	return &b, nil
}

func (s *state) listBenefits(circleID generic.CircleID, status circle.BenefitStatus) []circle.Benefit {
	var out []circle.Benefit
	for _, id := range s.benefitOrder {
		b := s.benefits[id]
		if b.CircleID != circleID || (status != "" && b.Status != status) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func (s *state) insertLoan(l circle.Loan) error {
	if _, ok := s.loans[l.ID]; ok {
		return fmt.Errorf("loan %s already exists: %w", l.ID, generic.ErrDataIntegrity)
	}
	s.loans[l.ID] = l
	s.loanOrder = append(s.loanOrder, l.ID)
	return nil
}

func (s *state) updateLoan(l circle.Loan) error {
	cur, ok := s.loans[l.ID]
	if !ok {
		return fmt.Errorf("loan %s: %w", l.ID, generic.ErrNotFound)
	}
	if cur.Version != l.Version {
		return generic.ErrConcurrentModification
	}
	l.Version++
	s.loans[l.ID] = l
	return nil
}

func (s *state) getLoan(id circle.LoanID) (*circle.Loan, error) {
	l, ok := s.loans[id]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", id, generic.ErrNotFound)
	}
	return &l, nil
}

func (s *state) listLoans(circleID generic.CircleID, status circle.LoanStatus) []circle.Loan {
	var out []circle.Loan
	for _, id := range s.loanOrder {
		l := s.loans[id]
		if l.CircleID != circleID || (status != "" && l.Status != status) {
			continue
		}
		out = append(out, l)
	}
	return out
}

func (s *state) appendLoanPayment(p circle.LoanPayment) error {
	if _, ok := s.loans[p.LoanID]; !ok {
		return fmt.Errorf("loan %s: %w", p.LoanID, generic.ErrNotFound)
	}
	s.payments[p.LoanID] = append(s.payments[p.LoanID], p)
	return nil
}

func (s *state) loanPayments(id circle.LoanID) []circle.LoanPayment {
	return append([]circle.LoanPayment(nil), s.payments[id]...)
}

func (s *state) nextWaitlistPosition(circleID generic.CircleID) int64 {
	s.waitlistSeq[circleID]++
	return s.waitlistSeq[circleID]
}
