package memory

import (
	"context"

	"github.com/warp/circle-engine/circle"
	"github.com/warp/circle-engine/generic"
)

// Locked entry points used outside transactions.

func (m *Store) InsertGroup(_ context.Context, g circle.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.insertGroup(g)
}

func (m *Store) SaveGroup(_ context.Context, g circle.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveGroup(g)
}

func (m *Store) GetGroup(_ context.Context, id generic.GroupID) (*circle.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getGroup(id)
}

func (m *Store) ListGroups(_ context.Context) ([]circle.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listGroups(), nil
}

func (m *Store) SaveCircle(_ context.Context, c circle.Circle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveCircle(c)
}

func (m *Store) GetCircle(_ context.Context, id generic.CircleID) (*circle.Circle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getCircle(id)
}

func (m *Store) ActiveCircle(_ context.Context, groupID generic.GroupID) (*circle.Circle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.activeCircle(groupID)
}

func (m *Store) ListActiveCircles(_ context.Context) ([]circle.Circle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listActiveCircles(), nil
}

func (m *Store) AppendEntry(_ context.Context, e generic.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendEntry(e)
}

func (m *Store) Entries(_ context.Context, f generic.LedgerFilter) ([]generic.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listEntries(f), nil
}

func (m *Store) EntryExists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.keys[key], nil
}

func (m *Store) InsertContribution(_ context.Context, c circle.Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.insertContribution(c)
}

func (m *Store) UpdateContribution(_ context.Context, c circle.Contribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateContribution(c)
}

func (m *Store) GetContribution(_ context.Context, id circle.ContributionID) (*circle.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getContribution(id)
}

func (m *Store) ListContributions(_ context.Context, circleID generic.CircleID, memberID generic.MemberID) ([]circle.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listContributions(circleID, memberID), nil
}

func (m *Store) InsertBenefit(_ context.Context, b circle.Benefit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.insertBenefit(b)
}

func (m *Store) UpdateBenefit(_ context.Context, b circle.Benefit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateBenefit(b)
}

func (m *Store) GetBenefit(_ context.Context, id circle.BenefitID) (*circle.Benefit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getBenefit(id)
}

func (m *Store) ListBenefits(_ context.Context, circleID generic.CircleID, status circle.BenefitStatus) ([]circle.Benefit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listBenefits(circleID, status), nil
}

func (m *Store) InsertLoan(_ context.Context, l circle.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.insertLoan(l)
}

func (m *Store) UpdateLoan(_ context.Context, l circle.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateLoan(l)
}

func (m *Store) GetLoan(_ context.Context, id circle.LoanID) (*circle.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getLoan(id)
}

func (m *Store) ListLoans(_ context.Context, circleID generic.CircleID, status circle.LoanStatus) ([]circle.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listLoans(circleID, status), nil
}

func (m *Store) AppendLoanPayment(_ context.Context, p circle.LoanPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendLoanPayment(p)
}

func (m *Store) LoanPayments(_ context.Context, id circle.LoanID) ([]circle.LoanPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.loanPayments(id), nil
}

func (m *Store) NextWaitlistPosition(_ context.Context, circleID generic.CircleID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.nextWaitlistPosition(circleID), nil
}

// Transactional view: the caller already holds the write lock.

func (v *txView) InsertGroup(_ context.Context, g circle.Group) error {
	return v.st.insertGroup(g)
}
func (v *txView) SaveGroup(_ context.Context, g circle.Group) error {
	return v.st.saveGroup(g)
}
func (v *txView) GetGroup(_ context.Context, id generic.GroupID) (*circle.Group, error) {
	return v.st.getGroup(id)
}
func (v *txView) ListGroups(_ context.Context) ([]circle.Group, error) {
	return v.st.listGroups(), nil
}

func (v *txView) SaveCircle(_ context.Context, c circle.Circle) error {
	return v.st.saveCircle(c)
}
func (v *txView) GetCircle(_ context.Context, id generic.CircleID) (*circle.Circle, error) {
	return v.st.getCircle(id)
}
func (v *txView) ActiveCircle(_ context.Context, groupID generic.GroupID) (*circle.Circle, error) {
	return v.st.activeCircle(groupID)
}
func (v *txView) ListActiveCircles(_ context.Context) ([]circle.Circle, error) {
	return v.st.listActiveCircles(), nil
}

func (v *txView) AppendEntry(_ context.Context, e generic.LedgerEntry) error {
	return v.st.appendEntry(e)
}
func (v *txView) Entries(_ context.Context, f generic.LedgerFilter) ([]generic.LedgerEntry, error) {
	return v.st.listEntries(f), nil
}
func (v *txView) EntryExists(_ context.Context, key string) (bool, error) {
	return v.st.keys[key], nil
}

func (v *txView) InsertContribution(_ context.Context, c circle.Contribution) error {
	return v.st.insertContribution(c)
}
func (v *txView) UpdateContribution(_ context.Context, c circle.Contribution) error {
	return v.st.updateContribution(c)
}
func (v *txView) GetContribution(_ context.Context, id circle.ContributionID) (*circle.Contribution, error) {
	return v.st.getContribution(id)
}
func (v *txView) ListContributions(_ context.Context, circleID generic.CircleID, memberID generic.MemberID) ([]circle.Contribution, error) {
	return v.st.listContributions(circleID, memberID), nil
}

func (v *txView) InsertBenefit(_ context.Context, b circle.Benefit) error {
	return v.st.insertBenefit(b)
}
func (v *txView) UpdateBenefit(_ context.Context, b circle.Benefit) error {
	return v.st.updateBenefit(b)
}
func (v *txView) GetBenefit(_ context.Context, id circle.BenefitID) (*circle.Benefit, error) {
	return v.st.getBenefit(id)
}
func (v *txView) ListBenefits(_ context.Context, circleID generic.CircleID, status circle.BenefitStatus) ([]circle.Benefit, error) {
	return v.st.listBenefits(circleID, status), nil
}

func (v *txView) InsertLoan(_ context.Context, l circle.Loan) error {
	return v.st.insertLoan(l)
}
func (v *txView) UpdateLoan(_ context.Context, l circle.Loan) error {
	return v.st.updateLoan(l)
}
func (v *txView) GetLoan(_ context.Context, id circle.LoanID) (*circle.Loan, error) {
	return v.st.getLoan(id)
}
func (v *txView) ListLoans(_ context.Context, circleID generic.CircleID, status circle.LoanStatus) ([]circle.Loan, error) {
	return v.st.listLoans(circleID, status), nil
}

func (v *txView) AppendLoanPayment(_ context.Context, p circle.LoanPayment) error {
	return v.st.appendLoanPayment(p)
}
func (v *txView) LoanPayments(_ context.Context, id circle.LoanID) ([]circle.LoanPayment, error) {
	return v.st.loanPayments(id), nil
}
func (v *txView) NextWaitlistPosition(_ context.Context, circleID generic.CircleID) (int64, error) {
	return v.st.nextWaitlistPosition(circleID), nil
}

var (
	_ circle.TxStore = (*Store)(nil)
	_ circle.Store   = (*txView)(nil)
)
