package circle_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circle-engine/circle"
	"github.com/warp/circle-engine/generic"
	"github.com/warp/circle-engine/store/memory"
	"go.uber.org/multierr"
)

func outcomeIDs(items []circle.SettlementItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestSettle_SkipAndContinueFIFO(t *testing.T) {
	// GIVEN: FIFO waitlist A(30000), B loan(20000), C(15000) and 40000 spendable
	f := newFixture(t, testPolicy())
	a := f.benefit(t, "30000")
	b := f.loan(t, "20000")
	c := f.benefit(t, "15000")
	require.Equal(t, circle.BenefitWaitlisted, a.Status)
	require.Equal(t, circle.LoanWaitlisted, b.Status)
	require.Equal(t, circle.BenefitWaitlisted, c.Status)
	f.deposit(t, "40000")

	// WHEN
	res, err := f.svc.Settle(f.ctx, f.circle.ID, generic.AddDays(jan1, 1))
	require.NoError(t, err)

	// THEN: only A is funded, B and C are skipped, 10000 remains
	assert.Equal(t, []string{string(a.ID)}, outcomeIDs(res.Funded()))
	assert.Equal(t, []string{string(b.ID), string(c.ID)}, outcomeIDs(res.Skipped()))
	assert.True(t, res.SpendableBefore.Equal(money("40000")))
	assert.True(t, res.SpendableAfter.Equal(money("10000")), "after: %s", res.SpendableAfter)
	assert.NotEmpty(t, res.RunID)

	storedA, err := f.svc.GetBenefit(f.ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, circle.BenefitApproved, storedA.Status)
	assert.Nil(t, storedA.WaitlistPosition)
	require.NotNil(t, storedA.ApprovedAt)

	storedB, err := f.svc.GetLoan(f.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, circle.LoanWaitlisted, storedB.Status)
	assert.Equal(t, int64(2), *storedB.WaitlistPosition)
}

func TestSettle_RerunIsIdempotent(t *testing.T) {
	f := newFixture(t, testPolicy())
	f.benefit(t, "30000")
	f.loan(t, "20000")
	f.benefit(t, "15000")
	f.deposit(t, "40000")

	_, err := f.svc.Settle(f.ctx, f.circle.ID, jan1)
	require.NoError(t, err)
	before, err := f.svc.Ledger(f.ctx, generic.LedgerFilter{GroupID: f.group.ID})
	require.NoError(t, err)

	// WHEN: settling again with no new funds
	res, err := f.svc.Settle(f.ctx, f.circle.ID, jan1)
	require.NoError(t, err)

	// THEN
	assert.Empty(t, res.Funded())
	after, err := f.svc.Ledger(f.ctx, generic.LedgerFilter{GroupID: f.group.ID})
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.True(t, f.spendable(t).Equal(money("10000")))
}

func TestSettle_NewFundsPromoteInOrder(t *testing.T) {
	f := newFixture(t, testPolicy())
	f.benefit(t, "30000")
	b := f.loan(t, "20000")
	c := f.benefit(t, "15000")
	f.deposit(t, "40000")
	_, err := f.svc.Settle(f.ctx, f.circle.ID, jan1)
	require.NoError(t, err)

	// 10000 more brings spendable to 20000: B is first in line and fits exactly
	f.deposit(t, "10000")
	day3 := generic.AddDays(jan1, 3)
	res, err := f.svc.Settle(f.ctx, f.circle.ID, day3)
	require.NoError(t, err)

	assert.Equal(t, []string{string(b.ID)}, outcomeIDs(res.Funded()))
	assert.Equal(t, []string{string(c.ID)}, outcomeIDs(res.Skipped()))
	assert.True(t, res.SpendableAfter.IsZero())

	loan, err := f.svc.GetLoan(f.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, circle.LoanActive, loan.Status)
	assert.Equal(t, day3, *loan.DisbursedAt, "interest clock starts at promotion")
}

func TestSettle_BenefitsFirst(t *testing.T) {
	p := testPolicy()
	p.WaitlistPolicy = circle.WaitlistBenefitsFirst
	f := newFixture(t, p)

	loan := f.loan(t, "10000")
	benefit := f.benefit(t, "10000")
	f.deposit(t, "10000")

	res, err := f.svc.Settle(f.ctx, f.circle.ID, jan1)
	require.NoError(t, err)

	assert.Equal(t, []string{string(benefit.ID)}, outcomeIDs(res.Funded()))
	assert.Equal(t, []string{string(loan.ID)}, outcomeIDs(res.Skipped()))
}

func TestSettle_ConfirmationTriggersSettlement(t *testing.T) {
	f := newFixture(t, testPolicy())
	b := f.benefit(t, "500")

	c, err := f.svc.SubmitContribution(f.ctx, circle.ContributionInput{
		CircleID: f.circle.ID, MemberID: "m1", Amount: money("1000"),
	}, jan1)
	require.NoError(t, err)

	_, res, err := f.svc.ConfirmContribution(f.ctx, c.ID, "treasurer", jan1)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []string{string(b.ID)}, outcomeIDs(res.Funded()))
	assert.True(t, f.spendable(t).Equal(money("500")))
}

func TestSettle_ConfirmationWithoutAutoSettle(t *testing.T) {
	f := newFixture(t, testPolicy(), circle.WithSettleOnFunding(false))
	b := f.benefit(t, "500")

	c, err := f.svc.SubmitContribution(f.ctx, circle.ContributionInput{
		CircleID: f.circle.ID, MemberID: "m1", Amount: money("1000"),
	}, jan1)
	require.NoError(t, err)
	_, res, err := f.svc.ConfirmContribution(f.ctx, c.ID, "treasurer", jan1)
	require.NoError(t, err)
	assert.Nil(t, res)

	stored, err := f.svc.GetBenefit(f.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, circle.BenefitWaitlisted, stored.Status)
}

func TestSettle_RejectedItemsAreNeverFunded(t *testing.T) {
	f := newFixture(t, testPolicy())
	b := f.benefit(t, "500")
	_, err := f.svc.RejectBenefit(f.ctx, b.ID, "duplicate claim", jan1)
	require.NoError(t, err)
	f.deposit(t, "1000")

	res, err := f.svc.Settle(f.ctx, f.circle.ID, jan1)
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	_, err = f.svc.RejectBenefit(f.ctx, b.ID, "again", jan1)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

// =============================================================================
// FAILURE ISOLATION
// =============================================================================

// failingStore makes UpdateLoan fail for the listed loans inside transactions.
type failingStore struct {
	*memory.Store
	fail map[circle.LoanID]error
}

func (f *failingStore) WithTx(ctx context.Context, fn func(circle.Store) error) error {
	return f.Store.WithTx(ctx, func(tx circle.Store) error {
		return fn(&failingTx{Store: tx, fail: f.fail})
	})
}

type failingTx struct {
	circle.Store
	fail map[circle.LoanID]error
}

var errDiskFull = errors.New("disk full")

func (f *failingTx) UpdateLoan(ctx context.Context, l circle.Loan) error {
	if err, ok := f.fail[l.ID]; ok {
		return err
	}
	return f.Store.UpdateLoan(ctx, l)
}

func TestSettle_FailedCandidateRollsBackAlone(t *testing.T) {
	store := &failingStore{Store: memory.New()}
	f := newFixtureWithStore(t, store, testPolicy())

	broken := f.loan(t, "20000")
	store.fail = map[circle.LoanID]error{broken.ID: errDiskFull}
	healthy := f.benefit(t, "10000")
	f.deposit(t, "50000")

	res, err := f.svc.Settle(f.ctx, f.circle.ID, jan1)

	// THEN: the run reports the failure but still funds the next candidate
	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskFull)
	require.NotNil(t, res)
	assert.Equal(t, []string{string(broken.ID)}, outcomeIDs(res.Failed()))
	assert.Equal(t, []string{string(healthy.ID)}, outcomeIDs(res.Funded()))

	// no LOAN_OUT survived for the failed loan
	exists, err := f.store.EntryExists(f.ctx, "loan:"+string(broken.ID))
	require.NoError(t, err)
	assert.False(t, exists)

	stored, err := f.svc.GetLoan(f.ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, circle.LoanWaitlisted, stored.Status)
	assert.True(t, res.SpendableAfter.Equal(money("40000")))

	// once the store recovers, a retry funds it exactly once
	store.fail = nil
	res, err = f.svc.Settle(f.ctx, f.circle.ID, jan1)
	require.NoError(t, err)
	assert.Equal(t, []string{string(broken.ID)}, outcomeIDs(res.Funded()))
	assert.True(t, f.spendable(t).Equal(money("20000")))
}

func TestSettle_CombinesEveryCandidateFailure(t *testing.T) {
	store := &failingStore{Store: memory.New()}
	f := newFixtureWithStore(t, store, testPolicy())

	// GIVEN: Two waitlisted loans that fail for different reasons
	first := f.loan(t, "1000")
	second := f.loan(t, "2000")
	store.fail = map[circle.LoanID]error{
		first.ID:  errDiskFull,
		second.ID: generic.ErrConcurrentModification,
	}
	f.deposit(t, "50000")

	// WHEN
	res, err := f.svc.Settle(f.ctx, f.circle.ID, jan1)

	// THEN: Both failures are kept and still classify
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.ErrorIs(t, err, errDiskFull)
	assert.True(t, generic.IsRetryable(err))
	assert.Len(t, res.Failed(), 2)
}

func TestSettleAll_CoversEveryActiveCircle(t *testing.T) {
	// GIVEN: two groups, each with one waitlisted benefit and enough cash
	f := newFixture(t, testPolicy())
	f.benefit(t, "500")
	f.deposit(t, "500")

	other, err := f.svc.CreateGroup(f.ctx, "grp-2", "Fishermen", testPolicy(), jan1)
	require.NoError(t, err)
	otherCircle, err := f.svc.OpenCircle(f.ctx, other.ID, jan1, jan1)
	require.NoError(t, err)
	waiting, err := f.svc.RequestBenefit(f.ctx, circle.BenefitInput{
		CircleID: otherCircle.ID, MemberID: "m9", Type: circle.BenefitSickness, Amount: money("200"),
	}, jan1)
	require.NoError(t, err)
	require.Equal(t, circle.BenefitWaitlisted, waiting.Status)
	_, err = f.svc.RecordAdjustment(f.ctx, circle.AdjustmentInput{
		CircleID: otherCircle.ID, Direction: generic.DirectionIn, Amount: money("200"),
		Reason: "float", CreatedBy: "treasurer",
	}, jan1)
	require.NoError(t, err)

	// WHEN
	results, err := f.svc.SettleAll(f.ctx, jan1)

	// THEN
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Len(t, r.Funded(), 1, "circle %s", r.CircleID)
	}
}
