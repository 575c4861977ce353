/*
settlement.go - Waitlist promotion

PURPOSE:
  Funds WAITLISTED benefits and loans from spendable cash in the order the
  circle's waitlist policy dictates.

ALGORITHM:
  1. Take the group lock (Settle) or run under the caller's (settleLocked).
  2. Load WAITLISTED benefits and loans, order them by (policy bucket, position).
  3. For each candidate, in its own transaction:
       - re-read the row; if it is no longer WAITLISTED it was settled by an
         earlier run, so record ALREADY_SETTLED and move on
       - re-fold spendable from the ledger
       - amount > spendable: SKIPPED, continue with the next candidate
       - otherwise append BENEFIT_OUT / LOAN_OUT and promote the row
  4. A failing candidate rolls back alone; the run continues and the
     failures are joined into the returned error.

IDEMPOTENCE:
  The funding entry's idempotency key is derived from the request ID and the
  status check happens inside the same transaction that writes the entry, so
  re-running after a crash or with no new funds never double-funds.

SEE ALSO:
  - waitlist.go: Candidate ordering
  - service.go: Admission, which assigns waitlist positions
*/
package circle

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/circle-engine/generic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type SettlementOutcome string

const (
	OutcomeFunded         SettlementOutcome = "FUNDED"
	OutcomeSkipped        SettlementOutcome = "SKIPPED"
	OutcomeFailed         SettlementOutcome = "FAILED"
	OutcomeAlreadySettled SettlementOutcome = "ALREADY_SETTLED"
)

// SettlementItem is the fate of one candidate in a run.
type SettlementItem struct {
	Kind     RequestKind
	ID       string
	Amount   generic.Money
	Position int64
	Outcome  SettlementOutcome
	Error    string
}

// SettlementResult reports every candidate a run evaluated.
type SettlementResult struct {
	RunID           string
	GroupID         generic.GroupID
	CircleID        generic.CircleID
	Policy          WaitlistPolicy
	AsOf            time.Time
	SpendableBefore generic.Money
	SpendableAfter  generic.Money
	Items           []SettlementItem
}

func (r *SettlementResult) filter(o SettlementOutcome) []SettlementItem {
	var out []SettlementItem
	for _, it := range r.Items {
		if it.Outcome == o {
			out = append(out, it)
		}
	}
	return out
}

func (r *SettlementResult) Funded() []SettlementItem  { return r.filter(OutcomeFunded) }
func (r *SettlementResult) Skipped() []SettlementItem { return r.filter(OutcomeSkipped) }
func (r *SettlementResult) Failed() []SettlementItem  { return r.filter(OutcomeFailed) }

// Settle runs one settlement pass over the circle's waitlist under the group
// lock. The result is returned even when some candidates failed; err then
// joins the per-candidate failures.
func (s *Service) Settle(ctx context.Context, circleID generic.CircleID, asOf time.Time) (*SettlementResult, error) {
	c, err := s.store.GetCircle(ctx, circleID)
	if err != nil {
		return nil, err
	}
	var result *SettlementResult
	err = s.withGroupLock(ctx, c.GroupID, func() error {
		var runErr error
		result, runErr = s.settleLocked(ctx, circleID, asOf)
		return runErr
	})
	return result, err
}

// settleLocked expects the caller to hold the group lock.
func (s *Service) settleLocked(ctx context.Context, circleID generic.CircleID, asOf time.Time) (*SettlementResult, error) {
	start := time.Now()
	c, err := s.store.GetCircle(ctx, circleID)
	if err != nil {
		return nil, err
	}
	if c.IsClosed() {
		s.metrics.SettlementRuns.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("settle circle %s: %w", circleID, generic.ErrCircleClosed)
	}

	benefits, err := s.store.ListBenefits(ctx, circleID, BenefitWaitlisted)
	if err != nil {
		return nil, fmt.Errorf("settle circle %s: list benefits: %w", circleID, err)
	}
	loans, err := s.store.ListLoans(ctx, circleID, LoanWaitlisted)
	if err != nil {
		return nil, fmt.Errorf("settle circle %s: list loans: %w", circleID, err)
	}
	candidates := OrderWaitlist(WaitlistFromRequests(benefits, loans), c.Policy.WaitlistPolicy)

	before, err := groupBalance(ctx, s.store, c)
	if err != nil {
		return nil, fmt.Errorf("settle circle %s: %w", circleID, err)
	}

	result := &SettlementResult{
		RunID:           s.newID(),
		GroupID:         c.GroupID,
		CircleID:        c.ID,
		Policy:          c.Policy.WaitlistPolicy,
		AsOf:            asOf,
		SpendableBefore: before.Spendable,
	}
	log := s.log.With(zap.String("run_id", result.RunID), zap.String("circle_id", string(circleID)))

	var runErr error
	for _, cand := range candidates {
		item := SettlementItem{Kind: cand.Kind, ID: cand.ID, Amount: cand.Amount, Position: cand.Position}

		err := s.store.WithTx(ctx, func(tx Store) error {
			outcome, err := s.fundCandidate(ctx, tx, cand, asOf)
			item.Outcome = outcome
			return err
		})
		if err != nil {
			item.Outcome = OutcomeFailed
			item.Error = err.Error()
			runErr = multierr.Append(runErr, fmt.Errorf("%s %s: %w", cand.Kind, cand.ID, err))
			log.Error("settlement candidate failed",
				zap.String("kind", string(cand.Kind)),
				zap.String("id", cand.ID),
				zap.Error(err),
			)
		}
		s.metrics.SettlementItems.WithLabelValues(string(item.Kind), string(item.Outcome)).Inc()
		result.Items = append(result.Items, item)
	}

	after, err := groupBalance(ctx, s.store, c)
	if err != nil {
		runErr = multierr.Append(runErr, err)
		after = before
	}
	result.SpendableAfter = after.Spendable
	s.metrics.Spendable.WithLabelValues(string(c.GroupID)).Set(after.Spendable.Value.InexactFloat64())
	s.metrics.SettlementDuration.Observe(time.Since(start).Seconds())

	if runErr != nil {
		s.metrics.SettlementRuns.WithLabelValues("partial").Inc()
	} else {
		s.metrics.SettlementRuns.WithLabelValues("ok").Inc()
	}
	log.Info("settlement finished",
		zap.Int("candidates", len(candidates)),
		zap.Int("funded", len(result.Funded())),
		zap.Int("skipped", len(result.Skipped())),
		zap.Int("failed", len(result.Failed())),
		zap.String("spendable_before", result.SpendableBefore.String()),
		zap.String("spendable_after", result.SpendableAfter.String()),
	)
	return result, runErr
}

// fundCandidate decides and commits one candidate inside tx.
func (s *Service) fundCandidate(ctx context.Context, tx Store, cand WaitlistItem, asOf time.Time) (SettlementOutcome, error) {
	switch cand.Kind {
	case KindBenefit:
		b, err := tx.GetBenefit(ctx, BenefitID(cand.ID))
		if err != nil {
			return "", err
		}
		if b.Status != BenefitWaitlisted {
			return OutcomeAlreadySettled, nil
		}
		c, err := openCircle(ctx, tx, b.CircleID)
		if err != nil {
			return "", err
		}
		bal, err := groupBalance(ctx, tx, c)
		if err != nil {
			return "", err
		}
		if !bal.CanFund(b.RequestedAmount) {
			return OutcomeSkipped, nil
		}

		if _, err := s.appendEntry(ctx, tx, c, entrySpec{
			typ:    generic.EntryBenefitOut,
			amount: b.RequestedAmount,
			refID:  string(b.ID),
			key:    cand.EntryKey(),
			actor:  "settlement",
		}, asOf); err != nil {
			return "", err
		}
		if err := b.Approve(asOf); err != nil {
			return "", err
		}
		if err := tx.UpdateBenefit(ctx, *b); err != nil {
			return "", err
		}
		return OutcomeFunded, nil

	case KindLoan:
		l, err := tx.GetLoan(ctx, LoanID(cand.ID))
		if err != nil {
			return "", err
		}
		if l.Status != LoanWaitlisted {
			return OutcomeAlreadySettled, nil
		}
		c, err := openCircle(ctx, tx, l.CircleID)
		if err != nil {
			return "", err
		}
		bal, err := groupBalance(ctx, tx, c)
		if err != nil {
			return "", err
		}
		if !bal.CanFund(l.FundingAmount()) {
			return OutcomeSkipped, nil
		}

		if _, err := s.appendEntry(ctx, tx, c, entrySpec{
			typ:    generic.EntryLoanOut,
			amount: l.FundingAmount(),
			refID:  string(l.ID),
			key:    cand.EntryKey(),
			actor:  "settlement",
		}, asOf); err != nil {
			return "", err
		}
		if err := l.Disburse(c.Policy, asOf); err != nil {
			return "", err
		}
		if err := tx.UpdateLoan(ctx, *l); err != nil {
			return "", err
		}
		return OutcomeFunded, nil
	}
	return "", &generic.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown request kind %q", cand.Kind)}
}

// SettleAll runs one settlement pass for every ACTIVE circle. A failing
// circle does not stop the others; their errors are joined.
func (s *Service) SettleAll(ctx context.Context, asOf time.Time) ([]*SettlementResult, error) {
	circles, err := s.store.ListActiveCircles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active circles: %w", err)
	}

	var (
		results []*SettlementResult
		errs    error
	)
	for _, c := range circles {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		result, err := s.Settle(ctx, c.ID, asOf)
		if result != nil {
			results = append(results, result)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("circle %s: %w", c.ID, err))
		}
	}
	return results, errs
}
