/*
service.go - Balance-affecting operations of the circle engine

PURPOSE:
  Wraps the pure schedule/status/accrual functions with persistence. Every
  operation that reads spendable and then writes the ledger runs under the
  group lock and inside one store transaction, so the balance it decides on
  is the balance it commits against.

LOCKED OPERATIONS:
  ConfirmContribution, RequestBenefit, RequestLoan, RejectBenefit,
  RejectLoan, RecordLoanPayment, RefreshOverdue, RecordAdjustment,
  CloseCircle, UpdatePolicy, Settle.

READ-ONLY OPERATIONS:
  Schedule, MemberStatement, Balance, LoanDue. These take no lock.

TIME:
  Every operation takes asOf from the caller. Nothing in this package reads
  the wall clock for business decisions.

SEE ALSO:
  - settlement.go: Waitlist promotion
  - store.go: Storage contracts
*/
package circle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/circle-engine/generic"
	"github.com/warp/circle-engine/lock"
	"github.com/warp/circle-engine/logger"
	"github.com/warp/circle-engine/metrics"
	"go.uber.org/zap"
)

const reasonInsufficientFunds = "insufficient funds"

// Service is the entry point for all circle operations.
type Service struct {
	store           TxStore
	locker          lock.Locker
	log             *zap.Logger
	metrics         *metrics.Metrics
	settleOnFunding bool
	newID           func() string
}

type Option func(*Service)

func WithLocker(l lock.Locker) Option       { return func(s *Service) { s.locker = l } }
func WithLogger(l *zap.Logger) Option       { return func(s *Service) { s.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithSettleOnFunding runs a settlement pass after each confirmed contribution.
func WithSettleOnFunding(on bool) Option {
	return func(s *Service) { s.settleOnFunding = on }
}

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:           store,
		settleOnFunding: true,
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = lock.NewKeyedMutex()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNop()
	}
	s.log = logger.OrNop(s.log).Named("circle")
	return s
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) withGroupLock(ctx context.Context, groupID generic.GroupID, fn func() error) error {
	start := time.Now()
	unlock, err := s.locker.Lock(ctx, lock.GroupKey(string(groupID)))
	if err != nil {
		return fmt.Errorf("lock group %s: %w", groupID, err)
	}
	defer unlock()
	s.metrics.LockWait.Observe(time.Since(start).Seconds())
	return fn()
}

// openCircle loads a circle that is about to be written to.
func openCircle(ctx context.Context, st Store, id generic.CircleID) (*Circle, error) {
	c, err := st.GetCircle(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.IsClosed() {
		return nil, fmt.Errorf("circle %s: %w", id, generic.ErrCircleClosed)
	}
	return c, nil
}

// groupBalance folds every ledger entry of the circle's group. The reserve
// protects the whole group, not one circle.
func groupBalance(ctx context.Context, st Store, c *Circle) (generic.Balance, error) {
	entries, err := st.Entries(ctx, generic.LedgerFilter{GroupID: c.GroupID})
	if err != nil {
		return generic.Balance{}, err
	}
	return generic.ComputeBalance(entries, c.Policy.ReserveMinBalance)
}

type entrySpec struct {
	typ       generic.EntryType
	direction generic.Direction
	amount    generic.Money
	refID     string
	key       string
	reason    string
	actor     string
}

func (s *Service) appendEntry(ctx context.Context, st Store, c *Circle, spec entrySpec, asOf time.Time) (*generic.LedgerEntry, error) {
	if c.IsClosed() {
		return nil, generic.ErrCircleClosed
	}
	dir := spec.direction
	if fixed, ok := spec.typ.Direction(); ok {
		dir = fixed
	}
	e := generic.LedgerEntry{
		ID:             generic.EntryID(s.newID()),
		GroupID:        c.GroupID,
		CircleID:       c.ID,
		Type:           spec.typ,
		Direction:      dir,
		Amount:         spec.amount,
		RefID:          spec.refID,
		Reason:         spec.reason,
		IdempotencyKey: spec.key,
		EffectiveAt:    asOf,
		CreatedBy:      spec.actor,
		CreatedAt:      asOf,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := st.AppendEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("append %s entry %s: %w", e.Type, e.IdempotencyKey, err)
	}
	s.metrics.LedgerEntries.WithLabelValues(string(e.Type)).Inc()
	return &e, nil
}

func requirePositive(field string, m generic.Money) error {
	if !m.IsPositive() {
		return &generic.ValidationError{Field: field, Reason: "must be positive"}
	}
	if !m.FitsScale() {
		return &generic.ValidationError{Field: field, Reason: fmt.Sprintf("must not have more than %d decimal places", generic.MoneyScale)}
	}
	return nil
}

// =============================================================================
// GROUPS & CIRCLES
// =============================================================================

// CreateGroup stores a new group. An empty id is generated.
func (s *Service) CreateGroup(ctx context.Context, id generic.GroupID, name string, policy GroupPolicy, asOf time.Time) (*Group, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if id == "" {
		id = generic.GroupID(s.newID())
	}
	g := Group{ID: id, Name: name, Policy: policy, CreatedAt: asOf, UpdatedAt: asOf}
	if err := s.store.InsertGroup(ctx, g); err != nil {
		return nil, fmt.Errorf("create group %s: %w", id, err)
	}
	s.log.Info("group created", zap.String("group_id", string(id)))
	return &g, nil
}

func (s *Service) GetGroup(ctx context.Context, id generic.GroupID) (*Group, error) {
	return s.store.GetGroup(ctx, id)
}

// ListGroups returns every group ordered by id.
func (s *Service) ListGroups(ctx context.Context) ([]Group, error) {
	return s.store.ListGroups(ctx)
}

// UpdatePolicy replaces the group policy and refreshes the ACTIVE circle's
// snapshot. Closed circles keep the policy they ran under.
func (s *Service) UpdatePolicy(ctx context.Context, groupID generic.GroupID, policy GroupPolicy, asOf time.Time) (*Group, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	var out *Group
	err := s.withGroupLock(ctx, groupID, func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			g, err := tx.GetGroup(ctx, groupID)
			if err != nil {
				return err
			}
			g.Policy = policy
			g.UpdatedAt = asOf
			if err := tx.SaveGroup(ctx, *g); err != nil {
				return err
			}

			active, err := tx.ActiveCircle(ctx, groupID)
			switch {
			case errors.Is(err, generic.ErrNotFound):
			case err != nil:
				return err
			default:
				active.Policy = policy
				active.End = generic.AddDays(active.Start, policy.CircleDurationDays)
				if err := tx.SaveCircle(ctx, *active); err != nil {
					return err
				}
			}
			out = g
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("update policy of group %s: %w", groupID, err)
	}
	return out, nil
}

// OpenCircle starts a new ACTIVE circle snapshotting the group policy.
func (s *Service) OpenCircle(ctx context.Context, groupID generic.GroupID, start time.Time, asOf time.Time) (*Circle, error) {
	var out *Circle
	err := s.withGroupLock(ctx, groupID, func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			g, err := tx.GetGroup(ctx, groupID)
			if err != nil {
				return err
			}
			if _, err := tx.ActiveCircle(ctx, groupID); err == nil {
				return generic.ErrActiveCircleExists
			} else if !errors.Is(err, generic.ErrNotFound) {
				return err
			}

			c := Circle{
				ID:        generic.CircleID(s.newID()),
				GroupID:   groupID,
				Start:     start,
				End:       generic.AddDays(start, g.Policy.CircleDurationDays),
				Status:    CircleActive,
				Policy:    g.Policy,
				CreatedAt: asOf,
			}
			if _, err := c.Schedule(); err != nil {
				return err
			}
			if err := tx.SaveCircle(ctx, c); err != nil {
				return err
			}
			out = &c
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("open circle for group %s: %w", groupID, err)
	}
	s.log.Info("circle opened",
		zap.String("group_id", string(groupID)),
		zap.String("circle_id", string(out.ID)),
		zap.Time("start", out.Start),
	)
	return out, nil
}

// CloseCircle freezes a circle. Its ledger and rows become immutable and
// waitlisted requests stay WAITLISTED until explicitly rejected.
func (s *Service) CloseCircle(ctx context.Context, circleID generic.CircleID, asOf time.Time) (*Circle, error) {
	c, err := s.store.GetCircle(ctx, circleID)
	if err != nil {
		return nil, err
	}
	var out *Circle
	err = s.withGroupLock(ctx, c.GroupID, func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			c, err := openCircle(ctx, tx, circleID)
			if err != nil {
				return err
			}
			closed := asOf
			c.Status = CircleClosed
			c.ClosedAt = &closed
			if err := tx.SaveCircle(ctx, *c); err != nil {
				return err
			}
			out = c
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("close circle %s: %w", circleID, err)
	}
	s.log.Info("circle closed", zap.String("circle_id", string(circleID)))
	return out, nil
}

func (s *Service) GetCircle(ctx context.Context, id generic.CircleID) (*Circle, error) {
	return s.store.GetCircle(ctx, id)
}

// Schedule returns the installments of a circle.
func (s *Service) Schedule(ctx context.Context, circleID generic.CircleID) (Schedule, error) {
	c, err := s.store.GetCircle(ctx, circleID)
	if err != nil {
		return nil, err
	}
	return c.Schedule()
}

// =============================================================================
// CONTRIBUTIONS
// =============================================================================

type ContributionInput struct {
	CircleID    generic.CircleID
	MemberID    generic.MemberID
	PeriodIndex int
	Amount      generic.Money
	// Overrides the resolved expected amount when set.
	ExpectedAmount *generic.Money
}

// SubmitContribution records a PENDING payment. The expected amount is
// frozen on the row so later policy edits do not change history.
func (s *Service) SubmitContribution(ctx context.Context, in ContributionInput, asOf time.Time) (*Contribution, error) {
	if err := requirePositive("amount", in.Amount); err != nil {
		return nil, err
	}
	if in.ExpectedAmount != nil && in.ExpectedAmount.IsNegative() {
		return nil, &generic.ValidationError{Field: "expected_amount", Reason: "must not be negative"}
	}
	if in.ExpectedAmount != nil && !in.ExpectedAmount.FitsScale() {
		return nil, &generic.ValidationError{Field: "expected_amount", Reason: fmt.Sprintf("must not have more than %d decimal places", generic.MoneyScale)}
	}
	if in.MemberID == "" {
		return nil, &generic.ValidationError{Field: "member_id", Reason: "is required", Err: generic.ErrDataIntegrity}
	}

	var out *Contribution
	err := s.store.WithTx(ctx, func(tx Store) error {
		c, err := openCircle(ctx, tx, in.CircleID)
		if err != nil {
			return err
		}
		schedule, err := c.Schedule()
		if err != nil {
			return err
		}
		if _, err := schedule.Installment(in.PeriodIndex); err != nil {
			return err
		}
		existing, err := tx.ListContributions(ctx, c.ID, in.MemberID)
		if err != nil {
			return err
		}

		row := Contribution{
			ID:                     ContributionID(s.newID()),
			GroupID:                c.GroupID,
			CircleID:               c.ID,
			MemberID:               in.MemberID,
			PeriodIndex:            in.PeriodIndex,
			Amount:                 in.Amount,
			ExpectedAmountSnapshot: ResolveExpectedAmount(in.ExpectedAmount, existing, in.PeriodIndex, c.Policy),
			Status:                 ContributionPending,
			CreatedAt:              asOf,
		}
		if err := tx.InsertContribution(ctx, row); err != nil {
			return err
		}
		out = &row
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("submit contribution: %w", err)
	}
	return out, nil
}

// ConfirmContribution confirms a PENDING payment and writes its
// CONTRIBUTION_IN entry atomically. With settle-on-funding enabled a
// settlement pass follows under the same lock. A failed settlement pass is
// logged and does not undo the confirmation.
func (s *Service) ConfirmContribution(ctx context.Context, id ContributionID, actor string, asOf time.Time) (*Contribution, *SettlementResult, error) {
	pre, err := s.store.GetContribution(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    *Contribution
		result *SettlementResult
	)
	err = s.withGroupLock(ctx, pre.GroupID, func() error {
		var circle *Circle
		err := s.store.WithTx(ctx, func(tx Store) error {
			row, err := tx.GetContribution(ctx, id)
			if err != nil {
				return err
			}
			c, err := openCircle(ctx, tx, row.CircleID)
			if err != nil {
				return err
			}
			if err := row.TransitionTo(ContributionConfirmed); err != nil {
				return err
			}
			confirmed := asOf
			row.ConfirmedAt = &confirmed
			row.ConfirmedBy = actor
			if err := tx.UpdateContribution(ctx, *row); err != nil {
				return err
			}
			row.Version++

			if _, err := s.appendEntry(ctx, tx, c, entrySpec{
				typ:    generic.EntryContributionIn,
				amount: row.Amount,
				refID:  string(row.ID),
				key:    generic.EntryKey("contribution", string(row.ID)),
				actor:  actor,
			}, asOf); err != nil {
				return err
			}
			out, circle = row, c
			return nil
		})
		if err != nil || !s.settleOnFunding {
			return err
		}

		result, err = s.settleLocked(ctx, circle.ID, asOf)
		if err != nil {
			s.log.Warn("settlement after confirmation failed",
				zap.String("circle_id", string(circle.ID)),
				zap.String("contribution_id", string(id)),
				zap.Error(err),
			)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("confirm contribution %s: %w", id, err)
	}
	return out, result, nil
}

// RejectContribution rejects a PENDING payment. Confirmed rows are immutable.
func (s *Service) RejectContribution(ctx context.Context, id ContributionID, reason string, asOf time.Time) (*Contribution, error) {
	var out *Contribution
	err := s.store.WithTx(ctx, func(tx Store) error {
		row, err := tx.GetContribution(ctx, id)
		if err != nil {
			return err
		}
		if _, err := openCircle(ctx, tx, row.CircleID); err != nil {
			return err
		}
		if err := row.TransitionTo(ContributionRejected); err != nil {
			return err
		}
		row.RejectionReason = reason
		if err := tx.UpdateContribution(ctx, *row); err != nil {
			return err
		}
		row.Version++
		out = row
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reject contribution %s: %w", id, err)
	}
	return out, nil
}

// MemberStatement returns per-period status and arrears for one member.
func (s *Service) MemberStatement(ctx context.Context, circleID generic.CircleID, memberID generic.MemberID, asOf time.Time) (*Statement, error) {
	c, err := s.store.GetCircle(ctx, circleID)
	if err != nil {
		return nil, err
	}
	schedule, err := c.Schedule()
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListContributions(ctx, circleID, memberID)
	if err != nil {
		return nil, err
	}
	return BuildStatement(circleID, memberID, rows, schedule, c.Policy, asOf)
}

// =============================================================================
// BALANCE
// =============================================================================

// Balance folds the ledger of a group, optionally narrowed to one circle,
// against the group's reserve minimum.
func (s *Service) Balance(ctx context.Context, filter generic.LedgerFilter) (generic.Balance, error) {
	g, err := s.store.GetGroup(ctx, filter.GroupID)
	if err != nil {
		return generic.Balance{}, err
	}
	entries, err := s.store.Entries(ctx, filter)
	if err != nil {
		return generic.Balance{}, err
	}
	b, err := generic.ComputeBalance(entries, g.Policy.ReserveMinBalance)
	if err != nil {
		return generic.Balance{}, err
	}
	if filter.CircleID == "" {
		s.metrics.Spendable.WithLabelValues(string(g.ID)).Set(b.Spendable.Value.InexactFloat64())
	}
	return b, nil
}

// Ledger lists the entries matching filter.
func (s *Service) Ledger(ctx context.Context, filter generic.LedgerFilter) ([]generic.LedgerEntry, error) {
	return s.store.Entries(ctx, filter)
}

// =============================================================================
// ADMISSION
// =============================================================================

type AdmissionOutcome string

const (
	AdmitApproved   AdmissionOutcome = "APPROVED"
	AdmitWaitlisted AdmissionOutcome = "WAITLISTED"
	AdmitRejected   AdmissionOutcome = "REJECTED"
)

// Admit decides the fate of a new request needing amount. A request that
// fits in spendable is approved directly; otherwise the auto-waitlist flag
// for its kind chooses between WAITLISTED and REJECTED.
func Admit(policy GroupPolicy, kind RequestKind, amount generic.Money, balance generic.Balance) AdmissionOutcome {
	if balance.CanFund(amount) {
		return AdmitApproved
	}
	if policy.AutoWaitlist(kind) {
		return AdmitWaitlisted
	}
	return AdmitRejected
}

type BenefitInput struct {
	CircleID generic.CircleID
	MemberID generic.MemberID
	Type     BenefitType
	Amount   generic.Money
	Actor    string
}

// RequestBenefit admits a benefit request: approved and paid out of the
// ledger, waitlisted, or rejected for insufficient funds.
func (s *Service) RequestBenefit(ctx context.Context, in BenefitInput, asOf time.Time) (*Benefit, error) {
	if !in.Type.Valid() {
		return nil, &generic.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown benefit type %q", in.Type)}
	}
	if err := requirePositive("amount", in.Amount); err != nil {
		return nil, err
	}
	pre, err := s.store.GetCircle(ctx, in.CircleID)
	if err != nil {
		return nil, err
	}
	if limit, capped := pre.Policy.BenefitCap(in.Type); capped && in.Amount.GreaterThan(limit) {
		return nil, &generic.ValidationError{Field: "amount", Reason: fmt.Sprintf("exceeds %s cap of %s", in.Type, limit)}
	}

	var (
		out     *Benefit
		outcome AdmissionOutcome
	)
	err = s.withGroupLock(ctx, pre.GroupID, func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			c, err := openCircle(ctx, tx, in.CircleID)
			if err != nil {
				return err
			}
			bal, err := groupBalance(ctx, tx, c)
			if err != nil {
				return err
			}

			b := Benefit{
				ID:              BenefitID(s.newID()),
				GroupID:         c.GroupID,
				CircleID:        c.ID,
				MemberID:        in.MemberID,
				Type:            in.Type,
				RequestedAmount: in.Amount,
				Status:          BenefitPending,
				CreatedAt:       asOf,
				UpdatedAt:       asOf,
			}

			outcome = Admit(c.Policy, KindBenefit, in.Amount, bal)
			switch outcome {
			case AdmitApproved:
				if err := b.Approve(asOf); err != nil {
					return err
				}
				if err := tx.InsertBenefit(ctx, b); err != nil {
					return err
				}
				if _, err := s.appendEntry(ctx, tx, c, entrySpec{
					typ:    generic.EntryBenefitOut,
					amount: b.RequestedAmount,
					refID:  string(b.ID),
					key:    generic.EntryKey("benefit", string(b.ID)),
					actor:  in.Actor,
				}, asOf); err != nil {
					return err
				}
			case AdmitWaitlisted:
				if err := b.TransitionTo(BenefitWaitlisted); err != nil {
					return err
				}
				pos, err := tx.NextWaitlistPosition(ctx, c.ID)
				if err != nil {
					return err
				}
				waitlisted := asOf
				b.WaitlistPosition, b.WaitlistedAt = &pos, &waitlisted
				if err := tx.InsertBenefit(ctx, b); err != nil {
					return err
				}
			default:
				if err := b.TransitionTo(BenefitRejected); err != nil {
					return err
				}
				b.RejectionReason = reasonInsufficientFunds
				if err := tx.InsertBenefit(ctx, b); err != nil {
					return err
				}
			}
			out = &b
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("request benefit: %w", err)
	}

	s.metrics.Admissions.WithLabelValues(string(KindBenefit), string(outcome)).Inc()
	s.log.Info("benefit admitted",
		zap.String("benefit_id", string(out.ID)),
		zap.String("circle_id", string(out.CircleID)),
		zap.String("amount", out.RequestedAmount.String()),
		zap.String("outcome", string(outcome)),
	)
	return out, nil
}

type LoanInput struct {
	CircleID   generic.CircleID
	BorrowerID generic.MemberID
	Principal  generic.Money
	Actor      string
}

// RequestLoan admits a loan request. An approved loan is disbursed at asOf
// with a LOAN_OUT entry for its principal.
func (s *Service) RequestLoan(ctx context.Context, in LoanInput, asOf time.Time) (*Loan, error) {
	if err := requirePositive("principal", in.Principal); err != nil {
		return nil, err
	}
	pre, err := s.store.GetCircle(ctx, in.CircleID)
	if err != nil {
		return nil, err
	}

	var (
		out     *Loan
		outcome AdmissionOutcome
	)
	err = s.withGroupLock(ctx, pre.GroupID, func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			c, err := openCircle(ctx, tx, in.CircleID)
			if err != nil {
				return err
			}
			bal, err := groupBalance(ctx, tx, c)
			if err != nil {
				return err
			}

			l := Loan{
				ID:              LoanID(s.newID()),
				GroupID:         c.GroupID,
				CircleID:        c.ID,
				BorrowerID:      in.BorrowerID,
				Principal:       in.Principal,
				Status:          LoanPending,
				GracePeriodDays: c.Policy.GracePeriodDays,
				CreatedAt:       asOf,
				UpdatedAt:       asOf,
			}

			outcome = Admit(c.Policy, KindLoan, l.FundingAmount(), bal)
			switch outcome {
			case AdmitApproved:
				if err := l.Disburse(c.Policy, asOf); err != nil {
					return err
				}
				if err := tx.InsertLoan(ctx, l); err != nil {
					return err
				}
				if _, err := s.appendEntry(ctx, tx, c, entrySpec{
					typ:    generic.EntryLoanOut,
					amount: l.FundingAmount(),
					refID:  string(l.ID),
					key:    generic.EntryKey("loan", string(l.ID)),
					actor:  in.Actor,
				}, asOf); err != nil {
					return err
				}
			case AdmitWaitlisted:
				if err := l.TransitionTo(LoanWaitlisted); err != nil {
					return err
				}
				pos, err := tx.NextWaitlistPosition(ctx, c.ID)
				if err != nil {
					return err
				}
				waitlisted := asOf
				l.WaitlistPosition, l.WaitlistedAt = &pos, &waitlisted
				if err := tx.InsertLoan(ctx, l); err != nil {
					return err
				}
			default:
				if err := l.TransitionTo(LoanRejected); err != nil {
					return err
				}
				l.RejectionReason = reasonInsufficientFunds
				if err := tx.InsertLoan(ctx, l); err != nil {
					return err
				}
			}
			out = &l
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("request loan: %w", err)
	}

	s.metrics.Admissions.WithLabelValues(string(KindLoan), string(outcome)).Inc()
	s.log.Info("loan admitted",
		zap.String("loan_id", string(out.ID)),
		zap.String("circle_id", string(out.CircleID)),
		zap.String("principal", out.Principal.String()),
		zap.String("outcome", string(outcome)),
	)
	return out, nil
}

// RejectBenefit explicitly rejects a PENDING or WAITLISTED benefit.
func (s *Service) RejectBenefit(ctx context.Context, id BenefitID, reason string, asOf time.Time) (*Benefit, error) {
	pre, err := s.store.GetBenefit(ctx, id)
	if err != nil {
		return nil, err
	}
	var out *Benefit
	err = s.withGroupLock(ctx, pre.GroupID, func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			b, err := tx.GetBenefit(ctx, id)
			if err != nil {
				return err
			}
			if _, err := openCircle(ctx, tx, b.CircleID); err != nil {
				return err
			}
			if err := b.TransitionTo(BenefitRejected); err != nil {
				return err
			}
			b.RejectionReason = reason
			b.WaitlistPosition = nil
			b.UpdatedAt = asOf
			if err := tx.UpdateBenefit(ctx, *b); err != nil {
				return err
			}
			b.Version++
			out = b
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reject benefit %s: %w", id, err)
	}
	return out, nil
}

// MarkBenefitPaid records the hand-over of an APPROVED benefit. The cash
// left the ledger when the benefit was approved.
func (s *Service) MarkBenefitPaid(ctx context.Context, id BenefitID, asOf time.Time) (*Benefit, error) {
	var out *Benefit
	err := s.store.WithTx(ctx, func(tx Store) error {
		b, err := tx.GetBenefit(ctx, id)
		if err != nil {
			return err
		}
		if _, err := openCircle(ctx, tx, b.CircleID); err != nil {
			return err
		}
		if err := b.TransitionTo(BenefitPaid); err != nil {
			return err
		}
		paid := asOf
		b.PaidAt = &paid
		b.UpdatedAt = asOf
		if err := tx.UpdateBenefit(ctx, *b); err != nil {
			return err
		}
		b.Version++
		out = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark benefit %s paid: %w", id, err)
	}
	return out, nil
}

func (s *Service) GetBenefit(ctx context.Context, id BenefitID) (*Benefit, error) {
	return s.store.GetBenefit(ctx, id)
}

func (s *Service) ListBenefits(ctx context.Context, circleID generic.CircleID, status BenefitStatus) ([]Benefit, error) {
	return s.store.ListBenefits(ctx, circleID, status)
}

// =============================================================================
// LOANS
// =============================================================================

// RejectLoan explicitly rejects a PENDING or WAITLISTED loan.
func (s *Service) RejectLoan(ctx context.Context, id LoanID, reason string, asOf time.Time) (*Loan, error) {
	pre, err := s.store.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	var out *Loan
	err = s.withGroupLock(ctx, pre.GroupID, func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			l, err := tx.GetLoan(ctx, id)
			if err != nil {
				return err
			}
			if _, err := openCircle(ctx, tx, l.CircleID); err != nil {
				return err
			}
			if err := l.TransitionTo(LoanRejected); err != nil {
				return err
			}
			l.RejectionReason = reason
			l.WaitlistPosition = nil
			l.UpdatedAt = asOf
			if err := tx.UpdateLoan(ctx, *l); err != nil {
				return err
			}
			l.Version++
			out = l
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reject loan %s: %w", id, err)
	}
	return out, nil
}

func (s *Service) GetLoan(ctx context.Context, id LoanID) (*Loan, error) {
	return s.store.GetLoan(ctx, id)
}

func (s *Service) ListLoans(ctx context.Context, circleID generic.CircleID, status LoanStatus) ([]Loan, error) {
	return s.store.ListLoans(ctx, circleID, status)
}

// LoanDue previews a loan's accrual at asOf.
func (s *Service) LoanDue(ctx context.Context, id LoanID, asOf time.Time) (LoanDue, error) {
	l, err := s.store.GetLoan(ctx, id)
	if err != nil {
		return LoanDue{}, err
	}
	c, err := s.store.GetCircle(ctx, l.CircleID)
	if err != nil {
		return LoanDue{}, err
	}
	payments, err := s.store.LoanPayments(ctx, id)
	if err != nil {
		return LoanDue{}, err
	}
	return ComputeLoanDue(*l, payments, c.Policy, asOf)
}

type LoanPaymentInput struct {
	LoanID     LoanID
	Amount     generic.Money
	RecordedBy string
}

// RecordLoanPayment appends a repayment and its LOAN_REPAYMENT_IN entry. The
// loan closes when nothing is left outstanding. Paying more than is
// outstanding is rejected.
func (s *Service) RecordLoanPayment(ctx context.Context, in LoanPaymentInput, asOf time.Time) (*Loan, LoanDue, error) {
	if err := requirePositive("amount", in.Amount); err != nil {
		return nil, LoanDue{}, err
	}
	pre, err := s.store.GetLoan(ctx, in.LoanID)
	if err != nil {
		return nil, LoanDue{}, err
	}

	var (
		out *Loan
		due LoanDue
	)
	err = s.withGroupLock(ctx, pre.GroupID, func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			l, err := tx.GetLoan(ctx, in.LoanID)
			if err != nil {
				return err
			}
			if !l.Status.Outstanding() {
				return &generic.ValidationError{
					Field:  "loan_id",
					Reason: fmt.Sprintf("loan %s is %s", l.ID, l.Status),
					Err:    generic.ErrInvalidTransition,
				}
			}
			c, err := openCircle(ctx, tx, l.CircleID)
			if err != nil {
				return err
			}
			payments, err := tx.LoanPayments(ctx, l.ID)
			if err != nil {
				return err
			}
			before, err := ComputeLoanDue(*l, payments, c.Policy, asOf)
			if err != nil {
				return err
			}
			if in.Amount.GreaterThan(before.Outstanding) {
				return &generic.ValidationError{
					Field:  "amount",
					Reason: fmt.Sprintf("%s exceeds outstanding %s", in.Amount, before.Outstanding),
				}
			}

			p := LoanPayment{
				ID:         s.newID(),
				LoanID:     l.ID,
				Amount:     in.Amount,
				PaidAt:     asOf,
				RecordedBy: in.RecordedBy,
			}
			if err := tx.AppendLoanPayment(ctx, p); err != nil {
				return err
			}
			if _, err := s.appendEntry(ctx, tx, c, entrySpec{
				typ:    generic.EntryLoanRepaymentIn,
				amount: p.Amount,
				refID:  string(l.ID),
				key:    generic.EntryKey("loan-payment", p.ID),
				actor:  in.RecordedBy,
			}, asOf); err != nil {
				return err
			}

			due, err = ComputeLoanDue(*l, append(payments, p), c.Policy, asOf)
			if err != nil {
				return err
			}
			if due.Outstanding.IsZero() {
				if err := l.TransitionTo(LoanClosed); err != nil {
					return err
				}
				closed := asOf
				l.ClosedAt = &closed
				l.UpdatedAt = asOf
				if err := tx.UpdateLoan(ctx, *l); err != nil {
					return err
				}
				l.Version++
			}
			out = l
			return nil
		})
	})
	if err != nil {
		return nil, LoanDue{}, fmt.Errorf("record payment for loan %s: %w", in.LoanID, err)
	}
	return out, due, nil
}

// RefreshOverdue moves ACTIVE loans past their due date with money still
// outstanding to OVERDUE. It returns the loans it moved.
func (s *Service) RefreshOverdue(ctx context.Context, circleID generic.CircleID, asOf time.Time) ([]LoanID, error) {
	pre, err := s.store.GetCircle(ctx, circleID)
	if err != nil {
		return nil, err
	}
	var moved []LoanID
	err = s.withGroupLock(ctx, pre.GroupID, func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			c, err := openCircle(ctx, tx, circleID)
			if err != nil {
				return err
			}
			loans, err := tx.ListLoans(ctx, circleID, LoanActive)
			if err != nil {
				return err
			}
			for i := range loans {
				l := &loans[i]
				payments, err := tx.LoanPayments(ctx, l.ID)
				if err != nil {
					return err
				}
				due, err := ComputeLoanDue(*l, payments, c.Policy, asOf)
				if err != nil {
					return err
				}
				if !due.Overdue {
					continue
				}
				if err := l.TransitionTo(LoanOverdue); err != nil {
					return err
				}
				l.UpdatedAt = asOf
				if err := tx.UpdateLoan(ctx, *l); err != nil {
					return err
				}
				moved = append(moved, l.ID)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("refresh overdue loans of circle %s: %w", circleID, err)
	}
	return moved, nil
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

type AdjustmentInput struct {
	CircleID  generic.CircleID
	Direction generic.Direction
	Amount    generic.Money
	Reason    string
	CreatedBy string
	// Optional caller key; retries with the same key are rejected as duplicates.
	Key string
}

// RecordAdjustment appends a manual correction. Entries are never edited,
// so every correction is a new ADJUSTMENT.
func (s *Service) RecordAdjustment(ctx context.Context, in AdjustmentInput, asOf time.Time) (*generic.LedgerEntry, error) {
	if !in.Direction.Valid() {
		return nil, &generic.ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", in.Direction)}
	}
	if err := requirePositive("amount", in.Amount); err != nil {
		return nil, err
	}
	if in.Reason == "" {
		return nil, &generic.ValidationError{Field: "reason", Reason: "is required", Err: generic.ErrDataIntegrity}
	}
	pre, err := s.store.GetCircle(ctx, in.CircleID)
	if err != nil {
		return nil, err
	}
	key := in.Key
	if key == "" {
		key = s.newID()
	}

	var out *generic.LedgerEntry
	err = s.withGroupLock(ctx, pre.GroupID, func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			c, err := openCircle(ctx, tx, in.CircleID)
			if err != nil {
				return err
			}
			out, err = s.appendEntry(ctx, tx, c, entrySpec{
				typ:       generic.EntryAdjustment,
				direction: in.Direction,
				amount:    in.Amount,
				refID:     string(c.ID),
				key:       generic.EntryKey("adjustment", key),
				reason:    in.Reason,
				actor:     in.CreatedBy,
			}, asOf)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("record adjustment: %w", err)
	}
	return out, nil
}
