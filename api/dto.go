/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the circle domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. Money travels as decimal
  strings ("1000.50") so clients never round-trip binary floats; handlers
  parse them into generic.Money after validation.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/policy.go: PolicyJSON type
*/
package api

import (
	"time"

	"github.com/warp/circle-engine/circle"
	"github.com/warp/circle-engine/factory"
	"github.com/warp/circle-engine/generic"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REQUEST TYPES
// =============================================================================

type CreateGroupRequest struct {
	ID     string             `json:"id" validate:"required,max=64"`
	Name   string             `json:"name" validate:"required,max=200"`
	Policy factory.PolicyJSON `json:"policy"`
}

type UpdatePolicyRequest struct {
	Policy factory.PolicyJSON `json:"policy"`
}

type OpenCircleRequest struct {
	Start string `json:"start" validate:"required,datetime=2006-01-02"`
}

type SubmitContributionRequest struct {
	MemberID       string `json:"member_id" validate:"required"`
	PeriodIndex    *int   `json:"period_index" validate:"required,min=0"`
	Amount         string `json:"amount" validate:"required,numeric"`
	ExpectedAmount string `json:"expected_amount,omitempty" validate:"omitempty,numeric"`
}

type ConfirmRequest struct {
	Actor string `json:"actor" validate:"required"`
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type BenefitRequest struct {
	MemberID string `json:"member_id" validate:"required"`
	Type     string `json:"type" validate:"required,oneof=FUNERAL SICKNESS"`
	Amount   string `json:"amount" validate:"required,numeric"`
	Actor    string `json:"actor"`
}

type LoanRequest struct {
	BorrowerID string `json:"borrower_id" validate:"required"`
	Principal  string `json:"principal" validate:"required,numeric"`
	Actor      string `json:"actor"`
}

type LoanPaymentRequest struct {
	Amount     string `json:"amount" validate:"required,numeric"`
	RecordedBy string `json:"recorded_by" validate:"required"`
}

type AdjustmentRequest struct {
	Direction string `json:"direction" validate:"required,oneof=IN OUT"`
	Amount    string `json:"amount" validate:"required,numeric"`
	Reason    string `json:"reason" validate:"required,max=500"`
	CreatedBy string `json:"created_by" validate:"required"`
	Key       string `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type GroupDTO struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Policy    factory.PolicyJSON `json:"policy"`
	CreatedAt string             `json:"created_at"`
	UpdatedAt string             `json:"updated_at"`
}

type CircleDTO struct {
	ID       string             `json:"id"`
	GroupID  string             `json:"group_id"`
	Start    string             `json:"start"`
	End      string             `json:"end"`
	Status   string             `json:"status"`
	Policy   factory.PolicyJSON `json:"policy"`
	ClosedAt *string            `json:"closed_at,omitempty"`
}

type InstallmentDTO struct {
	Index   int    `json:"index"`
	DueDate string `json:"due_date"`
}

type ContributionDTO struct {
	ID              string        `json:"id"`
	CircleID        string        `json:"circle_id"`
	MemberID        string        `json:"member_id"`
	PeriodIndex     int           `json:"period_index"`
	Amount          generic.Money `json:"amount"`
	ExpectedAmount  generic.Money `json:"expected_amount"`
	Status          string        `json:"status"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
	ConfirmedBy     string        `json:"confirmed_by,omitempty"`
	ConfirmedAt     *string       `json:"confirmed_at,omitempty"`
}

type ConfirmContributionDTO struct {
	Contribution ContributionDTO `json:"contribution"`
	Settlement   *SettlementDTO  `json:"settlement,omitempty"`
}

type StatementLineDTO struct {
	PeriodIndex int           `json:"period_index"`
	DueDate     string        `json:"due_date"`
	Expected    generic.Money `json:"expected"`
	Paid        generic.Money `json:"paid"`
	Status      string        `json:"status"`
}

type StatementDTO struct {
	CircleID       string             `json:"circle_id"`
	MemberID       string             `json:"member_id"`
	AsOf           string             `json:"as_of"`
	Lines          []StatementLineDTO `json:"lines"`
	TotalPaid      generic.Money      `json:"total_paid"`
	ArrearsPeriods []int              `json:"arrears_periods"`
	ArrearsTotal   generic.Money      `json:"arrears_total"`
	NextDue        *InstallmentDTO    `json:"next_due,omitempty"`
}

type BalanceDTO struct {
	GroupID   string        `json:"group_id"`
	CircleID  string        `json:"circle_id,omitempty"`
	Available generic.Money `json:"available"`
	Reserve   generic.Money `json:"reserve"`
	Spendable generic.Money `json:"spendable"`
	TotalIn   generic.Money `json:"total_in"`
	TotalOut  generic.Money `json:"total_out"`
	Health    string        `json:"health"`
}

type LedgerEntryDTO struct {
	ID             string        `json:"id"`
	CircleID       string        `json:"circle_id"`
	Type           string        `json:"type"`
	Direction      string        `json:"direction"`
	Amount         generic.Money `json:"amount"`
	RefID          string        `json:"ref_id"`
	Reason         string        `json:"reason,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	EffectiveAt    string        `json:"effective_at"`
	CreatedBy      string        `json:"created_by"`
}

type BenefitDTO struct {
	ID               string        `json:"id"`
	CircleID         string        `json:"circle_id"`
	MemberID         string        `json:"member_id"`
	Type             string        `json:"type"`
	Amount           generic.Money `json:"amount"`
	Status           string        `json:"status"`
	WaitlistPosition *int64        `json:"waitlist_position,omitempty"`
	ApprovedAt       *string       `json:"approved_at,omitempty"`
	PaidAt           *string       `json:"paid_at,omitempty"`
	RejectionReason  string        `json:"rejection_reason,omitempty"`
}

type LoanDTO struct {
	ID               string        `json:"id"`
	CircleID         string        `json:"circle_id"`
	BorrowerID       string        `json:"borrower_id"`
	Principal        generic.Money `json:"principal"`
	Status           string        `json:"status"`
	GracePeriodDays  int           `json:"grace_period_days"`
	DisbursedAt      *string       `json:"disbursed_at,omitempty"`
	DueAt            *string       `json:"due_at,omitempty"`
	WaitlistPosition *int64        `json:"waitlist_position,omitempty"`
	ClosedAt         *string       `json:"closed_at,omitempty"`
	RejectionReason  string        `json:"rejection_reason,omitempty"`
}

type LoanDueDTO struct {
	Principal      generic.Money `json:"principal"`
	Interest       generic.Money `json:"interest"`
	GrossDue       generic.Money `json:"gross_due"`
	Paid           generic.Money `json:"paid"`
	Outstanding    generic.Money `json:"outstanding"`
	InGrace        bool          `json:"in_grace"`
	PeriodsElapsed int64         `json:"periods_elapsed"`
	Overdue        bool          `json:"overdue"`
}

type LoanPaymentDTO struct {
	Loan LoanDTO    `json:"loan"`
	Due  LoanDueDTO `json:"due"`
}

type SettlementItemDTO struct {
	Kind     string        `json:"kind"`
	ID       string        `json:"id"`
	Amount   generic.Money `json:"amount"`
	Position int64         `json:"position"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

type SettlementDTO struct {
	RunID           string              `json:"run_id"`
	CircleID        string              `json:"circle_id"`
	Policy          string              `json:"policy"`
	AsOf            string              `json:"as_of"`
	SpendableBefore generic.Money       `json:"spendable_before"`
	SpendableAfter  generic.Money       `json:"spendable_after"`
	Items           []SettlementItemDTO `json:"items"`
	Errors          string              `json:"errors,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toGroupDTO(pf *factory.PolicyFactory, g *circle.Group) GroupDTO {
	return GroupDTO{
		ID:        string(g.ID),
		Name:      g.Name,
		Policy:    pf.ToJSON(g.Policy),
		CreatedAt: g.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: g.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toCircleDTO(pf *factory.PolicyFactory, c *circle.Circle) CircleDTO {
	return CircleDTO{
		ID:       string(c.ID),
		GroupID:  string(c.GroupID),
		Start:    c.Start.Format(dateLayout),
		End:      c.End.Format(dateLayout),
		Status:   string(c.Status),
		Policy:   pf.ToJSON(c.Policy),
		ClosedAt: formatTimePtr(c.ClosedAt),
	}
}

func toInstallmentDTOs(s circle.Schedule) []InstallmentDTO {
	out := make([]InstallmentDTO, len(s))
	for i, inst := range s {
		out[i] = InstallmentDTO{Index: inst.Index, DueDate: inst.DueDate.Format(dateLayout)}
	}
	return out
}

func toContributionDTO(c *circle.Contribution) ContributionDTO {
	return ContributionDTO{
		ID:              string(c.ID),
		CircleID:        string(c.CircleID),
		MemberID:        string(c.MemberID),
		PeriodIndex:     c.PeriodIndex,
		Amount:          c.Amount,
		ExpectedAmount:  c.ExpectedAmountSnapshot,
		Status:          string(c.Status),
		RejectionReason: c.RejectionReason,
		ConfirmedBy:     c.ConfirmedBy,
		ConfirmedAt:     formatTimePtr(c.ConfirmedAt),
	}
}

func toStatementDTO(s *circle.Statement) StatementDTO {
	lines := make([]StatementLineDTO, len(s.Lines))
	for i, l := range s.Lines {
		lines[i] = StatementLineDTO{
			PeriodIndex: l.PeriodIndex,
			DueDate:     l.DueDate.Format(dateLayout),
			Expected:    l.Expected,
			Paid:        l.Paid,
			Status:      string(l.Status),
		}
	}
	dto := StatementDTO{
		CircleID:       string(s.CircleID),
		MemberID:       string(s.MemberID),
		AsOf:           s.AsOf.Format(dateLayout),
		Lines:          lines,
		TotalPaid:      s.TotalPaid,
		ArrearsPeriods: append([]int{}, s.Arrears.Periods...),
		ArrearsTotal:   s.Arrears.TotalOwed,
	}
	if s.NextDue != nil {
		dto.NextDue = &InstallmentDTO{Index: s.NextDue.Index, DueDate: s.NextDue.DueDate.Format(dateLayout)}
	}
	return dto
}

func toBalanceDTO(f generic.LedgerFilter, b generic.Balance) BalanceDTO {
	return BalanceDTO{
		GroupID:   string(f.GroupID),
		CircleID:  string(f.CircleID),
		Available: b.Available,
		Reserve:   b.Reserve,
		Spendable: b.Spendable,
		TotalIn:   b.TotalIn,
		TotalOut:  b.TotalOut,
		Health:    string(b.Health()),
	}
}

func toLedgerEntryDTO(e generic.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:             string(e.ID),
		CircleID:       string(e.CircleID),
		Type:           string(e.Type),
		Direction:      string(e.Direction),
		Amount:         e.Amount,
		RefID:          e.RefID,
		Reason:         e.Reason,
		IdempotencyKey: e.IdempotencyKey,
		EffectiveAt:    e.EffectiveAt.UTC().Format(time.RFC3339),
		CreatedBy:      e.CreatedBy,
	}
}

func toBenefitDTO(b *circle.Benefit) BenefitDTO {
	return BenefitDTO{
		ID:               string(b.ID),
		CircleID:         string(b.CircleID),
		MemberID:         string(b.MemberID),
		Type:             string(b.Type),
		Amount:           b.RequestedAmount,
		Status:           string(b.Status),
		WaitlistPosition: b.WaitlistPosition,
		ApprovedAt:       formatTimePtr(b.ApprovedAt),
		PaidAt:           formatTimePtr(b.PaidAt),
		RejectionReason:  b.RejectionReason,
	}
}

func toLoanDTO(l *circle.Loan) LoanDTO {
	return LoanDTO{
		ID:               string(l.ID),
		CircleID:         string(l.CircleID),
		BorrowerID:       string(l.BorrowerID),
		Principal:        l.Principal,
		Status:           string(l.Status),
		GracePeriodDays:  l.GracePeriodDays,
		DisbursedAt:      formatTimePtr(l.DisbursedAt),
		DueAt:            formatTimePtr(l.DueAt),
		WaitlistPosition: l.WaitlistPosition,
		ClosedAt:         formatTimePtr(l.ClosedAt),
		RejectionReason:  l.RejectionReason,
	}
}

func toLoanDueDTO(d circle.LoanDue) LoanDueDTO {
	return LoanDueDTO{
		Principal:      d.Principal,
		Interest:       d.Interest,
		GrossDue:       d.GrossDue,
		Paid:           d.Paid,
		Outstanding:    d.Outstanding,
		InGrace:        d.InGrace,
		PeriodsElapsed: d.PeriodsElapsed,
		Overdue:        d.Overdue,
	}
}

func toSettlementDTO(r *circle.SettlementResult, runErr error) *SettlementDTO {
	if r == nil {
		return nil
	}
	items := make([]SettlementItemDTO, len(r.Items))
	for i, it := range r.Items {
		items[i] = SettlementItemDTO{
			Kind:     string(it.Kind),
			ID:       it.ID,
			Amount:   it.Amount,
			Position: it.Position,
			Outcome:  string(it.Outcome),
			Error:    it.Error,
		}
	}
	dto := &SettlementDTO{
		RunID:           r.RunID,
		CircleID:        string(r.CircleID),
		Policy:          string(r.Policy),
		AsOf:            r.AsOf.UTC().Format(time.RFC3339),
		SpendableBefore: r.SpendableBefore,
		SpendableAfter:  r.SpendableAfter,
		Items:           items,
	}
	if runErr != nil {
		dto.Errors = runErr.Error()
	}
	return dto
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Preset      string `json:"preset"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}
