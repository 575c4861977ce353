/*
handlers.go - HTTP API handlers for circle accounting

PURPOSE:
  Exposes the circle service via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to circle.Service.

ENDPOINTS:
  Groups:
    GET    /api/groups                              List groups
    POST   /api/groups                              Create group with policy
    GET    /api/groups/{groupID}                    Get group
    PUT    /api/groups/{groupID}/policy             Replace policy
    GET    /api/groups/{groupID}/balance            Cash balance (?circle_id=)
    GET    /api/groups/{groupID}/ledger             Ledger entries (?circle_id=)
    POST   /api/groups/{groupID}/circles            Open circle

  Circles:
    GET    /api/circles/{circleID}                  Get circle
    POST   /api/circles/{circleID}/close            Close circle
    GET    /api/circles/{circleID}/schedule         Installment schedule
    POST   /api/circles/{circleID}/settle           Run waitlist settlement
    POST   /api/circles/{circleID}/overdue          Flag overdue loans
    POST   /api/circles/{circleID}/adjustments      Manual ledger adjustment
    GET    /api/circles/{circleID}/members/{memberID}/statement

  Contributions:
    POST   /api/circles/{circleID}/contributions    Submit payment
    POST   /api/contributions/{id}/confirm          Confirm (may settle)
    POST   /api/contributions/{id}/reject           Reject

  Scenarios:
    GET    /api/scenarios                           List demo scenarios
    POST   /api/scenarios/load                      Seed one scenario

  Benefits & Loans:
    POST/GET /api/circles/{circleID}/benefits       Request / list (?status=)
    GET    /api/benefits/{id}                       Get
    POST   /api/benefits/{id}/reject|paid           Reject / mark paid
    POST/GET /api/circles/{circleID}/loans          Request / list (?status=)
    GET    /api/loans/{id}                          Get
    GET    /api/loans/{id}/due                      Accrued dues
    POST   /api/loans/{id}/payments                 Record repayment
    POST   /api/loans/{id}/reject                   Reject

TIME:
  The wall clock is read once per request (Handler.Now) and passed to the
  service as asOf. GET endpoints accept ?as_of=YYYY-MM-DD to look back.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, invalid transitions
  - 404: Resource not found
  - 409: Conflict (closed circle, concurrent modification, duplicate)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/warp/circle-engine/circle"
	"github.com/warp/circle-engine/factory"
	"github.com/warp/circle-engine/generic"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service       *circle.Service
	PolicyFactory *factory.PolicyFactory

	// Now is read once per request. Tests pin it.
	Now func() time.Time

	log      *zap.Logger
	validate *validator.Validate
}

// NewHandler creates a new handler around the service.
func NewHandler(svc *circle.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Service:       svc,
		PolicyFactory: factory.NewPolicyFactory(),
		Now:           func() time.Time { return time.Now().UTC() },
		log:           log.Named("api"),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// GROUP HANDLERS
// =============================================================================

// CreateGroup creates a group from a JSON policy.
// POST /api/groups
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	policy, err := h.PolicyFactory.FromJSON(req.Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid policy", err)
		return
	}

	g, err := h.Service.CreateGroup(r.Context(), generic.GroupID(req.ID), req.Name, *policy, h.Now())
	if err != nil {
		h.writeServiceError(w, "Failed to create group", err)
		return
	}
	writeJSON(w, http.StatusCreated, toGroupDTO(h.PolicyFactory, g))
}

// ListGroups returns every group.
// GET /api/groups
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Service.ListGroups(r.Context())
	if err != nil {
		h.writeServiceError(w, "Failed to list groups", err)
		return
	}
	out := make([]GroupDTO, 0, len(groups))
	for i := range groups {
		out = append(out, toGroupDTO(h.PolicyFactory, &groups[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetGroup returns a group and its current policy.
// GET /api/groups/{groupID}
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.Service.GetGroup(r.Context(), generic.GroupID(chi.URLParam(r, "groupID")))
	if err != nil {
		h.writeServiceError(w, "Group not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupDTO(h.PolicyFactory, g))
}

// UpdatePolicy replaces the group policy. The active circle picks it up;
// confirmed history keeps its snapshots.
// PUT /api/groups/{groupID}/policy
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req UpdatePolicyRequest
	if !h.decode(w, r, &req) {
		return
	}
	policy, err := h.PolicyFactory.FromJSON(req.Policy)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid policy", err)
		return
	}
	g, err := h.Service.UpdatePolicy(r.Context(), generic.GroupID(chi.URLParam(r, "groupID")), *policy, h.Now())
	if err != nil {
		h.writeServiceError(w, "Failed to update policy", err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupDTO(h.PolicyFactory, g))
}

// GetBalance folds the ledger into the group's cash position.
// GET /api/groups/{groupID}/balance?circle_id=
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	filter := generic.LedgerFilter{
		GroupID:  generic.GroupID(chi.URLParam(r, "groupID")),
		CircleID: generic.CircleID(r.URL.Query().Get("circle_id")),
	}
	bal, err := h.Service.Balance(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(filter, bal))
}

// GetLedger lists ledger entries in effective order.
// GET /api/groups/{groupID}/ledger?circle_id=
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	filter := generic.LedgerFilter{
		GroupID:  generic.GroupID(chi.URLParam(r, "groupID")),
		CircleID: generic.CircleID(r.URL.Query().Get("circle_id")),
	}
	entries, err := h.Service.Ledger(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, "Failed to load ledger", err)
		return
	}
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CIRCLE HANDLERS
// =============================================================================

// OpenCircle starts a new ACTIVE circle for the group.
// POST /api/groups/{groupID}/circles
func (h *Handler) OpenCircle(w http.ResponseWriter, r *http.Request) {
	var req OpenCircleRequest
	if !h.decode(w, r, &req) {
		return
	}
	start, err := time.Parse(dateLayout, req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start format (use YYYY-MM-DD)", err)
		return
	}
	c, err := h.Service.OpenCircle(r.Context(), generic.GroupID(chi.URLParam(r, "groupID")), start, h.Now())
	if err != nil {
		h.writeServiceError(w, "Failed to open circle", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCircleDTO(h.PolicyFactory, c))
}

// GetCircle returns a circle with its policy snapshot.
// GET /api/circles/{circleID}
func (h *Handler) GetCircle(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.GetCircle(r.Context(), circleParam(r))
	if err != nil {
		h.writeServiceError(w, "Circle not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toCircleDTO(h.PolicyFactory, c))
}

// CloseCircle freezes the circle.
// POST /api/circles/{circleID}/close
func (h *Handler) CloseCircle(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.CloseCircle(r.Context(), circleParam(r), h.Now())
	if err != nil {
		h.writeServiceError(w, "Failed to close circle", err)
		return
	}
	writeJSON(w, http.StatusOK, toCircleDTO(h.PolicyFactory, c))
}

// GetSchedule returns the installment dates of the circle.
// GET /api/circles/{circleID}/schedule
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := h.Service.Schedule(r.Context(), circleParam(r))
	if err != nil {
		h.writeServiceError(w, "Failed to compute schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, toInstallmentDTOs(s))
}

// Settle runs one settlement pass. Partial failures still return 200 with
// the failed items and an errors summary.
// POST /api/circles/{circleID}/settle
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	result, err := h.Service.Settle(r.Context(), circleParam(r), h.Now())
	if result == nil {
		h.writeServiceError(w, "Settlement failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(result, err))
}

// RefreshOverdue flags loans past due with money outstanding.
// POST /api/circles/{circleID}/overdue
func (h *Handler) RefreshOverdue(w http.ResponseWriter, r *http.Request) {
	ids, err := h.Service.RefreshOverdue(r.Context(), circleParam(r), h.Now())
	if err != nil {
		h.writeServiceError(w, "Failed to refresh overdue loans", err)
		return
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	writeJSON(w, http.StatusOK, map[string][]string{"overdue": out})
}

// CreateAdjustment appends a manual ADJUSTMENT entry.
// POST /api/circles/{circleID}/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, ok := parseMoney(w, "amount", req.Amount)
	if !ok {
		return
	}
	e, err := h.Service.RecordAdjustment(r.Context(), circle.AdjustmentInput{
		CircleID:  circleParam(r),
		Direction: generic.Direction(req.Direction),
		Amount:    amount,
		Reason:    req.Reason,
		CreatedBy: req.CreatedBy,
		Key:       req.Key,
	}, h.Now())
	if err != nil {
		h.writeServiceError(w, "Failed to record adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(*e))
}

// GetStatement returns a member's schedule with status and arrears.
// GET /api/circles/{circleID}/members/{memberID}/statement?as_of=
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}
	s, err := h.Service.MemberStatement(r.Context(), circleParam(r), generic.MemberID(chi.URLParam(r, "memberID")), asOf)
	if err != nil {
		h.writeServiceError(w, "Failed to build statement", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(s))
}

// =============================================================================
// CONTRIBUTION HANDLERS
// =============================================================================

// SubmitContribution records a PENDING payment.
// POST /api/circles/{circleID}/contributions
func (h *Handler) SubmitContribution(w http.ResponseWriter, r *http.Request) {
	var req SubmitContributionRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, ok := parseMoney(w, "amount", req.Amount)
	if !ok {
		return
	}
	in := circle.ContributionInput{
		CircleID:    circleParam(r),
		MemberID:    generic.MemberID(req.MemberID),
		PeriodIndex: *req.PeriodIndex,
		Amount:      amount,
	}
	if req.ExpectedAmount != "" {
		expected, ok := parseMoney(w, "expected_amount", req.ExpectedAmount)
		if !ok {
			return
		}
		in.ExpectedAmount = &expected
	}

	c, err := h.Service.SubmitContribution(r.Context(), in, h.Now())
	if err != nil {
		h.writeServiceError(w, "Failed to submit contribution", err)
		return
	}
	writeJSON(w, http.StatusCreated, toContributionDTO(c))
}

// ConfirmContribution confirms a payment and reports any settlement it
// triggered.
// POST /api/contributions/{id}/confirm
func (h *Handler) ConfirmContribution(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, result, err := h.Service.ConfirmContribution(r.Context(), circle.ContributionID(chi.URLParam(r, "id")), req.Actor, h.Now())
	if err != nil {
		h.writeServiceError(w, "Failed to confirm contribution", err)
		return
	}
	writeJSON(w, http.StatusOK, ConfirmContributionDTO{
		Contribution: toContributionDTO(c),
		Settlement:   toSettlementDTO(result, nil),
	})
}

// RejectContribution rejects a PENDING payment.
// POST /api/contributions/{id}/reject
func (h *Handler) RejectContribution(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.Service.RejectContribution(r.Context(), circle.ContributionID(chi.URLParam(r, "id")), req.Reason, h.Now())
	if err != nil {
		h.writeServiceError(w, "Failed to reject contribution", err)
		return
	}
	writeJSON(w, http.StatusOK, toContributionDTO(c))
}

// =============================================================================
// BENEFIT HANDLERS
// =============================================================================

// RequestBenefit admits a benefit request.
// POST /api/circles/{circleID}/benefits
func (h *Handler) RequestBenefit(w http.ResponseWriter, r *http.Request) {
	var req BenefitRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, ok := parseMoney(w, "amount", req.Amount)
	if !ok {
		return
	}
	b, err := h.Service.RequestBenefit(r.Context(), circle.BenefitInput{
		CircleID: circleParam(r),
		MemberID: generic.MemberID(req.MemberID),
		Type:     circle.BenefitType(req.Type),
		Amount:   amount,
		Actor:    req.Actor,
	}, h.Now())
	if err != nil {
		h.writeServiceError(w, "Failed to request benefit", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBenefitDTO(b))
}

// ListBenefits lists benefit requests of a circle.
// GET /api/circles/{circleID}/benefits?status=
func (h *Handler) ListBenefits(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Service.ListBenefits(r.Context(), circleParam(r), circle.BenefitStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.writeServiceError(w, "Failed to list benefits", err)
		return
	}
	dtos := make([]BenefitDTO, len(rows))
	for i := range rows {
		dtos[i] = toBenefitDTO(&rows[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBenefit returns one benefit request.
// GET /api/benefits/{id}
func (h *Handler) GetBenefit(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.GetBenefit(r.Context(), circle.BenefitID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, "Benefit not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toBenefitDTO(b))
}

// RejectBenefit rejects a PENDING or WAITLISTED benefit.
// POST /api/benefits/{id}/reject
func (h *Handler) RejectBenefit(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.Service.RejectBenefit(r.Context(), circle.BenefitID(chi.URLParam(r, "id")), req.Reason, h.Now())
	if err != nil {
		h.writeServiceError(w, "Failed to reject benefit", err)
		return
	}
	writeJSON(w, http.StatusOK, toBenefitDTO(b))
}

// MarkBenefitPaid records the hand-over of an APPROVED benefit.
// POST /api/benefits/{id}/paid
func (h *Handler) MarkBenefitPaid(w http.ResponseWriter, r *http.Request) {
	b, err := h.Service.MarkBenefitPaid(r.Context(), circle.BenefitID(chi.URLParam(r, "id")), h.Now())
	if err != nil {
		h.writeServiceError(w, "Failed to mark benefit paid", err)
		return
	}
	writeJSON(w, http.StatusOK, toBenefitDTO(b))
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// RequestLoan admits a loan request.
// POST /api/circles/{circleID}/loans
func (h *Handler) RequestLoan(w http.ResponseWriter, r *http.Request) {
	var req LoanRequest
	if !h.decode(w, r, &req) {
		return
	}
	principal, ok := parseMoney(w, "principal", req.Principal)
	if !ok {
		return
	}
	l, err := h.Service.RequestLoan(r.Context(), circle.LoanInput{
		CircleID:   circleParam(r),
		BorrowerID: generic.MemberID(req.BorrowerID),
		Principal:  principal,
		Actor:      req.Actor,
	}, h.Now())
	if err != nil {
		h.writeServiceError(w, "Failed to request loan", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanDTO(l))
}

// ListLoans lists loans of a circle.
// GET /api/circles/{circleID}/loans?status=
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Service.ListLoans(r.Context(), circleParam(r), circle.LoanStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.writeServiceError(w, "Failed to list loans", err)
		return
	}
	dtos := make([]LoanDTO, len(rows))
	for i := range rows {
		dtos[i] = toLoanDTO(&rows[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLoan returns one loan.
// GET /api/loans/{id}
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	l, err := h.Service.GetLoan(r.Context(), circle.LoanID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, "Loan not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(l))
}

// GetLoanDue returns interest and outstanding as of a date.
// GET /api/loans/{id}/due?as_of=
func (h *Handler) GetLoanDue(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}
	due, err := h.Service.LoanDue(r.Context(), circle.LoanID(chi.URLParam(r, "id")), asOf)
	if err != nil {
		h.writeServiceError(w, "Failed to compute loan due", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDueDTO(due))
}

// RecordLoanPayment records a repayment.
// POST /api/loans/{id}/payments
func (h *Handler) RecordLoanPayment(w http.ResponseWriter, r *http.Request) {
	var req LoanPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, ok := parseMoney(w, "amount", req.Amount)
	if !ok {
		return
	}
	l, due, err := h.Service.RecordLoanPayment(r.Context(), circle.LoanPaymentInput{
		LoanID:     circle.LoanID(chi.URLParam(r, "id")),
		Amount:     amount,
		RecordedBy: req.RecordedBy,
	}, h.Now())
	if err != nil {
		h.writeServiceError(w, "Failed to record loan payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, LoanPaymentDTO{Loan: toLoanDTO(l), Due: toLoanDueDTO(due)})
}

// RejectLoan rejects a PENDING or WAITLISTED loan.
// POST /api/loans/{id}/reject
func (h *Handler) RejectLoan(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	l, err := h.Service.RejectLoan(r.Context(), circle.LoanID(chi.URLParam(r, "id")), req.Reason, h.Now())
	if err != nil {
		h.writeServiceError(w, "Failed to reject loan", err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(l))
}

// =============================================================================
// HELPERS
// =============================================================================

func circleParam(r *http.Request) generic.CircleID {
	return generic.CircleID(chi.URLParam(r, "circleID"))
}

// decode reads and validates a JSON body. It writes the 400 itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// asOf is the request's point in time: ?as_of=YYYY-MM-DD, else Now.
func (h *Handler) asOf(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("as_of")
	if raw == "" {
		return h.Now(), true
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of format (use YYYY-MM-DD)", err)
		return time.Time{}, false
	}
	return t, true
}

func parseMoney(w http.ResponseWriter, field, raw string) (generic.Money, bool) {
	m, err := generic.NewMoneyFromString(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+field, err)
		return generic.Money{}, false
	}
	return m, true
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsConflict(err):
		return http.StatusConflict
	case generic.IsClientError(err):
		return http.StatusBadRequest
	}
	var ve *generic.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeServiceError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
