/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	circle activity for demos and manual testing. Every scenario goes through
	circle.Service, so the ledger, waitlist and metrics are exactly what real
	traffic would produce.

AVAILABLE SCENARIOS:

	monthly-circle:   Monthly contributions, one funeral benefit paid out
	waitlist-backlog: Weekly circle, requests queue until contributions land
	loan-book:        Quarterly circle with a float, loans repaid and running

HOW SCENARIOS WORK:
 1. Create the group (ID = scenario ID) from a factory preset
 2. Open a circle starting on the first of the current month
 3. Submit and confirm contributions, request benefits and loans

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "waitlist-backlog"}

NOTE:

	Scenarios never reset data. Loading one twice is a conflict.

SEE ALSO:
  - factory/presets.go: Preset policies
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/warp/circle-engine/circle"
	"github.com/warp/circle-engine/generic"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "monthly-circle",
		Name:        "Monthly Circle",
		Description: "Five members on a monthly schedule, one funeral benefit paid",
		Preset:      "monthly",
	},
	{
		ID:          "waitlist-backlog",
		Name:        "Waitlist Backlog",
		Description: "Benefits-first weekly circle where requests wait for cash",
		Preset:      "weekly",
	},
	{
		ID:          "loan-book",
		Name:        "Loan Book",
		Description: "Quarterly circle with an opening float and repaid loans",
		Preset:      "quarterly",
	},
}

var scenarioMembers = []generic.MemberID{"ama", "kofi", "esi", "yaw", "abena"}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds one scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	var load func(context.Context, *scenarioRun) error
	switch req.ScenarioID {
	case "monthly-circle":
		load = loadMonthlyCircle
	case "waitlist-backlog":
		load = loadWaitlistBacklog
	case "loan-book":
		load = loadLoanBook
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	run, err := h.startScenario(r.Context(), req.ScenarioID)
	if err != nil {
		h.writeServiceError(w, "Failed to load scenario", err)
		return
	}
	if err := load(r.Context(), run); err != nil {
		h.writeServiceError(w, "Failed to load scenario", err)
		return
	}

	h.log.Info("scenario loaded", zap.String("scenario", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "loaded",
		"scenario":  req.ScenarioID,
		"group_id":  string(run.circle.GroupID),
		"circle_id": string(run.circle.ID),
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// scenarioRun is an opened circle plus a clock that advances a day per step.
type scenarioRun struct {
	svc    *circle.Service
	circle *circle.Circle
	now    time.Time
}

func (h *Handler) startScenario(ctx context.Context, id string) (*scenarioRun, error) {
	var preset string
	for _, s := range scenarios {
		if s.ID == id {
			preset = s.Preset
		}
	}
	groupID := generic.GroupID(id)
	policy, err := h.PolicyFactory.Preset(preset, "1000", "500")
	if err != nil {
		return nil, err
	}
	now := h.Now()
	start := generic.NewDate(now.Year(), now.Month(), 1)

	if _, err := h.Service.CreateGroup(ctx, groupID, scenarioName(id), *policy, start); err != nil {
		return nil, err
	}
	c, err := h.Service.OpenCircle(ctx, groupID, start, start)
	if err != nil {
		return nil, err
	}
	return &scenarioRun{svc: h.Service, circle: c, now: start}, nil
}

func (run *scenarioRun) tick() time.Time {
	run.now = generic.AddDays(run.now, 1)
	return run.now
}

// pay submits and confirms one contribution per member for the period.
func (run *scenarioRun) pay(ctx context.Context, period int, members ...generic.MemberID) error {
	for _, m := range members {
		c, err := run.svc.SubmitContribution(ctx, circle.ContributionInput{
			CircleID:    run.circle.ID,
			MemberID:    m,
			PeriodIndex: period,
			Amount:      generic.MustMoney("1000"),
		}, run.tick())
		if err != nil {
			return err
		}
		if _, _, err := run.svc.ConfirmContribution(ctx, c.ID, "treasurer", run.now); err != nil {
			return err
		}
	}
	return nil
}

func loadMonthlyCircle(ctx context.Context, run *scenarioRun) error {
	if err := run.pay(ctx, 0, scenarioMembers...); err != nil {
		return err
	}
	if err := run.pay(ctx, 1, scenarioMembers[:3]...); err != nil {
		return err
	}

	b, err := run.svc.RequestBenefit(ctx, circle.BenefitInput{
		CircleID: run.circle.ID,
		MemberID: "esi",
		Type:     circle.BenefitFuneral,
		Amount:   generic.MustMoney("1500"),
		Actor:    "secretary",
	}, run.tick())
	if err != nil {
		return err
	}
	_, err = run.svc.MarkBenefitPaid(ctx, b.ID, run.tick())
	return err
}

func loadWaitlistBacklog(ctx context.Context, run *scenarioRun) error {
	// Nothing is funded yet, so both requests queue. Benefits-first
	// settlement pays the sickness benefit before the earlier loan.
	if _, err := run.svc.RequestLoan(ctx, circle.LoanInput{
		CircleID:   run.circle.ID,
		BorrowerID: "yaw",
		Principal:  generic.MustMoney("1200"),
		Actor:      "secretary",
	}, run.tick()); err != nil {
		return err
	}
	if _, err := run.svc.RequestBenefit(ctx, circle.BenefitInput{
		CircleID: run.circle.ID,
		MemberID: "abena",
		Type:     circle.BenefitSickness,
		Amount:   generic.MustMoney("800"),
		Actor:    "secretary",
	}, run.tick()); err != nil {
		return err
	}
	return run.pay(ctx, 0, scenarioMembers[:2]...)
}

func loadLoanBook(ctx context.Context, run *scenarioRun) error {
	if _, err := run.svc.RecordAdjustment(ctx, circle.AdjustmentInput{
		CircleID:  run.circle.ID,
		Direction: generic.DirectionIn,
		Amount:    generic.MustMoney("10000"),
		Reason:    "carried over from previous circle",
		CreatedBy: "treasurer",
		Key:       "loan-book-float",
	}, run.tick()); err != nil {
		return err
	}

	repaid, err := run.svc.RequestLoan(ctx, circle.LoanInput{
		CircleID:   run.circle.ID,
		BorrowerID: "kofi",
		Principal:  generic.MustMoney("2000"),
		Actor:      "treasurer",
	}, run.tick())
	if err != nil {
		return err
	}
	if _, err := run.svc.RequestLoan(ctx, circle.LoanInput{
		CircleID:   run.circle.ID,
		BorrowerID: "esi",
		Principal:  generic.MustMoney("3000"),
		Actor:      "treasurer",
	}, run.tick()); err != nil {
		return err
	}

	// Inside the grace window the principal settles the loan.
	_, _, err = run.svc.RecordLoanPayment(ctx, circle.LoanPaymentInput{
		LoanID:     repaid.ID,
		Amount:     repaid.Principal,
		RecordedBy: "treasurer",
	}, run.tick())
	return err
}

func scenarioName(id string) string {
	for _, s := range scenarios {
		if s.ID == id {
			return s.Name
		}
	}
	return id
}
