/*
handlers_test.go - HTTP tests for the circle API

Tests for:
- Group and circle lifecycle over HTTP
- Contribution confirmation triggering waitlist settlement
- Loan dues and repayments
- Error mapping (400 / 404 / 409)
- Health and metrics endpoints
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circle-engine/circle"
	"github.com/warp/circle-engine/generic"
	"github.com/warp/circle-engine/metrics"
	"github.com/warp/circle-engine/store/memory"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

var testNow = generic.NewDate(2025, time.January, 10)

const testPolicyJSON = `{
	"circle_duration_days": 360,
	"contribution_strategy": "INSTALLMENTS_PER_CIRCLE",
	"installments_per_circle": 12,
	"default_contribution": "1000",
	"loan": {"interest_percent": 5, "period_days": 30, "grace_period_days": 5},
	"reserve_min_balance": "0",
	"waitlist": {"policy": "FIFO", "auto_benefits": true, "auto_loans": true}
}`

type testServer struct {
	t       *testing.T
	handler *Handler
	router  *chi.Mux
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	var n int64
	reg := prometheus.NewRegistry()
	svc := circle.NewService(memory.New(),
		circle.WithMetrics(metrics.New(reg)),
		circle.WithIDGenerator(func() string {
			return fmt.Sprintf("id-%d", atomic.AddInt64(&n, 1))
		}),
	)
	h := NewHandler(svc, nil)
	h.Now = func() time.Time { return testNow }
	return &testServer{
		t:       t,
		handler: h,
		router:  NewRouter(h, RouterOptions{Gatherer: reg}),
	}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// openCircle creates grp-1 and opens a circle starting Jan 1 2025.
func (ts *testServer) openCircle() CircleDTO {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/groups",
		`{"id":"grp-1","name":"Market Women","policy":`+testPolicyJSON+`}`)
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodPost, "/api/groups/grp-1/circles", `{"start":"2025-01-01"}`)
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[CircleDTO](ts.t, rec)
}

func (ts *testServer) deposit(circleID, amount, key string) {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/circles/"+circleID+"/adjustments", fmt.Sprintf(
		`{"direction":"IN","amount":%q,"reason":"opening float","created_by":"treasurer","idempotency_key":%q}`,
		amount, key))
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
}

// =============================================================================
// GROUP & CIRCLE TESTS
// =============================================================================

func TestGroupAndCircleLifecycle(t *testing.T) {
	ts := newTestServer(t)

	// GIVEN: A group with an open circle
	c := ts.openCircle()
	assert.Equal(t, "grp-1", c.GroupID)
	assert.Equal(t, "ACTIVE", c.Status)
	assert.Equal(t, "2025-01-01", c.Start)

	// WHEN: Reading the group back
	rec := ts.do(http.MethodGet, "/api/groups/grp-1", "")

	// THEN: The policy round-trips
	require.Equal(t, http.StatusOK, rec.Code)
	g := decodeBody[GroupDTO](t, rec)
	assert.Equal(t, "Market Women", g.Name)
	assert.Equal(t, 12, g.Policy.InstallmentsPerCircle)
	assert.Equal(t, "1000.00", g.Policy.DefaultContribution.String())

	// AND: The schedule has one installment per configured period
	rec = ts.do(http.MethodGet, "/api/circles/"+c.ID+"/schedule", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]InstallmentDTO](t, rec), 12)

	// WHEN: Opening a second circle while one is active
	rec = ts.do(http.MethodPost, "/api/groups/grp-1/circles", `{"start":"2025-02-01"}`)

	// THEN: Conflict
	assert.Equal(t, http.StatusConflict, rec.Code)

	// WHEN: Closing the circle
	rec = ts.do(http.MethodPost, "/api/circles/"+c.ID+"/close", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CLOSED", decodeBody[CircleDTO](t, rec).Status)

	// THEN: Writes against it are rejected as conflicts
	rec = ts.do(http.MethodPost, "/api/circles/"+c.ID+"/contributions",
		`{"member_id":"ama","period_index":0,"amount":"1000"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateGroup_DuplicateAndList(t *testing.T) {
	ts := newTestServer(t)
	ts.openCircle()

	// WHEN: Creating a second group with the same id
	rec := ts.do(http.MethodPost, "/api/groups",
		`{"id":"grp-1","name":"Impostor","policy":`+testPolicyJSON+`}`)

	// THEN: Conflict, and the original group is untouched
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = ts.do(http.MethodGet, "/api/groups/grp-1", "")
	assert.Equal(t, "Market Women", decodeBody[GroupDTO](t, rec).Name)

	// AND: Listing returns every group
	rec = ts.do(http.MethodPost, "/api/groups",
		`{"id":"grp-0","name":"Night Shift","policy":`+testPolicyJSON+`}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/groups", "")
	require.Equal(t, http.StatusOK, rec.Code)
	groups := decodeBody[[]GroupDTO](t, rec)
	require.Len(t, groups, 2)
	assert.Equal(t, "grp-0", groups[0].ID)
	assert.Equal(t, "grp-1", groups[1].ID)
}

func TestCreateGroup_SubCentAmount(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/groups",
		`{"id":"grp-1","name":"Market Women","policy":{"circle_duration_days":360,"default_contribution":"333.335"}}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateGroup_InvalidPolicy(t *testing.T) {
	ts := newTestServer(t)

	// GIVEN: A policy with no circle duration
	rec := ts.do(http.MethodPost, "/api/groups",
		`{"id":"grp-1","name":"x","policy":{"default_contribution":"100"}}`)

	// THEN: Bad request
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid policy", decodeBody[ErrorResponse](t, rec).Error)
}

// =============================================================================
// CONTRIBUTION & SETTLEMENT TESTS
// =============================================================================

func TestConfirmContribution_FundsWaitlistedBenefit(t *testing.T) {
	ts := newTestServer(t)
	c := ts.openCircle()

	// GIVEN: An empty cash box and a sickness benefit request
	rec := ts.do(http.MethodPost, "/api/circles/"+c.ID+"/benefits",
		`{"member_id":"kofi","type":"SICKNESS","amount":"500","actor":"secretary"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	benefit := decodeBody[BenefitDTO](t, rec)
	assert.Equal(t, "WAITLISTED", benefit.Status)
	require.NotNil(t, benefit.WaitlistPosition)
	assert.Equal(t, int64(1), *benefit.WaitlistPosition)

	// WHEN: A member pays and the treasurer confirms
	rec = ts.do(http.MethodPost, "/api/circles/"+c.ID+"/contributions",
		`{"member_id":"ama","period_index":0,"amount":"1000"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	contribution := decodeBody[ContributionDTO](t, rec)
	assert.Equal(t, "PENDING", contribution.Status)
	assert.Equal(t, "1000.00", contribution.ExpectedAmount.String())

	rec = ts.do(http.MethodPost, "/api/contributions/"+contribution.ID+"/confirm", `{"actor":"treasurer"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	confirmed := decodeBody[ConfirmContributionDTO](t, rec)

	// THEN: The contribution is confirmed and the benefit was funded
	assert.Equal(t, "CONFIRMED", confirmed.Contribution.Status)
	require.NotNil(t, confirmed.Settlement)
	require.Len(t, confirmed.Settlement.Items, 1)
	assert.Equal(t, "FUNDED", confirmed.Settlement.Items[0].Outcome)
	assert.Equal(t, benefit.ID, confirmed.Settlement.Items[0].ID)

	rec = ts.do(http.MethodGet, "/api/benefits/"+benefit.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "APPROVED", decodeBody[BenefitDTO](t, rec).Status)

	// AND: The balance reflects both movements
	rec = ts.do(http.MethodGet, "/api/groups/grp-1/balance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, "500.00", bal.Available.String())
	assert.Equal(t, "1000.00", bal.TotalIn.String())
	assert.Equal(t, "500.00", bal.TotalOut.String())

	// AND: The ledger lists the contribution before the payout
	rec = ts.do(http.MethodGet, "/api/groups/grp-1/ledger?circle_id="+c.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]LedgerEntryDTO](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, "CONTRIBUTION_IN", entries[0].Type)
	assert.Equal(t, "BENEFIT_OUT", entries[1].Type)

	// AND: Paying out the approved benefit is recorded
	rec = ts.do(http.MethodPost, "/api/benefits/"+benefit.ID+"/paid", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PAID", decodeBody[BenefitDTO](t, rec).Status)
}

func TestConfirmContribution_Twice(t *testing.T) {
	ts := newTestServer(t)
	c := ts.openCircle()

	rec := ts.do(http.MethodPost, "/api/circles/"+c.ID+"/contributions",
		`{"member_id":"ama","period_index":0,"amount":"1000"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[ContributionDTO](t, rec).ID

	rec = ts.do(http.MethodPost, "/api/contributions/"+id+"/confirm", `{"actor":"treasurer"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN: Confirming again
	rec = ts.do(http.MethodPost, "/api/contributions/"+id+"/confirm", `{"actor":"treasurer"}`)

	// THEN: Conflict with the confirmed row, and the ledger holds a single entry
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = ts.do(http.MethodGet, "/api/groups/grp-1/balance", "")
	assert.Equal(t, "1000.00", decodeBody[BalanceDTO](t, rec).Available.String())
}

func TestMemberStatement(t *testing.T) {
	ts := newTestServer(t)
	c := ts.openCircle()

	// GIVEN: A partial payment for the first period
	rec := ts.do(http.MethodPost, "/api/circles/"+c.ID+"/contributions",
		`{"member_id":"ama","period_index":0,"amount":"400"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody[ContributionDTO](t, rec).ID
	rec = ts.do(http.MethodPost, "/api/contributions/"+id+"/confirm", `{"actor":"treasurer"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN: Fetching the statement
	rec = ts.do(http.MethodGet, "/api/circles/"+c.ID+"/members/ama/statement", "")

	// THEN: The first line shows what was paid
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s := decodeBody[StatementDTO](t, rec)
	require.Len(t, s.Lines, 12)
	assert.Equal(t, "400.00", s.Lines[0].Paid.String())
	assert.Equal(t, "400.00", s.TotalPaid.String())

	// AND: A malformed as_of is rejected
	rec = ts.do(http.MethodGet, "/api/circles/"+c.ID+"/members/ama/statement?as_of=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettle_Endpoint(t *testing.T) {
	ts := newTestServer(t)
	c := ts.openCircle()

	// GIVEN: A waitlisted loan and a later manual deposit
	rec := ts.do(http.MethodPost, "/api/circles/"+c.ID+"/loans",
		`{"borrower_id":"yaw","principal":"800"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "WAITLISTED", decodeBody[LoanDTO](t, rec).Status)
	ts.deposit(c.ID, "1000", "float-1")

	// WHEN: Settling
	rec = ts.do(http.MethodPost, "/api/circles/"+c.ID+"/settle", "")

	// THEN: The loan is funded
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decodeBody[SettlementDTO](t, rec)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "FUNDED", result.Items[0].Outcome)
	assert.Equal(t, "1000.00", result.SpendableBefore.String())
	assert.Equal(t, "200.00", result.SpendableAfter.String())
	assert.Empty(t, result.Errors)

	// AND: Settling again is a no-op
	rec = ts.do(http.MethodPost, "/api/circles/"+c.ID+"/settle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[SettlementDTO](t, rec).Items)

	rec = ts.do(http.MethodGet, "/api/circles/"+c.ID+"/loans?status=ACTIVE", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]LoanDTO](t, rec), 1)
}

// =============================================================================
// LOAN TESTS
// =============================================================================

func TestLoanDueAndRepayment(t *testing.T) {
	ts := newTestServer(t)
	c := ts.openCircle()
	ts.deposit(c.ID, "5000", "float-1")

	// GIVEN: A loan approved and disbursed on Jan 10
	rec := ts.do(http.MethodPost, "/api/circles/"+c.ID+"/loans",
		`{"borrower_id":"yaw","principal":"1000","actor":"treasurer"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	loan := decodeBody[LoanDTO](t, rec)
	assert.Equal(t, "ACTIVE", loan.Status)
	assert.Equal(t, 5, loan.GracePeriodDays)

	// WHEN: Asking for dues 41 days later
	rec = ts.do(http.MethodGet, "/api/loans/"+loan.ID+"/due?as_of=2025-02-20", "")

	// THEN: Two started periods of 5% interest
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	due := decodeBody[LoanDueDTO](t, rec)
	assert.False(t, due.InGrace)
	assert.Equal(t, int64(2), due.PeriodsElapsed)
	assert.Equal(t, "100.00", due.Interest.String())
	assert.Equal(t, "1100.00", due.GrossDue.String())

	// WHEN: Overpaying inside the grace window
	rec = ts.do(http.MethodPost, "/api/loans/"+loan.ID+"/payments",
		`{"amount":"1500","recorded_by":"treasurer"}`)

	// THEN: Rejected
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// WHEN: Paying the principal inside the grace window
	rec = ts.do(http.MethodPost, "/api/loans/"+loan.ID+"/payments",
		`{"amount":"1000","recorded_by":"treasurer"}`)

	// THEN: The loan closes
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	paid := decodeBody[LoanPaymentDTO](t, rec)
	assert.Equal(t, "CLOSED", paid.Loan.Status)
	assert.True(t, paid.Due.Outstanding.IsZero())
	assert.True(t, paid.Due.InGrace)

	// AND: Cash is whole again
	rec = ts.do(http.MethodGet, "/api/groups/grp-1/balance?circle_id="+c.ID, "")
	assert.Equal(t, "5000.00", decodeBody[BalanceDTO](t, rec).Available.String())
}

func TestRefreshOverdue_Endpoint(t *testing.T) {
	ts := newTestServer(t)
	c := ts.openCircle()
	ts.deposit(c.ID, "5000", "float-1")

	rec := ts.do(http.MethodPost, "/api/circles/"+c.ID+"/loans", `{"borrower_id":"yaw","principal":"1000"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	loan := decodeBody[LoanDTO](t, rec)

	// GIVEN: The clock moves past the loan's due date
	ts.handler.Now = func() time.Time { return testNow.AddDate(0, 3, 0) }

	// WHEN: Refreshing overdue loans
	rec = ts.do(http.MethodPost, "/api/circles/"+c.ID+"/overdue", "")

	// THEN: The loan is flagged
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{loan.ID}, decodeBody[map[string][]string](t, rec)["overdue"])
	rec = ts.do(http.MethodGet, "/api/loans/"+loan.ID, "")
	assert.Equal(t, "OVERDUE", decodeBody[LoanDTO](t, rec).Status)
}

// =============================================================================
// ERROR MAPPING TESTS
// =============================================================================

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)
	c := ts.openCircle()
	ts.deposit(c.ID, "100", "float-1")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed body", http.MethodPost, "/api/circles/" + c.ID + "/contributions", `{`, http.StatusBadRequest},
		{"missing member", http.MethodPost, "/api/circles/" + c.ID + "/contributions", `{"period_index":0,"amount":"10"}`, http.StatusBadRequest},
		{"missing period", http.MethodPost, "/api/circles/" + c.ID + "/contributions", `{"member_id":"ama","amount":"10"}`, http.StatusBadRequest},
		{"non-numeric amount", http.MethodPost, "/api/circles/" + c.ID + "/contributions", `{"member_id":"ama","period_index":0,"amount":"ten"}`, http.StatusBadRequest},
		{"period past schedule", http.MethodPost, "/api/circles/" + c.ID + "/contributions", `{"member_id":"ama","period_index":99,"amount":"10"}`, http.StatusBadRequest},
		{"unknown benefit type", http.MethodPost, "/api/circles/" + c.ID + "/benefits", `{"member_id":"ama","type":"WEDDING","amount":"10"}`, http.StatusBadRequest},
		{"bad adjustment direction", http.MethodPost, "/api/circles/" + c.ID + "/adjustments", `{"direction":"UP","amount":"1","reason":"x","created_by":"t"}`, http.StatusBadRequest},
		{"duplicate adjustment key", http.MethodPost, "/api/circles/" + c.ID + "/adjustments", `{"direction":"IN","amount":"1","reason":"x","created_by":"t","idempotency_key":"float-1"}`, http.StatusConflict},
		{"unknown circle", http.MethodGet, "/api/circles/nope", "", http.StatusNotFound},
		{"unknown group", http.MethodGet, "/api/groups/nope", "", http.StatusNotFound},
		{"unknown loan", http.MethodGet, "/api/loans/nope/due", "", http.StatusNotFound},
		{"unknown contribution", http.MethodPost, "/api/contributions/nope/confirm", `{"actor":"t"}`, http.StatusNotFound},
		{"confirm without actor", http.MethodPost, "/api/contributions/nope/confirm", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Error)
		})
	}
}

// =============================================================================
// OPERATIONAL ENDPOINTS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.openCircle()

	rec := ts.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "circle_")
}
