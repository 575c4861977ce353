package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// SCENARIO LOADING TESTS
// =============================================================================

func (ts *testServer) loadScenario(id string) map[string]string {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id":"`+id+`"}`)
	require.Equal(ts.t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[map[string]string](ts.t, rec)
}

func TestListScenarios(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/scenarios", "")

	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]ScenarioDTO](t, rec)
	require.Len(t, list, 3)
	for _, s := range list {
		assert.NotEmpty(t, s.Preset, s.ID)
	}
}

func TestScenario_MonthlyCircle(t *testing.T) {
	ts := newTestServer(t)

	// GIVEN: The monthly scenario is loaded
	out := ts.loadScenario("monthly-circle")
	assert.Equal(t, "monthly-circle", out["group_id"])

	// THEN: Eight contributions in, one funeral benefit out
	rec := ts.do(http.MethodGet, "/api/groups/monthly-circle/balance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	bal := decodeBody[BalanceDTO](t, rec)
	assert.Equal(t, "8000.00", bal.TotalIn.String())
	assert.Equal(t, "1500.00", bal.TotalOut.String())
	assert.Equal(t, "6500.00", bal.Available.String())
	assert.Equal(t, "500.00", bal.Reserve.String())

	rec = ts.do(http.MethodGet, "/api/circles/"+out["circle_id"]+"/benefits?status=PAID", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]BenefitDTO](t, rec), 1)
}

func TestScenario_WaitlistBacklog(t *testing.T) {
	ts := newTestServer(t)

	// GIVEN: A benefits-first circle where a loan was requested first
	out := ts.loadScenario("waitlist-backlog")
	circleID := out["circle_id"]

	// THEN: The later benefit was funded, the loan still waits
	rec := ts.do(http.MethodGet, "/api/circles/"+circleID+"/benefits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	benefits := decodeBody[[]BenefitDTO](t, rec)
	require.Len(t, benefits, 1)
	assert.Equal(t, "APPROVED", benefits[0].Status)

	rec = ts.do(http.MethodGet, "/api/circles/"+circleID+"/loans", "")
	require.Equal(t, http.StatusOK, rec.Code)
	loans := decodeBody[[]LoanDTO](t, rec)
	require.Len(t, loans, 1)
	assert.Equal(t, "WAITLISTED", loans[0].Status)

	rec = ts.do(http.MethodGet, "/api/groups/waitlist-backlog/balance", "")
	assert.Equal(t, "1200.00", decodeBody[BalanceDTO](t, rec).Available.String())
}

func TestScenario_LoanBook(t *testing.T) {
	ts := newTestServer(t)

	out := ts.loadScenario("loan-book")

	rec := ts.do(http.MethodGet, "/api/circles/"+out["circle_id"]+"/loans?status=CLOSED", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]LoanDTO](t, rec), 1)

	rec = ts.do(http.MethodGet, "/api/circles/"+out["circle_id"]+"/loans?status=ACTIVE", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]LoanDTO](t, rec), 1)

	// 10000 float - 2000 - 3000 disbursed + 2000 repaid
	rec = ts.do(http.MethodGet, "/api/groups/loan-book/balance", "")
	assert.Equal(t, "7000.00", decodeBody[BalanceDTO](t, rec).Available.String())
}

func TestLoadScenario_Errors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.loadScenario("loan-book")
	rec = ts.do(http.MethodPost, "/api/scenarios/load", `{"scenario_id":"loan-book"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
