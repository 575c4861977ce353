/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the treasurer UI

ROUTE GROUPS:
  /api/groups/*         Groups, policy, balance, ledger, circle opening
  /api/circles/*        Circle lifecycle, contributions, benefits, loans
  /api/contributions/*  Confirmation and rejection
  /api/benefits/*       Benefit lifecycle
  /api/loans/*          Loan dues and repayments
  /api/scenarios/*      Demo data
  /healthz              Liveness
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. Deploy behind an authenticating proxy.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures the outer HTTP surface.
type RouterOptions struct {
	// CORSAllowOrigins defaults to the local dev origins when empty.
	CORSAllowOrigins []string
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.CORSAllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/groups", func(r chi.Router) {
			r.Get("/", h.ListGroups)
			r.Post("/", h.CreateGroup)
			r.Get("/{groupID}", h.GetGroup)
			r.Put("/{groupID}/policy", h.UpdatePolicy)
			r.Get("/{groupID}/balance", h.GetBalance)
			r.Get("/{groupID}/ledger", h.GetLedger)
			r.Post("/{groupID}/circles", h.OpenCircle)
		})

		r.Route("/circles/{circleID}", func(r chi.Router) {
			r.Get("/", h.GetCircle)
			r.Post("/close", h.CloseCircle)
			r.Get("/schedule", h.GetSchedule)
			r.Post("/settle", h.Settle)
			r.Post("/overdue", h.RefreshOverdue)
			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/contributions", h.SubmitContribution)
			r.Get("/members/{memberID}/statement", h.GetStatement)
			r.Get("/benefits", h.ListBenefits)
			r.Post("/benefits", h.RequestBenefit)
			r.Get("/loans", h.ListLoans)
			r.Post("/loans", h.RequestLoan)
		})

		r.Route("/contributions", func(r chi.Router) {
			r.Post("/{id}/confirm", h.ConfirmContribution)
			r.Post("/{id}/reject", h.RejectContribution)
		})

		r.Route("/benefits", func(r chi.Router) {
			r.Get("/{id}", h.GetBenefit)
			r.Post("/{id}/reject", h.RejectBenefit)
			r.Post("/{id}/paid", h.MarkBenefitPaid)
		})

		r.Route("/loans", func(r chi.Router) {
			r.Get("/{id}", h.GetLoan)
			r.Get("/{id}/due", h.GetLoanDue)
			r.Post("/{id}/payments", h.RecordLoanPayment)
			r.Post("/{id}/reject", h.RejectLoan)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
