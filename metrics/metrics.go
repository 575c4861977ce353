/*
Package metrics exposes Prometheus instruments for the circle engine.

Every instrument is registered on the Registerer passed to New, so tests
and multiple engines in one process never collide on the default registry.
*/
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "circle"

type Metrics struct {
	// kind=BENEFIT|LOAN, outcome=APPROVED|WAITLISTED|REJECTED
	Admissions *prometheus.CounterVec

	SettlementRuns *prometheus.CounterVec
	// kind, outcome=FUNDED|SKIPPED|FAILED|ALREADY_SETTLED
	SettlementItems    *prometheus.CounterVec
	SettlementDuration prometheus.Histogram

	LedgerEntries *prometheus.CounterVec
	Spendable     *prometheus.GaugeVec

	LockWait prometheus.Histogram
}

// New registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Benefit and loan requests by admission outcome.",
		}, []string{"kind", "outcome"}),
		SettlementRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_runs_total",
			Help:      "Waitlist settlement runs by result.",
		}, []string{"result"}),
		SettlementItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_items_total",
			Help:      "Waitlist candidates evaluated by settlement, by outcome.",
		}, []string{"kind", "outcome"}),
		SettlementDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Wall time of a settlement run.",
			Buckets:   prometheus.DefBuckets,
		}),
		LedgerEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "Ledger entries appended, by entry type.",
		}, []string{"type"}),
		Spendable: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "spendable_balance",
			Help:      "Last computed spendable balance per group.",
		}, []string{"group_id"}),
		LockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "group_lock_wait_seconds",
			Help:      "Time spent waiting for the per-group write lock.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}
}

// NewNop returns instruments bound to a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
