// Package metrics exports plan and commit outcomes to Prometheus.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/wasteledger/ledger"
)

const namespace = "wasteledger"

// Commit outcomes.
const (
	OutcomeCommitted        = "committed"
	OutcomeAlreadyCommitted = "already_committed"
	OutcomeCancelled        = "cancelled"
	OutcomeNotFound         = "not_found"
	OutcomeFailed           = "failed"
)

// Recorder implements ledger.Metrics.
type Recorder struct {
	registry *prometheus.Registry

	plans          *prometheus.CounterVec
	commits        *prometheus.CounterVec
	deducted       *prometheus.CounterVec
	shortfall      *prometheus.CounterVec
	staleConflicts prometheus.Counter
}

// New registers the collectors on a fresh registry, together with the Go and
// process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Recorder{
		registry: reg,
		plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_total",
			Help:      "Allocation plans computed, by fulfillment (full or partial).",
		}, []string{"fulfillment"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Commit attempts by outcome.",
		}, []string{"outcome"}),
		deducted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deducted_kg_total",
			Help:      "Kilograms actually deducted from collection records at commit.",
		}, []string{"material"}),
		shortfall: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_shortfall_kg_total",
			Help:      "Kilograms requested but not covered by stock at planning time.",
		}, []string{"material"}),
		staleConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_conflicts_total",
			Help:      "Deductions that applied less than planned because stock was drained by another commit.",
		}),
	}
	reg.MustRegister(r.plans, r.commits, r.deducted, r.shortfall, r.staleConflicts)
	return r
}

func (r *Recorder) ObservePlan(f ledger.Fulfillment) {
	if f.IsComplete() {
		r.plans.WithLabelValues("full").Inc()
		return
	}
	r.plans.WithLabelValues("partial").Inc()
	for _, line := range f.Unsatisfied() {
		r.shortfall.WithLabelValues(string(line.MaterialID)).Add(line.Shortfall.InexactFloat64())
	}
}

func (r *Recorder) ObserveCommit(result *ledger.CommitResult, err error) {
	r.commits.WithLabelValues(outcome(err)).Inc()
	if err != nil || result == nil {
		return
	}
	for material, kg := range result.Delivered() {
		r.deducted.WithLabelValues(string(material)).Add(kg.InexactFloat64())
	}
	r.staleConflicts.Add(float64(len(result.Conflicts())))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeCommitted
	case errors.Is(err, ledger.ErrAlreadyCommitted):
		return OutcomeAlreadyCommitted
	case errors.Is(err, ledger.ErrWithdrawalCancelled):
		return OutcomeCancelled
	case errors.Is(err, ledger.ErrWithdrawalNotFound):
		return OutcomeNotFound
	}
	return OutcomeFailed
}

// Registry exposes the underlying registry, for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
