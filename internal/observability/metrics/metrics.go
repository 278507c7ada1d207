// Package metrics exposes prometheus counters for the entitlement core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	usageConsume    *prometheus.CounterVec
	creditsGranted  prometheus.Counter
	creditsConsumed prometheus.Counter
	creditsExpired  prometheus.Counter
	decisions       *prometheus.CounterVec
	jobRuns         *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		usageConsume: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotient",
			Name:      "usage_consume_total",
			Help:      "Usage consumption attempts by outcome.",
		}, []string{"result"}),
		creditsGranted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "quotient",
			Name:      "credits_granted_total",
			Help:      "Credit grant operations applied.",
		}),
		creditsConsumed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "quotient",
			Name:      "credits_consumed_total",
			Help:      "Credit consume operations applied.",
		}),
		creditsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "quotient",
			Name:      "credits_expired_total",
			Help:      "Balances zeroed by the expiry sweep.",
		}),
		decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotient",
			Name:      "access_decisions_total",
			Help:      "Access gate decisions by reason.",
		}, []string{"reason"}),
		jobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotient",
			Name:      "job_runs_total",
			Help:      "Background job executions by job and outcome.",
		}, []string{"job", "outcome"}),
	}
}

func (m *Metrics) IncUsageConsume(result string) {
	if m == nil {
		return
	}
	m.usageConsume.WithLabelValues(result).Inc()
}

func (m *Metrics) IncCreditsGranted() {
	if m == nil {
		return
	}
	m.creditsGranted.Inc()
}

func (m *Metrics) IncCreditsConsumed() {
	if m == nil {
		return
	}
	m.creditsConsumed.Inc()
}

func (m *Metrics) AddCreditsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.creditsExpired.Add(float64(n))
}

func (m *Metrics) IncDecision(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "allowed"
	}
	m.decisions.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncJobRun(job, outcome string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
}
