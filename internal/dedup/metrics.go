package dedup

import "github.com/prometheus/client_golang/prometheus"

// MetricDecisionsTotal counts duplicate checks by outcome.
const MetricDecisionsTotal = "dedup_decisions_total"

// Decision outcomes.
const (
	OutcomeDuplicate = "duplicate"
	OutcomeNew       = "new"
	OutcomeDegraded  = "degraded"
)

// Metrics holds dedup counters. A nil *Metrics is a no-op.
type Metrics struct {
	decisions *prometheus.CounterVec
}

// NewMetrics creates unregistered dedup metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDecisionsTotal,
				Help: "Total number of duplicate checks by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return reg.Register(m.decisions)
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.decisions}
}

func (m *Metrics) incDecision(outcome string) {
	if m != nil {
		m.decisions.WithLabelValues(outcome).Inc()
	}
}
