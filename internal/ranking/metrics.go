package ranking

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricRankingRecomputeTotal     = "ranking_recompute_total"
	MetricRankingRecomputeErrors    = "ranking_recompute_errors_total"
	MetricRankingRecomputeDuration  = "ranking_recompute_duration_seconds"
	MetricRankingLastRecompute      = "ranking_last_recompute_timestamp"
	MetricRankingCoalescedTriggers  = "ranking_coalesced_triggers_total"
	MetricRankingClusterMergesTotal = "ranking_cluster_merges_total"
)

// Metrics contains Prometheus metrics for ranking recomputation.
// A nil *Metrics is a no-op.
type Metrics struct {
	recomputeTotal    prometheus.Counter
	recomputeErrors   *prometheus.CounterVec
	recomputeDuration prometheus.Histogram
	lastRecompute     prometheus.Gauge
	coalesced         prometheus.Counter
	clusterMerges     prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		recomputeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRankingRecomputeTotal,
			Help: "Total number of successful ranking recomputations",
		}),
		recomputeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRankingRecomputeErrors,
			Help: "Total number of failed ranking recomputations by stage",
		}, []string{"stage"}),
		recomputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricRankingRecomputeDuration,
			Help:    "Histogram of ranking recomputation duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		}),
		lastRecompute: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricRankingLastRecompute,
			Help: "Unix timestamp of the last successful ranking recomputation",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRankingCoalescedTriggers,
			Help: "Total number of recompute triggers folded into an in-flight run",
		}),
		clusterMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRankingClusterMergesTotal,
			Help: "Total number of questions merged by recompute reclustering",
		}),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.recomputeTotal,
		m.recomputeErrors,
		m.recomputeDuration,
		m.lastRecompute,
		m.coalesced,
		m.clusterMerges,
	}
}

func (m *Metrics) observeSuccess(seconds float64, unix float64) {
	if m == nil {
		return
	}
	m.recomputeTotal.Inc()
	m.recomputeDuration.Observe(seconds)
	m.lastRecompute.Set(unix)
}

func (m *Metrics) observeFailure(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.recomputeErrors.WithLabelValues(stage).Inc()
	m.recomputeDuration.Observe(seconds)
}

func (m *Metrics) incCoalesced() {
	if m != nil {
		m.coalesced.Inc()
	}
}

func (m *Metrics) addMerges(n int) {
	if m != nil && n > 0 {
		m.clusterMerges.Add(float64(n))
	}
}
