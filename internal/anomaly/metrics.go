package anomaly

import "github.com/prometheus/client_golang/prometheus"

// Metrics names as constants for consistency.
const (
	MetricVotesScoredTotal    = "anomaly_votes_scored_total"
	MetricVoteRiskScore       = "anomaly_vote_risk_score"
	MetricLockstepGroupsTotal = "anomaly_lockstep_groups_total"
	MetricVotesRescoredTotal  = "anomaly_votes_rescored_total"
)

// Metrics contains Prometheus metrics for vote anomaly scoring.
// A nil *Metrics is a no-op.
type Metrics struct {
	votesScored    prometheus.Counter
	riskScore      prometheus.Histogram
	lockstepGroups prometheus.Counter
	votesRescored  prometheus.Counter
}

// NewMetrics creates unregistered anomaly metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		votesScored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricVotesScoredTotal,
			Help: "Total number of votes scored inline",
		}),
		riskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricVoteRiskScore,
			Help:    "Distribution of inline vote risk scores",
			Buckets: []float64{0, 0.05, 0.1, 0.2, 0.3, 0.5, 0.7, 0.9, 1},
		}),
		lockstepGroups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricLockstepGroupsTotal,
			Help: "Total number of lockstep voter groups detected by batch scans",
		}),
		votesRescored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricVotesRescoredTotal,
			Help: "Total number of votes whose weight changed in batch rescoring",
		}),
	}
}

// Register registers all metrics with the given registry.
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
	return []prometheus.Collector{m.votesScored, m.riskScore, m.lockstepGroups, m.votesRescored}
}

func (m *Metrics) observeVote(risk float64) {
	if m == nil {
		return
	}
	m.votesScored.Inc()
	m.riskScore.Observe(risk)
}

func (m *Metrics) addLockstepGroups(n int) {
	if m != nil && n > 0 {
		m.lockstepGroups.Add(float64(n))
	}
}

func (m *Metrics) addRescored(n int) {
	if m != nil && n > 0 {
		m.votesRescored.Add(float64(n))
	}
}
