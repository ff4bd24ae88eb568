package engine

import "github.com/prometheus/client_golang/prometheus"

// Metric names.
const (
	MetricSubmissionsTotal = "question_submissions_total"
	MetricVotesTotal       = "votes_total"
)

// Outcome label values.
const (
	outcomeNew       = "new"
	outcomeDuplicate = "duplicate"
	outcomeCreated   = "created"
	outcomeUpdated   = "updated"
	outcomeRejected  = "rejected"
)

// Metrics counts engine requests. A nil *Metrics is a no-op.
type Metrics struct {
	submissions *prometheus.CounterVec
	votes       *prometheus.CounterVec
}

// NewMetrics creates unregistered engine metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSubmissionsTotal,
			Help: "Total number of question submissions by dedup outcome",
		}, []string{"outcome"}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricVotesTotal,
			Help: "Total number of votes by outcome",
		}, []string{"outcome"}),
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

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.submissions, m.votes}
}

func (m *Metrics) incSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incVote(outcome string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(outcome).Inc()
}
