package simindex

import "github.com/prometheus/client_golang/prometheus"

// Metric names.
const (
	MetricIndexInsertsTotal  = "simindex_inserts_total"
	MetricIndexQueriesTotal  = "simindex_queries_total"
	MetricIndexRebuildsTotal = "simindex_rebuilds_total"
)

// Metrics holds similarity index counters. A nil *Metrics is a no-op.
type Metrics struct {
	inserts  prometheus.Counter
	queries  prometheus.Counter
	rebuilds prometheus.Counter
}

// NewMetrics creates unregistered index metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricIndexInsertsTotal,
			Help: "Total number of vectors inserted into contest indexes",
		}),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricIndexQueriesTotal,
			Help: "Total number of top-k similarity queries",
		}),
		rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricIndexRebuildsTotal,
			Help: "Total number of contest index rebuilds",
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
	return []prometheus.Collector{m.inserts, m.queries, m.rebuilds}
}

func (m *Metrics) incInserts() {
	if m != nil {
		m.inserts.Inc()
	}
}

func (m *Metrics) incQueries() {
	if m != nil {
		m.queries.Inc()
	}
}

func (m *Metrics) incRebuilds() {
	if m != nil {
		m.rebuilds.Inc()
	}
}
