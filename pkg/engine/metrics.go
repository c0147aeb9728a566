package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	queryRunning = "running"
	queryFailed  = "failed"
)

type metrics struct {
	queries    *prometheus.GaugeVec
	statements *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		queries: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamql_queries",
			Help: "Number of queries known to the engine by state.",
		}, []string{"state"}),
		statements: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "streamql_statements_total",
			Help: "Total number of executed statements by kind and status.",
		}, []string{"kind", "status"}),
	}
}

func (m *metrics) observeStatement(kind string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.statements.WithLabelValues(kind, status).Inc()
}
