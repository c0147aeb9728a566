package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are shared by every query of an engine.
type Metrics struct {
	recordsProcessed *prometheus.CounterVec
	lateDropped      *prometheus.CounterVec
	decodeErrors     *prometheus.CounterVec
	storeEntries     *prometheus.GaugeVec
}

// NewMetrics registers the executor metrics with reg. A nil reg keeps them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		recordsProcessed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "streamql_records_processed_total",
			Help: "Total number of records processed by query operators.",
		}, []string{"query", "operator"}),
		lateDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "streamql_late_records_dropped_total",
			Help: "Total number of records dropped because their window had closed.",
		}, []string{"query"}),
		decodeErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "streamql_decode_errors_total",
			Help: "Total number of source records skipped because they could not be decoded.",
		}, []string{"query", "topic"}),
		storeEntries: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamql_state_store_entries",
			Help: "Number of entries held by query state stores.",
		}, []string{"query", "store"}),
	}
}
