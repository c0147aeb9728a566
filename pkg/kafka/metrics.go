package kafka

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type readerMetrics struct {
	receiveDelay    prometheus.Histogram
	recordsPerFetch prometheus.Histogram
	fetchesErrors   prometheus.Counter
	fetchesTotal    prometheus.Counter
	readersActive   prometheus.Gauge
}

func newReaderMetrics(r prometheus.Registerer) *readerMetrics {
	return &readerMetrics{
		receiveDelay: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Name:                            "reader_receive_delay_seconds",
			Help:                            "Delay between producing a record and receiving it in the consumer.",
			NativeHistogramZeroThreshold:    math.Pow(2, -10), // Values below this will be considered to be 0. Equals to 0.0009765625, or about 1ms.
			NativeHistogramBucketFactor:     1.2,              // We use higher factor (scheme=2) to have wider spread of buckets.
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 1 * time.Hour,
			Buckets:                         prometheus.ExponentialBuckets(0.125, 2, 18), // Buckets between 125ms and 9h.
		}),
		recordsPerFetch: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Name:    "reader_records_per_fetch",
			Help:    "The number of records received by the consumer in a single fetch operation.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15),
		}),
		fetchesErrors: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "reader_fetch_errors_total",
			Help: "The number of fetch errors encountered by the consumer.",
		}),
		fetchesTotal: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Name: "reader_fetches_total",
			Help: "Total number of Kafka fetches received by the consumer.",
		}),
		readersActive: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Name: "readers_active",
			Help: "The number of open partition readers.",
		}),
	}
}
