package kafka

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// NewReaderClientMetrics returns the kprom hooks of a single reader client.
// Series carry the client id and are unregistered when the client closes.
func NewReaderClientMetrics(reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics(
		"",
		kprom.Registerer(clientMetricsRegisterer("reader", reg)),
		kprom.WithClientLabel(),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes))
}

// NewReaderClient returns a kgo.Client consuming exactly the given
// partitions. It does not join a consumer group: each query task owns its
// partition and tracks offsets itself.
func NewReaderClient(kafkaCfg Config, metrics *kprom.Metrics, logger log.Logger, partitions map[string]map[int32]kgo.Offset) (*kgo.Client, error) {
	fetchMaxBytes := int32(100_000_000)
	opts := append(
		commonKafkaClientOptions(kafkaCfg.readerConfig(), kafkaCfg, metrics, logger),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(fetchMaxBytes),
		kgo.FetchMaxWait(kafkaCfg.FetchMaxWait),
		kgo.FetchMaxPartitionBytes(50_000_000),

		// BrokerMaxReadBytes sets the maximum response size that can be read from
		// Kafka. This is a safety measure to avoid OOMing on invalid responses.
		// franz-go recommendation is to set it 2x FetchMaxBytes.
		kgo.BrokerMaxReadBytes(2*fetchMaxBytes),
		kgo.ConsumePartitions(partitions),
	)
	return kgo.NewClient(opts...)
}
