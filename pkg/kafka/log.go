package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/atomic"

	"github.com/grafana/streamql/pkg/transport"
)

// Log implements transport.Log on top of a Kafka cluster.
type Log struct {
	cfg    Config
	logger log.Logger

	producer      *Producer
	admin         *Admin
	reg           prometheus.Registerer
	readerMetrics *readerMetrics
	// readerSeq numbers reader clients so each has its own client id.
	readerSeq *atomic.Int64
}

var _ transport.Log = (*Log)(nil)

// NewLog connects to the cluster described by cfg. Metrics are registered
// with the streamql_kafka_ prefix.
func NewLog(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Log, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg = prometheus.WrapRegistererWithPrefix("streamql_kafka_", reg)

	client, err := NewWriterClient(cfg, logger, reg)
	if err != nil {
		return nil, fmt.Errorf("creating kafka writer client: %w", err)
	}
	return &Log{
		cfg:           cfg,
		logger:        log.With(logger, "component", "kafka_log"),
		producer:      NewProducer(client, cfg.ProducerMaxBufferedBytes, reg),
		admin:         NewAdmin(kadm.NewClient(client)),
		reg:           reg,
		readerMetrics: newReaderMetrics(reg),
		readerSeq:     atomic.NewInt64(0),
	}, nil
}

// Admin returns the topic administration client.
func (l *Log) Admin() *Admin { return l.admin }

func (l *Log) CreateTopic(ctx context.Context, name string, partitions int) error {
	level.Info(l.logger).Log("msg", "creating topic", "topic", name, "partitions", partitions)
	return l.admin.CreateTopic(ctx, name, int32(partitions), int16(max(1, l.cfg.ReplicationFactor)))
}

func (l *Log) Partitions(ctx context.Context, name string) (int, error) {
	return l.admin.Partitions(ctx, name)
}

func (l *Log) EndOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	return l.admin.EndOffset(ctx, topic, partition)
}

func (l *Log) Append(ctx context.Context, msgs []transport.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	records := make([]*kgo.Record, len(msgs))
	for i, m := range msgs {
		if len(m.Value) > l.cfg.ProducerMaxRecordSizeBytes && l.cfg.ProducerMaxRecordSizeBytes > 0 {
			return fmt.Errorf("record of %d bytes for topic %s exceeds the max record size of %d bytes", len(m.Value), m.Topic, l.cfg.ProducerMaxRecordSizeBytes)
		}
		r := &kgo.Record{
			Topic:     m.Topic,
			Partition: m.Partition,
			Key:       m.Key,
			Value:     m.Value,
			Timestamp: m.Timestamp,
		}
		for _, h := range m.Headers {
			r.Headers = append(r.Headers, kgo.RecordHeader{Key: h.Key, Value: h.Value})
		}
		records[i] = r
	}
	if err := l.producer.ProduceSync(ctx, records).FirstErr(); err != nil {
		if errors.Is(err, kerr.MessageTooLarge) || errors.Is(err, context.Canceled) {
			return err
		}
		return &transport.Error{Op: "append", Topic: msgs[0].Topic, Err: err}
	}
	return nil
}

func (l *Log) Read(ctx context.Context, topic string, partition int32, start transport.StartOffset) (transport.Reader, error) {
	var offset kgo.Offset
	switch start {
	case transport.StartEarliest:
		offset = kgo.NewOffset().AtStart()
	case transport.StartLatest:
		// Resolved now so that records appended after Read returns are never
		// skipped.
		end, err := l.admin.EndOffset(ctx, topic, partition)
		if err != nil {
			return nil, err
		}
		offset = kgo.NewOffset().At(end)
	default:
		offset = kgo.NewOffset().At(int64(start))
	}

	cfg := l.cfg
	cfg.ReaderConfig.ClientID = fmt.Sprintf("%s-reader-%d", l.cfg.readerConfig().ClientID, l.readerSeq.Inc())
	client, err := NewReaderClient(cfg, NewReaderClientMetrics(l.reg), l.logger, map[string]map[int32]kgo.Offset{
		topic: {partition: offset},
	})
	if err != nil {
		return nil, fmt.Errorf("creating kafka reader client: %w", err)
	}
	l.readerMetrics.readersActive.Inc()
	return &reader{client: client, topic: topic, partition: partition, metrics: l.readerMetrics}, nil
}

// Close releases the producer.
func (l *Log) Close() {
	l.producer.Close()
}

type reader struct {
	client    *kgo.Client
	topic     string
	partition int32
	metrics   *readerMetrics
	closeOnce sync.Once
}

func (r *reader) Next(ctx context.Context) ([]transport.Message, error) {
	for {
		fetches := r.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil, context.Canceled
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.metrics.fetchesTotal.Inc()

		var fetchErr error
		fetches.EachError(func(_ string, _ int32, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			fetchErr = err
		})
		if fetchErr != nil {
			r.metrics.fetchesErrors.Inc()
			return nil, &transport.Error{Op: "read", Topic: r.topic, Err: fetchErr}
		}

		now := time.Now()
		msgs := make([]transport.Message, 0, fetches.NumRecords())
		fetches.EachRecord(func(rec *kgo.Record) {
			m := transport.Message{
				Topic:     rec.Topic,
				Partition: rec.Partition,
				Offset:    rec.Offset,
				Key:       rec.Key,
				Value:     rec.Value,
				Timestamp: rec.Timestamp,
			}
			for _, h := range rec.Headers {
				m.Headers = append(m.Headers, transport.Header{Key: h.Key, Value: h.Value})
			}
			r.metrics.receiveDelay.Observe(now.Sub(rec.Timestamp).Seconds())
			msgs = append(msgs, m)
		})
		r.metrics.recordsPerFetch.Observe(float64(len(msgs)))
		if len(msgs) > 0 {
			return msgs, nil
		}
	}
}

func (r *reader) Close() error {
	r.closeOnce.Do(func() {
		r.metrics.readersActive.Dec()
		r.client.Close()
	})
	return nil
}
