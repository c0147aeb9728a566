package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"

	"github.com/grafana/streamql/pkg/transport"
)

func createTestLog(t *testing.T) *Log {
	t.Helper()
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	var cfg Config
	flagext.DefaultValues(&cfg)
	cfg.Address = cluster.ListenAddrs()[0]
	cfg.AutoCreateTopicEnabled = false
	cfg.FetchMaxWait = 100 * time.Millisecond

	l, err := NewLog(cfg, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

func readN(ctx context.Context, t *testing.T, r transport.Reader, n int) []transport.Message {
	t.Helper()
	var out []transport.Message
	for len(out) < n {
		msgs, err := r.Next(ctx)
		require.NoError(t, err)
		out = append(out, msgs...)
	}
	return out
}

func TestLog_Topics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	l := createTestLog(t)

	require.NoError(t, l.CreateTopic(ctx, "pageviews", 3))
	require.ErrorIs(t, l.CreateTopic(ctx, "pageviews", 3), transport.ErrTopicExists)

	n, err := l.Partitions(ctx, "pageviews")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	_, err = l.Partitions(ctx, "missing")
	require.ErrorIs(t, err, transport.ErrTopicNotFound)

	require.NoError(t, l.Admin().Provision(ctx, []TopicEntry{
		{Name: "pageviews", Partitions: 3, ReplicationFactor: 1},
		{Name: "users", Partitions: 1, ReplicationFactor: 1},
	}))
	n, err = l.Partitions(ctx, "users")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLog_AppendAndRead(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	l := createTestLog(t)
	require.NoError(t, l.CreateTopic(ctx, "events", 2))

	ts := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, l.Append(ctx, []transport.Message{
		{Topic: "events", Partition: 1, Key: []byte("k1"), Value: []byte("a"), Timestamp: ts},
		{Topic: "events", Partition: 1, Key: []byte("k2"), Value: []byte("b"), Timestamp: ts.Add(time.Second),
			Headers: []transport.Header{{Key: "retract", Value: []byte{1}}}},
		{Topic: "events", Partition: 0, Value: []byte("c"), Timestamp: ts},
	}))

	r, err := l.Read(ctx, "events", 1, transport.StartEarliest)
	require.NoError(t, err)
	defer r.Close()

	msgs := readN(ctx, t, r, 2)
	require.Len(t, msgs, 2)
	require.Equal(t, "a", string(msgs[0].Value))
	require.Equal(t, int64(0), msgs[0].Offset)
	require.Equal(t, ts.UnixMilli(), msgs[0].Timestamp.UnixMilli())
	require.Equal(t, "k2", string(msgs[1].Key))
	h, ok := msgs[1].Header("retract")
	require.True(t, ok)
	require.Equal(t, []byte{1}, h)

	t.Run("latest skips existing records", func(t *testing.T) {
		r, err := l.Read(ctx, "events", 0, transport.StartLatest)
		require.NoError(t, err)
		defer r.Close()

		require.NoError(t, l.Append(ctx, []transport.Message{{Topic: "events", Partition: 0, Value: []byte("d")}}))
		msgs := readN(ctx, t, r, 1)
		require.Len(t, msgs, 1)
		require.Equal(t, "d", string(msgs[0].Value))
		require.Equal(t, int64(1), msgs[0].Offset)
	})

	t.Run("exact offset", func(t *testing.T) {
		r, err := l.Read(ctx, "events", 1, transport.StartOffset(1))
		require.NoError(t, err)
		defer r.Close()
		msgs := readN(ctx, t, r, 1)
		require.Equal(t, "b", string(msgs[0].Value))
	})
}

func TestProducer_ProduceSyncEmpty(t *testing.T) {
	l := createTestLog(t)
	require.Empty(t, l.producer.ProduceSync(context.Background(), nil))
	require.NoError(t, l.Append(context.Background(), nil))
}

func TestNewLog_Metrics(t *testing.T) {
	var cfg Config
	flagext.DefaultValues(&cfg)
	cfg.Address = "localhost:1"

	reg := prometheus.NewRegistry()
	var l *Log
	require.NotPanics(t, func() {
		var err error
		l, err = NewLog(cfg, log.NewNopLogger(), reg)
		require.NoError(t, err)
	})
	t.Cleanup(l.Close)

	// Two readers are open at the same time, each with its own client metrics.
	ctx := context.Background()
	r1, err := l.Read(ctx, "pageviews", 0, transport.StartEarliest)
	require.NoError(t, err)
	r2, err := l.Read(ctx, "pageviews", 1, transport.StartEarliest)
	require.NoError(t, err)
	require.NoError(t, r1.Close())
	require.NoError(t, r2.Close())

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	require.True(t, names["streamql_kafka_buffered_produce_bytes"])
	require.True(t, names["streamql_kafka_buffered_produce_bytes_limit"])
	require.True(t, names["streamql_kafka_readers_active"])
}
