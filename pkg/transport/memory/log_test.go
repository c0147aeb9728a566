package memory

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/grafana/streamql/pkg/transport"
)

func TestLog_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	clock := quartz.NewMock(t)
	clock.Set(time.UnixMilli(1000))
	l := NewLog(clock)

	require.NoError(t, l.CreateTopic(ctx, "events", 2))
	require.ErrorIs(t, l.CreateTopic(ctx, "events", 2), transport.ErrTopicExists)

	n, err := l.Partitions(ctx, "events")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = l.Partitions(ctx, "missing")
	require.ErrorIs(t, err, transport.ErrTopicNotFound)

	require.NoError(t, l.Append(ctx, []transport.Message{
		{Topic: "events", Partition: 0, Value: []byte("a")},
		{Topic: "events", Partition: 1, Value: []byte("b")},
		{Topic: "events", Partition: 0, Value: []byte("c"), Timestamp: time.UnixMilli(5)},
	}))

	r, err := l.Read(ctx, "events", 0, transport.StartEarliest)
	require.NoError(t, err)
	defer r.Close()

	msgs, err := r.Next(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, int64(0), msgs[0].Offset)
	require.Equal(t, int64(1000), msgs[0].Timestamp.UnixMilli())
	require.Equal(t, int64(1), msgs[1].Offset)
	require.Equal(t, int64(5), msgs[1].Timestamp.UnixMilli())

	t.Run("exact offset", func(t *testing.T) {
		r, err := l.Read(ctx, "events", 0, transport.StartOffset(1))
		require.NoError(t, err)
		msgs, err := r.Next(ctx)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, "c", string(msgs[0].Value))
	})

	t.Run("unknown partition", func(t *testing.T) {
		_, err := l.Read(ctx, "events", 2, transport.StartEarliest)
		require.Error(t, err)
		require.Error(t, l.Append(ctx, []transport.Message{{Topic: "events", Partition: 5}}))
	})
}

func TestLog_LatestIsResolvedAtRead(t *testing.T) {
	ctx := context.Background()
	l := NewLog(nil)
	require.NoError(t, l.CreateTopic(ctx, "t", 1))
	require.NoError(t, l.Append(ctx, []transport.Message{{Topic: "t", Value: []byte("old")}}))

	r, err := l.Read(ctx, "t", 0, transport.StartLatest)
	require.NoError(t, err)

	got := make(chan []transport.Message)
	go func() {
		msgs, _ := r.Next(ctx)
		got <- msgs
	}()

	require.NoError(t, l.Append(ctx, []transport.Message{{Topic: "t", Value: []byte("new")}}))
	select {
	case msgs := <-got:
		require.Len(t, msgs, 1)
		require.Equal(t, "new", string(msgs[0].Value))
	case <-time.After(5 * time.Second):
		t.Fatal("reader was not woken by append")
	}
}

func TestReader_NextHonoursCancellation(t *testing.T) {
	l := NewLog(nil)
	require.NoError(t, l.CreateTopic(context.Background(), "t", 1))
	r, err := l.Read(context.Background(), "t", 0, transport.StartEarliest)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, r.Close())
	_, err = r.Next(context.Background())
	require.ErrorIs(t, err, context.Canceled)
}
