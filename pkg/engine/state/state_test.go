package state

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/streamql/pkg/types"
)

func TestTumblingWindow(t *testing.T) {
	for _, tc := range []struct {
		t, size int64
		want    types.TimeWindow
	}{
		{t: 0, size: 10, want: types.TimeWindow{Start: 0, End: 10}},
		{t: 9, size: 10, want: types.TimeWindow{Start: 0, End: 10}},
		{t: 10, size: 10, want: types.TimeWindow{Start: 10, End: 20}},
		{t: -1, size: 10, want: types.TimeWindow{Start: -10, End: 0}},
	} {
		require.Equal(t, tc.want, TumblingWindow(tc.t, tc.size), "t=%d", tc.t)
	}
}

func TestHoppingWindows(t *testing.T) {
	require.Equal(t, []types.TimeWindow{{Start: 0, End: 10}, {Start: 5, End: 15}}, HoppingWindows(7, 10, 5))
	require.Equal(t, []types.TimeWindow{{Start: 5, End: 15}, {Start: 10, End: 20}}, HoppingWindows(10, 10, 5))
	// Advance equal to size degenerates to tumbling windows.
	require.Equal(t, []types.TimeWindow{TumblingWindow(42, 10)}, HoppingWindows(42, 10, 10))

	// Every assigned window is aligned and contains t.
	for ts := int64(-25); ts < 25; ts++ {
		windows := HoppingWindows(ts, 12, 4)
		require.Len(t, windows, 3)
		for _, w := range windows {
			require.Zero(t, w.Start%4)
			require.LessOrEqual(t, w.Start, ts)
			require.Less(t, ts, w.End)
		}
	}
}

func TestWindowStore(t *testing.T) {
	s := NewWindowStore[int]("agg")
	a, b := types.StringValue("a"), types.StringValue("b")

	s.Upsert(a, types.TimeWindow{Start: 0, End: 10}, 1)
	s.Upsert(b, types.TimeWindow{Start: 0, End: 10}, 2)
	s.Upsert(a, types.TimeWindow{Start: 10, End: 20}, 3)
	s.Upsert(a, types.TimeWindow{Start: 0, End: 10}, 4)
	require.Equal(t, 3, s.Len())

	v, ok := s.Get(a, types.TimeWindow{Start: 0, End: 10})
	require.True(t, ok)
	require.Equal(t, 4, v)

	t.Run("expire respects grace", func(t *testing.T) {
		require.Empty(t, s.Expire(14, 5))
		// watermark - end equals grace: still open.
		require.Empty(t, s.Expire(15, 5))

		expired := s.Expire(16, 5)
		require.Len(t, expired, 2)
		require.Equal(t, "a", expired[0].Key.Str())
		require.Equal(t, "b", expired[1].Key.Str())
		require.Equal(t, 1, s.Len())

		_, ok := s.Get(a, types.TimeWindow{Start: 0, End: 10})
		require.False(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		s.Delete(a, types.TimeWindow{Start: 10, End: 20})
		require.Zero(t, s.Len())
	})
}

func TestSessionStore_Merge(t *testing.T) {
	s := NewSessionStore[int]("sessions")
	key := types.StringValue("u1")
	const gap = 10

	sum := func(_ types.TimeWindow, replaced []*Session[int]) int {
		n := 1
		for _, r := range replaced {
			n += r.Value
		}
		return n
	}

	first, replaced := s.Merge(key, 0, gap, sum)
	require.Empty(t, replaced)
	require.Equal(t, types.TimeWindow{Start: 0, End: 0}, first.Window)

	second, replaced := s.Merge(key, 30, gap, sum)
	require.Empty(t, replaced)
	require.Equal(t, 2, s.Len())

	// 15 is within the gap of neither session.
	bounds, overlapping := s.Probe(key, 15, gap)
	require.Empty(t, overlapping)
	require.Equal(t, types.TimeWindow{Start: 15, End: 15}, bounds)

	// With a wider gap, 20 bridges both sessions.
	merged, replaced := s.Merge(key, 20, 2*gap, sum)
	require.ElementsMatch(t, []*Session[int]{first, second}, replaced)
	require.Equal(t, types.TimeWindow{Start: 0, End: 30}, merged.Window)
	require.Equal(t, 3, merged.Value)
	require.Equal(t, 1, s.Len())

	t.Run("expire", func(t *testing.T) {
		require.Empty(t, s.Expire(40, gap, 0))
		expired := s.Expire(41, gap, 0)
		require.Equal(t, []*Session[int]{merged}, expired)
		require.Zero(t, s.Len())
	})
}

func TestTableStore_GetAsOf(t *testing.T) {
	s := NewTableStore("users")
	key := types.StringValue("u1")

	s.Put(key, 100, types.Row{types.StringValue("r1")})
	s.Put(key, 300, types.Row{types.StringValue("r3")})
	s.Put(key, 200, types.Row{types.StringValue("r2")})

	for _, tc := range []struct {
		t    int64
		want string
	}{
		{t: 100, want: "r1"},
		{t: 199, want: "r1"},
		{t: 200, want: "r2"},
		{t: 1000, want: "r3"},
	} {
		row, ok := s.GetAsOf(key, tc.t)
		require.True(t, ok, "t=%d", tc.t)
		require.Equal(t, tc.want, row[0].Str(), "t=%d", tc.t)
	}

	t.Run("no look-ahead", func(t *testing.T) {
		_, ok := s.GetAsOf(key, 99)
		require.False(t, ok)
	})

	t.Run("tombstone", func(t *testing.T) {
		s.Delete(key, 400)
		_, ok := s.GetAsOf(key, 400)
		require.False(t, ok)
		_, ok = s.Get(key)
		require.False(t, ok)
		row, ok := s.GetAsOf(key, 399)
		require.True(t, ok)
		require.Equal(t, "r3", row[0].Str())
	})

	t.Run("prune keeps the version effective at the cutoff", func(t *testing.T) {
		s.Prune(250)
		require.Equal(t, 3, s.Len())
		row, ok := s.GetAsOf(key, 250)
		require.True(t, ok)
		require.Equal(t, "r2", row[0].Str())
		_, ok = s.GetAsOf(key, 150)
		require.False(t, ok)

		s.Prune(500)
		require.Zero(t, s.Len())
	})
}

func TestJoinBuffer(t *testing.T) {
	b := NewJoinBuffer("left")
	k1, k2 := types.StringValue("k1"), types.StringValue("k2")

	b.Add(&BufferedRecord{Key: k1, Timestamp: 20, Partition: 0, Offset: 2})
	b.Add(&BufferedRecord{Key: k1, Timestamp: 10, Partition: 1, Offset: 0})
	b.Add(&BufferedRecord{Key: k1, Timestamp: 10, Partition: 0, Offset: 7})
	b.Add(&BufferedRecord{Key: k2, Timestamp: 15, Partition: 0, Offset: 3})
	require.Equal(t, 4, b.Len())

	var got []int64
	b.Range(k1, 10, 20, func(r *BufferedRecord) bool {
		got = append(got, r.Offset)
		return true
	})
	// Ties on timestamp are broken by partition, then offset.
	require.Equal(t, []int64{7, 0, 2}, got)

	got = got[:0]
	b.Range(k1, 11, 19, func(r *BufferedRecord) bool {
		got = append(got, r.Offset)
		return true
	})
	require.Empty(t, got)

	expired := b.Expire(16)
	require.Len(t, expired, 3)
	require.Equal(t, []int64{7, 0, 3}, []int64{expired[0].Offset, expired[1].Offset, expired[2].Offset})
	require.Equal(t, 1, b.Len())
}
