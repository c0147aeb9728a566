package executor

import (
	"context"
	"math"

	"github.com/grafana/streamql/pkg/engine/planner/physical"
	"github.com/grafana/streamql/pkg/engine/state"
	"github.com/grafana/streamql/pkg/types"
)

func concatRows(left, right types.Row) types.Row {
	row := make(types.Row, 0, len(left)+len(right))
	row = append(row, left...)
	return append(row, right...)
}

// streamTableJoinOperator enriches stream records with the table row that
// was effective at the record's event time. The right input is the table
// changelog; it is materialized into a versioned store.
type streamTableJoinOperator struct {
	node      *physical.StreamTableJoin
	evaluator *expressionEvaluator
	table     *state.TableStore
	// retention is how far behind the watermark table versions are kept for
	// out of order stream records.
	retention int64
}

func newStreamTableJoinOperator(node *physical.StreamTableJoin, ev *expressionEvaluator, retention int64) *streamTableJoinOperator {
	return &streamTableJoinOperator{node: node, evaluator: ev, table: state.NewTableStore(node.Store), retention: retention}
}

func (o *streamTableJoinOperator) Process(ctx context.Context, rec Record, out Emitter) error {
	if rec.Tombstone {
		return nil
	}
	key, err := o.evaluator.eval(o.node.LeftKey, rec)
	if err != nil {
		return err
	}
	var right types.Row
	if !key.IsNull() {
		right, _ = o.table.GetAsOf(key, rec.Timestamp)
	}
	if right == nil {
		if !o.node.Left {
			return nil
		}
		right = types.NullRow(o.node.RightWidth)
	}
	return out.Emit(ctx, Record{
		Key:       key,
		Row:       concatRows(rec.Row, right),
		Timestamp: rec.Timestamp,
		Partition: rec.Partition,
		Offset:    rec.Offset,
	})
}

func (o *streamTableJoinOperator) ProcessRight(_ context.Context, rec Record, _ Emitter) error {
	if rec.Key.IsNull() {
		return nil
	}
	if rec.Tombstone {
		o.table.Delete(rec.Key, rec.Timestamp)
		return nil
	}
	o.table.Put(rec.Key, rec.Timestamp, rec.Row)
	return nil
}

func (o *streamTableJoinOperator) Punctuate(_ context.Context, watermark int64, _ Emitter) error {
	if watermark > math.MinInt64+o.retention {
		o.table.Prune(watermark - o.retention)
	}
	return nil
}

func (o *streamTableJoinOperator) Flush(context.Context, Emitter) error { return nil }

func (o *streamTableJoinOperator) stores() []sizedStore { return []sizedStore{o.table} }

// streamStreamJoinOperator matches records of two streams with equal keys
// whose event times are at most within apart. Both sides are buffered until
// the watermark passes their skew window. Matches are emitted in the order
// of the buffered side: by timestamp, then partition, then offset.
type streamStreamJoinOperator struct {
	node        *physical.StreamStreamJoin
	evaluator   *expressionEvaluator
	left, right *state.JoinBuffer
	within      int64
	grace       int64
	watermark   int64
}

func newStreamStreamJoinOperator(node *physical.StreamStreamJoin, ev *expressionEvaluator, grace int64) *streamStreamJoinOperator {
	return &streamStreamJoinOperator{
		node:      node,
		evaluator: ev,
		left:      state.NewJoinBuffer(node.LeftStore),
		right:     state.NewJoinBuffer(node.RightStore),
		within:    node.Within.Milliseconds(),
		grace:     grace,
		watermark: math.MinInt64,
	}
}

// expired reports whether records at t can no longer be matched.
func (o *streamStreamJoinOperator) expired(t int64) bool {
	return o.watermark != math.MinInt64 && t < o.watermark-o.within-o.grace
}

func (o *streamStreamJoinOperator) Process(ctx context.Context, rec Record, out Emitter) error {
	if rec.Tombstone {
		return nil
	}
	key, err := o.evaluator.eval(o.node.LeftKey, rec)
	if err != nil {
		return err
	}
	if key.IsNull() {
		if o.node.Left {
			return out.Emit(ctx, o.unmatched(key, rec.Row, rec.Timestamp, rec.Partition, rec.Offset))
		}
		return nil
	}
	if o.expired(rec.Timestamp) {
		return ErrLateRecord
	}

	l := &state.BufferedRecord{Key: key, Row: rec.Row, Timestamp: rec.Timestamp, Partition: rec.Partition, Offset: rec.Offset}
	var emitErr error
	o.right.Range(key, rec.Timestamp-o.within, rec.Timestamp+o.within, func(r *state.BufferedRecord) bool {
		l.Matched, r.Matched = true, true
		emitErr = out.Emit(ctx, o.joined(key, l, r))
		return emitErr == nil
	})
	if emitErr != nil {
		return emitErr
	}
	o.left.Add(l)
	return nil
}

func (o *streamStreamJoinOperator) ProcessRight(ctx context.Context, rec Record, out Emitter) error {
	if rec.Tombstone {
		return nil
	}
	key, err := o.evaluator.eval(o.node.RightKey, rec)
	if err != nil {
		return err
	}
	if key.IsNull() {
		return nil
	}
	if o.expired(rec.Timestamp) {
		return ErrLateRecord
	}

	r := &state.BufferedRecord{Key: key, Row: rec.Row, Timestamp: rec.Timestamp, Partition: rec.Partition, Offset: rec.Offset}
	var emitErr error
	o.left.Range(key, rec.Timestamp-o.within, rec.Timestamp+o.within, func(l *state.BufferedRecord) bool {
		l.Matched, r.Matched = true, true
		emitErr = out.Emit(ctx, o.joined(key, l, r))
		return emitErr == nil
	})
	if emitErr != nil {
		return emitErr
	}
	o.right.Add(r)
	return nil
}

func (o *streamStreamJoinOperator) joined(key types.Value, l, r *state.BufferedRecord) Record {
	return Record{
		Key:       key,
		Row:       concatRows(l.Row, r.Row),
		Timestamp: max(l.Timestamp, r.Timestamp),
		Partition: l.Partition,
		Offset:    l.Offset,
	}
}

func (o *streamStreamJoinOperator) unmatched(key types.Value, row types.Row, ts int64, partition int32, offset int64) Record {
	return Record{
		Key:       key,
		Row:       concatRows(row, types.NullRow(o.node.RightWidth)),
		Timestamp: ts,
		Partition: partition,
		Offset:    offset,
	}
}

// Punctuate drops records that left the skew window. A LEFT join emits the
// left records that never matched.
func (o *streamStreamJoinOperator) Punctuate(ctx context.Context, watermark int64, out Emitter) error {
	if watermark <= o.watermark {
		return nil
	}
	o.watermark = watermark
	return o.expire(ctx, watermark-o.within-o.grace, out)
}

// Flush emits every unmatched left record of a LEFT join.
func (o *streamStreamJoinOperator) Flush(ctx context.Context, out Emitter) error {
	return o.expire(ctx, math.MaxInt64, out)
}

func (o *streamStreamJoinOperator) expire(ctx context.Context, before int64, out Emitter) error {
	o.right.Expire(before)
	for _, l := range o.left.Expire(before) {
		if !o.node.Left || l.Matched {
			continue
		}
		if err := out.Emit(ctx, o.unmatched(l.Key, l.Row, l.Timestamp, l.Partition, l.Offset)); err != nil {
			return err
		}
	}
	return nil
}

func (o *streamStreamJoinOperator) stores() []sizedStore { return []sizedStore{o.left, o.right} }
