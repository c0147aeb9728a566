package executor

import (
	"context"
	"fmt"
	"math"

	"github.com/grafana/streamql/pkg/engine/function"
	"github.com/grafana/streamql/pkg/engine/planner/physical"
	"github.com/grafana/streamql/pkg/engine/state"
	"github.com/grafana/streamql/pkg/types"
)

// aggState is the partial aggregate of one group and window.
type aggState struct {
	group types.Row
	accs  []function.Accumulator
	// rows is the net number of rows folded in. Retractions decrement it.
	rows int64
	// updated is the event time of the latest change.
	updated int64
}

// aggregationOperator maintains one aggregate per group and window. With
// EMIT CHANGES every update is emitted; with EMIT FINAL a window is emitted
// once, when it closes or when the task drains.
type aggregationOperator struct {
	node      *physical.Aggregation
	evaluator *expressionEvaluator
	argTypes  [][]types.Type

	size, advance, gap, grace int64

	windows  *state.WindowStore[*aggState]
	sessions *state.SessionStore[*aggState]

	watermark int64
}

func newAggregationOperator(node *physical.Aggregation, ev *expressionEvaluator) (*aggregationOperator, error) {
	o := &aggregationOperator{
		node:      node,
		evaluator: ev,
		watermark: math.MinInt64,
	}
	for _, a := range node.Aggregates {
		o.argTypes = append(o.argTypes, a.ArgTypes())
	}
	if w := node.Window; w != nil {
		o.size, o.advance = w.Size.Milliseconds(), w.Advance.Milliseconds()
		o.gap, o.grace = w.Gap.Milliseconds(), w.Grace.Milliseconds()
		switch w.Type {
		case physical.WindowTumbling:
			if o.size <= 0 {
				return nil, fmt.Errorf("tumbling window size must be positive, got %s", w.Size)
			}
		case physical.WindowHopping:
			if o.size <= 0 || o.advance <= 0 || o.advance > o.size {
				return nil, fmt.Errorf("invalid hopping window of size %s advancing by %s", w.Size, w.Advance)
			}
		case physical.WindowSession:
			if o.gap <= 0 {
				return nil, fmt.Errorf("session gap must be positive, got %s", w.Gap)
			}
			o.sessions = state.NewSessionStore[*aggState](node.Store)
			return o, nil
		}
	}
	o.windows = state.NewWindowStore[*aggState](node.Store)
	return o, nil
}

func (o *aggregationOperator) session() bool {
	return o.node.Window != nil && o.node.Window.Type == physical.WindowSession
}

func (o *aggregationOperator) newState(group types.Row) *aggState {
	s := &aggState{group: group, accs: make([]function.Accumulator, len(o.node.Aggregates))}
	for i, a := range o.node.Aggregates {
		s.accs[i] = a.Func.New(o.argTypes[i])
	}
	return s
}

func (o *aggregationOperator) Process(ctx context.Context, rec Record, out Emitter) error {
	if rec.Tombstone {
		return nil
	}
	group := make(types.Row, len(o.node.GroupBy))
	for i, g := range o.node.GroupBy {
		v, err := o.evaluator.eval(g, rec)
		if err != nil {
			return err
		}
		if v.IsNull() {
			// Rows with a NULL group key belong to no group.
			return nil
		}
		group[i] = v
	}
	args, err := o.arguments(rec)
	if err != nil {
		return err
	}
	key := types.CompositeKey(group)

	switch {
	case rec.Retract:
		return o.retract(ctx, key, rec, args, out)
	case o.session():
		return o.processSession(ctx, key, group, rec, args, out)
	}

	windows := o.assign(rec.Timestamp)
	open := 0
	for _, w := range windows {
		if o.node.Window != nil && w.End+o.grace < o.watermark {
			continue
		}
		open++
		s, ok := o.windows.Get(key, w)
		if !ok {
			s = o.newState(group)
			o.windows.Upsert(key, w, s)
		}
		o.add(s, args, rec.Timestamp)
		if !o.node.Final {
			if err := out.Emit(ctx, o.result(key, s, o.windowOf(w), rec.Timestamp)); err != nil {
				return err
			}
		}
	}
	if open == 0 {
		return ErrLateRecord
	}
	return nil
}

// assign returns the windows a record at t belongs to. Unwindowed
// aggregations use a single unbounded window.
func (o *aggregationOperator) assign(t int64) []types.TimeWindow {
	if o.node.Window == nil {
		return []types.TimeWindow{{}}
	}
	if o.node.Window.Type == physical.WindowHopping {
		return state.HoppingWindows(t, o.size, o.advance)
	}
	return []types.TimeWindow{state.TumblingWindow(t, o.size)}
}

func (o *aggregationOperator) windowOf(w types.TimeWindow) *types.TimeWindow {
	if o.node.Window == nil {
		return nil
	}
	return &w
}

func (o *aggregationOperator) arguments(rec Record) ([]types.Value, error) {
	args := make([]types.Value, len(o.node.Aggregates))
	for i, a := range o.node.Aggregates {
		if a.Star || len(a.Args) == 0 {
			args[i] = types.BoolValue(true)
			continue
		}
		v, err := o.evaluator.eval(a.Args[0], rec)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func (o *aggregationOperator) add(s *aggState, args []types.Value, ts int64) {
	for i, acc := range s.accs {
		acc.Add(args[i])
	}
	s.rows++
	s.updated = max(s.updated, ts)
}

func (o *aggregationOperator) result(key types.Value, s *aggState, w *types.TimeWindow, ts int64) Record {
	row := make(types.Row, 0, len(s.group)+len(s.accs))
	row = append(row, s.group...)
	for _, acc := range s.accs {
		row = append(row, acc.Result())
	}
	return Record{Key: key, Row: row, Timestamp: ts, Window: w}
}

// retract removes a previous row of a table from its group. A group left
// without rows is deleted.
func (o *aggregationOperator) retract(ctx context.Context, key types.Value, rec Record, args []types.Value, out Emitter) error {
	s, ok := o.windows.Get(key, types.TimeWindow{})
	if !ok {
		return nil
	}
	for i, acc := range s.accs {
		r, ok := acc.(function.Retractable)
		if !ok {
			return fmt.Errorf("aggregate %s cannot retract rows", o.node.Aggregates[i].Func.Name)
		}
		r.Remove(args[i])
	}
	s.rows--
	s.updated = max(s.updated, rec.Timestamp)
	if s.rows <= 0 {
		o.windows.Delete(key, types.TimeWindow{})
		return out.Emit(ctx, Record{Key: key, Timestamp: rec.Timestamp, Tombstone: true})
	}
	return out.Emit(ctx, o.result(key, s, nil, rec.Timestamp))
}

func (o *aggregationOperator) processSession(ctx context.Context, key types.Value, group types.Row, rec Record, args []types.Value, out Emitter) error {
	merged, _ := o.sessions.Probe(key, rec.Timestamp, o.gap)
	if merged.End+o.grace < o.watermark {
		return ErrLateRecord
	}
	next, replaced := o.sessions.Merge(key, rec.Timestamp, o.gap, func(_ types.TimeWindow, replaced []*state.Session[*aggState]) *aggState {
		s := o.newState(group)
		for _, old := range replaced {
			for i, acc := range s.accs {
				acc.Merge(old.Value.accs[i])
			}
			s.rows += old.Value.rows
			s.updated = max(s.updated, old.Value.updated)
		}
		return s
	})
	o.add(next.Value, args, rec.Timestamp)
	if o.node.Final {
		return nil
	}
	// Replaced sessions are deleted before the merged one is emitted.
	for _, old := range replaced {
		w := old.Window
		if err := out.Emit(ctx, Record{Key: key, Timestamp: rec.Timestamp, Tombstone: true, Window: &w}); err != nil {
			return err
		}
	}
	w := next.Window
	return out.Emit(ctx, o.result(key, next.Value, &w, rec.Timestamp))
}

// Punctuate closes windows whose grace period has elapsed. Closed windows
// keep their last emitted value downstream; EMIT FINAL emits it now.
func (o *aggregationOperator) Punctuate(ctx context.Context, watermark int64, out Emitter) error {
	if watermark <= o.watermark {
		return nil
	}
	o.watermark = watermark
	if o.node.Window == nil {
		return nil
	}
	return o.close(ctx, watermark, o.grace, out)
}

// Flush emits the open windows of EMIT FINAL aggregations.
func (o *aggregationOperator) Flush(ctx context.Context, out Emitter) error {
	if o.node.Window == nil || !o.node.Final {
		return nil
	}
	return o.close(ctx, math.MaxInt64, 0, out)
}

func (o *aggregationOperator) close(ctx context.Context, watermark, grace int64, out Emitter) error {
	if o.session() {
		for _, s := range o.sessions.Expire(watermark, o.gap, grace) {
			if !o.node.Final {
				continue
			}
			w := s.Window
			if err := out.Emit(ctx, o.result(s.Key, s.Value, &w, s.Value.updated)); err != nil {
				return err
			}
		}
		return nil
	}
	for _, e := range o.windows.Expire(watermark, grace) {
		if !o.node.Final {
			continue
		}
		w := e.Window
		if err := out.Emit(ctx, o.result(e.Key, e.Value, &w, e.Value.updated)); err != nil {
			return err
		}
	}
	return nil
}

func (o *aggregationOperator) stores() []sizedStore {
	if o.sessions != nil {
		return []sizedStore{o.sessions}
	}
	return []sizedStore{o.windows}
}
