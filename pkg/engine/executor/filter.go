package executor

import (
	"context"

	"github.com/grafana/streamql/pkg/engine/planner/physical"
)

// filterOperator forwards records whose predicate is TRUE. On tables a
// rejected row deletes its key, since an earlier version may have passed.
type filterOperator struct {
	stateless
	node      *physical.Filter
	evaluator *expressionEvaluator
}

func newFilterOperator(node *physical.Filter, ev *expressionEvaluator) *filterOperator {
	return &filterOperator{node: node, evaluator: ev}
}

func (o *filterOperator) Process(ctx context.Context, rec Record, out Emitter) error {
	if rec.Tombstone {
		return out.Emit(ctx, rec)
	}
	v, err := o.evaluator.eval(o.node.Predicate, rec)
	if err != nil {
		return err
	}
	if isTrue(v) {
		return out.Emit(ctx, rec)
	}
	if o.node.Table && !rec.Retract {
		return out.Emit(ctx, Record{
			Key:       rec.Key,
			Timestamp: rec.Timestamp,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Tombstone: true,
			Window:    rec.Window,
		})
	}
	return nil
}
