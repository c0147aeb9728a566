package executor

import (
	"context"

	"github.com/grafana/streamql/pkg/engine/planner/physical"
	"github.com/grafana/streamql/pkg/types"
)

type projectionOperator struct {
	stateless
	node      *physical.Projection
	evaluator *expressionEvaluator
}

func newProjectionOperator(node *physical.Projection, ev *expressionEvaluator) *projectionOperator {
	return &projectionOperator{node: node, evaluator: ev}
}

func (o *projectionOperator) Process(ctx context.Context, rec Record, out Emitter) error {
	if rec.Tombstone {
		return out.Emit(ctx, rec)
	}
	row := make(types.Row, len(o.node.Columns))
	for i, col := range o.node.Columns {
		v, err := o.evaluator.eval(col, rec)
		if err != nil {
			return err
		}
		row[i] = v
	}
	rec.Row = row
	return out.Emit(ctx, rec)
}
