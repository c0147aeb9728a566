package executor

import (
	"errors"
	"fmt"

	"github.com/grafana/streamql/pkg/engine/internal/util/dag"
	"github.com/grafana/streamql/pkg/engine/planner/physical"
)

// node is an operator instance wired to its consumer.
type node struct {
	id   string
	kind physical.NodeType
	op   Operator

	parent *node
	// right is set when the node feeds the second input of its parent.
	right bool
	state State
}

// builder instantiates the operators of one stage for one task.
type builder struct {
	query     *Query
	writer    *topicWriter
	evaluator *expressionEvaluator

	op Operator
}

var _ physical.Visitor = (*builder)(nil)

func (b *builder) VisitSourceScan(n *physical.SourceScan) error {
	op, err := newScanOperator(n, b.query.cfg.Codecs)
	b.op = op
	return err
}

func (b *builder) VisitFilter(n *physical.Filter) error {
	b.op = newFilterOperator(n, b.evaluator)
	return nil
}

func (b *builder) VisitProjection(n *physical.Projection) error {
	b.op = newProjectionOperator(n, b.evaluator)
	return nil
}

func (b *builder) VisitRepartitionSink(n *physical.RepartitionSink) error {
	b.op = newRepartitionOperator(n, b.evaluator, b.writer)
	return nil
}

func (b *builder) VisitTableChanges(n *physical.TableChanges) error {
	b.op = newTableChangesOperator(n)
	return nil
}

func (b *builder) VisitAggregation(n *physical.Aggregation) error {
	op, err := newAggregationOperator(n, b.evaluator)
	b.op = op
	return err
}

func (b *builder) VisitStreamTableJoin(n *physical.StreamTableJoin) error {
	b.op = newStreamTableJoinOperator(n, b.evaluator, b.query.cfg.TableRetention.Milliseconds())
	return nil
}

func (b *builder) VisitStreamStreamJoin(n *physical.StreamStreamJoin) error {
	b.op = newStreamStreamJoinOperator(n, b.evaluator, b.query.cfg.JoinGrace.Milliseconds())
	return nil
}

func (b *builder) VisitLimit(n *physical.Limit) error {
	b.op = newLimitOperator(n.Count, b.query.emitted, b.query.complete)
	return nil
}

func (b *builder) VisitSink(n *physical.Sink) error {
	op, err := newSinkOperator(n, b.query.cfg.Codecs, b.writer, b.query.cfg.Results)
	b.op = op
	return err
}

// build instantiates every operator of stage and links each to its consumer.
// The returned nodes are ordered inputs first.
func (b *builder) build(stage *physical.Stage) ([]*node, error) {
	root := stage.Root()
	if root == nil {
		return nil, errors.New("stage has no root node")
	}
	var (
		nodes  []*node
		byNode = map[physical.Node]*node{}
	)
	err := stage.Plan.Walk(root, func(n physical.Node) error {
		b.op = nil
		if err := n.Accept(b); err != nil {
			return fmt.Errorf("building %s: %w", n.ID(), err)
		}
		inst := &node{id: n.ID(), kind: n.Type(), op: b.op}
		for i, child := range stage.Plan.Children(n) {
			c := byNode[child]
			c.parent, c.right = inst, i == 1
			if c.right {
				if _, ok := inst.op.(BinaryOperator); !ok {
					return fmt.Errorf("%s has more than one input", n.ID())
				}
			}
		}
		byNode[n] = inst
		nodes = append(nodes, inst)
		return nil
	}, dag.PostOrderWalk)
	return nodes, err
}
