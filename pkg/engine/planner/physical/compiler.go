// Package physical compiles logical plans into topologies of partitioned
// sub-topologies connected through internal topics.
package physical

import (
	"fmt"
	"strconv"

	"github.com/grafana/streamql/pkg/engine/planner/logical"
	"github.com/grafana/streamql/pkg/types"
)

// InternalFormat is the value format of repartition topics.
const InternalFormat = "INTERNAL"

// Options configures [Compile].
type Options struct {
	// QueryID names the query. It prefixes state stores and internal topics.
	QueryID string
	// TopicPrefix is prepended to internal topic names.
	TopicPrefix string
}

// Compile lowers plan into a [Topology]. It splits the plan at every
// repartition and validates that joins and aggregations read co-partitioned
// inputs.
func Compile(plan *logical.Plan, opts Options) (*Topology, error) {
	if opts.QueryID == "" {
		return nil, planningErrorf("query id must not be empty")
	}
	c := &compiler{
		opts:   opts,
		plan:   plan,
		topo:   &Topology{QueryID: opts.QueryID},
		ids:    map[string]int{},
		stores: map[string]struct{}{},
	}

	st := c.newStage()
	if _, _, err := c.lower(plan.Root, st); err != nil {
		return nil, err
	}
	c.finish(st)
	return c.topo, nil
}

type compiler struct {
	opts   Options
	plan   *logical.Plan
	topo   *Topology
	ids    map[string]int
	stores map[string]struct{}
}

func (c *compiler) newStage() *Stage {
	return &Stage{Plan: &Plan{}}
}

func (c *compiler) finish(st *Stage) {
	st.ID = len(c.topo.Stages)
	c.topo.Stages = append(c.topo.Stages, st)
}

func (c *compiler) id(kind string) string {
	n := c.ids[kind]
	c.ids[kind] = n + 1
	return kind + "-" + strconv.Itoa(n)
}

func (c *compiler) store(kind string) string {
	name := c.opts.QueryID + "-" + kind
	for i := 1; ; i++ {
		if _, ok := c.stores[name]; !ok {
			break
		}
		name = fmt.Sprintf("%s-%s-%d", c.opts.QueryID, kind, i)
	}
	c.stores[name] = struct{}{}
	c.topo.Stores = append(c.topo.Stores, name)
	return name
}

// connect adds n to the stage and makes it the consumer of children.
func (c *compiler) connect(st *Stage, n Node, children ...Node) (Node, error) {
	st.Plan.addNode(n)
	for _, child := range children {
		if err := st.Plan.addEdge(n, child); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// lower converts n and its inputs into nodes of st. It returns the node and
// the partition count of its output.
func (c *compiler) lower(n logical.Node, st *Stage) (Node, int, error) {
	switch n := n.(type) {
	case *logical.Source:
		return c.lowerSource(n, st)

	case *logical.Filter:
		in, parts, err := c.lower(n.Input, st)
		if err != nil {
			return nil, 0, err
		}
		node, err := c.connect(st, &Filter{
			id:        c.id("filter"),
			Predicate: convertExpr(n.Predicate),
			Table:     n.Input.Kind() == types.SourceTable,
		}, in)
		return node, parts, err

	case *logical.Project:
		in, parts, err := c.lower(n.Input, st)
		if err != nil {
			return nil, 0, err
		}
		cols := make([]Expression, len(n.Exprs))
		for i, e := range n.Exprs {
			cols[i] = convertExpr(e)
		}
		node, err := c.connect(st, &Projection{id: c.id("projection"), Columns: cols, Names: n.Names}, in)
		return node, parts, err

	case *logical.Limit:
		in, parts, err := c.lower(n.Input, st)
		if err != nil {
			return nil, 0, err
		}
		node, err := c.connect(st, &Limit{id: c.id("limit"), Count: n.Count}, in)
		return node, parts, err

	case *logical.TableChanges:
		in, parts, err := c.lower(n.Input, st)
		if err != nil {
			return nil, 0, err
		}
		node, err := c.connect(st, &TableChanges{id: c.id("changes"), Store: c.store("table-store")}, in)
		return node, parts, err

	case *logical.Repartition:
		return c.lowerRepartition(n, st)

	case *logical.Aggregate:
		return c.lowerAggregate(n, st)

	case *logical.Join:
		return c.lowerJoin(n, st)

	case *logical.Sink:
		return c.lowerSink(n, st)
	}
	return nil, 0, planningErrorf("unsupported plan node %T", n)
}

func (c *compiler) lowerSource(n *logical.Source, st *Stage) (Node, int, error) {
	e := n.Entry
	if e.Partitions <= 0 {
		return nil, 0, planningErrorf("partition count of %s is unknown", e.Name)
	}
	ts := -1
	if e.TimestampColumn != "" {
		if ts = e.Schema.Index(e.TimestampColumn); ts < 0 {
			return nil, 0, planningErrorf("timestamp column %s of %s does not exist", e.TimestampColumn, e.Name)
		}
	}
	keyType := e.KeyType
	if keyType.Kind == types.KindInvalid {
		keyType = types.String
	}
	scan := &SourceScan{
		id:             c.id("scan"),
		Source:         e.Name,
		Topic:          e.Topic,
		Kind:           e.Kind,
		Schema:         e.Schema,
		Format:         e.Format,
		Delimiter:      e.Delimiter,
		Partitions:     e.Partitions,
		KeyType:        keyType,
		TimestampIndex: ts,
		Windowed:       e.Windowed,
		FromEarliest:   n.Materialize,
	}
	node, err := c.connect(st, scan)
	return node, e.Partitions, err
}

// lowerRepartition closes the sub-topology producing n's input with a write to
// an internal topic and continues st with a read of that topic.
func (c *compiler) lowerRepartition(n *logical.Repartition, st *Stage) (Node, int, error) {
	upstream := c.newStage()
	in, parts, err := c.lower(n.Input, upstream)
	if err != nil {
		return nil, 0, err
	}
	partitions := n.Partitions
	if partitions <= 0 {
		partitions = parts
	}

	topic := fmt.Sprintf("%s%s-repartition-%d", c.opts.TopicPrefix, c.opts.QueryID, len(c.topo.InternalTopics))
	schema := n.Input.Schema().Columns()
	keys := make([]Expression, len(n.Keys))
	for i, k := range n.Keys {
		keys[i] = convertExpr(k)
	}
	keyType := logical.KeyType(n.Keys)

	if _, err := c.connect(upstream, &RepartitionSink{
		id:         c.id("repartition"),
		Topic:      topic,
		Partitions: partitions,
		Keys:       keys,
		KeyType:    keyType,
		Schema:     schema,
	}, in); err != nil {
		return nil, 0, err
	}
	upstream.Partitions = parts
	c.finish(upstream)
	c.topo.InternalTopics = append(c.topo.InternalTopics, InternalTopic{Name: topic, Partitions: partitions})

	scan := &SourceScan{
		id:             c.id("scan"),
		Source:         topic,
		Topic:          topic,
		Kind:           n.Input.Kind(),
		Schema:         schema,
		Format:         InternalFormat,
		Partitions:     partitions,
		KeyType:        keyType,
		TimestampIndex: -1,
		Internal:       true,
		FromEarliest:   true,
	}
	node, err := c.connect(st, scan)
	return node, partitions, err
}

func (c *compiler) lowerAggregate(n *logical.Aggregate, st *Stage) (Node, int, error) {
	if logical.KeySignature(n.Input.Key()) != logical.KeySignature(n.GroupBy) {
		return nil, 0, planningErrorf("aggregation input is keyed by %s, not by the group key %s",
			logical.KeySignature(n.Input.Key()), logical.KeySignature(n.GroupBy))
	}
	in, parts, err := c.lower(n.Input, st)
	if err != nil {
		return nil, 0, err
	}

	agg := &Aggregation{
		id:    c.id("aggregation"),
		Final: n.Final,
		Store: c.store("aggregate-store"),
	}
	for _, g := range n.GroupBy {
		agg.GroupBy = append(agg.GroupBy, convertExpr(g))
	}
	for _, a := range n.Aggregates {
		out := &AggregateExpr{Func: a.Func, Star: a.Star, Typ: a.Typ}
		for _, arg := range a.Args {
			out.Args = append(out.Args, convertExpr(arg))
		}
		agg.Aggregates = append(agg.Aggregates, out)
	}
	if w := n.Window; w != nil {
		agg.Window = &Window{Size: w.Size, Advance: w.Advance, Gap: w.Gap, Grace: w.Grace}
		switch w.Type {
		case logical.WindowTumbling:
			agg.Window.Type = WindowTumbling
		case logical.WindowHopping:
			agg.Window.Type = WindowHopping
		case logical.WindowSession:
			agg.Window.Type = WindowSession
		}
	}
	node, err := c.connect(st, agg, in)
	return node, parts, err
}

func (c *compiler) lowerJoin(n *logical.Join, st *Stage) (Node, int, error) {
	if logical.KeySignature([]logical.Expr{n.LeftKey}) != logical.KeySignature(n.Left.Key()) {
		return nil, 0, planningErrorf("left join input is keyed by %s, not by the join expression %s",
			logical.KeySignature(n.Left.Key()), n.LeftKey)
	}
	if logical.KeySignature([]logical.Expr{n.RightKey}) != logical.KeySignature(n.Right.Key()) {
		if n.Strategy == logical.StreamTable {
			return nil, 0, planningErrorf("stream-table joins must use the table key %s, got %s",
				logical.KeySignature(n.Right.Key()), n.RightKey)
		}
		return nil, 0, planningErrorf("right join input is keyed by %s, not by the join expression %s",
			logical.KeySignature(n.Right.Key()), n.RightKey)
	}

	left, lp, err := c.lower(n.Left, st)
	if err != nil {
		return nil, 0, err
	}
	right, rp, err := c.lower(n.Right, st)
	if err != nil {
		return nil, 0, err
	}
	if lp != rp {
		return nil, 0, planningErrorf("join inputs are not co-partitioned: left has %d partitions, right has %d", lp, rp)
	}
	markSide(left, SideLeft)
	markSide(right, SideRight)

	var join Node
	switch n.Strategy {
	case logical.StreamTable:
		join = &StreamTableJoin{
			id:         c.id("join"),
			Left:       n.Type == logical.JoinLeft,
			LeftKey:    convertExpr(n.LeftKey),
			RightWidth: len(n.Right.Schema()),
			Store:      c.store("table-store"),
		}
	default:
		join = &StreamStreamJoin{
			id:         c.id("join"),
			Left:       n.Type == logical.JoinLeft,
			LeftKey:    convertExpr(n.LeftKey),
			RightKey:   convertExpr(n.RightKey),
			LeftWidth:  len(n.Left.Schema()),
			RightWidth: len(n.Right.Schema()),
			Within:     n.Within,
			LeftStore:  c.store("join-left-store"),
			RightStore: c.store("join-right-store"),
		}
	}
	node, err := c.connect(st, join, left, right)
	return node, lp, err
}

func markSide(n Node, side JoinSide) {
	if scan, ok := n.(*SourceScan); ok {
		scan.Side = side
	}
}

func (c *compiler) lowerSink(n *logical.Sink, st *Stage) (Node, int, error) {
	in, parts, err := c.lower(n.Input, st)
	if err != nil {
		return nil, 0, err
	}
	sink := &Sink{
		id:          c.id("sink"),
		Interactive: n.Target == nil,
		Kind:        n.Kind(),
		Schema:      n.Schema().Columns(),
		KeyType:     c.plan.KeyType,
		Windowed:    c.plan.Windowed,
		Partitions:  parts,
	}
	if sink.KeyType.Kind == types.KindInvalid {
		sink.KeyType = types.String
	}
	if t := n.Target; t != nil {
		sink.Name, sink.Topic, sink.Format, sink.Delimiter = t.Name, t.Topic, t.Format, t.Delimiter
		if t.Partitions > 0 {
			sink.Partitions = t.Partitions
		}
	}
	c.topo.Sink = sink
	node, err := c.connect(st, sink, in)
	if err != nil {
		return nil, 0, err
	}
	st.Partitions = parts
	return node, parts, nil
}

func convertExpr(e logical.Expr) Expression {
	switch e := e.(type) {
	case *logical.ColumnRef:
		return &ColumnExpr{Name: e.String(), Index: e.Index, Typ: e.Typ}
	case *logical.Pseudo:
		out := &PseudoExpr{Typ: e.Typ}
		switch e.Name {
		case logical.PseudoRowTime:
			out.Column = PseudoRowTime
		case logical.PseudoRowKey:
			out.Column = PseudoRowKey
		case logical.PseudoWindowStart:
			out.Column = PseudoWindowStart
		case logical.PseudoWindowEnd:
			out.Column = PseudoWindowEnd
		}
		return out
	case *logical.Literal:
		return NewLiteral(e.Value, e.Typ)
	case *logical.BinOp:
		return &BinaryExpr{Left: convertExpr(e.Left), Right: convertExpr(e.Right), Op: e.Op, Typ: e.Typ}
	case *logical.UnaryOp:
		return &UnaryExpr{Left: convertExpr(e.Value), Op: e.Op, Typ: e.Typ}
	case *logical.Call:
		args := make([]Expression, len(e.Args))
		for i, a := range e.Args {
			args[i] = convertExpr(a)
		}
		return &CallExpr{Func: e.Func, Args: args, Typ: e.Typ}
	case *logical.Index:
		return &IndexExpr{Left: convertExpr(e.Value), Key: convertExpr(e.Key), Typ: e.Typ}
	case *logical.Cast:
		return &CastExpr{Left: convertExpr(e.Value), To: e.To}
	case *logical.IsNull:
		return &IsNullExpr{Left: convertExpr(e.Value), Not: e.Not}
	case *logical.Between:
		return &BetweenExpr{Left: convertExpr(e.Value), Low: convertExpr(e.Low), High: convertExpr(e.High), Not: e.Not}
	}
	panic(fmt.Sprintf("invalid expression %T", e))
}
