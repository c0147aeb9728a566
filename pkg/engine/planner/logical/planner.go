// Package logical resolves parsed queries against the catalog and builds
// trees of typed relational operators.
package logical

import (
	"strings"
	"time"

	"github.com/grafana/streamql/pkg/catalog"
	"github.com/grafana/streamql/pkg/engine/function"
	"github.com/grafana/streamql/pkg/sql/syntax"
	"github.com/grafana/streamql/pkg/types"
)

// Options configures [Build].
type Options struct {
	// Functions resolves function calls. Defaults to [function.Default].
	Functions *function.Registry
	// DefaultGrace is the grace period of windows declared without one.
	DefaultGrace time.Duration
	// Target is the sink of a persistent query. Nil builds an interactive
	// query.
	Target *SinkTarget
}

// Plan is a resolved query.
type Plan struct {
	Root *Sink
	Kind types.SourceKind
	// KeyColumn is the output column holding the record key, if the key is
	// projected.
	KeyColumn string
	KeyType   types.Type
	// Windowed is set when output keys carry window bounds.
	Windowed bool
	// Sources lists every catalog entry the plan reads.
	Sources []*catalog.Entry
}

// Schema returns the output schema of the plan.
func (p *Plan) Schema() Schema { return p.Root.Schema() }

// Build resolves stmt against snap and returns its logical plan.
func Build(stmt *syntax.Select, snap *catalog.Snapshot, opts Options) (*Plan, error) {
	if opts.Functions == nil {
		opts.Functions = function.Default
	}
	p := &planner{snap: snap, opts: opts}
	return p.build(stmt)
}

type planner struct {
	snap    *catalog.Snapshot
	opts    Options
	sources []*catalog.Entry
}

func (p *planner) build(stmt *syntax.Select) (*Plan, error) {
	left, err := p.source(stmt.From)
	if err != nil {
		return nil, err
	}

	var input Node = left
	if stmt.Join != nil {
		if input, err = p.join(left, stmt.Join); err != nil {
			return nil, err
		}
	}

	// Tables produced by windowed aggregations keep their window bounds.
	windowedInput := stmt.Join == nil && left.Entry.Windowed
	in := &resolver{schema: input.Schema(), functions: p.opts.Functions, keyType: KeyType(input.Key()), windowed: windowedInput}
	if stmt.Where != nil {
		if containsAggregate(stmt.Where, p.opts.Functions) {
			return nil, typeErrorf("aggregate functions are not allowed in WHERE")
		}
		pred, err := in.resolve(stmt.Where)
		if err != nil {
			return nil, err
		}
		if !isBoolean(pred.Type()) {
			return nil, typeErrorf("WHERE clause must be BOOLEAN, got %s", pred.Type())
		}
		input = NewBuilder(input).Filter(pred).Node()
	}

	aggregating := len(stmt.GroupBy) > 0 || stmt.Having != nil
	for _, it := range stmt.Items {
		if !it.Star && containsAggregate(it.Expr, p.opts.Functions) {
			aggregating = true
		}
	}
	if stmt.Window != nil && len(stmt.GroupBy) == 0 {
		return nil, typeErrorf("WINDOW requires GROUP BY")
	}

	plan := &Plan{Sources: p.sources}
	var out *Builder
	if aggregating {
		if len(stmt.GroupBy) == 0 {
			return nil, typeErrorf("aggregate functions require GROUP BY")
		}
		if stmt.PartitionBy != nil {
			return nil, typeErrorf("PARTITION BY cannot be combined with GROUP BY")
		}
		if out, err = p.aggregate(stmt, input, in, plan); err != nil {
			return nil, err
		}
	} else {
		if stmt.Emit == syntax.EmitFinal {
			return nil, typeErrorf("EMIT FINAL requires a windowed aggregation")
		}
		if out, err = p.rowWise(stmt, input, in, plan); err != nil {
			return nil, err
		}
	}

	if stmt.Limit >= 0 {
		if p.opts.Target != nil {
			return nil, typeErrorf("LIMIT is only supported by interactive queries")
		}
		out = out.Limit(stmt.Limit)
	}

	plan.Kind = out.Node().Kind()
	if t := p.opts.Target; t != nil && t.Kind != plan.Kind {
		return nil, typeErrorf("query produces a %s, use CREATE %s ... AS SELECT", plan.Kind, plan.Kind)
	}
	plan.Root = out.Sink(p.opts.Target).Node().(*Sink)
	return plan, nil
}

func (p *planner) source(rel syntax.Relation) (*Source, error) {
	entry, ok := p.snap.Lookup(rel.Name)
	if !ok {
		return nil, typeErrorf("unknown source %s", rel.Name)
	}
	p.sources = append(p.sources, entry)
	return &Source{Entry: entry, Alias: strings.ToUpper(rel.Ref())}, nil
}

func (p *planner) join(left *Source, j *syntax.Join) (Node, error) {
	right, err := p.source(j.Right)
	if err != nil {
		return nil, err
	}
	if left.Alias == right.Alias {
		return nil, typeErrorf("duplicate source alias %s, give each side of the join an alias", left.Alias)
	}
	if left.Kind() == types.SourceTable {
		return nil, typeErrorf("the left side of a join must be a STREAM, %s is a TABLE", left.Entry.Name)
	}

	join := &Join{Type: JoinInner, Within: j.Within}
	if j.Type == syntax.JoinLeft {
		join.Type = JoinLeft
	}
	switch right.Kind() {
	case types.SourceTable:
		if j.Within > 0 {
			return nil, typeErrorf("WITHIN is not supported for stream-table joins")
		}
		join.Strategy = StreamTable
		right.Materialize = true
	default:
		if j.Within <= 0 {
			return nil, typeErrorf("stream-stream joins require a WITHIN clause")
		}
		join.Strategy = StreamStream
	}

	cond, ok := j.On.(*syntax.BinaryExpr)
	if !ok || cond.Op != types.BinaryOpEq {
		return nil, typeErrorf("join condition must be an equality between a column of %s and a column of %s", left.Alias, right.Alias)
	}
	if err := checkUnambiguous(cond, left, right); err != nil {
		return nil, err
	}
	leftRes := &resolver{schema: left.Schema(), functions: p.opts.Functions, keyType: KeyType(left.Key())}
	rightRes := &resolver{schema: right.Schema(), functions: p.opts.Functions, keyType: KeyType(right.Key())}
	lk, lErr := leftRes.resolve(cond.Left)
	rk, rErr := rightRes.resolve(cond.Right)
	if lErr != nil || rErr != nil {
		lk, lErr = leftRes.resolve(cond.Right)
		rk, rErr = rightRes.resolve(cond.Left)
	}
	if lErr != nil || rErr != nil {
		return nil, typeErrorf("ambiguous join condition %s: each side must reference exactly one of %s and %s", cond, left.Alias, right.Alias)
	}
	if !types.Comparable(lk.Type(), rk.Type()) {
		return nil, typeErrorf("cannot join %s with %s", lk.Type(), rk.Type())
	}
	join.LeftKey, join.RightKey = lk, rk

	leftOK := KeySignature([]Expr{lk}) == KeySignature(left.Key())
	rightOK := KeySignature([]Expr{rk}) == KeySignature(right.Key())
	lp, rp := left.Entry.Partitions, right.Entry.Partitions

	join.Left, join.Right = left, right
	switch {
	case join.Strategy == StreamTable:
		// The table side cannot be re-keyed; a mismatch is reported by the
		// physical planner.
		join.Left = NewBuilder(left).Repartition([]Expr{lk}, rp).Node()
	case !leftOK && !rightOK:
		join.Left = NewBuilder(left).Repartition([]Expr{lk}, lp).Node()
		join.Right = NewBuilder(right).Repartition([]Expr{rk}, lp).Node()
	case !leftOK:
		join.Left = NewBuilder(left).Repartition([]Expr{lk}, rp).Node()
	case !rightOK:
		join.Right = NewBuilder(right).Repartition([]Expr{rk}, lp).Node()
	}
	return join, nil
}

// checkUnambiguous rejects unqualified columns of cond present on both sides
// of the join.
func checkUnambiguous(cond syntax.Expr, left, right *Source) error {
	var err error
	syntax.Walk(cond, func(e syntax.Expr) bool {
		if err != nil {
			return false
		}
		id, ok := e.(*syntax.Identifier)
		if !ok || id.Qualifier != "" {
			return true
		}
		_, _, lErr := left.Schema().Resolve("", id.Name)
		_, _, rErr := right.Schema().Resolve("", id.Name)
		if lErr == nil && rErr == nil {
			err = typeErrorf("column %s is ambiguous in the join condition, qualify it with %s or %s", strings.ToUpper(id.Name), left.Alias, right.Alias)
		}
		return true
	})
	return err
}

func (p *planner) window(w *syntax.WindowExpr) *Window {
	if w == nil {
		return nil
	}
	out := &Window{Grace: p.opts.DefaultGrace}
	if w.HasGrace {
		out.Grace = w.Grace
	}
	switch w.Type {
	case syntax.WindowTumbling:
		out.Type, out.Size = WindowTumbling, w.Size
	case syntax.WindowHopping:
		out.Type, out.Size, out.Advance = WindowHopping, w.Size, w.Advance
	case syntax.WindowSession:
		out.Type, out.Gap = WindowSession, w.Size
	}
	return out
}

// rowWise plans a query without aggregation: filter, optional re-keying and
// projection.
func (p *planner) rowWise(stmt *syntax.Select, input Node, in *resolver, plan *Plan) (*Builder, error) {
	b := NewBuilder(input)
	if stmt.PartitionBy != nil {
		if input.Kind() == types.SourceTable {
			return nil, typeErrorf("PARTITION BY is not supported on tables")
		}
		key, err := in.resolve(stmt.PartitionBy)
		if err != nil {
			return nil, err
		}
		if !key.Type().IsPrimitive() {
			return nil, typeErrorf("PARTITION BY expression must be a primitive type, got %s", key.Type())
		}
		partitions := 0
		if p.opts.Target != nil {
			partitions = p.opts.Target.Partitions
		}
		b = b.Repartition([]Expr{key}, partitions)
	}

	exprs, names, err := p.projection(stmt.Items, b.Node().Schema(), in)
	if err != nil {
		return nil, err
	}
	plan.Windowed = in.windowed && stmt.PartitionBy == nil
	key := b.Node().Key()
	plan.KeyType = KeyType(key)
	if len(key) == 1 {
		sig := KeySignature(key)
		for i, e := range exprs {
			if KeySignature([]Expr{e}) == sig {
				plan.KeyColumn = names[i]
				break
			}
		}
	}
	return b.Project(exprs, names), nil
}

func (p *planner) projection(items []syntax.SelectItem, schema Schema, res *resolver) ([]Expr, []string, error) {
	var (
		exprs []Expr
		names []string
	)
	quals := map[string]struct{}{}
	for _, f := range schema {
		quals[f.Qualifier] = struct{}{}
	}
	qualified := len(quals) > 1

	for i, it := range items {
		if it.Star {
			if it.Qualifier != "" && !schema.HasQualifier(it.Qualifier) {
				return nil, nil, typeErrorf("unknown source %s", it.Qualifier)
			}
			for idx, f := range schema {
				if it.Qualifier != "" && !strings.EqualFold(f.Qualifier, it.Qualifier) {
					continue
				}
				name := f.Name
				if qualified {
					name = f.Qualifier + "_" + f.Name
				}
				exprs = append(exprs, &ColumnRef{Qualifier: f.Qualifier, Name: f.Name, Index: idx, Typ: f.Type})
				names = append(names, name)
			}
			continue
		}

		e, err := res.resolve(it.Expr)
		if err != nil {
			return nil, nil, err
		}
		exprs = append(exprs, e)
		names = append(names, outputName(it, e, i))
	}
	return exprs, names, validateOutput(exprs, names)
}

func outputName(it syntax.SelectItem, e Expr, i int) string {
	if it.Alias != "" {
		return it.Alias
	}
	if _, ok := it.Expr.(*syntax.Identifier); !ok {
		return syntheticName("KSQL_COL_", i)
	}
	switch e := e.(type) {
	case *ColumnRef:
		return e.Name
	case *Pseudo:
		return e.Name
	}
	return syntheticName("KSQL_COL_", i)
}

func validateOutput(exprs []Expr, names []string) error {
	seen := map[string]struct{}{}
	for i, name := range names {
		key := strings.ToUpper(name)
		if _, ok := seen[key]; ok {
			return typeErrorf("duplicate output column %s, use an alias", name)
		}
		seen[key] = struct{}{}
		if exprs[i].Type().IsNull() {
			return typeErrorf("cannot infer the type of output column %s", name)
		}
	}
	return nil
}

// aggregate plans GROUP BY queries. The select list and HAVING clause are
// rewritten to reference the aggregate's output columns.
func (p *planner) aggregate(stmt *syntax.Select, input Node, in *resolver, plan *Plan) (*Builder, error) {
	groupBy := make([]Expr, len(stmt.GroupBy))
	for i, g := range stmt.GroupBy {
		if containsAggregate(g, p.opts.Functions) {
			return nil, typeErrorf("aggregate functions are not allowed in GROUP BY")
		}
		e, err := in.resolve(g)
		if err != nil {
			return nil, err
		}
		if !e.Type().IsPrimitive() {
			return nil, typeErrorf("GROUP BY expression %s must be a primitive type, got %s", e, e.Type())
		}
		groupBy[i] = e
	}
	window := p.window(stmt.Window)

	var (
		aggs  []*AggregateCall
		index = map[string]int{}
	)
	var collectErr error
	collect := func(e syntax.Expr) {
		syntax.Walk(e, func(e syntax.Expr) bool {
			call, ok := e.(*syntax.FuncCall)
			if !ok || !p.opts.Functions.IsAggregate(call.Name) || collectErr != nil {
				return collectErr == nil
			}
			for _, arg := range call.Args {
				if containsAggregate(arg, p.opts.Functions) {
					collectErr = typeErrorf("nested aggregate functions are not allowed in %s", call)
					return false
				}
			}
			resolved, err := in.resolveAggregate(call)
			if err != nil {
				collectErr = err
				return false
			}
			if _, ok := index[resolved.String()]; !ok {
				index[resolved.String()] = len(aggs)
				aggs = append(aggs, resolved)
			}
			return false
		})
	}
	for _, it := range stmt.Items {
		if it.Star {
			return nil, typeErrorf("SELECT * is not supported with GROUP BY")
		}
		collect(it.Expr)
	}
	if stmt.Having != nil {
		collect(stmt.Having)
	}
	if collectErr != nil {
		return nil, collectErr
	}

	if input.Kind() == types.SourceTable {
		if window != nil {
			return nil, typeErrorf("windowed aggregations are not supported on tables")
		}
		for _, a := range aggs {
			if !a.Func.Retractable {
				return nil, typeErrorf("aggregate %s is not supported on tables", a.Func.Name)
			}
		}
		input = &TableChanges{Input: input}
	}
	input = NewBuilder(input).Repartition(groupBy, 0).Node()

	fields := make(Schema, 0, len(groupBy)+len(aggs))
	for i, g := range groupBy {
		name := syntheticName("KSQL_COL_", i)
		if ref, ok := g.(*ColumnRef); ok {
			name = ref.Name
		}
		fields = append(fields, Field{Name: name, Type: g.Type()})
	}
	for i, a := range aggs {
		fields = append(fields, Field{Name: syntheticName("KSQL_AGG_", i), Type: a.Type()})
	}
	agg := &Aggregate{
		Input:      input,
		GroupBy:    groupBy,
		Aggregates: aggs,
		Window:     window,
		Final:      stmt.Emit == syntax.EmitFinal,
		fields:     fields,
	}
	if agg.Final && window == nil {
		return nil, typeErrorf("EMIT FINAL requires a windowed aggregation")
	}

	post := &resolver{schema: fields, functions: p.opts.Functions, keyType: KeyType(groupBy), windowed: window != nil}
	post.hook = func(e syntax.Expr) (Expr, bool, error) {
		if call, ok := e.(*syntax.FuncCall); ok && p.opts.Functions.IsAggregate(call.Name) {
			resolved, err := in.resolveAggregate(call)
			if err != nil {
				return nil, true, err
			}
			i := len(groupBy) + index[resolved.String()]
			return &ColumnRef{Name: fields[i].Name, Index: i, Typ: fields[i].Type}, true, nil
		}
		if containsAggregate(e, p.opts.Functions) {
			return nil, false, nil
		}
		resolved, err := in.resolve(e)
		if err != nil {
			return nil, false, nil
		}
		if _, ok := resolved.(*Pseudo); ok {
			return nil, false, nil
		}
		for i, g := range groupBy {
			if g.String() == resolved.String() {
				return &ColumnRef{Name: fields[i].Name, Index: i, Typ: fields[i].Type}, true, nil
			}
		}
		if _, ok := resolved.(*ColumnRef); ok {
			return nil, true, typeErrorf("column %s must appear in GROUP BY or inside an aggregate function", resolved)
		}
		return nil, false, nil
	}

	b := NewBuilder(agg)
	if stmt.Having != nil {
		pred, err := post.resolve(stmt.Having)
		if err != nil {
			return nil, err
		}
		if !isBoolean(pred.Type()) {
			return nil, typeErrorf("HAVING clause must be BOOLEAN, got %s", pred.Type())
		}
		b = b.Filter(pred)
	}

	exprs, names, err := p.projection(stmt.Items, fields, post)
	if err != nil {
		return nil, err
	}

	plan.KeyType = KeyType(groupBy)
	plan.Windowed = window != nil
	if len(groupBy) == 1 {
		for i, e := range exprs {
			if ref, ok := e.(*ColumnRef); ok && ref.Index == 0 {
				plan.KeyColumn = names[i]
				break
			}
		}
	}
	return b.Project(exprs, names), nil
}
