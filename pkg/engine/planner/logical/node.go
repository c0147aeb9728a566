package logical

import (
	"time"

	"github.com/grafana/streamql/pkg/catalog"
	"github.com/grafana/streamql/pkg/types"
)

// Node is a relational operator of a logical plan.
type Node interface {
	// Schema returns the fields produced by the node.
	Schema() Schema
	// Kind reports whether the node produces a stream or a changelog
	// table.
	Kind() types.SourceKind
	// Key returns the expressions the node's records are keyed and
	// partitioned by, in terms of the scope they were defined in. An empty
	// key means the record key is the message key (ROWKEY).
	Key() []Expr
	// Children returns the input nodes.
	Children() []Node
	isNode()
}

var (
	_ Node = (*Source)(nil)
	_ Node = (*Filter)(nil)
	_ Node = (*Project)(nil)
	_ Node = (*Repartition)(nil)
	_ Node = (*TableChanges)(nil)
	_ Node = (*Aggregate)(nil)
	_ Node = (*Join)(nil)
	_ Node = (*Limit)(nil)
	_ Node = (*Sink)(nil)
)

// Source reads a catalog entry.
type Source struct {
	Entry *catalog.Entry
	Alias string
	// Materialize is set when the source is the table side of a
	// stream-table join and must be read from the beginning.
	Materialize bool
}

func (s *Source) Schema() Schema         { return schemaFromColumns(s.Alias, s.Entry.Schema) }
func (s *Source) Kind() types.SourceKind { return s.Entry.Kind }
func (s *Source) Children() []Node       { return nil }
func (s *Source) isNode()                {}

func (s *Source) Key() []Expr {
	if s.Entry.KeyColumn == "" {
		return []Expr{&Pseudo{Name: PseudoRowKey, Typ: rowKeyType(s.Entry)}}
	}
	idx := s.Entry.Schema.Index(s.Entry.KeyColumn)
	col := s.Entry.Schema.Columns[idx]
	return []Expr{&ColumnRef{Qualifier: s.Alias, Name: col.Name, Index: idx, Typ: col.Type}}
}

// Filter drops records not matching Predicate. Over a table, rows that stop
// matching are deleted from the result.
type Filter struct {
	Input     Node
	Predicate Expr
}

func (f *Filter) Schema() Schema         { return f.Input.Schema() }
func (f *Filter) Kind() types.SourceKind { return f.Input.Kind() }
func (f *Filter) Key() []Expr            { return f.Input.Key() }
func (f *Filter) Children() []Node       { return []Node{f.Input} }
func (f *Filter) isNode()                {}

// Project computes the output columns.
type Project struct {
	Input Node
	Exprs []Expr
	Names []string
}

func (p *Project) Schema() Schema {
	out := make(Schema, len(p.Exprs))
	for i, e := range p.Exprs {
		out[i] = Field{Name: p.Names[i], Type: e.Type()}
	}
	return out
}
func (p *Project) Kind() types.SourceKind { return p.Input.Kind() }
func (p *Project) Key() []Expr            { return p.Input.Key() }
func (p *Project) Children() []Node       { return []Node{p.Input} }
func (p *Project) isNode()                {}

// Repartition re-keys records by Keys and redistributes them across
// Partitions partitions. Zero partitions inherit the input's count.
type Repartition struct {
	Input      Node
	Keys       []Expr
	Partitions int
}

func (r *Repartition) Schema() Schema         { return r.Input.Schema() }
func (r *Repartition) Kind() types.SourceKind { return r.Input.Kind() }
func (r *Repartition) Key() []Expr            { return r.Keys }
func (r *Repartition) Children() []Node       { return []Node{r.Input} }
func (r *Repartition) isNode()                {}

// TableChanges turns table upserts into retraction and addition pairs so
// that aggregations over tables can undo a row's previous contribution.
type TableChanges struct {
	Input Node
}

func (t *TableChanges) Schema() Schema         { return t.Input.Schema() }
func (t *TableChanges) Kind() types.SourceKind { return types.SourceStream }
func (t *TableChanges) Key() []Expr            { return t.Input.Key() }
func (t *TableChanges) Children() []Node       { return []Node{t.Input} }
func (t *TableChanges) isNode()                {}

// WindowType is the kind of a [Window].
type WindowType int

// Recognized values of [WindowType].
const (
	WindowTumbling WindowType = iota + 1
	WindowHopping
	WindowSession
)

func (t WindowType) String() string {
	switch t {
	case WindowTumbling:
		return "TUMBLING"
	case WindowHopping:
		return "HOPPING"
	case WindowSession:
		return "SESSION"
	}
	return "NONE"
}

// Window buckets event time. Gap is only used by session windows, Advance
// only by hopping windows.
type Window struct {
	Type    WindowType
	Size    time.Duration
	Advance time.Duration
	Gap     time.Duration
	Grace   time.Duration
}

func (w *Window) String() string {
	switch w.Type {
	case WindowSession:
		return "SESSION(gap=" + w.Gap.String() + ", grace=" + w.Grace.String() + ")"
	case WindowHopping:
		return "HOPPING(size=" + w.Size.String() + ", advance=" + w.Advance.String() + ", grace=" + w.Grace.String() + ")"
	}
	return "TUMBLING(size=" + w.Size.String() + ", grace=" + w.Grace.String() + ")"
}

// Aggregate groups records by GroupBy (and Window) and folds Aggregates.
// Its output schema is the group columns followed by one column per
// aggregate.
type Aggregate struct {
	Input      Node
	GroupBy    []Expr
	Aggregates []*AggregateCall
	Window     *Window
	// Final suppresses intermediate updates; a window's result is emitted
	// once when it closes.
	Final bool

	fields Schema
}

func (a *Aggregate) Schema() Schema         { return a.fields }
func (a *Aggregate) Kind() types.SourceKind { return types.SourceTable }
func (a *Aggregate) Key() []Expr            { return a.GroupBy }
func (a *Aggregate) Children() []Node       { return []Node{a.Input} }
func (a *Aggregate) isNode()                {}

// JoinType is INNER or LEFT.
type JoinType int

// Recognized values of [JoinType].
const (
	JoinInner JoinType = iota
	JoinLeft
)

func (t JoinType) String() string {
	if t == JoinLeft {
		return "LEFT"
	}
	return "INNER"
}

// JoinKind distinguishes the two join strategies.
type JoinKind int

// Recognized values of [JoinKind].
const (
	StreamStream JoinKind = iota + 1
	StreamTable
)

func (k JoinKind) String() string {
	if k == StreamTable {
		return "STREAM-TABLE"
	}
	return "STREAM-STREAM"
}

// Join combines two relations on LeftKey = RightKey. LeftKey is resolved
// against the left schema and RightKey against the right schema.
type Join struct {
	Left, Right Node
	Type        JoinType
	Strategy    JoinKind
	LeftKey     Expr
	RightKey    Expr
	// Within is the skew window of stream-stream joins.
	Within time.Duration
}

func (j *Join) Schema() Schema {
	l, r := j.Left.Schema(), j.Right.Schema()
	out := make(Schema, 0, len(l)+len(r))
	out = append(out, l...)
	return append(out, r...)
}
func (j *Join) Kind() types.SourceKind { return types.SourceStream }
func (j *Join) Key() []Expr            { return []Expr{j.LeftKey} }
func (j *Join) Children() []Node       { return []Node{j.Left, j.Right} }
func (j *Join) isNode()                {}

// Limit stops the query after Count records.
type Limit struct {
	Input Node
	Count int
}

func (l *Limit) Schema() Schema         { return l.Input.Schema() }
func (l *Limit) Kind() types.SourceKind { return l.Input.Kind() }
func (l *Limit) Key() []Expr            { return l.Input.Key() }
func (l *Limit) Children() []Node       { return []Node{l.Input} }
func (l *Limit) isNode()                {}

// SinkTarget describes where a persistent query writes.
type SinkTarget struct {
	Name       string
	Kind       types.SourceKind
	Topic      string
	Format     string
	Delimiter  string
	Partitions int
}

// Sink is the root of every plan. A nil Target delivers results to the
// interactive client.
type Sink struct {
	Input  Node
	Target *SinkTarget
}

func (s *Sink) Schema() Schema         { return s.Input.Schema() }
func (s *Sink) Kind() types.SourceKind { return s.Input.Kind() }
func (s *Sink) Key() []Expr            { return s.Input.Key() }
func (s *Sink) Children() []Node       { return []Node{s.Input} }
func (s *Sink) isNode()                {}
