package physical

import (
	"fmt"
	"time"

	"github.com/grafana/streamql/pkg/types"
)

// NodeType identifies the operator a [Node] is lowered to.
type NodeType uint32

const (
	NodeTypeInvalid NodeType = iota
	NodeTypeSourceScan
	NodeTypeFilter
	NodeTypeProjection
	NodeTypeRepartitionSink
	NodeTypeTableChanges
	NodeTypeAggregation
	NodeTypeStreamTableJoin
	NodeTypeStreamStreamJoin
	NodeTypeLimit
	NodeTypeSink
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeSourceScan:
		return "SourceScan"
	case NodeTypeFilter:
		return "Filter"
	case NodeTypeProjection:
		return "Projection"
	case NodeTypeRepartitionSink:
		return "RepartitionSink"
	case NodeTypeTableChanges:
		return "TableChanges"
	case NodeTypeAggregation:
		return "Aggregation"
	case NodeTypeStreamTableJoin:
		return "StreamTableJoin"
	case NodeTypeStreamStreamJoin:
		return "StreamStreamJoin"
	case NodeTypeLimit:
		return "Limit"
	case NodeTypeSink:
		return "Sink"
	default:
		return "Undefined"
	}
}

// Node is an operator of a sub-topology. Records flow from children to
// parents.
type Node interface {
	// ID uniquely identifies the node within its topology.
	ID() string
	Type() NodeType
	// Accept dispatches the node to the matching method of v.
	Accept(v Visitor) error
	isNode()
}

var (
	_ Node = (*SourceScan)(nil)
	_ Node = (*Filter)(nil)
	_ Node = (*Projection)(nil)
	_ Node = (*RepartitionSink)(nil)
	_ Node = (*TableChanges)(nil)
	_ Node = (*Aggregation)(nil)
	_ Node = (*StreamTableJoin)(nil)
	_ Node = (*StreamStreamJoin)(nil)
	_ Node = (*Limit)(nil)
	_ Node = (*Sink)(nil)
)

func nodeID(id string, n any) string {
	if id == "" {
		return fmt.Sprintf("%p", n)
	}
	return id
}

// JoinSide tells a join which input a [SourceScan] feeds.
type JoinSide uint8

// Recognized values of [JoinSide].
const (
	SideNone JoinSide = iota
	SideLeft
	SideRight
)

func (s JoinSide) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	}
	return "none"
}

// SourceScan reads one topic partition and decodes its records.
type SourceScan struct {
	id string

	Source string
	Topic  string
	Kind   types.SourceKind
	// Schema is the decoded row layout.
	Schema     types.Schema
	Format     string
	Delimiter  string
	Partitions int
	KeyType    types.Type
	// TimestampIndex is the column holding event time, -1 to use the record
	// timestamp.
	TimestampIndex int
	// Windowed sources carry window bounds in their keys.
	Windowed bool
	// Internal sources read repartition topics written by [RepartitionSink].
	Internal bool
	// FromEarliest reads from the beginning of the topic instead of the
	// query's start offset. Set for materialized tables and internal topics.
	FromEarliest bool
	// Side is set when the scan feeds a join.
	Side JoinSide
}

func (n *SourceScan) ID() string             { return nodeID(n.id, n) }
func (*SourceScan) Type() NodeType           { return NodeTypeSourceScan }
func (n *SourceScan) Accept(v Visitor) error { return v.VisitSourceScan(n) }
func (*SourceScan) isNode()                  {}

// Filter drops records whose predicate is not TRUE. When Table is set,
// rejected rows are forwarded as deletes of their key.
type Filter struct {
	id string

	Predicate Expression
	Table     bool
}

func (n *Filter) ID() string             { return nodeID(n.id, n) }
func (*Filter) Type() NodeType           { return NodeTypeFilter }
func (n *Filter) Accept(v Visitor) error { return v.VisitFilter(n) }
func (*Filter) isNode()                  {}

// Projection computes output columns.
type Projection struct {
	id string

	Columns []Expression
	Names   []string
}

func (n *Projection) ID() string             { return nodeID(n.id, n) }
func (*Projection) Type() NodeType           { return NodeTypeProjection }
func (n *Projection) Accept(v Visitor) error { return v.VisitProjection(n) }
func (*Projection) isNode()                  {}

// RepartitionSink re-keys records and writes them to an internal topic read
// by a downstream sub-topology.
type RepartitionSink struct {
	id string

	Topic      string
	Partitions int
	Keys       []Expression
	KeyType    types.Type
	Schema     types.Schema
}

func (n *RepartitionSink) ID() string             { return nodeID(n.id, n) }
func (*RepartitionSink) Type() NodeType           { return NodeTypeRepartitionSink }
func (n *RepartitionSink) Accept(v Visitor) error { return v.VisitRepartitionSink(n) }
func (*RepartitionSink) isNode()                  {}

// TableChanges converts a table changelog into retractions of the previous
// row followed by additions of the new row.
type TableChanges struct {
	id string

	Store string
}

func (n *TableChanges) ID() string             { return nodeID(n.id, n) }
func (*TableChanges) Type() NodeType           { return NodeTypeTableChanges }
func (n *TableChanges) Accept(v Visitor) error { return v.VisitTableChanges(n) }
func (*TableChanges) isNode()                  {}

// WindowType is the kind of a [Window].
type WindowType uint8

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

// Window configures windowed aggregation.
type Window struct {
	Type    WindowType
	Size    time.Duration
	Advance time.Duration
	Gap     time.Duration
	Grace   time.Duration
}

// Aggregation folds records into per-group (and per-window) accumulators.
// Output rows are the group columns followed by the aggregate results.
type Aggregation struct {
	id string

	GroupBy    []Expression
	Aggregates []*AggregateExpr
	Window     *Window
	Final      bool
	Store      string
}

func (n *Aggregation) ID() string             { return nodeID(n.id, n) }
func (*Aggregation) Type() NodeType           { return NodeTypeAggregation }
func (n *Aggregation) Accept(v Visitor) error { return v.VisitAggregation(n) }
func (*Aggregation) isNode()                  {}

// StreamTableJoin enriches stream records with the table row valid at the
// record's event time. Its first child is the stream, its second the table.
type StreamTableJoin struct {
	id string

	Left       bool
	LeftKey    Expression
	RightWidth int
	Store      string
}

func (n *StreamTableJoin) ID() string             { return nodeID(n.id, n) }
func (*StreamTableJoin) Type() NodeType           { return NodeTypeStreamTableJoin }
func (n *StreamTableJoin) Accept(v Visitor) error { return v.VisitStreamTableJoin(n) }
func (*StreamTableJoin) isNode()                  {}

// StreamStreamJoin matches records of two streams whose event times are at
// most Within apart.
type StreamStreamJoin struct {
	id string

	Left       bool
	LeftKey    Expression
	RightKey   Expression
	LeftWidth  int
	RightWidth int
	Within     time.Duration
	LeftStore  string
	RightStore string
}

func (n *StreamStreamJoin) ID() string             { return nodeID(n.id, n) }
func (*StreamStreamJoin) Type() NodeType           { return NodeTypeStreamStreamJoin }
func (n *StreamStreamJoin) Accept(v Visitor) error { return v.VisitStreamStreamJoin(n) }
func (*StreamStreamJoin) isNode()                  {}

// Limit stops the query after Count records across all tasks.
type Limit struct {
	id string

	Count int
}

func (n *Limit) ID() string             { return nodeID(n.id, n) }
func (*Limit) Type() NodeType           { return NodeTypeLimit }
func (n *Limit) Accept(v Visitor) error { return v.VisitLimit(n) }
func (*Limit) isNode()                  {}

// Sink writes results to a topic or, when Interactive, to the client.
type Sink struct {
	id string

	Name        string
	Interactive bool
	Kind        types.SourceKind
	Topic       string
	Format      string
	Delimiter   string
	Partitions  int
	Schema      types.Schema
	KeyType     types.Type
	Windowed    bool
}

func (n *Sink) ID() string             { return nodeID(n.id, n) }
func (*Sink) Type() NodeType           { return NodeTypeSink }
func (n *Sink) Accept(v Visitor) error { return v.VisitSink(n) }
func (*Sink) isNode()                  {}
