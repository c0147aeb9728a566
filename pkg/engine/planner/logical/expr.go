package logical

import (
	"strconv"
	"strings"

	"github.com/grafana/streamql/pkg/engine/function"
	"github.com/grafana/streamql/pkg/types"
)

// Names of the pseudo columns available in every query.
const (
	PseudoRowTime     = "ROWTIME"
	PseudoRowKey      = "ROWKEY"
	PseudoWindowStart = "WINDOWSTART"
	PseudoWindowEnd   = "WINDOWEND"
)

// Expr is a resolved, statically typed expression.
type Expr interface {
	Type() types.Type
	String() string
	isExpr()
}

var (
	_ Expr = (*ColumnRef)(nil)
	_ Expr = (*Pseudo)(nil)
	_ Expr = (*Literal)(nil)
	_ Expr = (*BinOp)(nil)
	_ Expr = (*UnaryOp)(nil)
	_ Expr = (*Call)(nil)
	_ Expr = (*AggregateCall)(nil)
	_ Expr = (*Index)(nil)
	_ Expr = (*Cast)(nil)
	_ Expr = (*IsNull)(nil)
	_ Expr = (*Between)(nil)
)

// ColumnRef references the column at Index of the input schema of the node
// the expression belongs to.
type ColumnRef struct {
	Qualifier string
	Name      string
	Index     int
	Typ       types.Type
}

func (c *ColumnRef) Type() types.Type { return c.Typ }

func (c *ColumnRef) String() string {
	if c.Qualifier != "" {
		return c.Qualifier + "." + c.Name
	}
	return c.Name
}

func (c *ColumnRef) isExpr() {}

// Pseudo references record metadata: event time, key or window bounds.
type Pseudo struct {
	Name string
	Typ  types.Type
}

func (p *Pseudo) Type() types.Type { return p.Typ }
func (p *Pseudo) String() string   { return p.Name }
func (p *Pseudo) isExpr()          {}

// Literal is a constant value.
type Literal struct {
	Value types.Value
	Typ   types.Type
}

func (l *Literal) Type() types.Type { return l.Typ }

func (l *Literal) String() string {
	if l.Value.Kind() == types.KindString {
		return "'" + strings.ReplaceAll(l.Value.Str(), "'", "''") + "'"
	}
	return l.Value.String()
}

func (l *Literal) isExpr() {}

// NewLiteral returns a literal holding v.
func NewLiteral(v types.Value) *Literal {
	switch v.Kind() {
	case types.KindBoolean:
		return &Literal{Value: v, Typ: types.Boolean}
	case types.KindInt, types.KindBigInt:
		return &Literal{Value: v, Typ: types.BigInt}
	case types.KindDouble:
		return &Literal{Value: v, Typ: types.Double}
	case types.KindString:
		return &Literal{Value: v, Typ: types.String}
	}
	return &Literal{Value: types.NullValue(), Typ: types.Null}
}

// BinOp applies a binary operator.
type BinOp struct {
	Op          types.BinaryOp
	Left, Right Expr
	Typ         types.Type
}

func (b *BinOp) Type() types.Type { return b.Typ }
func (b *BinOp) String() string {
	return "(" + b.Left.String() + " " + b.Op.String() + " " + b.Right.String() + ")"
}
func (b *BinOp) isExpr() {}

// UnaryOp applies NOT or negation.
type UnaryOp struct {
	Op    types.UnaryOp
	Value Expr
	Typ   types.Type
}

func (u *UnaryOp) Type() types.Type { return u.Typ }
func (u *UnaryOp) String() string {
	if u.Op == types.UnaryOpNot {
		return "(NOT " + u.Value.String() + ")"
	}
	return "(-" + u.Value.String() + ")"
}
func (u *UnaryOp) isExpr() {}

// Call invokes a scalar function.
type Call struct {
	Func function.Scalar
	Args []Expr
	Typ  types.Type
}

func (c *Call) Type() types.Type { return c.Typ }
func (c *Call) String() string   { return c.Func.Name + "(" + joinExprs(c.Args) + ")" }
func (c *Call) isExpr()          {}

// AggregateCall invokes an aggregate function. It only appears in the
// Aggregates of an [Aggregate] node.
type AggregateCall struct {
	Func function.Aggregate
	Args []Expr
	Star bool
	Typ  types.Type
}

func (a *AggregateCall) Type() types.Type { return a.Typ }
func (a *AggregateCall) String() string {
	if a.Star {
		return a.Func.Name + "(*)"
	}
	return a.Func.Name + "(" + joinExprs(a.Args) + ")"
}
func (a *AggregateCall) isExpr() {}

// ArgTypes returns the static types of the arguments.
func (a *AggregateCall) ArgTypes() []types.Type {
	out := make([]types.Type, len(a.Args))
	for i, arg := range a.Args {
		out[i] = arg.Type()
	}
	return out
}

// Index looks up an array element (0-based) or a map entry.
type Index struct {
	Value Expr
	Key   Expr
	Typ   types.Type
}

func (i *Index) Type() types.Type { return i.Typ }
func (i *Index) String() string   { return i.Value.String() + "[" + i.Key.String() + "]" }
func (i *Index) isExpr()          {}

// Cast converts a value to another type.
type Cast struct {
	Value Expr
	To    types.Type
}

func (c *Cast) Type() types.Type { return c.To }
func (c *Cast) String() string   { return "CAST(" + c.Value.String() + " AS " + c.To.String() + ")" }
func (c *Cast) isExpr()          {}

// IsNull tests a value for NULL.
type IsNull struct {
	Value Expr
	Not   bool
}

func (n *IsNull) Type() types.Type { return types.Boolean }
func (n *IsNull) String() string {
	if n.Not {
		return "(" + n.Value.String() + " IS NOT NULL)"
	}
	return "(" + n.Value.String() + " IS NULL)"
}
func (n *IsNull) isExpr() {}

// Between tests Low <= Value <= High.
type Between struct {
	Value, Low, High Expr
	Not              bool
}

func (b *Between) Type() types.Type { return types.Boolean }
func (b *Between) String() string {
	op := " BETWEEN "
	if b.Not {
		op = " NOT BETWEEN "
	}
	return "(" + b.Value.String() + op + b.Low.String() + " AND " + b.High.String() + ")"
}
func (b *Between) isExpr() {}

func joinExprs(exprs []Expr) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

// KeySignature identifies a partitioning key by the expressions computing it.
// Two relations are co-partitioned only if their signatures match.
func KeySignature(exprs []Expr) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = strings.ToUpper(e.String())
	}
	return strings.Join(parts, ",")
}

// KeyType returns the type of the record key computed by exprs.
func KeyType(exprs []Expr) types.Type {
	if len(exprs) == 1 {
		return exprs[0].Type()
	}
	return types.String
}

func syntheticName(prefix string, i int) string {
	return prefix + strconv.Itoa(i)
}
