package physical

import (
	"fmt"
	"strings"

	"github.com/grafana/streamql/pkg/engine/function"
	"github.com/grafana/streamql/pkg/types"
)

// ExpressionType represents the type of expression in the physical plan.
type ExpressionType uint32

const (
	_ ExpressionType = iota // zero-value is an invalid type

	ExprTypeUnary
	ExprTypeBinary
	ExprTypeLiteral
	ExprTypeColumn
	ExprTypePseudo
	ExprTypeCall
	ExprTypeIndex
	ExprTypeCast
	ExprTypeIsNull
	ExprTypeBetween
)

// String returns the string representation of the [ExpressionType].
func (t ExpressionType) String() string {
	switch t {
	case ExprTypeUnary:
		return "UnaryExpression"
	case ExprTypeBinary:
		return "BinaryExpression"
	case ExprTypeLiteral:
		return "LiteralExpression"
	case ExprTypeColumn:
		return "ColumnExpression"
	case ExprTypePseudo:
		return "PseudoExpression"
	case ExprTypeCall:
		return "CallExpression"
	case ExprTypeIndex:
		return "IndexExpression"
	case ExprTypeCast:
		return "CastExpression"
	case ExprTypeIsNull:
		return "IsNullExpression"
	case ExprTypeBetween:
		return "BetweenExpression"
	default:
		panic(fmt.Sprintf("unknown expression type %d", t))
	}
}

// Expression is the common interface for all expressions in a physical plan.
// Column references are resolved to ordinals of the input row.
type Expression interface {
	fmt.Stringer
	Type() ExpressionType
	// DataType is the static type of the expression's result.
	DataType() types.Type
	isExpr()
}

// UnaryExpr applies NOT or negation.
type UnaryExpr struct {
	Left Expression
	Op   types.UnaryOp
	Typ  types.Type
}

func (*UnaryExpr) isExpr()                {}
func (e *UnaryExpr) String() string       { return fmt.Sprintf("%s(%s)", e.Op, e.Left) }
func (*UnaryExpr) Type() ExpressionType   { return ExprTypeUnary }
func (e *UnaryExpr) DataType() types.Type { return e.Typ }

// BinaryExpr applies a binary operator.
type BinaryExpr struct {
	Left, Right Expression
	Op          types.BinaryOp
	Typ         types.Type
}

func (*BinaryExpr) isExpr() {}
func (e *BinaryExpr) String() string {
	return fmt.Sprintf("%s(%s, %s)", e.Op, e.Left, e.Right)
}
func (*BinaryExpr) Type() ExpressionType   { return ExprTypeBinary }
func (e *BinaryExpr) DataType() types.Type { return e.Typ }

// LiteralExpr is a constant.
type LiteralExpr struct {
	Value types.Value
	Typ   types.Type
}

// NewLiteral returns a literal of type typ.
func NewLiteral(v types.Value, typ types.Type) *LiteralExpr {
	return &LiteralExpr{Value: v, Typ: typ}
}

func (*LiteralExpr) isExpr() {}
func (e *LiteralExpr) String() string {
	if e.Value.Kind() == types.KindString {
		return fmt.Sprintf("%q", e.Value.Str())
	}
	return e.Value.String()
}
func (*LiteralExpr) Type() ExpressionType   { return ExprTypeLiteral }
func (e *LiteralExpr) DataType() types.Type { return e.Typ }

// ColumnExpr reads the column at Index of the input row.
type ColumnExpr struct {
	Name  string
	Index int
	Typ   types.Type
}

func (*ColumnExpr) isExpr()                {}
func (e *ColumnExpr) String() string       { return fmt.Sprintf("%s#%d", e.Name, e.Index) }
func (*ColumnExpr) Type() ExpressionType   { return ExprTypeColumn }
func (e *ColumnExpr) DataType() types.Type { return e.Typ }

// Pseudo column identifiers.
type PseudoColumn uint8

// Recognized values of [PseudoColumn].
const (
	PseudoRowTime PseudoColumn = iota + 1
	PseudoRowKey
	PseudoWindowStart
	PseudoWindowEnd
)

func (p PseudoColumn) String() string {
	switch p {
	case PseudoRowTime:
		return "ROWTIME"
	case PseudoRowKey:
		return "ROWKEY"
	case PseudoWindowStart:
		return "WINDOWSTART"
	case PseudoWindowEnd:
		return "WINDOWEND"
	}
	return "UNKNOWN"
}

// PseudoExpr reads record metadata.
type PseudoExpr struct {
	Column PseudoColumn
	Typ    types.Type
}

func (*PseudoExpr) isExpr()                {}
func (e *PseudoExpr) String() string       { return e.Column.String() }
func (*PseudoExpr) Type() ExpressionType   { return ExprTypePseudo }
func (e *PseudoExpr) DataType() types.Type { return e.Typ }

// CallExpr invokes a scalar function.
type CallExpr struct {
	Func function.Scalar
	Args []Expression
	Typ  types.Type
}

func (*CallExpr) isExpr()                {}
func (e *CallExpr) String() string       { return e.Func.Name + "(" + joinExpressions(e.Args) + ")" }
func (*CallExpr) Type() ExpressionType   { return ExprTypeCall }
func (e *CallExpr) DataType() types.Type { return e.Typ }

// IndexExpr reads an array element or a map entry.
type IndexExpr struct {
	Left, Key Expression
	Typ       types.Type
}

func (*IndexExpr) isExpr()                {}
func (e *IndexExpr) String() string       { return fmt.Sprintf("%s[%s]", e.Left, e.Key) }
func (*IndexExpr) Type() ExpressionType   { return ExprTypeIndex }
func (e *IndexExpr) DataType() types.Type { return e.Typ }

// CastExpr converts a value.
type CastExpr struct {
	Left Expression
	To   types.Type
}

func (*CastExpr) isExpr()                {}
func (e *CastExpr) String() string       { return fmt.Sprintf("CAST(%s, %s)", e.Left, e.To) }
func (*CastExpr) Type() ExpressionType   { return ExprTypeCast }
func (e *CastExpr) DataType() types.Type { return e.To }

// IsNullExpr tests for NULL.
type IsNullExpr struct {
	Left Expression
	Not  bool
}

func (*IsNullExpr) isExpr() {}
func (e *IsNullExpr) String() string {
	if e.Not {
		return fmt.Sprintf("IS_NOT_NULL(%s)", e.Left)
	}
	return fmt.Sprintf("IS_NULL(%s)", e.Left)
}
func (*IsNullExpr) Type() ExpressionType { return ExprTypeIsNull }
func (*IsNullExpr) DataType() types.Type { return types.Boolean }

// BetweenExpr tests Low <= Left <= High.
type BetweenExpr struct {
	Left, Low, High Expression
	Not             bool
}

func (*BetweenExpr) isExpr() {}
func (e *BetweenExpr) String() string {
	name := "BETWEEN"
	if e.Not {
		name = "NOT_BETWEEN"
	}
	return fmt.Sprintf("%s(%s, %s, %s)", name, e.Left, e.Low, e.High)
}
func (*BetweenExpr) Type() ExpressionType { return ExprTypeBetween }
func (*BetweenExpr) DataType() types.Type { return types.Boolean }

// AggregateExpr is one aggregate computed by an [Aggregation].
type AggregateExpr struct {
	Func function.Aggregate
	Args []Expression
	Star bool
	Typ  types.Type
}

func (e *AggregateExpr) String() string {
	if e.Star {
		return e.Func.Name + "(*)"
	}
	return e.Func.Name + "(" + joinExpressions(e.Args) + ")"
}

// ArgTypes returns the static argument types.
func (e *AggregateExpr) ArgTypes() []types.Type {
	out := make([]types.Type, len(e.Args))
	for i, a := range e.Args {
		out[i] = a.DataType()
	}
	return out
}

func joinExpressions(exprs []Expression) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}
