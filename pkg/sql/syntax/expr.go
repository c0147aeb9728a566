package syntax

import (
	"strconv"
	"strings"

	"github.com/grafana/streamql/pkg/types"
)

// Expr is a parsed scalar expression.
type Expr interface {
	String() string
	isExpr()
}

func (*Identifier) isExpr()    {}
func (*IntLiteral) isExpr()    {}
func (*FloatLiteral) isExpr()  {}
func (*StringLiteral) isExpr() {}
func (*BoolLiteral) isExpr()   {}
func (*NullLiteral) isExpr()   {}
func (*BinaryExpr) isExpr()    {}
func (*UnaryExpr) isExpr()     {}
func (*IsNullExpr) isExpr()    {}
func (*BetweenExpr) isExpr()   {}
func (*FuncCall) isExpr()      {}
func (*IndexExpr) isExpr()     {}
func (*CastExpr) isExpr()      {}

// Identifier references a column, optionally qualified by a source name or
// alias.
type Identifier struct {
	Qualifier string
	Name      string
}

func (e *Identifier) String() string {
	if e.Qualifier != "" {
		return quoteIdent(e.Qualifier) + "." + quoteIdent(e.Name)
	}
	return quoteIdent(e.Name)
}

// IntLiteral is an integer literal.
type IntLiteral struct{ Value int64 }

func (e *IntLiteral) String() string { return strconv.FormatInt(e.Value, 10) }

// FloatLiteral is a decimal literal.
type FloatLiteral struct{ Value float64 }

func (e *FloatLiteral) String() string {
	s := strconv.FormatFloat(e.Value, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// StringLiteral is a single quoted string literal.
type StringLiteral struct{ Value string }

func (e *StringLiteral) String() string { return quoteString(e.Value) }

// BoolLiteral is TRUE or FALSE.
type BoolLiteral struct{ Value bool }

func (e *BoolLiteral) String() string {
	if e.Value {
		return "TRUE"
	}
	return "FALSE"
}

// NullLiteral is NULL.
type NullLiteral struct{}

func (e *NullLiteral) String() string { return "NULL" }

// BinaryExpr applies a binary operator. LIKE and NOT LIKE are binary
// operators too.
type BinaryExpr struct {
	Op          types.BinaryOp
	Left, Right Expr
}

func (e *BinaryExpr) String() string {
	return "(" + e.Left.String() + " " + e.Op.String() + " " + e.Right.String() + ")"
}

// UnaryExpr applies NOT or arithmetic negation.
type UnaryExpr struct {
	Op   types.UnaryOp
	Expr Expr
}

func (e *UnaryExpr) String() string {
	if e.Op == types.UnaryOpNot {
		return "(NOT " + e.Expr.String() + ")"
	}
	return "(-" + e.Expr.String() + ")"
}

// IsNullExpr is expr IS [NOT] NULL.
type IsNullExpr struct {
	Expr Expr
	Not  bool
}

func (e *IsNullExpr) String() string {
	if e.Not {
		return "(" + e.Expr.String() + " IS NOT NULL)"
	}
	return "(" + e.Expr.String() + " IS NULL)"
}

// BetweenExpr is expr [NOT] BETWEEN low AND high.
type BetweenExpr struct {
	Expr      Expr
	Low, High Expr
	Not       bool
}

func (e *BetweenExpr) String() string {
	op := " BETWEEN "
	if e.Not {
		op = " NOT BETWEEN "
	}
	return "(" + e.Expr.String() + op + e.Low.String() + " AND " + e.High.String() + ")"
}

// FuncCall is a scalar or aggregate function call. Star is set for COUNT(*).
type FuncCall struct {
	Name string
	Args []Expr
	Star bool
}

func (e *FuncCall) String() string {
	if e.Star {
		return quoteIdent(e.Name) + "(*)"
	}
	return quoteIdent(e.Name) + "(" + joinExprs(e.Args) + ")"
}

// IndexExpr is expr[index], used for arrays (integer index) and maps
// (string key).
type IndexExpr struct {
	Expr  Expr
	Index Expr
}

func (e *IndexExpr) String() string { return e.Expr.String() + "[" + e.Index.String() + "]" }

// CastExpr is CAST(expr AS type).
type CastExpr struct {
	Expr Expr
	Type types.Type
}

func (e *CastExpr) String() string { return "CAST(" + e.Expr.String() + " AS " + e.Type.String() + ")" }

// Walk traverses e in depth-first order, calling fn for each node. If fn
// returns false the children of that node are skipped.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch e := e.(type) {
	case *BinaryExpr:
		Walk(e.Left, fn)
		Walk(e.Right, fn)
	case *UnaryExpr:
		Walk(e.Expr, fn)
	case *IsNullExpr:
		Walk(e.Expr, fn)
	case *BetweenExpr:
		Walk(e.Expr, fn)
		Walk(e.Low, fn)
		Walk(e.High, fn)
	case *FuncCall:
		for _, a := range e.Args {
			Walk(a, fn)
		}
	case *IndexExpr:
		Walk(e.Expr, fn)
		Walk(e.Index, fn)
	case *CastExpr:
		Walk(e.Expr, fn)
	}
}
