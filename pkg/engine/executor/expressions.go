package executor

import (
	"fmt"
	"math"
	"strings"

	"github.com/grafana/regexp"

	"github.com/grafana/streamql/pkg/engine/planner/physical"
	"github.com/grafana/streamql/pkg/types"
)

// expressionEvaluator evaluates physical expressions against a record. NULL
// operands yield NULL except for the logical operators, which follow SQL
// three valued logic.
type expressionEvaluator struct {
	// patterns caches compiled LIKE patterns by their source.
	patterns map[string]*regexp.Regexp
}

func newExpressionEvaluator() *expressionEvaluator {
	return &expressionEvaluator{patterns: map[string]*regexp.Regexp{}}
}

func (e *expressionEvaluator) eval(expr physical.Expression, rec Record) (types.Value, error) {
	switch expr := expr.(type) {
	case *physical.LiteralExpr:
		return expr.Value, nil

	case *physical.ColumnExpr:
		if expr.Index < 0 || expr.Index >= len(rec.Row) {
			return types.Value{}, fmt.Errorf("column %s out of range for row of %d columns", expr, len(rec.Row))
		}
		return rec.Row[expr.Index], nil

	case *physical.PseudoExpr:
		switch expr.Column {
		case physical.PseudoRowTime:
			return types.IntValue(rec.Timestamp), nil
		case physical.PseudoRowKey:
			return rec.Key, nil
		case physical.PseudoWindowStart:
			if rec.Window == nil {
				return types.NullValue(), nil
			}
			return types.IntValue(rec.Window.Start), nil
		case physical.PseudoWindowEnd:
			if rec.Window == nil {
				return types.NullValue(), nil
			}
			return types.IntValue(rec.Window.End), nil
		}
		return types.Value{}, fmt.Errorf("unknown pseudo column %s", expr.Column)

	case *physical.UnaryExpr:
		v, err := e.eval(expr.Left, rec)
		if err != nil || v.IsNull() {
			return v, err
		}
		switch expr.Op {
		case types.UnaryOpNot:
			return types.BoolValue(!v.Bool()), nil
		case types.UnaryOpNeg:
			if v.Kind() == types.KindDouble {
				return types.DoubleValue(-v.Float()), nil
			}
			return types.IntValue(-v.Int()), nil
		}
		return types.Value{}, fmt.Errorf("unsupported unary operator %s", expr.Op)

	case *physical.BinaryExpr:
		return e.evalBinary(expr, rec)

	case *physical.CallExpr:
		args := make([]types.Value, len(expr.Args))
		for i, a := range expr.Args {
			v, err := e.eval(a, rec)
			if err != nil {
				return types.Value{}, err
			}
			if v.IsNull() && !expr.Func.NullAware {
				return types.NullValue(), nil
			}
			args[i] = v
		}
		v, err := expr.Func.Eval(args)
		if err != nil {
			return types.Value{}, fmt.Errorf("%s: %w", expr.Func.Name, err)
		}
		return v, nil

	case *physical.IndexExpr:
		return e.evalIndex(expr, rec)

	case *physical.CastExpr:
		v, err := e.eval(expr.Left, rec)
		if err != nil {
			return types.Value{}, err
		}
		out, err := types.Coerce(v, expr.To)
		if err != nil {
			// Failed casts yield NULL rather than failing the query.
			return types.NullValue(), nil
		}
		return out, nil

	case *physical.IsNullExpr:
		v, err := e.eval(expr.Left, rec)
		if err != nil {
			return types.Value{}, err
		}
		return types.BoolValue(v.IsNull() != expr.Not), nil

	case *physical.BetweenExpr:
		v, err := e.eval(expr.Left, rec)
		if err != nil {
			return types.Value{}, err
		}
		lo, err := e.eval(expr.Low, rec)
		if err != nil {
			return types.Value{}, err
		}
		hi, err := e.eval(expr.High, rec)
		if err != nil {
			return types.Value{}, err
		}
		c1, ok1 := v.Compare(lo)
		c2, ok2 := v.Compare(hi)
		if !ok1 || !ok2 {
			return types.NullValue(), nil
		}
		return types.BoolValue((c1 >= 0 && c2 <= 0) != expr.Not), nil
	}
	return types.Value{}, fmt.Errorf("unsupported expression %T", expr)
}

func (e *expressionEvaluator) evalBinary(expr *physical.BinaryExpr, rec Record) (types.Value, error) {
	left, err := e.eval(expr.Left, rec)
	if err != nil {
		return types.Value{}, err
	}
	if expr.Op.IsLogical() {
		// Short circuit where the left operand decides the result.
		if !left.IsNull() {
			if expr.Op == types.BinaryOpAnd && !left.Bool() {
				return types.BoolValue(false), nil
			}
			if expr.Op == types.BinaryOpOr && left.Bool() {
				return types.BoolValue(true), nil
			}
		}
		right, err := e.eval(expr.Right, rec)
		if err != nil {
			return types.Value{}, err
		}
		return threeValued(expr.Op, left, right), nil
	}

	right, err := e.eval(expr.Right, rec)
	if err != nil {
		return types.Value{}, err
	}
	if left.IsNull() || right.IsNull() {
		return types.NullValue(), nil
	}

	switch {
	case expr.Op.IsComparison():
		return compare(expr.Op, left, right), nil
	case expr.Op.IsArithmetic():
		return arithmetic(expr.Op, left, right)
	case expr.Op == types.BinaryOpLike, expr.Op == types.BinaryOpNotLike:
		re, err := e.likePattern(right.Str())
		if err != nil {
			return types.Value{}, err
		}
		return types.BoolValue(re.MatchString(left.Str()) == (expr.Op == types.BinaryOpLike)), nil
	}
	return types.Value{}, fmt.Errorf("unsupported binary operator %s", expr.Op)
}

func threeValued(op types.BinaryOp, left, right types.Value) types.Value {
	switch op {
	case types.BinaryOpAnd:
		if (!left.IsNull() && !left.Bool()) || (!right.IsNull() && !right.Bool()) {
			return types.BoolValue(false)
		}
		if left.IsNull() || right.IsNull() {
			return types.NullValue()
		}
		return types.BoolValue(true)
	default:
		if left.Bool() || right.Bool() {
			return types.BoolValue(true)
		}
		if left.IsNull() || right.IsNull() {
			return types.NullValue()
		}
		return types.BoolValue(false)
	}
}

func compare(op types.BinaryOp, left, right types.Value) types.Value {
	if op == types.BinaryOpEq || op == types.BinaryOpNeq {
		return types.BoolValue(left.Equal(right) == (op == types.BinaryOpEq))
	}
	c, ok := left.Compare(right)
	if !ok {
		return types.NullValue()
	}
	switch op {
	case types.BinaryOpGt:
		return types.BoolValue(c > 0)
	case types.BinaryOpGte:
		return types.BoolValue(c >= 0)
	case types.BinaryOpLt:
		return types.BoolValue(c < 0)
	default:
		return types.BoolValue(c <= 0)
	}
}

func arithmetic(op types.BinaryOp, left, right types.Value) (types.Value, error) {
	if op == types.BinaryOpAdd && left.Kind() == types.KindString && right.Kind() == types.KindString {
		return types.StringValue(left.Str() + right.Str()), nil
	}
	if !left.IsNumeric() || !right.IsNumeric() {
		return types.Value{}, fmt.Errorf("%w: %s %s %s", types.ErrType, left.Kind(), op, right.Kind())
	}

	if left.Kind() == types.KindDouble || right.Kind() == types.KindDouble {
		a, b := left.Float(), right.Float()
		switch op {
		case types.BinaryOpAdd:
			return types.DoubleValue(a + b), nil
		case types.BinaryOpSub:
			return types.DoubleValue(a - b), nil
		case types.BinaryOpMul:
			return types.DoubleValue(a * b), nil
		case types.BinaryOpDiv:
			if b == 0 {
				return types.NullValue(), nil
			}
			return types.DoubleValue(a / b), nil
		default:
			if b == 0 {
				return types.NullValue(), nil
			}
			return types.DoubleValue(math.Mod(a, b)), nil
		}
	}

	a, b := left.Int(), right.Int()
	switch op {
	case types.BinaryOpAdd:
		return types.IntValue(a + b), nil
	case types.BinaryOpSub:
		return types.IntValue(a - b), nil
	case types.BinaryOpMul:
		return types.IntValue(a * b), nil
	case types.BinaryOpDiv:
		if b == 0 {
			return types.NullValue(), nil
		}
		return types.IntValue(a / b), nil
	default:
		if b == 0 {
			return types.NullValue(), nil
		}
		return types.IntValue(a % b), nil
	}
}

func (e *expressionEvaluator) evalIndex(expr *physical.IndexExpr, rec Record) (types.Value, error) {
	coll, err := e.eval(expr.Left, rec)
	if err != nil {
		return types.Value{}, err
	}
	key, err := e.eval(expr.Key, rec)
	if err != nil {
		return types.Value{}, err
	}
	if coll.IsNull() || key.IsNull() {
		return types.NullValue(), nil
	}
	switch coll.Kind() {
	case types.KindArray:
		arr := coll.Array()
		i := key.Int()
		// Negative indexes count from the end.
		if i < 0 {
			i += int64(len(arr))
		}
		if i < 0 || i >= int64(len(arr)) {
			return types.NullValue(), nil
		}
		return arr[i], nil
	case types.KindMap:
		v, ok := coll.Map()[key.Str()]
		if !ok {
			return types.NullValue(), nil
		}
		return v, nil
	}
	return types.Value{}, fmt.Errorf("%w: cannot index %s", types.ErrType, coll.Kind())
}

// likePattern translates a LIKE pattern into an anchored regular expression.
// % matches any sequence and _ any single character.
func (e *expressionEvaluator) likePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := e.patterns[pattern]; ok {
		return re, nil
	}
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid LIKE pattern %q: %w", pattern, err)
	}
	e.patterns[pattern] = re
	return re, nil
}

// isTrue reports whether a predicate result admits a row.
func isTrue(v types.Value) bool {
	return v.Kind() == types.KindBoolean && v.Bool()
}
