package logical

import (
	"errors"
	"math"
	"strings"

	"github.com/grafana/streamql/pkg/catalog"
	"github.com/grafana/streamql/pkg/engine/function"
	"github.com/grafana/streamql/pkg/sql/syntax"
	"github.com/grafana/streamql/pkg/types"
)

func rowKeyType(e *catalog.Entry) types.Type {
	if e.KeyType.Kind == types.KindInvalid {
		return types.String
	}
	return e.KeyType
}

// resolver type checks syntax expressions against a schema.
type resolver struct {
	schema    Schema
	functions *function.Registry
	// keyType is the type of ROWKEY in this scope.
	keyType types.Type
	// windowed enables WINDOWSTART and WINDOWEND.
	windowed bool
	// hook, if set, is consulted before the default resolution of every
	// sub-expression. It is used to map expressions onto the output of an
	// aggregation.
	hook func(e syntax.Expr) (Expr, bool, error)
}

func (r *resolver) resolve(e syntax.Expr) (Expr, error) {
	if r.hook != nil {
		if out, ok, err := r.hook(e); err != nil || ok {
			return out, err
		}
	}

	switch e := e.(type) {
	case *syntax.Identifier:
		return r.resolveIdentifier(e)
	case *syntax.IntLiteral:
		if e.Value > math.MaxInt32 || e.Value < math.MinInt32 {
			return &Literal{Value: types.IntValue(e.Value), Typ: types.BigInt}, nil
		}
		return &Literal{Value: types.IntValue(e.Value), Typ: types.Int}, nil
	case *syntax.FloatLiteral:
		return &Literal{Value: types.DoubleValue(e.Value), Typ: types.Double}, nil
	case *syntax.StringLiteral:
		return &Literal{Value: types.StringValue(e.Value), Typ: types.String}, nil
	case *syntax.BoolLiteral:
		return &Literal{Value: types.BoolValue(e.Value), Typ: types.Boolean}, nil
	case *syntax.NullLiteral:
		return &Literal{Value: types.NullValue(), Typ: types.Null}, nil
	case *syntax.BinaryExpr:
		return r.resolveBinary(e)
	case *syntax.UnaryExpr:
		v, err := r.resolve(e.Expr)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case types.UnaryOpNot:
			if !isBoolean(v.Type()) {
				return nil, typeErrorf("NOT requires a BOOLEAN operand, got %s", v.Type())
			}
			return &UnaryOp{Op: e.Op, Value: v, Typ: types.Boolean}, nil
		default:
			if !v.Type().IsNumeric() && !v.Type().IsNull() {
				return nil, typeErrorf("cannot negate %s", v.Type())
			}
			return &UnaryOp{Op: e.Op, Value: v, Typ: v.Type()}, nil
		}
	case *syntax.IsNullExpr:
		v, err := r.resolve(e.Expr)
		if err != nil {
			return nil, err
		}
		return &IsNull{Value: v, Not: e.Not}, nil
	case *syntax.BetweenExpr:
		v, err := r.resolve(e.Expr)
		if err != nil {
			return nil, err
		}
		lo, err := r.resolve(e.Low)
		if err != nil {
			return nil, err
		}
		hi, err := r.resolve(e.High)
		if err != nil {
			return nil, err
		}
		if !types.Comparable(v.Type(), lo.Type()) || !types.Comparable(v.Type(), hi.Type()) {
			return nil, typeErrorf("cannot compare %s with %s and %s in BETWEEN", v.Type(), lo.Type(), hi.Type())
		}
		return &Between{Value: v, Low: lo, High: hi, Not: e.Not}, nil
	case *syntax.FuncCall:
		return r.resolveCall(e)
	case *syntax.IndexExpr:
		return r.resolveIndex(e)
	case *syntax.CastExpr:
		v, err := r.resolve(e.Expr)
		if err != nil {
			return nil, err
		}
		from := v.Type()
		if !from.IsNull() && from != e.Type && (!from.IsPrimitive() || !e.Type.IsPrimitive()) {
			return nil, typeErrorf("cannot cast %s to %s", from, e.Type)
		}
		return &Cast{Value: v, To: e.Type}, nil
	}
	return nil, typeErrorf("unsupported expression %s", e)
}

func isBoolean(t types.Type) bool { return t == types.Boolean || t.IsNull() }

func (r *resolver) resolveIdentifier(e *syntax.Identifier) (Expr, error) {
	idx, field, err := r.schema.Resolve(e.Qualifier, e.Name)
	if err == nil {
		return &ColumnRef{Qualifier: field.Qualifier, Name: field.Name, Index: idx, Typ: field.Type}, nil
	}
	var typeErr *TypeError
	if !errors.As(err, &typeErr) || strings.Contains(typeErr.Msg, "ambiguous") {
		return nil, err
	}
	if e.Qualifier != "" && !r.schema.HasQualifier(e.Qualifier) {
		return nil, typeErrorf("unknown source %s", e.Qualifier)
	}

	switch strings.ToUpper(e.Name) {
	case PseudoRowTime:
		return &Pseudo{Name: PseudoRowTime, Typ: types.BigInt}, nil
	case PseudoRowKey:
		return &Pseudo{Name: PseudoRowKey, Typ: r.keyType}, nil
	case PseudoWindowStart, PseudoWindowEnd:
		if !r.windowed {
			return nil, typeErrorf("%s is only available in windowed aggregations", strings.ToUpper(e.Name))
		}
		return &Pseudo{Name: strings.ToUpper(e.Name), Typ: types.BigInt}, nil
	}
	return nil, err
}

func (r *resolver) resolveBinary(e *syntax.BinaryExpr) (Expr, error) {
	left, err := r.resolve(e.Left)
	if err != nil {
		return nil, err
	}
	right, err := r.resolve(e.Right)
	if err != nil {
		return nil, err
	}
	lt, rt := left.Type(), right.Type()

	switch {
	case e.Op.IsLogical():
		if !isBoolean(lt) || !isBoolean(rt) {
			return nil, typeErrorf("%s requires BOOLEAN operands, got %s and %s", e.Op, lt, rt)
		}
		return &BinOp{Op: e.Op, Left: left, Right: right, Typ: types.Boolean}, nil

	case e.Op.IsComparison():
		if !types.Comparable(lt, rt) {
			return nil, typeErrorf("cannot compare %s with %s", lt, rt)
		}
		return &BinOp{Op: e.Op, Left: left, Right: right, Typ: types.Boolean}, nil

	case e.Op == types.BinaryOpLike || e.Op == types.BinaryOpNotLike:
		if (lt != types.String && !lt.IsNull()) || (rt != types.String && !rt.IsNull()) {
			return nil, typeErrorf("%s requires STRING operands, got %s and %s", e.Op, lt, rt)
		}
		return &BinOp{Op: e.Op, Left: left, Right: right, Typ: types.Boolean}, nil

	case e.Op.IsArithmetic():
		if e.Op == types.BinaryOpAdd && (lt == types.String || rt == types.String) {
			if (lt != types.String && !lt.IsNull()) || (rt != types.String && !rt.IsNull()) {
				return nil, typeErrorf("cannot concatenate %s and %s", lt, rt)
			}
			return &BinOp{Op: e.Op, Left: left, Right: right, Typ: types.String}, nil
		}
		typ, ok := types.Promote(lt, rt)
		if lt.IsNull() && rt.IsNull() {
			typ, ok = types.Null, true
		}
		if !ok {
			return nil, typeErrorf("operator %s cannot be applied to %s and %s", e.Op, lt, rt)
		}
		return &BinOp{Op: e.Op, Left: left, Right: right, Typ: typ}, nil
	}
	return nil, typeErrorf("unsupported operator %s", e.Op)
}

func (r *resolver) resolveCall(e *syntax.FuncCall) (Expr, error) {
	if r.functions.IsAggregate(e.Name) {
		return nil, typeErrorf("aggregate function %s is not allowed here", strings.ToUpper(e.Name))
	}
	fn, ok := r.functions.Scalar(e.Name)
	if !ok {
		return nil, typeErrorf("unknown function %s", e.Name)
	}
	if e.Star {
		return nil, typeErrorf("%s does not accept *", fn.Name)
	}
	args, argTypes, err := r.resolveArgs(e.Args)
	if err != nil {
		return nil, err
	}
	typ, err := fn.ResultType(argTypes)
	if err != nil {
		return nil, typeErrorf("%s", err)
	}
	return &Call{Func: fn, Args: args, Typ: typ}, nil
}

func (r *resolver) resolveArgs(in []syntax.Expr) ([]Expr, []types.Type, error) {
	args := make([]Expr, len(in))
	argTypes := make([]types.Type, len(in))
	for i, a := range in {
		arg, err := r.resolve(a)
		if err != nil {
			return nil, nil, err
		}
		args[i] = arg
		argTypes[i] = arg.Type()
	}
	return args, argTypes, nil
}

// resolveAggregate resolves an aggregate function call. Its arguments must
// not contain aggregates themselves.
func (r *resolver) resolveAggregate(e *syntax.FuncCall) (*AggregateCall, error) {
	fn, ok := r.functions.Aggregate(e.Name)
	if !ok {
		return nil, typeErrorf("unknown aggregate function %s", e.Name)
	}
	args, argTypes, err := r.resolveArgs(e.Args)
	if err != nil {
		return nil, err
	}
	typ, err := fn.ResultType(argTypes, e.Star)
	if err != nil {
		return nil, typeErrorf("%s", err)
	}
	return &AggregateCall{Func: fn, Args: args, Star: e.Star, Typ: typ}, nil
}

func (r *resolver) resolveIndex(e *syntax.IndexExpr) (Expr, error) {
	v, err := r.resolve(e.Expr)
	if err != nil {
		return nil, err
	}
	k, err := r.resolve(e.Index)
	if err != nil {
		return nil, err
	}
	switch v.Type().Kind {
	case types.KindArray:
		if !k.Type().IsIntegral() {
			return nil, typeErrorf("array index must be an integer, got %s", k.Type())
		}
	case types.KindMap:
		if k.Type() != types.String {
			return nil, typeErrorf("map key must be a STRING, got %s", k.Type())
		}
	default:
		return nil, typeErrorf("cannot index into %s", v.Type())
	}
	return &Index{Value: v, Key: k, Typ: v.Type().ElemType()}, nil
}

// containsAggregate reports whether e calls an aggregate function.
func containsAggregate(e syntax.Expr, functions *function.Registry) bool {
	found := false
	syntax.Walk(e, func(e syntax.Expr) bool {
		if call, ok := e.(*syntax.FuncCall); ok && functions.IsAggregate(call.Name) {
			found = true
		}
		return !found
	})
	return found
}
