package function

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/grafana/streamql/pkg/types"
)

func numericUnary(name string, fn func(float64) float64) Scalar {
	return Scalar{
		Name: name,
		ResultType: func(args []types.Type) (types.Type, error) {
			if err := arity(name, args, 1, 1); err != nil {
				return types.Invalid, err
			}
			if !args[0].IsNumeric() && !args[0].IsNull() {
				return types.Invalid, argError(name, 0, "numeric", args[0])
			}
			if args[0].IsNull() {
				return types.Double, nil
			}
			return args[0], nil
		},
		Eval: func(args []types.Value) (types.Value, error) {
			v := args[0]
			if v.Kind() == types.KindDouble {
				return types.DoubleValue(fn(v.Float())), nil
			}
			return types.IntValue(int64(fn(v.Float()))), nil
		},
	}
}

func stringUnary(name string, fn func(string) types.Value, result types.Type) Scalar {
	return Scalar{
		Name: name,
		ResultType: func(args []types.Type) (types.Type, error) {
			if err := arity(name, args, 1, 1); err != nil {
				return types.Invalid, err
			}
			if args[0] != types.String && !args[0].IsNull() {
				return types.Invalid, argError(name, 0, "STRING", args[0])
			}
			return result, nil
		},
		Eval: func(args []types.Value) (types.Value, error) {
			return fn(args[0].Str()), nil
		},
	}
}

func builtinScalars() []Scalar {
	return []Scalar{
		numericUnary("ABS", math.Abs),
		numericUnary("CEIL", math.Ceil),
		numericUnary("FLOOR", math.Floor),
		numericUnary("ROUND", math.Round),
		stringUnary("UCASE", func(s string) types.Value { return types.StringValue(strings.ToUpper(s)) }, types.String),
		stringUnary("LCASE", func(s string) types.Value { return types.StringValue(strings.ToLower(s)) }, types.String),
		stringUnary("TRIM", func(s string) types.Value { return types.StringValue(strings.TrimSpace(s)) }, types.String),
		stringUnary("LEN", func(s string) types.Value { return types.IntValue(int64(utf8.RuneCountInString(s))) }, types.Int),
		concat(),
		substring(),
		coalesce("COALESCE", 1, math.MaxInt),
		coalesce("IFNULL", 2, 2),
	}
}

func concat() Scalar {
	return Scalar{
		Name: "CONCAT",
		ResultType: func(args []types.Type) (types.Type, error) {
			if err := arity("CONCAT", args, 1, math.MaxInt); err != nil {
				return types.Invalid, err
			}
			for i, a := range args {
				if a != types.String && !a.IsNull() {
					return types.Invalid, argError("CONCAT", i, "STRING", a)
				}
			}
			return types.String, nil
		},
		// NULL arguments are skipped rather than nulling the result.
		NullAware: true,
		Eval: func(args []types.Value) (types.Value, error) {
			var sb strings.Builder
			for _, a := range args {
				sb.WriteString(a.Str())
			}
			return types.StringValue(sb.String()), nil
		},
	}
}

// substring uses 1-based positions. A negative position counts from the end.
func substring() Scalar {
	return Scalar{
		Name: "SUBSTRING",
		ResultType: func(args []types.Type) (types.Type, error) {
			if err := arity("SUBSTRING", args, 2, 3); err != nil {
				return types.Invalid, err
			}
			if args[0] != types.String && !args[0].IsNull() {
				return types.Invalid, argError("SUBSTRING", 0, "STRING", args[0])
			}
			for i := 1; i < len(args); i++ {
				if !args[i].IsIntegral() && !args[i].IsNull() {
					return types.Invalid, argError("SUBSTRING", i, "an integer", args[i])
				}
			}
			return types.String, nil
		},
		Eval: func(args []types.Value) (types.Value, error) {
			runes := []rune(args[0].Str())
			n := int64(len(runes))
			pos := args[1].Int()
			switch {
			case pos < 0:
				pos = max(n+pos, 0)
			case pos > 0:
				pos--
			}
			if pos >= n {
				return types.StringValue(""), nil
			}
			end := n
			if len(args) == 3 {
				end = min(pos+max(args[2].Int(), 0), n)
			}
			return types.StringValue(string(runes[pos:end])), nil
		},
	}
}

func coalesce(name string, lo, hi int) Scalar {
	return Scalar{
		Name: name,
		ResultType: func(args []types.Type) (types.Type, error) {
			if err := arity(name, args, lo, hi); err != nil {
				return types.Invalid, err
			}
			result := types.Null
			for i, a := range args {
				switch {
				case a.IsNull():
				case result.IsNull():
					result = a
				case a == result:
				default:
					promoted, ok := types.Promote(result, a)
					if !ok {
						return types.Invalid, argError(name, i, result.String(), a)
					}
					result = promoted
				}
			}
			return result, nil
		},
		NullAware: true,
		Eval: func(args []types.Value) (types.Value, error) {
			for _, a := range args {
				if !a.IsNull() {
					return a, nil
				}
			}
			return types.NullValue(), nil
		},
	}
}
