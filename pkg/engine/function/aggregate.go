package function

import (
	"github.com/grafana/streamql/pkg/types"
)

func builtinAggregates() []Aggregate {
	return []Aggregate{
		{
			Name: "COUNT",
			ResultType: func(args []types.Type, star bool) (types.Type, error) {
				if star {
					return types.BigInt, nil
				}
				if err := arity("COUNT", args, 1, 1); err != nil {
					return types.Invalid, err
				}
				return types.BigInt, nil
			},
			New:         func([]types.Type) Accumulator { return &countAcc{} },
			Retractable: true,
		},
		{
			Name:        "SUM",
			ResultType:  numericAggregate("SUM", false),
			New:         func(args []types.Type) Accumulator { return &sumAcc{double: args[0].Kind == types.KindDouble} },
			Retractable: true,
		},
		{
			Name:        "AVG",
			ResultType:  numericAggregate("AVG", true),
			New:         func([]types.Type) Accumulator { return &avgAcc{} },
			Retractable: true,
		},
		{
			Name:       "MIN",
			ResultType: comparableAggregate("MIN"),
			New:        func([]types.Type) Accumulator { return &extremumAcc{want: -1} },
		},
		{
			Name:       "MAX",
			ResultType: comparableAggregate("MAX"),
			New:        func([]types.Type) Accumulator { return &extremumAcc{want: 1} },
		},
		{
			Name: "COLLECT_LIST",
			ResultType: func(args []types.Type, star bool) (types.Type, error) {
				if err := arity("COLLECT_LIST", args, 1, 1); err != nil {
					return types.Invalid, err
				}
				if !args[0].IsPrimitive() {
					return types.Invalid, argError("COLLECT_LIST", 0, "a primitive type", args[0])
				}
				return types.Array(args[0]), nil
			},
			New: func([]types.Type) Accumulator { return &listAcc{} },
		},
	}
}

func numericAggregate(name string, double bool) func([]types.Type, bool) (types.Type, error) {
	return func(args []types.Type, star bool) (types.Type, error) {
		if star {
			return types.Invalid, argError(name, 0, "a column", types.Invalid)
		}
		if err := arity(name, args, 1, 1); err != nil {
			return types.Invalid, err
		}
		if !args[0].IsNumeric() {
			return types.Invalid, argError(name, 0, "numeric", args[0])
		}
		switch {
		case double:
			return types.Double, nil
		case args[0].Kind == types.KindDouble:
			return types.Double, nil
		}
		return types.BigInt, nil
	}
}

func comparableAggregate(name string) func([]types.Type, bool) (types.Type, error) {
	return func(args []types.Type, star bool) (types.Type, error) {
		if star {
			return types.Invalid, argError(name, 0, "a column", types.Invalid)
		}
		if err := arity(name, args, 1, 1); err != nil {
			return types.Invalid, err
		}
		if !args[0].IsPrimitive() {
			return types.Invalid, argError(name, 0, "a primitive type", args[0])
		}
		return args[0], nil
	}
}

// countAcc counts non-NULL values. COUNT(*) is fed a non-NULL marker per row.
type countAcc struct{ n int64 }

func (a *countAcc) Add(v types.Value) {
	if !v.IsNull() {
		a.n++
	}
}

func (a *countAcc) Remove(v types.Value) {
	if !v.IsNull() {
		a.n--
	}
}

func (a *countAcc) Result() types.Value { return types.IntValue(a.n) }

func (a *countAcc) Merge(other Accumulator) { a.n += other.(*countAcc).n }

type sumAcc struct {
	double bool
	i      int64
	f      float64
	seen   int64
}

func (a *sumAcc) Add(v types.Value) {
	if v.IsNull() {
		return
	}
	a.seen++
	if a.double {
		a.f += v.Float()
	} else {
		a.i += v.Int()
	}
}

func (a *sumAcc) Remove(v types.Value) {
	if v.IsNull() {
		return
	}
	a.seen--
	if a.double {
		a.f -= v.Float()
	} else {
		a.i -= v.Int()
	}
}

func (a *sumAcc) Result() types.Value {
	if a.seen == 0 {
		return types.NullValue()
	}
	if a.double {
		return types.DoubleValue(a.f)
	}
	return types.IntValue(a.i)
}

func (a *sumAcc) Merge(other Accumulator) {
	o := other.(*sumAcc)
	a.i += o.i
	a.f += o.f
	a.seen += o.seen
}

type avgAcc struct {
	sum   float64
	count int64
}

func (a *avgAcc) Add(v types.Value) {
	if !v.IsNull() {
		a.sum += v.Float()
		a.count++
	}
}

func (a *avgAcc) Remove(v types.Value) {
	if !v.IsNull() {
		a.sum -= v.Float()
		a.count--
	}
}

func (a *avgAcc) Result() types.Value {
	if a.count == 0 {
		return types.NullValue()
	}
	return types.DoubleValue(a.sum / float64(a.count))
}

func (a *avgAcc) Merge(other Accumulator) {
	o := other.(*avgAcc)
	a.sum += o.sum
	a.count += o.count
}

// extremumAcc keeps the minimum (want -1) or maximum (want 1).
type extremumAcc struct {
	want int
	cur  types.Value
}

func (a *extremumAcc) Add(v types.Value) {
	if v.IsNull() {
		return
	}
	if a.cur.IsNull() {
		a.cur = v
		return
	}
	if c, ok := v.Compare(a.cur); ok && c == a.want {
		a.cur = v
	}
}

func (a *extremumAcc) Result() types.Value { return a.cur }

func (a *extremumAcc) Merge(other Accumulator) { a.Add(other.(*extremumAcc).cur) }

type listAcc struct{ values []types.Value }

func (a *listAcc) Add(v types.Value) {
	if !v.IsNull() {
		a.values = append(a.values, v)
	}
}

func (a *listAcc) Result() types.Value {
	out := make([]types.Value, len(a.values))
	copy(out, a.values)
	return types.ArrayValue(out)
}

func (a *listAcc) Merge(other Accumulator) { a.values = append(a.values, other.(*listAcc).values...) }
