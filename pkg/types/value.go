package types

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrType is returned when a value cannot be converted to the requested type.
var ErrType = errors.New("invalid type")

// Value is a tagged union holding a single SQL value. The zero Value is NULL.
// INT and BIGINT values are both stored as int64.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	arr  []Value
	m    map[string]Value
}

// NullValue returns the NULL value.
func NullValue() Value { return Value{kind: KindNull} }

// BoolValue returns a BOOLEAN value.
func BoolValue(b bool) Value { return Value{kind: KindBoolean, b: b} }

// IntValue returns a BIGINT value.
func IntValue(i int64) Value { return Value{kind: KindBigInt, i: i} }

// DoubleValue returns a DOUBLE value.
func DoubleValue(f float64) Value { return Value{kind: KindDouble, f: f} }

// StringValue returns a STRING value.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// ArrayValue returns an ARRAY value.
func ArrayValue(elems []Value) Value { return Value{kind: KindArray, arr: elems} }

// MapValue returns a MAP value.
func MapValue(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Kind returns the storage kind of v. NULL values report KindNull.
func (v Value) Kind() Kind {
	if v.kind == KindInvalid {
		return KindNull
	}
	return v.kind
}

// IsNull reports whether v is NULL.
func (v Value) IsNull() bool { return v.Kind() == KindNull }

// Bool returns the boolean payload. NULL is false.
func (v Value) Bool() bool { return v.kind == KindBoolean && v.b }

// Int returns the integer payload, truncating doubles.
func (v Value) Int() int64 {
	switch v.kind {
	case KindBigInt, KindInt:
		return v.i
	case KindDouble:
		return int64(v.f)
	}
	return 0
}

// Float returns the numeric payload as float64.
func (v Value) Float() float64 {
	switch v.kind {
	case KindBigInt, KindInt:
		return float64(v.i)
	case KindDouble:
		return v.f
	}
	return 0
}

// Str returns the string payload.
func (v Value) Str() string { return v.s }

// Array returns the array payload.
func (v Value) Array() []Value { return v.arr }

// Map returns the map payload.
func (v Value) Map() map[string]Value { return v.m }

// IsNumeric reports whether v holds a number.
func (v Value) IsNumeric() bool {
	return v.kind == KindBigInt || v.kind == KindInt || v.kind == KindDouble
}

// Equal reports whether v and o hold the same value. Numbers compare by
// value across INT/BIGINT/DOUBLE. NULL equals NULL here; SQL three valued
// logic is applied by the evaluator.
func (v Value) Equal(o Value) bool {
	if v.IsNull() || o.IsNull() {
		return v.IsNull() && o.IsNull()
	}
	if v.IsNumeric() && o.IsNumeric() {
		c, _ := v.Compare(o)
		return c == 0
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBoolean:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			oe, ok := o.m[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders v relative to o. The boolean result is false when the
// values are not comparable (either is NULL, or the kinds differ).
func (v Value) Compare(o Value) (int, bool) {
	if v.IsNull() || o.IsNull() {
		return 0, false
	}
	if v.IsNumeric() && o.IsNumeric() {
		if v.kind != KindDouble && o.kind != KindDouble {
			return cmp3(v.i < o.i, v.i > o.i), true
		}
		a, b := v.Float(), o.Float()
		return cmp3(a < b, a > b), true
	}
	if v.kind != o.kind {
		return 0, false
	}
	switch v.kind {
	case KindString:
		return strings.Compare(v.s, o.s), true
	case KindBoolean:
		return cmp3(!v.b && o.b, v.b && !o.b), true
	}
	return 0, false
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

// HashKey returns a string which is equal for equal values. It is used to key
// in-memory state by SQL values.
func (v Value) HashKey() string {
	var sb strings.Builder
	v.writeHashKey(&sb)
	return sb.String()
}

func (v Value) writeHashKey(sb *strings.Builder) {
	switch v.Kind() {
	case KindNull:
		sb.WriteString("n")
	case KindBoolean:
		sb.WriteString("b:")
		sb.WriteString(strconv.FormatBool(v.b))
	case KindInt, KindBigInt:
		sb.WriteString("i:")
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindDouble:
		if v.f == math.Trunc(v.f) && math.Abs(v.f) < 1<<53 {
			sb.WriteString("i:")
			sb.WriteString(strconv.FormatInt(int64(v.f), 10))
			return
		}
		sb.WriteString("d:")
		sb.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case KindString:
		sb.WriteString("s:")
		sb.WriteString(strconv.Itoa(len(v.s)))
		sb.WriteByte(':')
		sb.WriteString(v.s)
	case KindArray:
		sb.WriteString("a[")
		for _, e := range v.arr {
			e.writeHashKey(sb)
			sb.WriteByte(',')
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteString("m{")
		for _, k := range sortedKeys(v.m) {
			StringValue(k).writeHashKey(sb)
			sb.WriteByte('=')
			v.m[k].writeHashKey(sb)
			sb.WriteByte(',')
		}
		sb.WriteByte('}')
	}
}

func sortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders v for display. Strings are not quoted.
func (v Value) String() string {
	switch v.Kind() {
	case KindNull:
		return "null"
	case KindBoolean:
		return strconv.FormatBool(v.b)
	case KindInt, KindBigInt:
		return strconv.FormatInt(v.i, 10)
	case KindDouble:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case KindString:
		return v.s
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		keys := sortedKeys(v.m)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + v.m[k].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprintf("Value(%d)", v.kind)
}

// Interface returns v as a plain Go value (nil, bool, int64, float64,
// string, []any, map[string]any).
func (v Value) Interface() any {
	switch v.Kind() {
	case KindBoolean:
		return v.b
	case KindInt, KindBigInt:
		return v.i
	case KindDouble:
		return v.f
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Interface()
		}
		return out
	}
	return nil
}

// FromInterface converts a decoded Go value into a Value of type t.
func FromInterface(x any, t Type) (Value, error) {
	if x == nil {
		return NullValue(), nil
	}
	switch t.Kind {
	case KindBoolean:
		switch b := x.(type) {
		case bool:
			return BoolValue(b), nil
		case string:
			return Coerce(StringValue(b), t)
		}
	case KindInt, KindBigInt:
		switch n := x.(type) {
		case int:
			return IntValue(int64(n)), nil
		case int32:
			return IntValue(int64(n)), nil
		case int64:
			return IntValue(n), nil
		case float64:
			if n != math.Trunc(n) {
				return Value{}, fmt.Errorf("%w: %v is not an integer", ErrType, n)
			}
			return IntValue(int64(n)), nil
		case float32:
			return IntValue(int64(n)), nil
		case string:
			return Coerce(StringValue(n), t)
		}
	case KindDouble:
		switch n := x.(type) {
		case float64:
			return DoubleValue(n), nil
		case float32:
			return DoubleValue(float64(n)), nil
		case int:
			return DoubleValue(float64(n)), nil
		case int32:
			return DoubleValue(float64(n)), nil
		case int64:
			return DoubleValue(float64(n)), nil
		case string:
			return Coerce(StringValue(n), t)
		}
	case KindString:
		switch s := x.(type) {
		case string:
			return StringValue(s), nil
		case []byte:
			return StringValue(string(s)), nil
		case bool, int, int32, int64, float32, float64:
			return StringValue(fmt.Sprint(s)), nil
		}
	case KindArray:
		if elems, ok := x.([]any); ok {
			out := make([]Value, len(elems))
			for i, e := range elems {
				ev, err := FromInterface(e, t.ElemType())
				if err != nil {
					return Value{}, err
				}
				out[i] = ev
			}
			return ArrayValue(out), nil
		}
	case KindMap:
		if m, ok := x.(map[string]any); ok {
			out := make(map[string]Value, len(m))
			for k, e := range m {
				ev, err := FromInterface(e, t.ElemType())
				if err != nil {
					return Value{}, err
				}
				out[k] = ev
			}
			return MapValue(out), nil
		}
	}
	return Value{}, fmt.Errorf("%w: cannot convert %T to %s", ErrType, x, t)
}

// Coerce converts v to type t, parsing strings where needed.
func Coerce(v Value, t Type) (Value, error) {
	if v.IsNull() {
		return NullValue(), nil
	}
	switch t.Kind {
	case KindBoolean:
		switch v.kind {
		case KindBoolean:
			return v, nil
		case KindString:
			b, err := strconv.ParseBool(strings.TrimSpace(v.s))
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not a BOOLEAN", ErrType, v.s)
			}
			return BoolValue(b), nil
		}
	case KindInt, KindBigInt:
		switch v.kind {
		case KindInt, KindBigInt:
			return IntValue(v.i), nil
		case KindDouble:
			return IntValue(int64(v.f)), nil
		case KindString:
			i, err := strconv.ParseInt(strings.TrimSpace(v.s), 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not a %s", ErrType, v.s, t)
			}
			if t.Kind == KindInt && (i > math.MaxInt32 || i < math.MinInt32) {
				return Value{}, fmt.Errorf("%w: %d overflows INT", ErrType, i)
			}
			return IntValue(i), nil
		}
	case KindDouble:
		switch v.kind {
		case KindInt, KindBigInt, KindDouble:
			return DoubleValue(v.Float()), nil
		case KindString:
			f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %q is not a DOUBLE", ErrType, v.s)
			}
			return DoubleValue(f), nil
		}
	case KindString:
		if v.kind == KindString {
			return v, nil
		}
		return StringValue(v.String()), nil
	case KindArray:
		if v.kind == KindArray {
			return v, nil
		}
	case KindMap:
		if v.kind == KindMap {
			return v, nil
		}
	}
	return Value{}, fmt.Errorf("%w: cannot cast %s to %s", ErrType, v.Kind(), t)
}

// Row is an ordered tuple of values matching a [Schema].
type Row []Value

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Equal reports whether r and o hold equal values.
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !r[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

func (r Row) String() string {
	parts := make([]string, len(r))
	for i, v := range r {
		parts[i] = v.String()
	}
	return strings.Join(parts, " | ")
}

// NullRow returns a row of n NULL values.
func NullRow(n int) Row {
	return make(Row, n)
}

// CompositeKey combines multiple grouping values into a single STRING key.
// A single value is returned unchanged.
func CompositeKey(values []Value) Value {
	if len(values) == 1 {
		return values[0]
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.String()
	}
	return StringValue(strings.Join(parts, "|+|"))
}
