package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValue_Compare(t *testing.T) {
	for _, tt := range []struct {
		name       string
		a, b       Value
		want       int
		comparable bool
	}{
		{"ints", IntValue(1), IntValue(2), -1, true},
		{"int and double", IntValue(2), DoubleValue(1.5), 1, true},
		{"strings", StringValue("b"), StringValue("b"), 0, true},
		{"booleans", BoolValue(false), BoolValue(true), -1, true},
		{"null", NullValue(), IntValue(1), 0, false},
		{"mixed kinds", StringValue("1"), IntValue(1), 0, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.a.Compare(tt.b)
			require.Equal(t, tt.comparable, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestValue_HashKey(t *testing.T) {
	require.Equal(t, IntValue(3).HashKey(), DoubleValue(3).HashKey())
	require.NotEqual(t, StringValue("3").HashKey(), IntValue(3).HashKey())
	require.NotEqual(t, NullValue().HashKey(), StringValue("").HashKey())

	m1 := MapValue(map[string]Value{"a": IntValue(1), "b": IntValue(2)})
	m2 := MapValue(map[string]Value{"b": IntValue(2), "a": IntValue(1)})
	require.Equal(t, m1.HashKey(), m2.HashKey())
}

func TestZeroValueIsNull(t *testing.T) {
	var v Value
	require.True(t, v.IsNull())
	require.Equal(t, "null", v.String())
	require.True(t, NullRow(2).Equal(Row{NullValue(), NullValue()}))
}

func TestCoerce(t *testing.T) {
	v, err := Coerce(StringValue(" 42 "), BigInt)
	require.NoError(t, err)
	require.Equal(t, int64(42), v.Int())

	_, err = Coerce(StringValue("3000000000"), Int)
	require.ErrorIs(t, err, ErrType)

	v, err = Coerce(IntValue(7), String)
	require.NoError(t, err)
	require.Equal(t, "7", v.Str())

	_, err = Coerce(StringValue("x"), Array(Int))
	require.ErrorIs(t, err, ErrType)
}

func TestFromInterface(t *testing.T) {
	v, err := FromInterface([]any{float64(1), float64(2)}, Array(BigInt))
	require.NoError(t, err)
	require.Equal(t, []Value{IntValue(1), IntValue(2)}, v.Array())

	_, err = FromInterface(1.5, BigInt)
	require.ErrorIs(t, err, ErrType)

	v, err = FromInterface(nil, String)
	require.NoError(t, err)
	require.True(t, v.IsNull())
}

func TestSchema(t *testing.T) {
	_, err := NewSchema(Column{"a", Int}, Column{"A", String})
	require.ErrorIs(t, err, ErrDuplicateColumn)

	_, err = NewSchema(Column{"a", Type{Kind: KindArray, Elem: KindArray}})
	require.Error(t, err)

	s := MustSchema(Column{"id", BigInt}, Column{"tags", Array(String)}, Column{"attrs", Map(Double)})
	require.Equal(t, 1, s.Index("TAGS"))
	require.Equal(t, -1, s.Index("missing"))
	require.Equal(t, "(id BIGINT, tags ARRAY<STRING>, attrs MAP<STRING, DOUBLE>)", s.String())
}

func TestPromote(t *testing.T) {
	got, ok := Promote(Int, Double)
	require.True(t, ok)
	require.Equal(t, Double, got)

	_, ok = Promote(String, Int)
	require.False(t, ok)

	require.True(t, Int.AssignableTo(BigInt))
	require.False(t, Double.AssignableTo(Int))
	require.True(t, Null.AssignableTo(String))
}

func TestCompositeKey(t *testing.T) {
	require.Equal(t, IntValue(1), CompositeKey([]Value{IntValue(1)}))
	require.Equal(t, StringValue("a|+|2"), CompositeKey([]Value{StringValue("a"), IntValue(2)}))
}
