package types

import (
	"fmt"
	"strings"
)

// Kind denotes the kind of a [Type] or [Value].
type Kind uint8

// Recognized values of [Kind].
const (
	KindInvalid Kind = iota // zero-value is an invalid kind

	KindNull    // Untyped NULL literal.
	KindBoolean // Boolean value.
	KindInt     // Signed 32bit integer column; values are stored as int64.
	KindBigInt  // Signed 64bit integer.
	KindDouble  // 64bit floating point value.
	KindString  // UTF-8 string.
	KindArray   // Single-level array of a primitive element type.
	KindMap     // Single-level map from string to a primitive element type.
)

var kindStrings = map[Kind]string{
	KindInvalid: "INVALID",
	KindNull:    "NULL",
	KindBoolean: "BOOLEAN",
	KindInt:     "INT",
	KindBigInt:  "BIGINT",
	KindDouble:  "DOUBLE",
	KindString:  "STRING",
	KindArray:   "ARRAY",
	KindMap:     "MAP",
}

// String returns the SQL name of the kind.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Type is the static type of a column or expression. Composite types are
// bounded to one level: Elem is only set for arrays and maps and is always a
// primitive kind.
type Type struct {
	Kind Kind
	Elem Kind
}

// Predefined types.
var (
	Invalid = Type{Kind: KindInvalid}
	Null    = Type{Kind: KindNull}
	Boolean = Type{Kind: KindBoolean}
	Int     = Type{Kind: KindInt}
	BigInt  = Type{Kind: KindBigInt}
	Double  = Type{Kind: KindDouble}
	String  = Type{Kind: KindString}
)

// Array returns the ARRAY<elem> type. elem must be primitive.
func Array(elem Type) Type { return Type{Kind: KindArray, Elem: elem.Kind} }

// Map returns the MAP<STRING, elem> type. elem must be primitive.
func Map(elem Type) Type { return Type{Kind: KindMap, Elem: elem.Kind} }

// ElemType returns the element type of an array or map.
func (t Type) ElemType() Type { return Type{Kind: t.Elem} }

// IsPrimitive reports whether t is a scalar SQL type.
func (t Type) IsPrimitive() bool {
	switch t.Kind {
	case KindBoolean, KindInt, KindBigInt, KindDouble, KindString:
		return true
	}
	return false
}

// IsNumeric reports whether t is INT, BIGINT or DOUBLE.
func (t Type) IsNumeric() bool {
	return t.Kind == KindInt || t.Kind == KindBigInt || t.Kind == KindDouble
}

// IsIntegral reports whether t is INT or BIGINT.
func (t Type) IsIntegral() bool {
	return t.Kind == KindInt || t.Kind == KindBigInt
}

// IsNull reports whether t is the type of the NULL literal.
func (t Type) IsNull() bool { return t.Kind == KindNull }

func (t Type) String() string {
	switch t.Kind {
	case KindArray:
		return "ARRAY<" + t.Elem.String() + ">"
	case KindMap:
		return "MAP<STRING, " + t.Elem.String() + ">"
	default:
		return t.Kind.String()
	}
}

// Validate returns an error if t is not a legal column type.
func (t Type) Validate() error {
	switch t.Kind {
	case KindBoolean, KindInt, KindBigInt, KindDouble, KindString:
		return nil
	case KindArray, KindMap:
		if !t.ElemType().IsPrimitive() {
			return fmt.Errorf("nested type %s is not supported", t)
		}
		return nil
	}
	return fmt.Errorf("invalid column type %s", t)
}

// AssignableTo reports whether a value of type t may be stored in a column of
// type to without an explicit cast.
func (t Type) AssignableTo(to Type) bool {
	if t.IsNull() || t == to {
		return true
	}
	if t.IsNumeric() && to.IsNumeric() {
		_, ok := Promote(t, to)
		return ok && rank(to) >= rank(t)
	}
	return false
}

func rank(t Type) int {
	switch t.Kind {
	case KindInt:
		return 1
	case KindBigInt:
		return 2
	case KindDouble:
		return 3
	}
	return 0
}

// Promote returns the common numeric type of a and b (INT < BIGINT < DOUBLE).
func Promote(a, b Type) (Type, bool) {
	if a.IsNull() && b.IsNumeric() {
		return b, true
	}
	if b.IsNull() && a.IsNumeric() {
		return a, true
	}
	if !a.IsNumeric() || !b.IsNumeric() {
		return Invalid, false
	}
	if rank(a) >= rank(b) {
		return a, true
	}
	return b, true
}

// Comparable reports whether values of type a and b can be compared with the
// ordering and equality operators.
func Comparable(a, b Type) bool {
	if a.IsNull() || b.IsNull() {
		return true
	}
	if a.IsNumeric() && b.IsNumeric() {
		return true
	}
	return a == b && a.IsPrimitive()
}

var typeNames = map[string]Type{
	"BOOLEAN": Boolean,
	"BOOL":    Boolean,
	"INT":     Int,
	"INTEGER": Int,
	"BIGINT":  BigInt,
	"DOUBLE":  Double,
	"STRING":  String,
	"VARCHAR": String,
}

// ParsePrimitive resolves a primitive SQL type name (case insensitive).
func ParsePrimitive(name string) (Type, bool) {
	t, ok := typeNames[strings.ToUpper(name)]
	return t, ok
}
