package types

import "fmt"

// UnaryOp denotes the kind of unary operation to perform.
type UnaryOp int

// Recognized values of [UnaryOp].
const (
	// UnaryOpInvalid indicates an invalid unary operation.
	UnaryOpInvalid UnaryOp = iota

	UnaryOpNot // Logical NOT operation.
	UnaryOpNeg // Arithmetic negation.
)

var unaryOpStrings = map[UnaryOp]string{
	UnaryOpInvalid: "invalid",

	UnaryOpNot: "NOT",
	UnaryOpNeg: "-",
}

// String returns the string representation of the UnaryOp.
func (k UnaryOp) String() string {
	if s, ok := unaryOpStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("UnaryOp(%d)", k)
}

// BinaryOp denotes the kind of binary operation to perform.
type BinaryOp int

// Recognized values of [BinaryOp].
const (
	// BinaryOpInvalid indicates an invalid binary operation.
	BinaryOpInvalid BinaryOp = iota

	BinaryOpEq  // Equality comparison (=).
	BinaryOpNeq // Inequality comparison (!=).
	BinaryOpGt  // Greater than comparison (>).
	BinaryOpGte // Greater than or equal comparison (>=).
	BinaryOpLt  // Less than comparison (<).
	BinaryOpLte // Less than or equal comparison (<=).
	BinaryOpAnd // Logical AND operation.
	BinaryOpOr  // Logical OR operation.

	BinaryOpAdd // Addition or string concatenation (+).
	BinaryOpSub // Subtraction operation (-).
	BinaryOpMul // Multiplication operation (*).
	BinaryOpDiv // Division operation (/).
	BinaryOpMod // Modulo operation (%).

	BinaryOpLike    // SQL LIKE pattern match.
	BinaryOpNotLike // SQL NOT LIKE pattern match.
)

var binaryOpStrings = map[BinaryOp]string{
	BinaryOpInvalid: "invalid",

	BinaryOpEq:  "=",
	BinaryOpNeq: "!=",
	BinaryOpGt:  ">",
	BinaryOpGte: ">=",
	BinaryOpLt:  "<",
	BinaryOpLte: "<=",
	BinaryOpAnd: "AND",
	BinaryOpOr:  "OR",

	BinaryOpAdd: "+",
	BinaryOpSub: "-",
	BinaryOpMul: "*",
	BinaryOpDiv: "/",
	BinaryOpMod: "%",

	BinaryOpLike:    "LIKE",
	BinaryOpNotLike: "NOT LIKE",
}

// String returns the SQL representation of the binary operation.
func (k BinaryOp) String() string {
	if s, ok := binaryOpStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("BinaryOp(%d)", k)
}

// IsComparison reports whether k is one of the ordering or equality operators.
func (k BinaryOp) IsComparison() bool {
	return k >= BinaryOpEq && k <= BinaryOpLte
}

// IsLogical reports whether k is AND or OR.
func (k BinaryOp) IsLogical() bool {
	return k == BinaryOpAnd || k == BinaryOpOr
}

// IsArithmetic reports whether k is one of + - * / %.
func (k BinaryOp) IsArithmetic() bool {
	return k >= BinaryOpAdd && k <= BinaryOpMod
}
