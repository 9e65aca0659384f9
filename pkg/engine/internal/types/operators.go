package types

import "fmt"

// UnaryOp denotes the kind of unary operation to perform.
type UnaryOp int

// Recognized values of [UnaryOp].
const (
	// UnaryOpInvalid indicates an invalid unary operation.
	UnaryOpInvalid UnaryOp = iota

	UnaryOpNot // Logical NOT operation (!).
	UnaryOpNeg // Arithmetic negation (-).
)

var unaryOpStrings = map[UnaryOp]string{
	UnaryOpInvalid: "invalid",

	UnaryOpNot: "NOT",
	UnaryOpNeg: "NEG",
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

	BinaryOpEq  // Equality comparison (==).
	BinaryOpNeq // Inequality comparison (!=).
	BinaryOpGt  // Greater than comparison (>).
	BinaryOpGte // Greater than or equal comparison (>=).
	BinaryOpLt  // Less than comparison (<).
	BinaryOpLte // Less than or equal comparison (<=).
	BinaryOpAnd // Logical AND operation (&&).
	BinaryOpOr  // Logical OR operation (||).

	BinaryOpAdd // Addition operation (+).
	BinaryOpSub // Subtraction operation (-).
	BinaryOpMul // Multiplication operation (*).
	BinaryOpDiv // Division operation (/).
	BinaryOpMod // Modulo operation (%).
)

var binaryOpStrings = map[BinaryOp]string{
	BinaryOpInvalid: "invalid",

	BinaryOpEq:  "EQ",
	BinaryOpNeq: "NEQ",
	BinaryOpGt:  "GT",
	BinaryOpGte: "GTE",
	BinaryOpLt:  "LT",
	BinaryOpLte: "LTE",
	BinaryOpAnd: "AND",
	BinaryOpOr:  "OR",

	BinaryOpAdd: "ADD",
	BinaryOpSub: "SUB",
	BinaryOpMul: "MUL",
	BinaryOpDiv: "DIV",
	BinaryOpMod: "MOD",
}

// String returns a human-readable representation of the binary operation.
func (k BinaryOp) String() string {
	if s, ok := binaryOpStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("BinaryOp(%d)", k)
}

// ParseBinaryOp returns the BinaryOp whose string form is s.
func ParseBinaryOp(s string) (BinaryOp, bool) {
	for op, str := range binaryOpStrings {
		if op != BinaryOpInvalid && str == s {
			return op, true
		}
	}
	return BinaryOpInvalid, false
}

// IsComparison reports whether op yields a boolean from two comparable
// operands.
func (k BinaryOp) IsComparison() bool {
	switch k {
	case BinaryOpEq, BinaryOpNeq, BinaryOpGt, BinaryOpGte, BinaryOpLt, BinaryOpLte:
		return true
	}
	return false
}

// IsLogical reports whether op combines two boolean operands.
func (k BinaryOp) IsLogical() bool {
	return k == BinaryOpAnd || k == BinaryOpOr
}

// IsArithmetic reports whether op is a numeric operation.
func (k BinaryOp) IsArithmetic() bool {
	switch k {
	case BinaryOpAdd, BinaryOpSub, BinaryOpMul, BinaryOpDiv, BinaryOpMod:
		return true
	}
	return false
}

// AggOp denotes an aggregation function applied per group.
type AggOp int

// Recognized values of [AggOp].
const (
	AggOpInvalid AggOp = iota

	AggOpSum
	AggOpMin
	AggOpMax
	AggOpCount
	AggOpMean
	AggOpFirst
)

var aggOpStrings = map[AggOp]string{
	AggOpInvalid: "invalid",

	AggOpSum:   "sum",
	AggOpMin:   "min",
	AggOpMax:   "max",
	AggOpCount: "count",
	AggOpMean:  "mean",
	AggOpFirst: "first",
}

// String returns the lowercase name of the aggregation.
func (k AggOp) String() string {
	if s, ok := aggOpStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("AggOp(%d)", k)
}

// ParseAggOp returns the AggOp named s.
func ParseAggOp(s string) (AggOp, bool) {
	for op, str := range aggOpStrings {
		if op != AggOpInvalid && str == s {
			return op, true
		}
	}
	return AggOpInvalid, false
}
