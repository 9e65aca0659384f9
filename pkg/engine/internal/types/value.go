package types

import (
	"fmt"
	"strings"
)

const (
	typeInvalid = "invalid"
)

// DataType represents the type of a value, which can either be a literal
// value, or a column value.
type DataType uint32

const (
	Invalid DataType = iota // zero-value is an invalid type

	Null      // NULL value.
	Bool      // Boolean value
	Integer   // Signed 64bit integer value
	Float     // 64bit floating point value
	String    // String value
	Timestamp // Signed 64bit nanosecond timestamp
	Duration  // Signed 64bit nanosecond duration
)

// String returns the string representation of the DataType.
func (t DataType) String() string {
	switch t {
	case Invalid:
		return typeInvalid
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Integer:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	case Timestamp:
		return "timestamp"
	case Duration:
		return "duration"
	default:
		return typeInvalid
	}
}

// ParseDataType returns the DataType named s (as printed by
// [DataType.String]). Common aliases such as "int64" and "utf8" are
// accepted.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(s) {
	case "null":
		return Null, nil
	case "bool", "boolean":
		return Bool, nil
	case "int", "int64", "integer":
		return Integer, nil
	case "float", "float64", "double":
		return Float, nil
	case "string", "str", "utf8":
		return String, nil
	case "timestamp":
		return Timestamp, nil
	case "duration":
		return Duration, nil
	}
	return Invalid, fmt.Errorf("unknown data type %q", s)
}

// IsNumeric reports whether t supports arithmetic.
func (t DataType) IsNumeric() bool {
	switch t {
	case Integer, Float, Timestamp, Duration:
		return true
	}
	return false
}

// Supertype returns the type both a and b can be losslessly (or, for
// integer/float, conventionally) represented in. The boolean is false when
// no such type exists.
func Supertype(a, b DataType) (DataType, bool) {
	switch {
	case a == b:
		return a, true
	case a == Null:
		return b, true
	case b == Null:
		return a, true
	case (a == Integer && b == Float) || (a == Float && b == Integer):
		return Float, true
	case (a == Timestamp && b == Duration) || (a == Duration && b == Timestamp):
		return Timestamp, true
	case (a == Duration && b == Integer) || (a == Integer && b == Duration):
		return Duration, true
	}
	return Invalid, false
}
