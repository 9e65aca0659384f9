package types

import (
	"fmt"
	"strconv"
	"time"
)

// Literal is a typed constant known at plan time.
//
// The zero value of a Literal is a NULL value.
type Literal struct {
	typ   DataType
	value any
}

// NewNullLiteral returns a NULL literal.
func NewNullLiteral() Literal { return Literal{typ: Null} }

// NewLiteral returns a literal holding value. NewLiteral panics for Go types
// that have no [DataType] equivalent.
func NewLiteral(value any) Literal {
	switch v := value.(type) {
	case nil:
		return NewNullLiteral()
	case bool:
		return Literal{typ: Bool, value: v}
	case int:
		return Literal{typ: Integer, value: int64(v)}
	case int32:
		return Literal{typ: Integer, value: int64(v)}
	case int64:
		return Literal{typ: Integer, value: v}
	case float32:
		return Literal{typ: Float, value: float64(v)}
	case float64:
		return Literal{typ: Float, value: v}
	case string:
		return Literal{typ: String, value: v}
	case time.Time:
		return Literal{typ: Timestamp, value: v.UnixNano()}
	case time.Duration:
		return Literal{typ: Duration, value: int64(v)}
	}
	panic(fmt.Sprintf("unsupported literal type %T", value))
}

// Type returns the data type of the literal.
func (l Literal) Type() DataType {
	if l.typ == Invalid {
		return Null
	}
	return l.typ
}

// IsNull reports whether l is NULL.
func (l Literal) IsNull() bool { return l.Type() == Null }

// Any returns the literal's value: nil, bool, int64, float64 or string.
// Timestamps and durations are returned as int64 nanoseconds.
func (l Literal) Any() any { return l.value }

// String returns a printable form of the literal.
func (l Literal) String() string {
	switch v := l.value.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case int64:
		switch l.typ {
		case Timestamp:
			return time.Unix(0, v).UTC().Format(time.RFC3339Nano)
		case Duration:
			return time.Duration(v).String()
		}
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case string:
		return strconv.Quote(v)
	}
	return fmt.Sprintf("%v", l.value)
}
