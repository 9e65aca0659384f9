package datatype

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/grafana/lazyframe/pkg/engine/internal/types"
)

var (
	ArrowType = struct {
		Null      arrow.DataType
		Bool      arrow.DataType
		String    arrow.DataType
		Integer   arrow.DataType
		Float     arrow.DataType
		Timestamp arrow.DataType
		Duration  arrow.DataType
	}{
		Null:      arrow.Null,
		Bool:      arrow.FixedWidthTypes.Boolean,
		String:    arrow.BinaryTypes.String,
		Integer:   arrow.PrimitiveTypes.Int64,
		Float:     arrow.PrimitiveTypes.Float64,
		Timestamp: arrow.FixedWidthTypes.Timestamp_ns,
		Duration:  arrow.FixedWidthTypes.Duration_ns,
	}

	toArrow = map[types.DataType]arrow.DataType{
		types.Null:      ArrowType.Null,
		types.Bool:      ArrowType.Bool,
		types.String:    ArrowType.String,
		types.Integer:   ArrowType.Integer,
		types.Float:     ArrowType.Float,
		types.Timestamp: ArrowType.Timestamp,
		types.Duration:  ArrowType.Duration,
	}
)

// ToArrow returns the arrow type used to store columns of type dt.
func ToArrow(dt types.DataType) (arrow.DataType, error) {
	if t, ok := toArrow[dt]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("no arrow type for %s", dt)
}

// FromArrow returns the engine type of an arrow column. Every timestamp and
// duration unit maps to the engine's nanosecond types; string views map to
// [types.String].
func FromArrow(dt arrow.DataType) (types.DataType, error) {
	switch dt.ID() {
	case arrow.NULL:
		return types.Null, nil
	case arrow.BOOL:
		return types.Bool, nil
	case arrow.STRING, arrow.LARGE_STRING, arrow.STRING_VIEW:
		return types.String, nil
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return types.Integer, nil
	case arrow.FLOAT32, arrow.FLOAT64:
		return types.Float, nil
	case arrow.TIMESTAMP:
		return types.Timestamp, nil
	case arrow.DURATION:
		return types.Duration, nil
	}
	return types.Invalid, fmt.Errorf("unsupported arrow type %s", dt)
}

// Field returns the arrow field for a schema field. All fields are nullable.
func Field(f types.Field) (arrow.Field, error) {
	dt, err := ToArrow(f.Type)
	if err != nil {
		return arrow.Field{}, fmt.Errorf("field %s: %w", f.Name, err)
	}
	return arrow.Field{Name: f.Name, Type: dt, Nullable: true}, nil
}

// Schema converts an engine schema into an arrow schema.
func Schema(s *types.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, s.Len())
	for _, f := range s.Fields() {
		af, err := Field(f)
		if err != nil {
			return nil, err
		}
		fields = append(fields, af)
	}
	return arrow.NewSchema(fields, nil), nil
}
