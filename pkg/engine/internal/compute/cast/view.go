// Package cast converts arrow view arrays into other arrow layouts. Values
// that cannot be converted become null.
package cast

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
)

// viewArray is implemented by [array.BinaryView] and [array.StringView].
type viewArray interface {
	arrow.Array
	ValueLen(i int) int
}

func viewBytes(arr viewArray, i int) []byte {
	switch arr := arr.(type) {
	case *array.BinaryView:
		return arr.Value(i)
	case *array.StringView:
		return []byte(arr.Value(i))
	}
	panic(errors.Invariantf("unexpected view array %T", arr))
}

// ViewToDictionary packs a binary or string view array into a dictionary
// array with the given index type. It returns an error wrapping
// [errors.ErrOutOfBounds] when the distinct values outnumber the keys of the
// index type.
func ViewToDictionary(mem memory.Allocator, arr arrow.Array, indexType arrow.DataType) (*array.Dictionary, error) {
	var valueType arrow.DataType
	switch arr.(type) {
	case *array.BinaryView:
		valueType = arrow.BinaryTypes.Binary
	case *array.StringView:
		valueType = arrow.BinaryTypes.String
	default:
		return nil, fmt.Errorf("cannot pack %s into a dictionary: %w", arr.DataType(), errors.ErrType)
	}

	maxKey, err := maxDictionaryKey(indexType)
	if err != nil {
		return nil, err
	}

	dt := &arrow.DictionaryType{IndexType: indexType, ValueType: valueType}
	builder := array.NewDictionaryBuilder(mem, dt).(*array.BinaryDictionaryBuilder)
	defer builder.Release()
	builder.Reserve(arr.Len())

	view := arr.(viewArray)
	for i := range arr.Len() {
		if arr.IsNull(i) {
			builder.AppendNull()
			continue
		}
		if err := builder.Append(viewBytes(view, i)); err != nil {
			return nil, err
		}
		if uint64(builder.DictionarySize()) > maxKey+1 {
			return nil, fmt.Errorf("%d distinct values do not fit in dictionary keys of type %s: %w",
				builder.DictionarySize(), indexType, errors.ErrOutOfBounds)
		}
	}
	return builder.NewDictionaryArray(), nil
}

func maxDictionaryKey(dt arrow.DataType) (uint64, error) {
	switch dt.ID() {
	case arrow.INT8:
		return math.MaxInt8, nil
	case arrow.UINT8:
		return math.MaxUint8, nil
	case arrow.INT16:
		return math.MaxInt16, nil
	case arrow.UINT16:
		return math.MaxUint16, nil
	case arrow.INT32:
		return math.MaxInt32, nil
	case arrow.UINT32:
		return math.MaxUint32, nil
	case arrow.INT64, arrow.UINT64:
		return math.MaxInt64, nil
	}
	return 0, fmt.Errorf("dictionary index type %s: %w", dt, errors.ErrType)
}

// ViewToBinary copies a binary view array into an offset based binary array.
func ViewToBinary(mem memory.Allocator, arr *array.BinaryView) *array.Binary {
	builder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer builder.Release()
	builder.Reserve(arr.Len())

	for i := range arr.Len() {
		if arr.IsNull(i) {
			builder.AppendNull()
			continue
		}
		builder.Append(arr.Value(i))
	}
	return builder.NewBinaryArray()
}

// StringViewToString copies a string view array into an offset based string
// array.
func StringViewToString(mem memory.Allocator, arr *array.StringView) *array.String {
	builder := array.NewStringBuilder(mem)
	defer builder.Release()
	builder.Reserve(arr.Len())

	for i := range arr.Len() {
		if arr.IsNull(i) {
			builder.AppendNull()
			continue
		}
		builder.Append(arr.Value(i))
	}
	return builder.NewStringArray()
}

// StringToInt64 parses every value of arr as a base 10 integer.
func StringToInt64(mem memory.Allocator, arr StringArray) *array.Int64 {
	builder := array.NewInt64Builder(mem)
	defer builder.Release()
	parseEach(arr, builder, func(s string) (int64, bool) {
		v, err := strconv.ParseInt(s, 10, 64)
		return v, err == nil
	}, builder.Append)
	return builder.NewInt64Array()
}

// StringToFloat64 parses every value of arr as a float.
func StringToFloat64(mem memory.Allocator, arr StringArray) *array.Float64 {
	builder := array.NewFloat64Builder(mem)
	defer builder.Release()
	parseEach(arr, builder, func(s string) (float64, bool) {
		v, err := strconv.ParseFloat(s, 64)
		return v, err == nil
	}, builder.Append)
	return builder.NewFloat64Array()
}

// StringToBool parses every value of arr with [strconv.ParseBool].
func StringToBool(mem memory.Allocator, arr StringArray) *array.Boolean {
	builder := array.NewBooleanBuilder(mem)
	defer builder.Release()
	parseEach(arr, builder, func(s string) (bool, bool) {
		v, err := strconv.ParseBool(s)
		return v, err == nil
	}, builder.Append)
	return builder.NewBooleanArray()
}

// StringToDate32 parses every value of arr as a YYYY-MM-DD date into days
// since the unix epoch.
func StringToDate32(mem memory.Allocator, arr StringArray) *array.Date32 {
	builder := array.NewDate32Builder(mem)
	defer builder.Release()
	parseEach(arr, builder, func(s string) (arrow.Date32, bool) {
		t, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return 0, false
		}
		return arrow.Date32FromTime(t), true
	}, builder.Append)
	return builder.NewDate32Array()
}

// StringToTimestamp parses every value of arr as an RFC 3339 style timestamp
// in the given unit. Timestamps without a zone are read as UTC.
func StringToTimestamp(mem memory.Allocator, arr StringArray, unit arrow.TimeUnit) *array.Timestamp {
	builder := array.NewTimestampBuilder(mem, &arrow.TimestampType{Unit: unit})
	defer builder.Release()
	parseEach(arr, builder, func(s string) (arrow.Timestamp, bool) {
		ts, err := arrow.TimestampFromString(s, unit)
		return ts, err == nil
	}, builder.Append)
	return builder.NewTimestampArray()
}

// BinaryViewToInt64 decodes every 8 byte value of arr as an int64. Values
// of any other length become null.
func BinaryViewToInt64(mem memory.Allocator, arr *array.BinaryView, littleEndian bool) *array.Int64 {
	var order binary.ByteOrder = binary.BigEndian
	if littleEndian {
		order = binary.LittleEndian
	}

	builder := array.NewInt64Builder(mem)
	defer builder.Release()
	builder.Reserve(arr.Len())

	for i := range arr.Len() {
		if arr.IsNull(i) || arr.ValueLen(i) != 8 {
			builder.AppendNull()
			continue
		}
		builder.Append(int64(order.Uint64(arr.Value(i))))
	}
	return builder.NewInt64Array()
}

// StringArray is implemented by [array.String], [array.LargeString] and
// [array.StringView].
type StringArray interface {
	arrow.Array
	Value(i int) string
}

func parseEach[T any](arr StringArray, builder array.Builder, parse func(string) (T, bool), appendValue func(T)) {
	builder.Reserve(arr.Len())
	for i := range arr.Len() {
		if arr.IsNull(i) {
			builder.AppendNull()
			continue
		}
		v, ok := parse(arr.Value(i))
		if !ok {
			builder.AppendNull()
			continue
		}
		appendValue(v)
	}
}
