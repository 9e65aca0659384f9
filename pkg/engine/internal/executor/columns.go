package executor

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/grafana/lazyframe/pkg/engine/internal/compute/index"
	"github.com/grafana/lazyframe/pkg/engine/internal/datatype"
	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
)

// Values of a column are handled as Go values: nil, bool, int64, float64
// or string. Timestamps and durations are int64 nanoseconds.

// newBuilder returns a builder for columns of type dt.
func newBuilder(mem memory.Allocator, dt types.DataType) (array.Builder, error) {
	at, err := datatype.ToArrow(dt)
	if err != nil {
		return nil, err
	}
	return array.NewBuilder(mem, at), nil
}

// appendValue appends v to b. v must be nil or match the builder's type.
func appendValue(b array.Builder, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch b := b.(type) {
	case *array.BooleanBuilder:
		b.Append(v.(bool))
	case *array.Int64Builder:
		b.Append(v.(int64))
	case *array.Float64Builder:
		b.Append(v.(float64))
	case *array.StringBuilder:
		b.Append(v.(string))
	case *array.TimestampBuilder:
		b.Append(arrow.Timestamp(v.(int64)))
	case *array.DurationBuilder:
		b.Append(arrow.Duration(v.(int64)))
	default:
		panic(errors.Invariantf("append %T to %T", v, b))
	}
}

// valueAt returns the value of row i of arr.
func valueAt(arr arrow.Array, i int) any {
	if arr.IsNull(i) {
		return nil
	}
	switch arr := arr.(type) {
	case *array.Boolean:
		return arr.Value(i)
	case *array.Int64:
		return arr.Value(i)
	case *array.Float64:
		return arr.Value(i)
	case *array.String:
		return arr.Value(i)
	case *array.Timestamp:
		return int64(arr.Value(i))
	case *array.Duration:
		return int64(arr.Value(i))
	}
	panic(errors.Invariantf("read value of %s", arr.DataType()))
}

// broadcast returns a column of n copies of v.
func broadcast(mem memory.Allocator, dt types.DataType, v any, n int) (arrow.Array, error) {
	if dt == types.Null {
		return array.NewNull(n), nil
	}
	b, err := newBuilder(mem, dt)
	if err != nil {
		return nil, err
	}
	defer b.Release()
	b.Reserve(n)
	for range n {
		appendValue(b, v)
	}
	return b.NewArray(), nil
}

// takeRows returns the rows of arr at the given positions. A null index
// yields a null row.
func takeRows(mem memory.Allocator, arr arrow.Array, rows []index.NullableIdx) (arrow.Array, error) {
	if arr.DataType().ID() == arrow.NULL {
		return array.NewNull(len(rows)), nil
	}
	dt, err := datatype.FromArrow(arr.DataType())
	if err != nil {
		return nil, err
	}
	b, err := newBuilder(mem, dt)
	if err != nil {
		return nil, err
	}
	defer b.Release()
	b.Reserve(len(rows))

	for _, row := range rows {
		idx, ok := row.Get()
		if !ok {
			b.AppendNull()
			continue
		}
		if int(idx) >= arr.Len() {
			return nil, fmt.Errorf("take row %d of %d: %w", idx, arr.Len(), errors.ErrOutOfBounds)
		}
		appendValue(b, valueAt(arr, int(idx)))
	}
	return b.NewArray(), nil
}

// takeRecord applies [takeRows] to every column of rec.
func takeRecord(mem memory.Allocator, rec arrow.Record, rows []index.IdxSize) (arrow.Record, error) {
	if err := index.CheckBounds(rows, index.IdxSize(rec.NumRows())); err != nil {
		return nil, err
	}
	nullable := make([]index.NullableIdx, len(rows))
	for i, r := range rows {
		nullable[i] = index.NewNullableIdx(r)
	}

	cols := make([]arrow.Array, 0, rec.NumCols())
	defer func() { releaseArrays(cols) }()
	for _, col := range rec.Columns() {
		out, err := takeRows(mem, col, nullable)
		if err != nil {
			return nil, err
		}
		cols = append(cols, out)
	}
	return array.NewRecord(rec.Schema(), cols, int64(len(rows))), nil
}

// concatRecords concatenates recs into a single record of the given
// schema.
func concatRecords(mem memory.Allocator, schema *arrow.Schema, recs []arrow.Record) (arrow.Record, error) {
	var rows int64
	for _, rec := range recs {
		rows += rec.NumRows()
	}
	if len(recs) == 1 {
		recs[0].Retain()
		return recs[0], nil
	}

	cols := make([]arrow.Array, 0, schema.NumFields())
	defer func() { releaseArrays(cols) }()
	for i, f := range schema.Fields() {
		parts := make([]arrow.Array, len(recs))
		for j, rec := range recs {
			parts[j] = rec.Column(i)
		}
		if len(parts) == 0 {
			empty, err := emptyArray(mem, f.Type)
			if err != nil {
				return nil, err
			}
			cols = append(cols, empty)
			continue
		}
		col, err := array.Concatenate(parts, mem)
		if err != nil {
			return nil, fmt.Errorf("concatenate column %s: %w", f.Name, err)
		}
		cols = append(cols, col)
	}
	return array.NewRecord(schema, cols, rows), nil
}

func emptyArray(mem memory.Allocator, dt arrow.DataType) (arrow.Array, error) {
	if dt.ID() == arrow.NULL {
		return array.NewNull(0), nil
	}
	b := array.NewBuilder(mem, dt)
	defer b.Release()
	return b.NewArray(), nil
}

func releaseArrays(arrs []arrow.Array) {
	for _, arr := range arrs {
		arr.Release()
	}
}

// newRecord builds a record of schema from cols, which it takes ownership
// of.
func newRecord(schema *types.Schema, cols []arrow.Array, rows int64) (arrow.Record, error) {
	defer releaseArrays(cols)
	as, err := datatype.Schema(schema)
	if err != nil {
		return nil, err
	}
	return array.NewRecord(as, cols, rows), nil
}
