package planfile

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/grafana/lazyframe/pkg/engine/internal/datatype"
	"github.com/grafana/lazyframe/pkg/engine/internal/executor"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
)

// generatedEpoch is the first timestamp of generated timestamp columns.
var generatedEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Catalog builds the tables of f. Every table becomes a single record.
func (f *File) Catalog(mem memory.Allocator) (*executor.MemoryCatalog, error) {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	catalog := executor.NewMemoryCatalog()
	for _, t := range f.Tables {
		rec, err := t.Record(mem)
		if err != nil {
			return nil, err
		}
		table, err := executor.NewTable(mem, rec)
		rec.Release()
		if err != nil {
			return nil, fmt.Errorf("table %q: %w", t.Name, err)
		}
		catalog.Register(t.Name, table)
	}
	return catalog, nil
}

// Record returns the rows of t as a record. The caller must release it.
func (t Table) Record(mem memory.Allocator) (arrow.Record, error) {
	schema, err := t.Schema()
	if err != nil {
		return nil, err
	}
	as, err := datatype.Schema(schema)
	if err != nil {
		return nil, err
	}
	if len(t.Rows) > 0 && t.Generate > 0 {
		return nil, fmt.Errorf("table %q sets both rows and generate", t.Name)
	}

	b := array.NewRecordBuilder(mem, as)
	defer b.Release()

	if t.Generate > 0 {
		for i := range t.Generate {
			for j, f := range schema.Fields() {
				appendGenerated(b.Field(j), f.Type, i)
			}
		}
		return b.NewRecord(), nil
	}

	for i, row := range t.Rows {
		if len(row) != schema.Len() {
			return nil, fmt.Errorf("table %q row %d has %d values, expected %d", t.Name, i, len(row), schema.Len())
		}
		for j, f := range schema.Fields() {
			if err := appendYAML(b.Field(j), f.Type, row[j]); err != nil {
				return nil, fmt.Errorf("table %q row %d column %q: %w", t.Name, i, f.Name, err)
			}
		}
	}
	return b.NewRecord(), nil
}

// appendYAML appends a value decoded from YAML to b.
func appendYAML(b array.Builder, dt types.DataType, c Cell) error {
	v := c.Value
	if v == nil {
		b.AppendNull()
		return nil
	}
	switch dt {
	case types.Null:
		return fmt.Errorf("null column holds %v", v)
	case types.Bool:
		bv, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%v is not a bool", v)
		}
		b.(*array.BooleanBuilder).Append(bv)
	case types.Integer:
		iv, ok := v.(int)
		if !ok {
			return fmt.Errorf("%v is not an integer", v)
		}
		b.(*array.Int64Builder).Append(int64(iv))
	case types.Float:
		switch fv := v.(type) {
		case int:
			b.(*array.Float64Builder).Append(float64(fv))
		case float64:
			b.(*array.Float64Builder).Append(fv)
		default:
			return fmt.Errorf("%v is not a number", v)
		}
	case types.String:
		sv, ok := c.text()
		if !ok {
			return fmt.Errorf("%v is not a string", v)
		}
		b.(*array.StringBuilder).Append(sv)
	case types.Timestamp:
		sv, ok := v.(string)
		if !ok {
			return fmt.Errorf("%v is not a timestamp", v)
		}
		ts, err := time.Parse(time.RFC3339Nano, sv)
		if err != nil {
			return err
		}
		b.(*array.TimestampBuilder).Append(arrow.Timestamp(ts.UnixNano()))
	case types.Duration:
		sv, ok := v.(string)
		if !ok {
			return fmt.Errorf("%v is not a duration", v)
		}
		d, err := time.ParseDuration(sv)
		if err != nil {
			return err
		}
		b.(*array.DurationBuilder).Append(arrow.Duration(d))
	default:
		return fmt.Errorf("unsupported column type %s", dt)
	}
	return nil
}

// appendGenerated appends the i-th generated value of type dt to b. Every
// seventh row is null.
func appendGenerated(b array.Builder, dt types.DataType, i int) {
	if i%7 == 6 || dt == types.Null {
		b.AppendNull()
		return
	}
	switch dt {
	case types.Bool:
		b.(*array.BooleanBuilder).Append(i%2 == 0)
	case types.Integer:
		b.(*array.Int64Builder).Append(int64(i))
	case types.Float:
		b.(*array.Float64Builder).Append(float64(i) / 2)
	case types.String:
		b.(*array.StringBuilder).Append(fmt.Sprintf("v%d", i%5))
	case types.Timestamp:
		b.(*array.TimestampBuilder).Append(arrow.Timestamp(generatedEpoch.Add(time.Duration(i) * time.Second).UnixNano()))
	case types.Duration:
		b.(*array.DurationBuilder).Append(arrow.Duration(time.Duration(i) * time.Millisecond))
	}
}
