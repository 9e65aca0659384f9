package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/grafana/lazyframe/pkg/engine/internal/compute/cast"
	"github.com/grafana/lazyframe/pkg/engine/internal/compute/temporal"
	"github.com/grafana/lazyframe/pkg/engine/internal/datatype"
	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
)

// Catalog resolves the source of a [logical.Scan] to a table.
type Catalog interface {
	Table(source string) (*Table, error)
}

// Table is an in-memory relation. Every record has the arrow form of
// Schema.
type Table struct {
	Schema  *types.Schema
	Records []arrow.Record
}

// NewTable converts recs into a table. Columns are converted to the
// engine's arrow types: string views become strings, narrower integers and
// floats are widened, and timestamps and durations are converted to
// nanoseconds. NewTable does not take ownership of recs.
func NewTable(mem memory.Allocator, recs ...arrow.Record) (*Table, error) {
	if len(recs) == 0 {
		return nil, fmt.Errorf("table needs at least one record to derive its schema")
	}

	var (
		schema *types.Schema
		out    = make([]arrow.Record, 0, len(recs))
	)
	for _, rec := range recs {
		norm, err := normalizeRecord(mem, rec)
		if err != nil {
			releaseAll(out)
			return nil, err
		}
		s, err := engineSchema(norm.Schema())
		if err != nil {
			norm.Release()
			releaseAll(out)
			return nil, err
		}
		if schema == nil {
			schema = s
		} else if !schema.Equal(s) {
			norm.Release()
			releaseAll(out)
			return nil, fmt.Errorf("record schema %s does not match table schema %s: %w", s, schema, errors.ErrSchema)
		}
		out = append(out, norm)
	}
	return &Table{Schema: schema, Records: out}, nil
}

// Release releases the records of t.
func (t *Table) Release() { releaseAll(t.Records) }

// NumRows returns the number of rows of t.
func (t *Table) NumRows() int64 {
	var n int64
	for _, rec := range t.Records {
		n += rec.NumRows()
	}
	return n
}

func normalizeRecord(mem memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	fields := make([]arrow.Field, rec.NumCols())
	cols := make([]arrow.Array, 0, rec.NumCols())
	defer func() { releaseArrays(cols) }()

	for i, f := range rec.Schema().Fields() {
		col, err := normalizeColumn(mem, rec.Column(i))
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Name, err)
		}
		cols = append(cols, col)
		fields[i] = arrow.Field{Name: f.Name, Type: col.DataType(), Nullable: true}
	}
	return array.NewRecord(arrow.NewSchema(fields, nil), cols, rec.NumRows()), nil
}

// normalizeColumn returns arr in the arrow type the engine uses for its
// data type.
func normalizeColumn(mem memory.Allocator, arr arrow.Array) (arrow.Array, error) {
	dt, err := datatype.FromArrow(arr.DataType())
	if err != nil {
		return nil, err
	}
	want, err := datatype.ToArrow(dt)
	if err != nil {
		return nil, err
	}
	if arrow.TypeEqual(arr.DataType(), want) {
		arr.Retain()
		return arr, nil
	}

	switch arr := arr.(type) {
	case *array.StringView:
		return cast.StringViewToString(mem, arr), nil
	case *array.Duration:
		converted := temporal.CastTimeUnit(mem, arr, arrow.Nanosecond)
		defer converted.Release()
		return retype(converted, want), nil
	case *array.Timestamp:
		mul := int64(arr.DataType().(*arrow.TimestampType).Unit.Multiplier())
		return mapRows(mem, dt, arr, func(i int) any { return int64(arr.Value(i)) * mul })
	case *array.LargeString:
		return mapRows(mem, dt, arr, func(i int) any { return arr.Value(i) })
	case *array.Int8:
		return mapRows(mem, dt, arr, func(i int) any { return int64(arr.Value(i)) })
	case *array.Int16:
		return mapRows(mem, dt, arr, func(i int) any { return int64(arr.Value(i)) })
	case *array.Int32:
		return mapRows(mem, dt, arr, func(i int) any { return int64(arr.Value(i)) })
	case *array.Uint8:
		return mapRows(mem, dt, arr, func(i int) any { return int64(arr.Value(i)) })
	case *array.Uint16:
		return mapRows(mem, dt, arr, func(i int) any { return int64(arr.Value(i)) })
	case *array.Uint32:
		return mapRows(mem, dt, arr, func(i int) any { return int64(arr.Value(i)) })
	case *array.Uint64:
		return mapRows(mem, dt, arr, func(i int) any { return int64(arr.Value(i)) })
	case *array.Float32:
		return mapRows(mem, dt, arr, func(i int) any { return float64(arr.Value(i)) })
	}
	return nil, fmt.Errorf("convert %s to %s: %w", arr.DataType(), want, errors.ErrType)
}

func mapRows(mem memory.Allocator, dt types.DataType, arr arrow.Array, value func(i int) any) (arrow.Array, error) {
	b, err := newBuilder(mem, dt)
	if err != nil {
		return nil, err
	}
	defer b.Release()
	b.Reserve(arr.Len())
	for i := range arr.Len() {
		if arr.IsNull(i) {
			b.AppendNull()
			continue
		}
		appendValue(b, value(i))
	}
	return b.NewArray(), nil
}

// MemoryCatalog is a [Catalog] of registered in-memory tables. It is safe
// for concurrent use.
type MemoryCatalog struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewMemoryCatalog returns an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{tables: make(map[string]*Table)}
}

// Register adds t under name, replacing any table registered before.
func (c *MemoryCatalog) Register(name string, t *Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[name] = t
}

// Table implements [Catalog].
func (c *MemoryCatalog) Table(source string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[source]
	if !ok {
		return nil, fmt.Errorf("table %q: %w", source, errors.ErrKey)
	}
	return t, nil
}

// Release releases every registered table and empties the catalog.
func (c *MemoryCatalog) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, t := range c.tables {
		t.Release()
		delete(c.tables, name)
	}
}

// Names returns the names of the registered tables in sorted order.
func (c *MemoryCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newScanPipeline yields the projected columns of table in records of at
// most batchSize rows.
func newScanPipeline(mem memory.Allocator, name string, table *Table, node *logical.Scan, batchSize int64) (Pipeline, error) {
	out := node.OutputSchema()
	indices := make([]int, 0, out.Len())
	for _, f := range out.Fields() {
		tf, ok := table.Schema.Lookup(f.Name)
		if !ok {
			return nil, errors.NewSchemaError(name, f.Name, "table "+node.Source)
		}
		if tf.Type != f.Type {
			return nil, fmt.Errorf("%s: column %s of table %s is %s, expected %s: %w", name, f.Name, node.Source, tf.Type, f.Type, errors.ErrType)
		}
		indices = append(indices, table.Schema.Index(f.Name))
	}
	schema, err := datatype.Schema(out)
	if err != nil {
		return nil, err
	}

	var (
		recIdx int
		offset int64
	)
	return newGenericPipeline(func(_ context.Context, _ []Pipeline) (arrow.Record, error) {
		for recIdx < len(table.Records) {
			rec := table.Records[recIdx]
			if offset >= rec.NumRows() {
				recIdx++
				offset = 0
				continue
			}
			end := min(offset+batchSize, rec.NumRows())
			cols := make([]arrow.Array, len(indices))
			for i, idx := range indices {
				cols[i] = array.NewSlice(rec.Column(idx), offset, end)
			}
			batch, err := newArrowRecord(schema, cols, end-offset)
			offset = end
			return batch, err
		}
		return nil, EOF
	}), nil
}

// newArrowRecord builds a record from cols, which it takes ownership of.
func newArrowRecord(schema *arrow.Schema, cols []arrow.Array, rows int64) (arrow.Record, error) {
	defer releaseArrays(cols)
	if len(cols) != schema.NumFields() {
		return nil, errors.Invariantf("record of %d fields built from %d columns", schema.NumFields(), len(cols))
	}
	return array.NewRecord(schema, cols, rows), nil
}
