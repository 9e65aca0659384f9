package executor

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/grafana/lazyframe/pkg/engine/internal/types"
)

var (
	peopleSchema = types.NewSchema(
		types.Field{Name: "a", Type: types.Integer},
		types.Field{Name: "b", Type: types.Float},
		types.Field{Name: "c", Type: types.String},
	)
	labelSchema = types.NewSchema(
		types.Field{Name: "a", Type: types.Integer},
		types.Field{Name: "label", Type: types.String},
	)
)

// Row is a row of test data. Go ints are stored as int64.
type Row []any

func normalizeRow(r Row) Row {
	out := make(Row, len(r))
	for i, v := range r {
		if n, ok := v.(int); ok {
			v = int64(n)
		}
		out[i] = v
	}
	return out
}

// testRecord builds a record of schema from rows.
func testRecord(t *testing.T, mem memory.Allocator, schema *types.Schema, rows ...Row) arrow.Record {
	t.Helper()

	cols := make([]arrow.Array, 0, schema.Len())
	for i, f := range schema.Fields() {
		b, err := newBuilder(mem, f.Type)
		require.NoError(t, err)
		for _, row := range rows {
			appendValue(b, normalizeRow(row)[i])
		}
		cols = append(cols, b.NewArray())
		b.Release()
	}
	rec, err := newRecord(schema, cols, int64(len(rows)))
	require.NoError(t, err)
	return rec
}

// testTable registers a table of schema under name. Every group of rows
// becomes one record of the table.
func testTable(t *testing.T, mem memory.Allocator, catalog *MemoryCatalog, name string, schema *types.Schema, records ...[]Row) {
	t.Helper()

	recs := make([]arrow.Record, 0, len(records))
	for _, rows := range records {
		recs = append(recs, testRecord(t, mem, schema, rows...))
	}
	table, err := NewTable(mem, recs...)
	releaseAll(recs)
	require.NoError(t, err)
	t.Cleanup(table.Release)

	catalog.Register(name, table)
}

// testCatalog returns a catalog with the tables "people" and "labels".
func testCatalog(t *testing.T, mem memory.Allocator) *MemoryCatalog {
	t.Helper()

	catalog := NewMemoryCatalog()
	testTable(t, mem, catalog, "people", peopleSchema,
		[]Row{{1, 1.5, "x"}, {2, nil, "y"}},
		[]Row{{3, 3.5, nil}, {4, 4.0, "x"}},
	)
	testTable(t, mem, catalog, "labels", labelSchema,
		[]Row{{1, "one"}, {3, "three"}, {nil, "none"}, {3, "tres"}},
	)
	return catalog
}

// checkedAllocator returns an allocator that fails the test if memory is
// still allocated when the test ends.
func checkedAllocator(t *testing.T) *memory.CheckedAllocator {
	mem := memory.NewCheckedAllocator(memory.DefaultAllocator)
	t.Cleanup(func() { mem.AssertSize(t, 0) })
	return mem
}

// collect drains and closes p and returns the column names and rows it
// produced.
func collect(t *testing.T, p Pipeline) ([]string, []Row) {
	t.Helper()
	defer p.Close()

	recs, err := ReadAll(t.Context(), p)
	require.NoError(t, err)
	defer releaseAll(recs)

	var (
		names []string
		rows  []Row
	)
	for _, rec := range recs {
		if names == nil {
			for _, f := range rec.Schema().Fields() {
				names = append(names, f.Name)
			}
		}
		for i := range int(rec.NumRows()) {
			row := make(Row, rec.NumCols())
			for j, col := range rec.Columns() {
				row[j] = valueAt(col, i)
			}
			rows = append(rows, row)
		}
	}
	return names, rows
}

func expectRows(rows ...Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = normalizeRow(r)
	}
	return out
}
