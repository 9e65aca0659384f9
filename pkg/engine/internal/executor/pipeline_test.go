package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/stretchr/testify/require"

	lferrors "github.com/grafana/lazyframe/pkg/engine/internal/errors"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
)

var intSchema = types.NewSchema(types.Field{Name: "v", Type: types.Integer})

func intRecords(t *testing.T, sizes ...int) []arrow.Record {
	t.Helper()
	mem := checkedAllocator(t)

	var (
		recs []arrow.Record
		next int
	)
	for _, size := range sizes {
		rows := make([]Row, size)
		for i := range rows {
			rows[i] = Row{next}
			next++
		}
		recs = append(recs, testRecord(t, mem, intSchema, rows...))
	}
	return recs
}

func TestLimitPipeline(t *testing.T) {
	for _, tc := range []struct {
		name     string
		sizes    []int
		skip     uint64
		fetch    uint32
		expected []Row
	}{
		{
			name:     "within first batch",
			sizes:    []int{5, 5},
			skip:     1,
			fetch:    2,
			expected: expectRows(Row{1}, Row{2}),
		},
		{
			name:     "across batches",
			sizes:    []int{3, 3, 3},
			skip:     2,
			fetch:    5,
			expected: expectRows(Row{2}, Row{3}, Row{4}, Row{5}, Row{6}),
		},
		{
			name:     "skip empty batches",
			sizes:    []int{0, 2, 0, 2},
			skip:     1,
			fetch:    2,
			expected: expectRows(Row{1}, Row{2}),
		},
		{
			name:     "skip everything",
			sizes:    []int{2, 2},
			skip:     10,
			fetch:    2,
			expected: nil,
		},
		{
			name:     "zero fetch",
			sizes:    []int{2},
			fetch:    0,
			expected: nil,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := NewLimitPipeline(newRecordsPipeline(intRecords(t, tc.sizes...)), tc.skip, tc.fetch)
			_, rows := collect(t, p)
			require.Equal(t, tc.expected, rows)
		})
	}
}

func TestLimitPipeline_StopsReading(t *testing.T) {
	var reads int
	input := newRecordsPipeline(intRecords(t, 2, 2, 2))
	p := NewLimitPipeline(newGenericPipeline(func(ctx context.Context, inputs []Pipeline) (arrow.Record, error) {
		reads++
		return inputs[0].Read(ctx)
	}, input), 0, 1)

	_, rows := collect(t, p)
	require.Equal(t, expectRows(Row{0}), rows)
	require.Equal(t, 1, reads)
}

func TestPrefetchingPipeline(t *testing.T) {
	t.Run("yields every record", func(t *testing.T) {
		p := newPrefetchingPipeline(newRecordsPipeline(intRecords(t, 2, 1)))
		_, rows := collect(t, p)
		require.Equal(t, expectRows(Row{0}, Row{1}, Row{2}), rows)
	})

	t.Run("close before the input is drained", func(t *testing.T) {
		p := newPrefetchingPipeline(newRecordsPipeline(intRecords(t, 1, 1, 1)))
		rec, err := p.Read(t.Context())
		require.NoError(t, err)
		rec.Release()
		// Close releases the record in flight and the unread input.
		p.Close()
	})

	t.Run("propagates errors", func(t *testing.T) {
		failure := errors.New("failure")
		p := newPrefetchingPipeline(newGenericPipeline(func(context.Context, []Pipeline) (arrow.Record, error) {
			return nil, failure
		}))
		defer p.Close()

		_, err := p.Read(t.Context())
		require.ErrorIs(t, err, failure)
	})
}

func TestLazyPipeline(t *testing.T) {
	var built int
	p := newLazyPipeline(func(_ context.Context, _ []Pipeline) Pipeline {
		built++
		return newRecordsPipeline(intRecords(t, 1))
	}, nil)
	require.Equal(t, 0, built)

	_, rows := collect(t, p)
	require.Equal(t, 1, built)
	require.Equal(t, expectRows(Row{0}), rows)
}

func TestReadAll_ReleasesOnError(t *testing.T) {
	recs := intRecords(t, 1, 1)
	failure := errors.New("failure")
	p := newGenericPipeline(func(context.Context, []Pipeline) (arrow.Record, error) {
		if len(recs) == 0 {
			return nil, failure
		}
		rec := recs[0]
		recs = recs[1:]
		return rec, nil
	})

	_, err := ReadAll(t.Context(), p)
	require.ErrorIs(t, err, failure)
}

func TestNewTable_NormalizesColumns(t *testing.T) {
	mem := checkedAllocator(t)

	ib := array.NewInt32Builder(mem)
	ib.AppendValues([]int32{1, 2}, nil)
	sb := array.NewStringViewBuilder(mem)
	sb.Append("a string longer than twelve bytes")
	sb.AppendNull()
	db := array.NewDurationBuilder(mem, &arrow.DurationType{Unit: arrow.Millisecond})
	db.AppendValues([]arrow.Duration{1500, 0}, []bool{true, false})
	fb := array.NewFloat32Builder(mem)
	fb.AppendValues([]float32{0.5, 2}, nil)

	cols := []arrow.Array{ib.NewArray(), sb.NewArray(), db.NewArray(), fb.NewArray()}
	for _, b := range []array.Builder{ib, sb, db, fb} {
		b.Release()
	}
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "i", Type: cols[0].DataType(), Nullable: true},
		{Name: "s", Type: cols[1].DataType(), Nullable: true},
		{Name: "d", Type: cols[2].DataType(), Nullable: true},
		{Name: "f", Type: cols[3].DataType(), Nullable: true},
	}, nil)
	rec := array.NewRecord(schema, cols, 2)
	releaseArrays(cols)
	defer rec.Release()

	table, err := NewTable(mem, rec)
	require.NoError(t, err)
	defer table.Release()

	expected := types.NewSchema(
		types.Field{Name: "i", Type: types.Integer},
		types.Field{Name: "s", Type: types.String},
		types.Field{Name: "d", Type: types.Duration},
		types.Field{Name: "f", Type: types.Float},
	)
	require.True(t, expected.Equal(table.Schema), "got schema %s", table.Schema)
	require.Equal(t, int64(2), table.NumRows())

	_, rows := collect(t, newRecordsPipeline(retained(table.Records)))
	require.Equal(t, expectRows(
		Row{1, "a string longer than twelve bytes", int64(1_500_000_000), 0.5},
		Row{2, nil, nil, 2.0},
	), rows)
}

func TestNewTable_SchemaMismatch(t *testing.T) {
	mem := checkedAllocator(t)

	a := testRecord(t, mem, intSchema, Row{1})
	defer a.Release()
	b := testRecord(t, mem, peopleSchema, Row{1, 1.0, "x"})
	defer b.Release()

	_, err := NewTable(mem, a, b)
	require.ErrorIs(t, err, lferrors.ErrSchema)
}

func TestMemoryCatalog(t *testing.T) {
	mem := checkedAllocator(t)
	catalog := testCatalog(t, mem)

	require.Equal(t, []string{"labels", "people"}, catalog.Names())

	table, err := catalog.Table("people")
	require.NoError(t, err)
	require.Equal(t, int64(4), table.NumRows())

	_, err = catalog.Table("nope")
	require.ErrorIs(t, err, lferrors.ErrKey)
}

func retained(recs []arrow.Record) []arrow.Record {
	for _, rec := range recs {
		rec.Retain()
	}
	return append([]arrow.Record(nil), recs...)
}
