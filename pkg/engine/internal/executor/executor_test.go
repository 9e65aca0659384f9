package executor

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
	"github.com/grafana/lazyframe/pkg/engine/internal/planner/optimizer"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
)

func testConfig(catalog Catalog, mem memory.Allocator) Config {
	return Config{
		BatchSize:      2,
		JoinPartitions: 4,
		Catalog:        catalog,
		Allocator:      mem,
	}
}

func execute(t *testing.T, cfg Config, plan *logical.Plan) ([]string, []Row) {
	t.Helper()
	return collect(t, Run(t.Context(), cfg, plan, log.NewNopLogger()))
}

func TestRun_FilterSelect(t *testing.T) {
	mem := checkedAllocator(t)
	catalog := testCatalog(t, mem)

	p := logical.NewPlan()
	plan, err := p.Scan("people", peopleSchema).
		Filter(p.Bin(p.Col("a"), types.BinaryOpGt, p.Lit(1))).
		Select(p.Col("a"), p.As(p.Bin(p.Col("a"), types.BinaryOpMul, p.Lit(2)), "d")).
		Build()
	require.NoError(t, err)

	names, rows := execute(t, testConfig(catalog, mem), plan)
	require.Equal(t, []string{"a", "d"}, names)
	require.Equal(t, expectRows(Row{2, 4}, Row{3, 6}, Row{4, 8}), rows)
}

func TestRun_FilterNullPredicate(t *testing.T) {
	mem := checkedAllocator(t)
	catalog := testCatalog(t, mem)

	// Rows where b is null compare to null and are dropped.
	p := logical.NewPlan()
	plan, err := p.Scan("people", peopleSchema).
		Filter(p.Bin(p.Col("b"), types.BinaryOpLt, p.Lit(4.0))).
		Select(p.Col("a")).
		Build()
	require.NoError(t, err)

	_, rows := execute(t, testConfig(catalog, mem), plan)
	require.Equal(t, expectRows(Row{1}, Row{3}), rows)
}

func TestRun_HStack(t *testing.T) {
	t.Run("parallel", func(t *testing.T) {
		mem := checkedAllocator(t)
		catalog := testCatalog(t, mem)

		p := logical.NewPlan()
		plan, err := p.Scan("people", peopleSchema).
			WithColumns(logical.HStackOptions{RunParallel: true},
				p.As(p.Bin(p.Col("a"), types.BinaryOpAdd, p.Lit(10)), "a"),
				p.As(p.Bin(p.Col("a"), types.BinaryOpMul, p.Lit(2)), "g"),
			).
			Build()
		require.NoError(t, err)

		names, rows := execute(t, testConfig(catalog, mem), plan)
		require.Equal(t, []string{"a", "b", "c", "g"}, names)
		// Both expressions read the input column a.
		require.Equal(t, expectRows(
			Row{11, 1.5, "x", 2},
			Row{12, nil, "y", 4},
			Row{13, 3.5, nil, 6},
			Row{14, 4.0, "x", 8},
		), rows)
	})

	t.Run("sequential", func(t *testing.T) {
		mem := checkedAllocator(t)
		catalog := testCatalog(t, mem)

		p := logical.NewPlan()
		plan, err := p.Scan("people", peopleSchema).
			WithColumns(logical.HStackOptions{Sequential: true},
				p.As(p.Bin(p.Col("a"), types.BinaryOpAdd, p.Lit(10)), "e"),
				p.As(p.Bin(p.Col("e"), types.BinaryOpMul, p.Lit(2)), "f"),
			).
			Select(p.Col("e"), p.Col("f")).
			Build()
		require.NoError(t, err)

		_, rows := execute(t, testConfig(catalog, mem), plan)
		require.Equal(t, expectRows(Row{11, 22}, Row{12, 24}, Row{13, 26}, Row{14, 28}), rows)
	})
}

func TestRun_Len(t *testing.T) {
	mem := checkedAllocator(t)
	catalog := testCatalog(t, mem)

	t.Run("select of len only yields a single row", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("people", peopleSchema).
			Select(p.As(p.CountRows(), "n")).
			Build()
		require.NoError(t, err)

		names, rows := execute(t, testConfig(catalog, mem), plan)
		require.Equal(t, []string{"n"}, names)
		require.Equal(t, expectRows(Row{4}), rows)
	})

	t.Run("len counts the whole relation", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("people", peopleSchema).
			WithColumns(logical.HStackOptions{}, p.As(p.CountRows(), "n")).
			Select(p.Col("a"), p.Col("n")).
			Build()
		require.NoError(t, err)

		_, rows := execute(t, testConfig(catalog, mem), plan)
		require.Equal(t, expectRows(Row{1, 4}, Row{2, 4}, Row{3, 4}, Row{4, 4}), rows)
	})
}

func TestRun_Sort(t *testing.T) {
	mem := checkedAllocator(t)
	catalog := testCatalog(t, mem)

	for _, tc := range []struct {
		name       string
		descending bool
		expected   []Row
	}{
		{name: "ascending", expected: expectRows(Row{1}, Row{3}, Row{4}, Row{2})},
		{name: "descending", descending: true, expected: expectRows(Row{4}, Row{3}, Row{1}, Row{2})},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := logical.NewPlan()
			plan, err := p.Scan("people", peopleSchema).
				Sort([]arena.Node{p.Col("b")}, []bool{tc.descending}).
				Select(p.Col("a")).
				Build()
			require.NoError(t, err)

			// Nulls sort last in both directions.
			_, rows := execute(t, testConfig(catalog, mem), plan)
			require.Equal(t, tc.expected, rows)
		})
	}
}

func TestRun_Slice(t *testing.T) {
	mem := checkedAllocator(t)
	catalog := testCatalog(t, mem)

	for _, tc := range []struct {
		name     string
		offset   int64
		length   uint32
		expected []Row
	}{
		{name: "head across batches", offset: 1, length: 2, expected: expectRows(Row{2}, Row{3})},
		{name: "past the end", offset: 3, length: 10, expected: expectRows(Row{4})},
		{name: "tail", offset: -2, length: 5, expected: expectRows(Row{3}, Row{4})},
		{name: "tail longer than input", offset: -10, length: 2, expected: expectRows(Row{1}, Row{2})},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := logical.NewPlan()
			plan, err := p.Scan("people", peopleSchema).
				Slice(tc.offset, tc.length).
				Select(p.Col("a")).
				Build()
			require.NoError(t, err)

			_, rows := execute(t, testConfig(catalog, mem), plan)
			require.Equal(t, tc.expected, rows)
		})
	}
}

func TestRun_GroupBy(t *testing.T) {
	mem := checkedAllocator(t)
	catalog := testCatalog(t, mem)

	t.Run("groups in order of first appearance", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("people", peopleSchema).
			GroupBy(
				[]arena.Node{p.Col("c")},
				[]arena.Node{
					p.Aggregate(types.AggOpSum, p.Col("a")),
					p.Aggregate(types.AggOpCount, p.Col("b")),
					p.As(p.Aggregate(types.AggOpMean, p.Col("b")), "mean"),
					p.CountRows(),
				},
			).
			Build()
		require.NoError(t, err)

		names, rows := execute(t, testConfig(catalog, mem), plan)
		require.Equal(t, []string{"c", "a", "b", "mean", "len"}, names)
		require.Equal(t, expectRows(
			Row{"x", 5, 2, 2.75, 2},
			Row{"y", 2, 0, nil, 1},
			Row{nil, 3, 1, 3.5, 1},
		), rows)
	})

	t.Run("empty input without keys yields one group", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("people", peopleSchema).
			Filter(p.Bin(p.Col("a"), types.BinaryOpGt, p.Lit(100))).
			GroupBy(nil, []arena.Node{p.CountRows(), p.Aggregate(types.AggOpSum, p.Col("a"))}).
			Build()
		require.NoError(t, err)

		_, rows := execute(t, testConfig(catalog, mem), plan)
		require.Equal(t, expectRows(Row{0, nil}), rows)
	})

	t.Run("empty input with keys yields no groups", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("people", peopleSchema).
			Filter(p.Bin(p.Col("a"), types.BinaryOpGt, p.Lit(100))).
			GroupBy([]arena.Node{p.Col("c")}, []arena.Node{p.CountRows()}).
			Build()
		require.NoError(t, err)

		_, rows := execute(t, testConfig(catalog, mem), plan)
		require.Empty(t, rows)
	})
}

func TestRun_Join(t *testing.T) {
	mem := checkedAllocator(t)
	catalog := testCatalog(t, mem)

	build := func(how logical.JoinType) *logical.Plan {
		p := logical.NewPlan()
		plan, err := p.Scan("people", peopleSchema).
			Join(p.Scan("labels", labelSchema), []arena.Node{p.Col("a")}, []arena.Node{p.Col("a")}, how, "_r").
			Build()
		require.NoError(t, err)
		return plan
	}

	t.Run("inner", func(t *testing.T) {
		names, rows := execute(t, testConfig(catalog, mem), build(logical.JoinInner))
		require.Equal(t, []string{"a", "b", "c", "label"}, names)
		require.Equal(t, expectRows(
			Row{1, 1.5, "x", "one"},
			Row{3, 3.5, nil, "three"},
			Row{3, 3.5, nil, "tres"},
		), rows)
	})

	t.Run("left", func(t *testing.T) {
		_, rows := execute(t, testConfig(catalog, mem), build(logical.JoinLeft))
		require.Equal(t, expectRows(
			Row{1, 1.5, "x", "one"},
			Row{2, nil, "y", nil},
			Row{3, 3.5, nil, "three"},
			Row{3, 3.5, nil, "tres"},
			Row{4, 4.0, "x", nil},
		), rows)
	})

	t.Run("clashing names get the suffix", func(t *testing.T) {
		p := logical.NewPlan()
		right := p.Scan("labels", labelSchema).
			Select(p.As(p.Col("a"), "k"), p.As(p.Col("label"), "c"))
		plan, err := p.Scan("people", peopleSchema).
			Join(right, []arena.Node{p.Col("a")}, []arena.Node{p.Col("k")}, logical.JoinInner, "_r").
			Select(p.Col("c"), p.Col("c_r")).
			Build()
		require.NoError(t, err)

		names, rows := execute(t, testConfig(catalog, mem), plan)
		require.Equal(t, []string{"c", "c_r"}, names)
		require.Equal(t, expectRows(Row{"x", "one"}, Row{nil, "three"}, Row{nil, "tres"}), rows)
	})
}

func TestRun_Cast(t *testing.T) {
	mem := checkedAllocator(t)
	catalog := testCatalog(t, mem)

	p := logical.NewPlan()
	plan, err := p.Scan("people", peopleSchema).
		Select(
			p.As(p.CastTo(p.Col("a"), types.String), "s"),
			p.As(p.CastTo(p.Col("b"), types.Integer), "i"),
			p.As(p.CastTo(p.Lit("1.5"), types.Float), "f"),
		).
		Slice(0, 2).
		Build()
	require.NoError(t, err)

	_, rows := execute(t, testConfig(catalog, mem), plan)
	require.Equal(t, expectRows(Row{"1", 1, 1.5}, Row{"2", nil, 1.5}), rows)
}

func TestRun_ScanErrors(t *testing.T) {
	mem := checkedAllocator(t)
	catalog := testCatalog(t, mem)

	t.Run("unknown table", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("missing", peopleSchema).Build()
		require.NoError(t, err)

		pipeline := Run(t.Context(), testConfig(catalog, mem), plan, nil)
		defer pipeline.Close()
		_, err = ReadAll(t.Context(), pipeline)
		require.ErrorIs(t, err, errors.ErrKey)
	})

	t.Run("column of a different type", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("people", types.NewSchema(types.Field{Name: "a", Type: types.String})).Build()
		require.NoError(t, err)

		pipeline := Run(t.Context(), testConfig(catalog, mem), plan, nil)
		defer pipeline.Close()
		_, err = ReadAll(t.Context(), pipeline)
		require.ErrorIs(t, err, errors.ErrType)
	})

	t.Run("missing column", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("people", types.NewSchema(types.Field{Name: "z", Type: types.Integer})).Build()
		require.NoError(t, err)

		pipeline := Run(t.Context(), testConfig(catalog, mem), plan, nil)
		defer pipeline.Close()
		_, err = ReadAll(t.Context(), pipeline)
		require.ErrorIs(t, err, errors.ErrSchema)
	})
}

func TestRun_PrefetchScans(t *testing.T) {
	mem := checkedAllocator(t)
	catalog := testCatalog(t, mem)

	p := logical.NewPlan()
	plan, err := p.Scan("people", peopleSchema).Select(p.Col("c")).Build()
	require.NoError(t, err)

	cfg := testConfig(catalog, mem)
	cfg.PrefetchScans = true
	_, rows := execute(t, cfg, plan)
	require.Equal(t, expectRows(Row{"x"}, Row{"y"}, Row{nil}, Row{"x"}), rows)
}

// Projection pushdown must not change the result of a plan.
func TestRun_SameResultAfterProjectionPushdown(t *testing.T) {
	mem := checkedAllocator(t)
	catalog := testCatalog(t, mem)

	for _, tc := range []struct {
		name  string
		build func(p *logical.Plan) *logical.Builder
	}{
		{
			name: "hstack below filter and select",
			build: func(p *logical.Plan) *logical.Builder {
				return p.Scan("people", peopleSchema).
					WithColumns(logical.HStackOptions{},
						p.As(p.Bin(p.Col("a"), types.BinaryOpMul, p.Lit(2)), "d"),
						p.As(p.Bin(p.Col("b"), types.BinaryOpAdd, p.Lit(1.0)), "e"),
					).
					Filter(p.Bin(p.Col("d"), types.BinaryOpGt, p.Lit(2))).
					Select(p.Col("c"), p.Col("d"))
			},
		},
		{
			name: "sequential hstack with overwrites",
			build: func(p *logical.Plan) *logical.Builder {
				return p.Scan("people", peopleSchema).
					WithColumns(logical.HStackOptions{Sequential: true},
						p.As(p.Bin(p.Col("a"), types.BinaryOpAdd, p.Lit(1)), "x"),
						p.As(p.Bin(p.Col("x"), types.BinaryOpAdd, p.Lit(1)), "a"),
						p.As(p.Lit("unused"), "x"),
					).
					Select(p.Col("a"))
			},
		},
		{
			name: "join",
			build: func(p *logical.Plan) *logical.Builder {
				return p.Scan("people", peopleSchema).
					Join(p.Scan("labels", labelSchema), []arena.Node{p.Col("a")}, []arena.Node{p.Col("a")}, logical.JoinLeft, "_r").
					Select(p.Col("label"), p.Col("b"))
			},
		},
		{
			name: "group by",
			build: func(p *logical.Plan) *logical.Builder {
				return p.Scan("people", peopleSchema).
					GroupBy([]arena.Node{p.Col("c")}, []arena.Node{p.Aggregate(types.AggOpSum, p.Col("a")), p.CountRows()}).
					Select(p.Col("a"))
			},
		},
		{
			name: "sort and slice",
			build: func(p *logical.Plan) *logical.Builder {
				return p.Scan("people", peopleSchema).
					Sort([]arena.Node{p.Col("b")}, []bool{true}).
					Slice(0, 2).
					Select(p.Col("c"))
			},
		},
		{
			name: "row count",
			build: func(p *logical.Plan) *logical.Builder {
				return p.Scan("people", peopleSchema).
					WithColumns(logical.HStackOptions{}, p.As(p.Lit(1), "one")).
					Select(p.CountRows())
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := tc.build(logical.NewPlan()).Build()
			require.NoError(t, err)

			optimized := plan.Clone()
			_, err = optimizer.New(true, &optimizer.ProjectionPushdown{}).Optimize(optimized)
			require.NoError(t, err)

			expectedNames, expectedRows := execute(t, testConfig(catalog, mem), plan)
			names, rows := execute(t, testConfig(catalog, mem), optimized)
			require.Equal(t, expectedNames, names)
			if diff := cmp.Diff(expectedRows, rows); diff != "" {
				t.Fatalf("result changed after optimization (-want +got):\n%s", diff)
			}
		})
	}
}
