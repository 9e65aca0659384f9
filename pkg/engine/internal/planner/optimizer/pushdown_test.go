package optimizer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	lferrors "github.com/grafana/lazyframe/pkg/engine/internal/errors"
	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
)

func intSchema(names ...string) *types.Schema {
	fields := make([]types.Field, len(names))
	for i, n := range names {
		fields[i] = types.Field{Name: n, Type: types.Integer}
	}
	return types.NewSchema(fields...)
}

func optimize(t *testing.T, plan *logical.Plan) Stats {
	t.Helper()

	before, err := plan.Schema(plan.Root)
	require.NoError(t, err)
	root := plan.Root

	stats, err := (&ProjectionPushdown{}).Optimize(plan)
	require.NoError(t, err)
	require.NoError(t, plan.Validate())

	after, err := plan.Schema(plan.Root)
	require.NoError(t, err)
	require.True(t, before.Equal(after), "root schema changed from %s to %s", before, after)
	require.Equal(t, root, plan.Root, "root handle changed")
	return stats
}

func requirePlan(t *testing.T, expected string, plan *logical.Plan) {
	t.Helper()
	require.Equal(t, expected, "\n"+logical.PrintAsTree(plan))
}

func TestProjectionPushdown_AddColumnsKept(t *testing.T) {
	p := logical.NewPlan()
	plan, err := p.Scan("t", intSchema("a", "b", "c")).
		WithColumns(logical.HStackOptions{}, p.As(p.Bin(p.Col("b"), types.BinaryOpAdd, p.Lit(1)), "d")).
		Select(p.Col("a"), p.Col("d")).
		Build()
	require.NoError(t, err)

	stats := optimize(t, plan)

	requirePlan(t, `
Select exprs=(a, d)
└── HStack exprs=((b ADD 1) AS d)
    └── Scan source=t projection=(a, b)
`, plan)
	require.Equal(t, Stats{PrunedColumns: 1}, stats)
}

func TestProjectionPushdown_AddColumnsEliminated(t *testing.T) {
	p := logical.NewPlan()
	plan, err := p.Scan("t", intSchema("a", "b", "c")).
		WithColumns(logical.HStackOptions{}, p.As(p.Bin(p.Col("b"), types.BinaryOpAdd, p.Lit(1)), "d")).
		Select(p.Col("a"), p.Col("b")).
		Build()
	require.NoError(t, err)

	stats := optimize(t, plan)

	requirePlan(t, `
Select exprs=(a, b)
└── Scan source=t projection=(a, b)
`, plan)
	require.Equal(t, Stats{EliminatedNodes: 1, PrunedExprs: 1, PrunedColumns: 1}, stats)
	require.Equal(t, 2, plan.Len())
}

func TestProjectionPushdown_Shadowing(t *testing.T) {
	p := logical.NewPlan()
	plan, err := p.Scan("t", intSchema("a", "x", "y")).
		WithColumns(logical.HStackOptions{}, p.As(p.Bin(p.Col("a"), types.BinaryOpAdd, p.Lit(1)), "x")).
		Select(p.Col("x")).
		Build()
	require.NoError(t, err)

	optimize(t, plan)

	requirePlan(t, `
Select exprs=(x)
└── HStack exprs=((a ADD 1) AS x)
    └── Scan source=t projection=(a)
`, plan)
}

func TestProjectionPushdown_ShadowingReadsOldValue(t *testing.T) {
	p := logical.NewPlan()
	plan, err := p.Scan("t", intSchema("a", "x", "y")).
		WithColumns(logical.HStackOptions{}, p.As(p.Bin(p.Col("x"), types.BinaryOpMul, p.Lit(2)), "x")).
		Select(p.Col("x")).
		Build()
	require.NoError(t, err)

	optimize(t, plan)

	requirePlan(t, `
Select exprs=(x)
└── HStack exprs=((x MUL 2) AS x)
    └── Scan source=t projection=(x)
`, plan)
}

func TestProjectionPushdown_LastWriterWins(t *testing.T) {
	t.Run("parallel", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("t", intSchema("a", "b", "c")).
			WithColumns(logical.HStackOptions{RunParallel: true},
				p.As(p.Col("a"), "d"),
				p.As(p.Col("b"), "e"),
				p.As(p.Col("c"), "d"),
			).
			Select(p.Col("d")).
			Build()
		require.NoError(t, err)

		stats := optimize(t, plan)

		requirePlan(t, `
Select exprs=(d)
└── HStack exprs=(c AS d) parallel=true
    └── Scan source=t projection=(c)
`, plan)
		require.Equal(t, 2, stats.PrunedExprs)
	})

	t.Run("parallel root keeps column order", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("t", intSchema("a", "b")).
			WithColumns(logical.HStackOptions{},
				p.As(p.Col("a"), "x"),
				p.As(p.Col("b"), "y"),
				p.As(p.Bin(p.Col("b"), types.BinaryOpAdd, p.Lit(1)), "x"),
			).
			Build()
		require.NoError(t, err)

		optimize(t, plan)

		requirePlan(t, `
HStack exprs=((b ADD 1) AS x, b AS y)
└── Scan source=t projection=*
`, plan)
	})

	t.Run("sequential keeps the first writer", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("t", intSchema("a", "b")).
			WithColumns(logical.HStackOptions{Sequential: true},
				p.As(p.Col("a"), "x"),
				p.As(p.Col("b"), "y"),
				p.As(p.Bin(p.Col("y"), types.BinaryOpAdd, p.Lit(1)), "x"),
			).
			Build()
		require.NoError(t, err)

		stats := optimize(t, plan)

		requirePlan(t, `
HStack exprs=(a AS x, b AS y, (y ADD 1) AS x) sequential=true
└── Scan source=t projection=*
`, plan)
		require.Equal(t, Stats{}, stats)
	})

	t.Run("sequential dead writer of an input column", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("t", intSchema("a", "b", "c")).
			WithColumns(logical.HStackOptions{Sequential: true},
				p.As(p.Col("c"), "a"),
				p.As(p.Col("b"), "a"),
			).
			Select(p.Col("a")).
			Build()
		require.NoError(t, err)

		optimize(t, plan)

		requirePlan(t, `
Select exprs=(a)
└── HStack exprs=(b AS a) sequential=true
    └── Scan source=t projection=(b)
`, plan)
	})
}

func TestProjectionPushdown_SequentialDependency(t *testing.T) {
	p := logical.NewPlan()
	plan, err := p.Scan("t", intSchema("a", "b", "c")).
		WithColumns(logical.HStackOptions{Sequential: true},
			p.As(p.Bin(p.Col("a"), types.BinaryOpAdd, p.Lit(1)), "d"),
			p.As(p.Bin(p.Col("d"), types.BinaryOpMul, p.Lit(2)), "e"),
			p.As(p.Col("c"), "f"),
		).
		Select(p.Col("e")).
		Build()
	require.NoError(t, err)

	optimize(t, plan)

	requirePlan(t, `
Select exprs=(e)
└── HStack exprs=((a ADD 1) AS d, (d MUL 2) AS e) sequential=true
    └── Scan source=t projection=(a)
`, plan)
}

func TestProjectionPushdown_NestedAddColumns(t *testing.T) {
	p := logical.NewPlan()
	plan, err := p.Scan("t", intSchema("a", "b", "c", "z")).
		WithColumns(logical.HStackOptions{}, p.As(p.Col("a"), "d"), p.As(p.Col("z"), "unused")).
		WithColumns(logical.HStackOptions{}, p.As(p.Bin(p.Col("d"), types.BinaryOpAdd, p.Col("b")), "e")).
		WithColumns(logical.HStackOptions{}, p.As(p.Col("c"), "never")).
		Select(p.Col("e")).
		Build()
	require.NoError(t, err)

	stats := optimize(t, plan)

	requirePlan(t, `
Select exprs=(e)
└── HStack exprs=((d ADD b) AS e)
    └── HStack exprs=(a AS d)
        └── Scan source=t projection=(a, b)
`, plan)
	require.Equal(t, Stats{EliminatedNodes: 1, PrunedExprs: 2, PrunedColumns: 2}, stats)
}

func TestProjectionPushdown_PassThroughOperators(t *testing.T) {
	p := logical.NewPlan()
	plan, err := p.Scan("t", intSchema("a", "b", "c", "d")).
		Filter(p.Bin(p.Col("b"), types.BinaryOpGt, p.Lit(1))).
		Sort([]arena.Node{p.Col("c")}, []bool{true}).
		Slice(0, 10).
		Select(p.Col("a")).
		Build()
	require.NoError(t, err)

	optimize(t, plan)

	requirePlan(t, `
Select exprs=(a)
└── Slice offset=0 len=10
    └── Sort by=(c) descending=(true)
        └── Filter predicate=(b GT 1)
            └── Scan source=t projection=(a, b, c)
`, plan)
}

func TestProjectionPushdown_SelectPrunedByConsumer(t *testing.T) {
	p := logical.NewPlan()
	plan, err := p.Scan("t", intSchema("a", "b", "c")).
		Select(p.Col("a"), p.As(p.Col("b"), "bb"), p.Col("c")).
		Filter(p.Bin(p.Col("bb"), types.BinaryOpLt, p.Lit(0))).
		Select(p.Col("a")).
		Build()
	require.NoError(t, err)

	stats := optimize(t, plan)

	requirePlan(t, `
Select exprs=(a)
└── Filter predicate=(bb LT 0)
    └── Select exprs=(a, b AS bb)
        └── Scan source=t projection=(a, b)
`, plan)
	require.Equal(t, Stats{PrunedExprs: 1, PrunedColumns: 1}, stats)
}

func TestProjectionPushdown_GroupBy(t *testing.T) {
	t.Run("prunes unread aggregates", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("t", intSchema("k", "a", "b")).
			GroupBy(
				[]arena.Node{p.Col("k")},
				[]arena.Node{
					p.As(p.Aggregate(types.AggOpSum, p.Col("a")), "sa"),
					p.As(p.Aggregate(types.AggOpMax, p.Col("b")), "mb"),
				},
			).
			Select(p.Col("k"), p.Col("sa")).
			Build()
		require.NoError(t, err)

		optimize(t, plan)

		requirePlan(t, `
Select exprs=(k, sa)
└── GroupBy keys=(k) aggs=(sum(a) AS sa)
    └── Scan source=t projection=(k, a)
`, plan)
	})

	t.Run("count star", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("t", intSchema("a", "b")).
			GroupBy(nil, []arena.Node{p.CountRows()}).
			Build()
		require.NoError(t, err)

		optimize(t, plan)

		requirePlan(t, `
GroupBy keys=() aggs=(len())
└── Scan source=t projection=() row_count_only=true
`, plan)
	})

	t.Run("count star through filter", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("t", intSchema("a", "b")).
			Filter(p.Bin(p.Col("a"), types.BinaryOpGt, p.Lit(0))).
			GroupBy(nil, []arena.Node{p.CountRows()}).
			Build()
		require.NoError(t, err)

		optimize(t, plan)

		requirePlan(t, `
GroupBy keys=() aggs=(len())
└── Filter predicate=(a GT 0)
    └── Scan source=t projection=(a)
`, plan)
	})
}

func TestProjectionPushdown_Join(t *testing.T) {
	p := logical.NewPlan()
	right := p.Scan("u", intSchema("a", "c", "e"))
	plan, err := p.Scan("t", intSchema("a", "b", "c", "z")).
		Join(right, []arena.Node{p.Col("a")}, []arena.Node{p.Col("a")}, logical.JoinInner, "_r").
		Select(p.Col("b"), p.Col("c_r")).
		Build()
	require.NoError(t, err)

	optimize(t, plan)

	requirePlan(t, `
Select exprs=(b, c_r)
└── Join how=inner left_on=(a) right_on=(a) suffix=_r
    ├── Scan source=t projection=(a, b, c)
    └── Scan source=u projection=(a, c)
`, plan)
}

func TestProjectionPushdown_SharedInput(t *testing.T) {
	p := logical.NewPlan()
	scan := p.Scan("t", intSchema("a", "b", "c"))
	scanNode, err := scan.Node()
	require.NoError(t, err)

	plan, err := logical.NewBuilder(p, scanNode).
		Join(logical.NewBuilder(p, scanNode), []arena.Node{p.Col("a")}, []arena.Node{p.Col("a")}, logical.JoinLeft, "_r").
		Select(p.Col("a"), p.Col("b_r")).
		Build()
	require.NoError(t, err)

	optimize(t, plan)

	requirePlan(t, `
Select exprs=(a, b_r)
└── Join how=left left_on=(a) right_on=(a) suffix=_r
    ├── Scan source=t projection=*
    └── Scan source=t projection=*
`, plan)
}

func TestProjectionPushdown_RootElimination(t *testing.T) {
	p := logical.NewPlan()
	plan, err := p.Scan("t", intSchema("a", "b")).
		WithColumns(logical.HStackOptions{}).
		Build()
	require.NoError(t, err)

	stats := optimize(t, plan)

	requirePlan(t, `
Scan source=t projection=*
`, plan)
	require.Equal(t, 1, stats.EliminatedNodes)
}

func TestProjectionPushdown_Idempotent(t *testing.T) {
	plans := map[string]func(p *logical.Plan) *logical.Builder{
		"add columns": func(p *logical.Plan) *logical.Builder {
			return p.Scan("t", intSchema("a", "b", "c")).
				WithColumns(logical.HStackOptions{}, p.As(p.Bin(p.Col("b"), types.BinaryOpAdd, p.Lit(1)), "d")).
				Select(p.Col("a"), p.Col("d"))
		},
		"eliminated": func(p *logical.Plan) *logical.Builder {
			return p.Scan("t", intSchema("a", "b", "c")).
				WithColumns(logical.HStackOptions{}, p.As(p.Col("c"), "d")).
				Filter(p.Bin(p.Col("a"), types.BinaryOpEq, p.Col("b"))).
				Select(p.Col("a"))
		},
		"sequential": func(p *logical.Plan) *logical.Builder {
			return p.Scan("t", intSchema("a", "b")).
				WithColumns(logical.HStackOptions{Sequential: true},
					p.As(p.Col("a"), "x"),
					p.As(p.Col("x"), "y"),
					p.As(p.Col("b"), "x"),
				)
		},
		"group by": func(p *logical.Plan) *logical.Builder {
			return p.Scan("t", intSchema("k", "a", "b")).
				WithColumns(logical.HStackOptions{}, p.As(p.Neg(p.Col("a")), "n")).
				GroupBy([]arena.Node{p.Col("k")}, []arena.Node{p.Aggregate(types.AggOpMin, p.Col("n")), p.CountRows()}).
				Select(p.Col("len"))
		},
		"join": func(p *logical.Plan) *logical.Builder {
			right := p.Scan("u", intSchema("a", "b"))
			return p.Scan("t", intSchema("a", "b", "c")).
				Join(right, []arena.Node{p.Col("a")}, []arena.Node{p.Col("a")}, logical.JoinInner, "_r").
				Select(p.Col("b_r"))
		},
	}

	for name, build := range plans {
		t.Run(name, func(t *testing.T) {
			plan, err := build(logical.NewPlan()).Build()
			require.NoError(t, err)

			optimize(t, plan)
			once := logical.PrintAsTree(plan)

			stats := optimize(t, plan)
			require.Equal(t, once, logical.PrintAsTree(plan))
			require.False(t, stats.Changed(), "second pass changed the plan: %+v", stats)
		})
	}
}

func TestProjectionPushdown_Errors(t *testing.T) {
	t.Run("missing column", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("t", intSchema("a", "b", "c")).
			Select(p.Col("a")).
			Build()
		require.NoError(t, err)

		// The source no longer provides column a.
		plan.Nodes.Replace(0, &logical.Scan{Source: "t", FileSchema: intSchema("b", "c")})

		_, err = (&ProjectionPushdown{}).Optimize(plan)
		require.ErrorIs(t, err, lferrors.ErrSchema)
		require.NotErrorIs(t, err, lferrors.ErrInvariant)

		var se *lferrors.SchemaError
		require.True(t, errors.As(err, &se))
		require.Equal(t, "a", se.Column)
		require.Equal(t, "Select#1", se.Node)
	})

	t.Run("dangling handle", func(t *testing.T) {
		p := logical.NewPlan()
		plan, err := p.Scan("t", intSchema("a")).
			Slice(0, 1).
			Build()
		require.NoError(t, err)

		plan.Nodes.Replace(plan.Root, &logical.Slice{Input: arena.Node(42), Len: 1})

		_, err = (&ProjectionPushdown{}).Optimize(plan)
		require.ErrorIs(t, err, lferrors.ErrInvariant)
		require.NotErrorIs(t, err, lferrors.ErrSchema)
	})

	t.Run("too deep", func(t *testing.T) {
		p := logical.NewPlan()
		b := p.Scan("t", intSchema("a"))
		for range 5 {
			b = b.Slice(0, 10)
		}
		plan, err := b.Build()
		require.NoError(t, err)

		_, err = (&ProjectionPushdown{MaxDepth: 5}).Optimize(plan)
		require.ErrorIs(t, err, lferrors.ErrPlanTooDeep)
	})
}

func TestOptimizer(t *testing.T) {
	p := logical.NewPlan()
	plan, err := p.Scan("t", intSchema("a", "b", "c")).
		WithColumns(logical.HStackOptions{}, p.As(p.Col("c"), "d")).
		Select(p.Col("a")).
		Build()
	require.NoError(t, err)

	o := New(true, &ProjectionPushdown{})
	stats, err := o.Optimize(plan)
	require.NoError(t, err)
	require.Equal(t, Stats{EliminatedNodes: 1, PrunedExprs: 1, PrunedColumns: 2}, stats)

	requirePlan(t, `
Select exprs=(a)
└── Scan source=t projection=(a)
`, plan)
}
