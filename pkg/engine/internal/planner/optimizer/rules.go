package optimizer

import (
	"slices"

	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
)

// pushdownScan narrows the projection of a scan to the requested columns, in
// file order.
func (r *pushdown) pushdownScan(owner string, s *logical.Scan, ctx ProjectionContext) (logical.IR, error) {
	if !ctx.HasPushedDown() {
		return s, nil
	}

	current := s.OutputSchema()
	for _, n := range ctx.AccProjections {
		if name := r.plan.ColumnName(n); !current.Contains(name) {
			return nil, errors.NewSchemaError(owner, name, "not in the schema of "+s.Source)
		}
	}

	projection := make([]string, 0, ctx.ProjectedNames.Len())
	for _, f := range s.FileSchema.Fields() {
		if ctx.ProjectedNames.Has(f.Name) {
			projection = append(projection, f.Name)
		}
	}
	r.stats.PrunedColumns += current.Len() - len(projection)

	return &logical.Scan{
		Source:       s.Source,
		FileSchema:   s.FileSchema,
		Projection:   projection,
		RowCountOnly: len(projection) == 0 && (ctx.Inner.IsCountStar || s.RowCountOnly),
	}, nil
}

// pushdownFilter adds the columns read by the predicate to the request.
func (r *pushdown) pushdownFilter(owner string, f *logical.Filter, ctx ProjectionContext) (logical.IR, error) {
	inputCtx, err := r.extendContext(owner, f.Input, ctx, []logical.ExprIR{f.Predicate})
	if err != nil {
		return nil, err
	}
	if err := r.pushdownAndAssign(f.Input, inputCtx); err != nil {
		return nil, err
	}
	return f, nil
}

// pushdownSort adds the columns read by the sort keys to the request.
func (r *pushdown) pushdownSort(owner string, s *logical.Sort, ctx ProjectionContext) (logical.IR, error) {
	inputCtx, err := r.extendContext(owner, s.Input, ctx, s.By)
	if err != nil {
		return nil, err
	}
	if err := r.pushdownAndAssign(s.Input, inputCtx); err != nil {
		return nil, err
	}
	return s, nil
}

// extendContext returns the context for the input of an operator that passes
// its input columns through and reads exprs itself.
func (r *pushdown) extendContext(owner string, input arena.Node, ctx ProjectionContext, exprs []logical.ExprIR) (ProjectionContext, error) {
	if !ctx.HasPushedDown() {
		return ctx, nil
	}
	acc, names := slices.Clone(ctx.AccProjections), ctx.ProjectedNames.Clone()
	for _, e := range exprs {
		acc = addExprToAccumulated(r.plan, e.Node(), acc, names)
	}
	return r.inputContext(owner, input, acc, ctx.Inner, false)
}

// pushdownSelect prunes the expressions nobody reads. The input only needs
// the columns the remaining expressions read.
func (r *pushdown) pushdownSelect(owner string, s *logical.Select, ctx ProjectionContext) (logical.IR, error) {
	exprs := s.Exprs
	if ctx.HasPushedDown() {
		exprs = r.keepProjected(s.Exprs, ctx.ProjectedNames)
	}

	acc, names := []arena.Node(nil), NewNameSet()
	for _, e := range exprs {
		acc = addExprToAccumulated(r.plan, e.Node(), acc, names)
	}
	inputCtx, err := r.inputContext(owner, s.Input, acc, ContextInner{IsCountStar: r.countsRows(exprs)}, false)
	if err != nil {
		return nil, err
	}
	if err := r.pushdownAndAssign(s.Input, inputCtx); err != nil {
		return nil, err
	}

	out, err := logical.NewSelect(r.plan, s.Input, exprs)
	if err != nil {
		return nil, rebuildError(owner, err)
	}
	return out, nil
}

// pushdownGroupBy prunes the aggregates nobody reads. Keys are always kept
// since they define the groups.
func (r *pushdown) pushdownGroupBy(owner string, g *logical.GroupBy, ctx ProjectionContext) (logical.IR, error) {
	aggs := g.Aggs
	if ctx.HasPushedDown() {
		aggs = r.keepProjected(g.Aggs, ctx.ProjectedNames)
	}

	acc, names := []arena.Node(nil), NewNameSet()
	for _, e := range g.Keys {
		acc = addExprToAccumulated(r.plan, e.Node(), acc, names)
	}
	for _, e := range aggs {
		acc = addExprToAccumulated(r.plan, e.Node(), acc, names)
	}
	inner := ContextInner{IsCountStar: len(g.Keys) == 0 && r.countsRows(aggs)}
	inputCtx, err := r.inputContext(owner, g.Input, acc, inner, false)
	if err != nil {
		return nil, err
	}
	if err := r.pushdownAndAssign(g.Input, inputCtx); err != nil {
		return nil, err
	}

	out, err := logical.NewGroupBy(r.plan, g.Input, g.Keys, aggs)
	if err != nil {
		return nil, rebuildError(owner, err)
	}
	return out, nil
}

func (r *pushdown) keepProjected(exprs []logical.ExprIR, names NameSet) []logical.ExprIR {
	out := make([]logical.ExprIR, 0, len(exprs))
	for _, e := range exprs {
		if names.Has(e.OutputName()) {
			out = append(out, e)
		}
	}
	r.stats.PrunedExprs += len(exprs) - len(out)
	return out
}

// countsRows reports whether exprs is non-empty and only counts rows.
func (r *pushdown) countsRows(exprs []logical.ExprIR) bool {
	for _, e := range exprs {
		agg, ok := r.plan.AggregateOf(e.Node())
		if !ok {
			return false
		}
		if _, isLen := agg.(*logical.Len); !isLen {
			return false
		}
	}
	return len(exprs) > 0
}

// pushdownJoin routes every requested column to the side producing it and
// adds the join keys of each side.
func (r *pushdown) pushdownJoin(owner string, j *logical.Join, ctx ProjectionContext) (logical.IR, error) {
	leftCtx, rightCtx := rootContext(), rootContext()

	if ctx.HasPushedDown() {
		cols, err := r.plan.JoinColumns(owner, j)
		if err != nil {
			return nil, err
		}
		byName := make(map[string]logical.JoinColumn, len(cols))
		for _, c := range cols {
			byName[c.Field.Name] = c
		}

		var leftAcc, rightAcc []arena.Node
		leftNames, rightNames := NewNameSet(), NewNameSet()
		for _, n := range ctx.AccProjections {
			name := r.plan.ColumnName(n)
			col, ok := byName[name]
			switch {
			case !ok:
				return nil, errors.NewSchemaError(owner, name, "")
			case !col.FromRight:
				leftAcc = addExprToAccumulated(r.plan, n, leftAcc, leftNames)
			case col.Source == name:
				rightAcc = addExprToAccumulated(r.plan, n, rightAcc, rightNames)
			default:
				// The suffix only applies while the left side has the
				// clashing column, so the left side keeps reading it even
				// when only the suffixed column is requested. Dropping it
				// would rename the right column back to its source name.
				src := r.plan.Col(col.Source)
				leftAcc = addExprToAccumulated(r.plan, src, leftAcc, leftNames)
				rightAcc = addExprToAccumulated(r.plan, src, rightAcc, rightNames)
			}
		}
		for _, e := range j.LeftOn {
			leftAcc = addExprToAccumulated(r.plan, e.Node(), leftAcc, leftNames)
		}
		for _, e := range j.RightOn {
			rightAcc = addExprToAccumulated(r.plan, e.Node(), rightAcc, rightNames)
		}

		if leftCtx, err = r.inputContext(owner, j.Left, leftAcc, ContextInner{}, false); err != nil {
			return nil, err
		}
		if rightCtx, err = r.inputContext(owner, j.Right, rightAcc, ContextInner{}, false); err != nil {
			return nil, err
		}
	}

	if err := r.pushdownAndAssign(j.Left, leftCtx); err != nil {
		return nil, err
	}
	if err := r.pushdownAndAssign(j.Right, rightCtx); err != nil {
		return nil, err
	}

	out, err := logical.NewJoin(r.plan, j.Left, j.Right, j.LeftOn, j.RightOn, j.How, j.Suffix)
	if err != nil {
		return nil, rebuildError(owner, err)
	}
	return out, nil
}
