package optimizer

import (
	"slices"

	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
)

// pushdownHStack rewrites an add-columns node. Expressions whose output is
// not read above are pruned and a node left without expressions is
// eliminated. The input is asked for the columns the surviving expressions
// read plus the requested columns this node passes through; a requested
// name this node produces is never forwarded.
func (r *pushdown) pushdownHStack(owner string, hs *logical.HStack, ctx ProjectionContext) (logical.IR, error) {
	input, err := r.plan.Schema(hs.Input)
	if err != nil {
		return nil, err
	}

	demand := ctx
	if !ctx.HasPushedDown() {
		out, err := r.plan.SchemaOf(hs)
		if err != nil {
			return nil, err
		}
		demand = r.expandContext(out)
	}

	exprs, request := r.liveHStackExprs(hs, input, demand.ProjectedNames)
	r.stats.PrunedExprs += len(hs.Exprs) - len(exprs)
	if len(exprs) == 0 {
		return r.eliminate(hs.Input, ctx)
	}

	acc, names := slices.Clone(demand.AccProjections), demand.ProjectedNames.Clone()
	for _, e := range exprs {
		acc = addExprToAccumulated(r.plan, e.Node(), acc, names)
	}
	acc, _ = retainAccumulated(r.plan, acc, request)

	inputCtx, err := r.inputContext(owner, hs.Input, acc, ctx.Inner, true)
	if err != nil {
		return nil, err
	}
	if err := r.pushdownAndAssign(hs.Input, inputCtx); err != nil {
		return nil, err
	}

	out, err := logical.NewHStack(r.plan, hs.Input, exprs, hs.Options)
	if err != nil {
		return nil, rebuildError(owner, err)
	}
	return out, nil
}

// liveHStackExprs returns the expressions of hs that must be kept to produce
// the demanded names, and the names the input must provide for them.
//
// Only the last writer of a name is visible above the node. In sequential
// mode an expression also sees the columns written before it, so a kept
// expression keeps alive the last earlier writer of every name it reads.
//
// A new column takes the position of its first writer. In parallel mode the
// kept writer is moved to that position; in sequential mode the first writer
// is kept instead, since moving an expression would change what it reads.
func (r *pushdown) liveHStackExprs(hs *logical.HStack, input *types.Schema, demanded NameSet) ([]logical.ExprIR, NameSet) {
	exprs := hs.Exprs
	sequential := hs.Options.Sequential

	first := make(map[string]int, len(exprs))
	for i, e := range exprs {
		if _, ok := first[e.OutputName()]; !ok {
			first[e.OutputName()] = i
		}
	}

	demand := demanded.Clone()
	live := make([]bool, len(exprs))
	pinned := make([]bool, len(exprs))
	for i := len(exprs) - 1; i >= 0; i-- {
		name := exprs[i].OutputName()
		if !demand.Has(name) && !pinned[i] {
			continue
		}
		live[i] = true
		demand.Delete(name)

		if !sequential {
			continue
		}
		if f := first[name]; f != i && !input.Contains(name) {
			pinned[f] = true
		}
		for _, leaf := range r.plan.LeafNames(exprs[i].Node()) {
			demand.Put(leaf)
		}
	}

	out := make([]logical.ExprIR, 0, len(exprs))
	if sequential {
		for i, e := range exprs {
			if live[i] {
				out = append(out, e)
			}
		}
		return out, demand
	}

	lastLive := make(map[string]int, len(exprs))
	for i, e := range exprs {
		if live[i] {
			lastLive[e.OutputName()] = i
		}
	}
	for i, e := range exprs {
		if first[e.OutputName()] != i {
			continue
		}
		if l, ok := lastLive[e.OutputName()]; ok {
			out = append(out, exprs[l])
			for _, leaf := range r.plan.LeafNames(exprs[l].Node()) {
				demand.Put(leaf)
			}
		}
	}
	return out, demand
}

// eliminate replaces the current node with its input, rewritten under the
// unmodified incoming context.
func (r *pushdown) eliminate(input arena.Node, ctx ProjectionContext) (logical.IR, error) {
	if err := r.pushdownAndAssign(input, ctx); err != nil {
		return nil, err
	}
	r.stats.EliminatedNodes++
	if _, shared := r.shared[input]; shared {
		return r.plan.Nodes.Get(input), nil
	}
	return r.plan.Nodes.Take(input), nil
}
