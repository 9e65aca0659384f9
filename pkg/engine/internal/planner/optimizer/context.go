package optimizer

import (
	"slices"

	"github.com/dolthub/swiss"

	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
)

// NameSet is a set of column names.
type NameSet struct {
	m *swiss.Map[string, struct{}]
}

// NewNameSet returns a set holding names.
func NewNameSet(names ...string) NameSet {
	s := NameSet{m: swiss.NewMap[string, struct{}](uint32(max(len(names), 8)))}
	for _, n := range names {
		s.m.Put(n, struct{}{})
	}
	return s
}

// Has reports whether name is in the set.
func (s NameSet) Has(name string) bool { return s.m != nil && s.m.Has(name) }

// Put adds name to the set.
func (s NameSet) Put(name string) { s.m.Put(name, struct{}{}) }

// Delete removes name from the set.
func (s NameSet) Delete(name string) { s.m.Delete(name) }

// Len returns the number of names in the set.
func (s NameSet) Len() int {
	if s.m == nil {
		return 0
	}
	return s.m.Count()
}

// Clone returns a copy of s.
func (s NameSet) Clone() NameSet {
	out := NewNameSet()
	if s.m != nil {
		s.m.Iter(func(k string, _ struct{}) bool {
			out.m.Put(k, struct{}{})
			return false
		})
	}
	return out
}

// Sorted returns the names in lexical order.
func (s NameSet) Sorted() []string {
	names := make([]string, 0, s.Len())
	if s.m != nil {
		s.m.Iter(func(k string, _ struct{}) bool {
			names = append(names, k)
			return false
		})
	}
	slices.Sort(names)
	return names
}

// ContextInner carries operator specific information down the traversal.
type ContextInner struct {
	// IsCountStar is set below an aggregation that only counts rows.
	IsCountStar bool
}

// ProjectionContext describes what the consumers of a node need from it.
// A context is never modified once built; operators derive a new one for
// their inputs.
type ProjectionContext struct {
	// AccProjections holds the [logical.Column] expressions the consumers
	// need, one per name in ProjectedNames.
	AccProjections []arena.Node
	// ProjectedNames holds the names of AccProjections.
	ProjectedNames NameSet
	Inner          ContextInner

	pushedDown bool
}

// rootContext returns the context of the plan root: no consumer constrains
// the projection, so every column is needed.
func rootContext() ProjectionContext {
	return ProjectionContext{ProjectedNames: NewNameSet()}
}

func newProjectionContext(acc []arena.Node, names NameSet, inner ContextInner) ProjectionContext {
	return ProjectionContext{
		AccProjections: acc,
		ProjectedNames: names,
		Inner:          inner,
		pushedDown:     true,
	}
}

// HasPushedDown reports whether a consumer above constrained the projection.
// An empty projection that was pushed down means no column is needed.
func (ctx ProjectionContext) HasPushedDown() bool { return ctx.pushedDown }

// addExprToAccumulated inserts every column read by expr that is not yet in
// names into both acc and names.
func addExprToAccumulated(p *logical.Plan, expr arena.Node, acc []arena.Node, names NameSet) []arena.Node {
	for _, leaf := range p.LeafColumns(expr) {
		name := p.ColumnName(leaf)
		if names.Has(name) {
			continue
		}
		names.Put(name)
		acc = append(acc, leaf)
	}
	return acc
}

// retainAccumulated keeps the projections of acc whose name is in keep and
// returns them with a matching name set.
func retainAccumulated(p *logical.Plan, acc []arena.Node, keep NameSet) ([]arena.Node, NameSet) {
	out := make([]arena.Node, 0, len(acc))
	names := NewNameSet()
	for _, n := range acc {
		name := p.ColumnName(n)
		if keep.Has(name) && !names.Has(name) {
			names.Put(name)
			out = append(out, n)
		}
	}
	return out, names
}

// splitAccProjections splits acc into the projections the input described by
// downSchema can supply and the ones that must be handled locally. It also
// returns the names of the projections to push down.
//
// An operator that does not expand the schema and needs as many columns as
// its input has needs all of them: nothing is pushed down.
func splitAccProjections(p *logical.Plan, acc []arena.Node, downSchema *types.Schema, expandsSchema bool) (pushdown, local []arena.Node, names NameSet) {
	names = NewNameSet()
	if !expandsSchema && downSchema.Len() == len(acc) {
		return nil, acc, names
	}
	for _, n := range acc {
		name := p.ColumnName(n)
		if downSchema.Contains(name) {
			pushdown = append(pushdown, n)
			names.Put(name)
		} else {
			local = append(local, n)
		}
	}
	return pushdown, local, names
}
