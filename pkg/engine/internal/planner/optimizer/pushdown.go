package optimizer

import (
	"fmt"

	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/dag"
)

// DefaultMaxDepth is the default limit on the depth of plans accepted by
// [ProjectionPushdown].
const DefaultMaxDepth = 10_000

// ProjectionPushdown rewrites a plan so that every operator only produces
// the columns its consumers read. It removes add-columns nodes whose output
// is never read, prunes unread expressions and narrows scan projections.
type ProjectionPushdown struct {
	// MaxDepth rejects plans deeper than this many operators. Zero means
	// [DefaultMaxDepth].
	MaxDepth int
}

var _ Pass = (*ProjectionPushdown)(nil)

// Name implements [Pass].
func (*ProjectionPushdown) Name() string { return "projection pushdown" }

// Optimize implements [Pass]. The plan is rewritten in place; the root
// handle keeps addressing the root and the root schema is unchanged. If an
// error is returned the plan must be discarded.
func (pp *ProjectionPushdown) Optimize(plan *logical.Plan) (stats Stats, err error) {
	defer func() {
		if r := recover(); r != nil {
			ie, ok := r.(*errors.InvariantError)
			if !ok {
				panic(r)
			}
			err = ie
		}
	}()

	maxDepth := pp.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	depth, err := plan.Depth(plan.Root)
	if err != nil {
		return stats, err
	}
	if depth > maxDepth {
		return stats, fmt.Errorf("plan has depth %d, limit is %d: %w", depth, maxDepth, errors.ErrPlanTooDeep)
	}

	before, err := plan.Schema(plan.Root)
	if err != nil {
		return stats, err
	}

	r := &pushdown{
		plan:    plan,
		shared:  sharedNodes(plan),
		visited: make(map[arena.Node]struct{}),
	}
	if err := r.pushdownAndAssign(plan.Root, rootContext()); err != nil {
		return r.stats, err
	}

	after, err := plan.Schema(plan.Root)
	if err != nil {
		return r.stats, errors.Invariantf("root schema no longer resolves: %v", err)
	}
	if !before.Equal(after) {
		return r.stats, errors.Invariantf("root schema changed from %s to %s", before, after)
	}
	return r.stats, nil
}

// sharedNodes returns the nodes with more than one consumer.
func sharedNodes(p *logical.Plan) map[arena.Node]struct{} {
	consumers := make(map[arena.Node]int)
	_ = dag.Walk[arena.Node](p, p.Root, func(n arena.Node) error {
		for _, child := range p.Children(n) {
			consumers[child]++
		}
		return nil
	}, dag.PreOrderWalk)

	shared := make(map[arena.Node]struct{})
	for n, count := range consumers {
		if count > 1 {
			shared[n] = struct{}{}
		}
	}
	return shared
}

// pushdown holds the state of a single projection pushdown pass.
type pushdown struct {
	plan  *logical.Plan
	stats Stats

	// Nodes with several consumers are rewritten once, for all of them,
	// under an unconstrained context.
	shared  map[arena.Node]struct{}
	visited map[arena.Node]struct{}
}

// pushdownAndAssign rewrites node n under ctx and stores the result in the
// slot of n.
func (r *pushdown) pushdownAndAssign(n arena.Node, ctx ProjectionContext) error {
	if _, ok := r.shared[n]; ok {
		if _, done := r.visited[n]; done {
			return nil
		}
		r.visited[n] = struct{}{}
		ctx = rootContext()
	}

	ir := r.plan.Nodes.Take(n)
	out, err := r.push(n, ir, ctx)
	if err != nil {
		r.plan.Nodes.Replace(n, ir)
		return err
	}
	r.plan.Nodes.Replace(n, out)
	return nil
}

func (r *pushdown) push(n arena.Node, ir logical.IR, ctx ProjectionContext) (logical.IR, error) {
	owner := fmt.Sprintf("%s%s", ir.Kind(), n)
	switch ir := ir.(type) {
	case *logical.Scan:
		return r.pushdownScan(owner, ir, ctx)
	case *logical.Filter:
		return r.pushdownFilter(owner, ir, ctx)
	case *logical.Select:
		return r.pushdownSelect(owner, ir, ctx)
	case *logical.HStack:
		return r.pushdownHStack(owner, ir, ctx)
	case *logical.Sort:
		return r.pushdownSort(owner, ir, ctx)
	case *logical.Slice:
		if err := r.pushdownAndAssign(ir.Input, ctx); err != nil {
			return nil, err
		}
		return ir, nil
	case *logical.GroupBy:
		return r.pushdownGroupBy(owner, ir, ctx)
	case *logical.Join:
		return r.pushdownJoin(owner, ir, ctx)
	}
	panic(errors.Invariantf("projection pushdown of unknown operator %T", ir))
}

// inputContext builds the context for input from the columns acc an
// operator needs it to produce. A request for every column of the input is
// turned into an unconstrained context.
func (r *pushdown) inputContext(owner string, input arena.Node, acc []arena.Node, inner ContextInner, expandsSchema bool) (ProjectionContext, error) {
	schema, err := r.plan.Schema(input)
	if err != nil {
		return ProjectionContext{}, err
	}

	down, local, names := splitAccProjections(r.plan, acc, schema, expandsSchema)
	for _, n := range local {
		if name := r.plan.ColumnName(n); !schema.Contains(name) {
			return ProjectionContext{}, errors.NewSchemaError(owner, name, "")
		}
	}
	if len(local) > 0 || (len(down) > 0 && len(down) == schema.Len()) {
		return rootContext(), nil
	}
	return newProjectionContext(down, names, inner), nil
}

// expandContext turns an unconstrained context into one requesting every
// column of schema.
func (r *pushdown) expandContext(schema *types.Schema) ProjectionContext {
	names := NewNameSet()
	acc := make([]arena.Node, 0, schema.Len())
	for _, name := range schema.Names() {
		names.Put(name)
		acc = append(acc, r.plan.Col(name))
	}
	return newProjectionContext(acc, names, ContextInner{})
}

// rebuildError reports a rewrite whose result no longer resolves. The input
// plan resolved, so this is a defect of the pass.
func rebuildError(owner string, err error) error {
	return errors.Invariantf("rebuild of %s failed: %v", owner, err)
}
