package logical

import (
	"fmt"

	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
)

// NewSelect creates a [Select] over input, resolving its output schema.
func NewSelect(p *Plan, input arena.Node, exprs []ExprIR) (*Select, error) {
	schema, err := p.selectSchema(KindSelect.String(), input, exprs)
	if err != nil {
		return nil, err
	}
	return &Select{Input: input, Exprs: exprs, schema: schema}, nil
}

// NewHStack creates an [HStack] over input, resolving its output schema.
func NewHStack(p *Plan, input arena.Node, exprs []ExprIR, opts HStackOptions) (*HStack, error) {
	schema, err := p.hstackSchema(KindHStack.String(), input, exprs, opts)
	if err != nil {
		return nil, err
	}
	return &HStack{Input: input, Exprs: exprs, Options: opts, schema: schema}, nil
}

// NewGroupBy creates a [GroupBy] over input, resolving its output schema.
func NewGroupBy(p *Plan, input arena.Node, keys, aggs []ExprIR) (*GroupBy, error) {
	schema, err := p.groupBySchema(KindGroupBy.String(), input, keys, aggs)
	if err != nil {
		return nil, err
	}
	return &GroupBy{Input: input, Keys: keys, Aggs: aggs, schema: schema}, nil
}

// NewJoin creates a [Join] of left and right, resolving its output schema.
func NewJoin(p *Plan, left, right arena.Node, leftOn, rightOn []ExprIR, how JoinType, suffix string) (*Join, error) {
	j := &Join{Left: left, Right: right, LeftOn: leftOn, RightOn: rightOn, How: how, Suffix: suffix}
	cols, err := p.JoinColumns(KindJoin.String(), j)
	if err != nil {
		return nil, err
	}
	j.schema = joinSchema(cols)
	return j, nil
}

// NewFilter creates a [Filter] over input. The predicate must be boolean.
func NewFilter(p *Plan, input arena.Node, predicate ExprIR) (*Filter, error) {
	in, err := p.Schema(input)
	if err != nil {
		return nil, err
	}
	dt, err := p.ExprType(KindFilter.String(), predicate.Node(), in)
	if err != nil {
		return nil, err
	}
	if dt != types.Bool && dt != types.Null {
		return nil, fmt.Errorf("filter predicate %s is %s, not bool: %w", p.ExprString(predicate.Node()), dt, errors.ErrType)
	}
	return &Filter{Input: input, Predicate: predicate}, nil
}

// NewSort creates a [Sort] over input. A nil descending sorts every key in
// ascending order.
func NewSort(p *Plan, input arena.Node, by []ExprIR, descending []bool) (*Sort, error) {
	if len(by) == 0 {
		return nil, fmt.Errorf("sort needs at least one key: %w", errors.ErrKey)
	}
	if descending == nil {
		descending = make([]bool, len(by))
	}
	if len(descending) != len(by) {
		return nil, fmt.Errorf("sort has %d keys but %d directions: %w", len(by), len(descending), errors.ErrIndex)
	}
	in, err := p.Schema(input)
	if err != nil {
		return nil, err
	}
	for _, e := range by {
		if _, err := p.ExprType(KindSort.String(), e.Node(), in); err != nil {
			return nil, err
		}
	}
	return &Sort{Input: input, By: by, Descending: descending}, nil
}

// Builder provides a fluent API to chain operators on top of an input node of
// a [Plan]. The first error encountered is kept and returned by
// [Builder.Node] or [Builder.Build]; later calls are no-ops.
type Builder struct {
	plan *Plan
	node arena.Node
	err  error
}

// NewBuilder creates a builder adding operators on top of input.
func NewBuilder(p *Plan, input arena.Node) *Builder {
	return &Builder{plan: p, node: input}
}

// Scan adds a [Scan] of source reading every column of schema and returns a
// builder on top of it.
func (p *Plan) Scan(source string, schema *types.Schema) *Builder {
	return NewBuilder(p, p.Nodes.Add(&Scan{Source: source, FileSchema: schema}))
}

// Plan returns the plan the builder adds nodes to.
func (b *Builder) Plan() *Plan { return b.plan }

func (b *Builder) add(ir IR, err error) *Builder {
	if b.err != nil {
		return b
	}
	if err != nil {
		b.err = err
		return b
	}
	b.node = b.plan.Nodes.Add(ir)
	return b
}

// Filter keeps the rows matching predicate.
func (b *Builder) Filter(predicate arena.Node) *Builder {
	if b.err != nil {
		return b
	}
	return b.add(NewFilter(b.plan, b.node, b.plan.ExprIR(predicate)))
}

// Select replaces the columns with exprs.
func (b *Builder) Select(exprs ...arena.Node) *Builder {
	if b.err != nil {
		return b
	}
	return b.add(NewSelect(b.plan, b.node, b.plan.ExprIRs(exprs)))
}

// WithColumns adds or overwrites the columns produced by exprs.
func (b *Builder) WithColumns(opts HStackOptions, exprs ...arena.Node) *Builder {
	if b.err != nil {
		return b
	}
	return b.add(NewHStack(b.plan, b.node, b.plan.ExprIRs(exprs), opts))
}

// Sort orders the rows by the given keys.
func (b *Builder) Sort(by []arena.Node, descending []bool) *Builder {
	if b.err != nil {
		return b
	}
	return b.add(NewSort(b.plan, b.node, b.plan.ExprIRs(by), descending))
}

// Slice keeps length rows starting at offset.
func (b *Builder) Slice(offset int64, length uint32) *Builder {
	return b.add(&Slice{Input: b.node, Offset: offset, Len: length}, nil)
}

// GroupBy groups the rows by keys and computes aggs per group.
func (b *Builder) GroupBy(keys, aggs []arena.Node) *Builder {
	if b.err != nil {
		return b
	}
	return b.add(NewGroupBy(b.plan, b.node, b.plan.ExprIRs(keys), b.plan.ExprIRs(aggs)))
}

// Join joins the rows with the rows of right. Both builders must share the
// same plan.
func (b *Builder) Join(right *Builder, leftOn, rightOn []arena.Node, how JoinType, suffix string) *Builder {
	if b.err != nil {
		return b
	}
	if right.err != nil {
		b.err = right.err
		return b
	}
	if right.plan != b.plan {
		b.err = errors.Invariantf("join of builders over different plans")
		return b
	}
	return b.add(NewJoin(b.plan, b.node, right.node, b.plan.ExprIRs(leftOn), b.plan.ExprIRs(rightOn), how, suffix))
}

// Node returns the handle of the last added operator.
func (b *Builder) Node() (arena.Node, error) {
	return b.node, b.err
}

// Build sets the last added operator as the root of the plan and returns the
// plan.
func (b *Builder) Build() (*Plan, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.plan.Root = b.node
	return b.plan, nil
}
