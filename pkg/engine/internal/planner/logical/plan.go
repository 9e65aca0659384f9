package logical

import (
	"fmt"

	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/dag"
)

// Plan is a logical query plan: a DAG of [IR] operators over a shared arena
// of [Expr] scalar expressions. Operators reference their inputs and their
// expressions by handle.
//
// A Plan is owned by a single pass at a time and is not safe for concurrent
// use.
type Plan struct {
	Root  arena.Node
	Nodes *arena.Arena[IR]
	Exprs *arena.Arena[Expr]
}

// NewPlan returns an empty plan.
func NewPlan() *Plan {
	return &Plan{
		Nodes: arena.New[IR](16),
		Exprs: arena.New[Expr](64),
	}
}

var _ dag.Graph[arena.Node] = (*Plan)(nil)

// Children implements [dag.Graph].
func (p *Plan) Children(n arena.Node) []arena.Node {
	return p.Nodes.Get(n).Inputs()
}

// Clone returns a copy of p that can be rewritten without affecting p.
func (p *Plan) Clone() *Plan {
	return &Plan{
		Root:  p.Root,
		Nodes: p.Nodes.Clone(),
		Exprs: p.Exprs.Clone(),
	}
}

// NodeName returns a printable identifier of node n, such as "HStack#4".
func (p *Plan) NodeName(n arena.Node) string {
	return fmt.Sprintf("%s%s", p.Nodes.Get(n).Kind(), n)
}

// Depth returns the number of operators on the longest path from n to a
// leaf.
func (p *Plan) Depth(n arena.Node) (int, error) {
	depth := make(map[arena.Node]int)
	err := dag.Walk[arena.Node](p, n, func(n arena.Node) error {
		d := 0
		for _, child := range p.Children(n) {
			d = max(d, depth[child])
		}
		depth[n] = d + 1
		return nil
	}, dag.PostOrderWalk)
	return depth[n], err
}

// Validate checks that every operator reachable from the root is stored in
// the arena, that every expression it owns can be resolved against its input
// schema, and that cached schemas match the resolved ones.
func (p *Plan) Validate() (err error) {
	defer func() {
		if r := recover(); r != nil {
			ie, ok := r.(*errors.InvariantError)
			if !ok {
				panic(r)
			}
			err = ie
		}
	}()

	if !p.Nodes.Valid(p.Root) {
		return errors.Invariantf("plan root %s is not a valid node", p.Root)
	}
	return dag.Walk[arena.Node](p, p.Root, p.validateNode, dag.PostOrderWalk)
}

func (p *Plan) validateNode(n arena.Node) error {
	owner := p.NodeName(n)

	var (
		cached, resolved *types.Schema
		err              error
	)
	switch ir := p.Nodes.Get(n).(type) {
	case *Scan:
		if ir.Projection == nil {
			return nil
		}
		if _, missing, ok := ir.FileSchema.Select(ir.Projection); !ok {
			return errors.NewSchemaError(owner, missing, "not in the schema of "+ir.Source)
		}
		return nil
	case *Filter:
		return p.validateExprs(owner, ir.Input, []ExprIR{ir.Predicate})
	case *Sort:
		return p.validateExprs(owner, ir.Input, ir.By)
	case *Slice:
		return nil
	case *Select:
		cached = ir.schema
		resolved, err = p.selectSchema(owner, ir.Input, ir.Exprs)
	case *HStack:
		cached = ir.schema
		resolved, err = p.hstackSchema(owner, ir.Input, ir.Exprs, ir.Options)
	case *GroupBy:
		cached = ir.schema
		resolved, err = p.groupBySchema(owner, ir.Input, ir.Keys, ir.Aggs)
	case *Join:
		cached = ir.schema
		var cols []JoinColumn
		if cols, err = p.JoinColumns(owner, ir); err == nil {
			resolved = joinSchema(cols)
		}
	default:
		panic(errors.Invariantf("validate unknown operator %T", ir))
	}
	if err != nil {
		return err
	}
	if cached != nil && !cached.Equal(resolved) {
		return errors.Invariantf("%s: cached schema %s does not match resolved schema %s", owner, cached, resolved)
	}
	return nil
}

func (p *Plan) validateExprs(owner string, input arena.Node, exprs []ExprIR) error {
	in, err := p.Schema(input)
	if err != nil {
		return err
	}
	for _, e := range exprs {
		if _, err := p.ExprType(owner, e.Node(), in); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of operators reachable from the root.
func (p *Plan) Len() int {
	count := 0
	_ = dag.Walk[arena.Node](p, p.Root, func(arena.Node) error {
		count++
		return nil
	}, dag.PreOrderWalk)
	return count
}
