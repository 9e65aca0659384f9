package executor

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
)

func exprNodes(exprs []logical.ExprIR) []arena.Node {
	nodes := make([]arena.Node, len(exprs))
	for i, e := range exprs {
		nodes[i] = e.Node()
	}
	return nodes
}

// countsRowsOnly reports whether every expression is a, possibly aliased,
// row count.
func countsRowsOnly(plan *logical.Plan, exprs []logical.ExprIR) bool {
	if len(exprs) == 0 {
		return false
	}
	for _, e := range exprs {
		agg, ok := plan.AggregateOf(e.Node())
		if !ok {
			return false
		}
		if _, ok := agg.(*logical.Len); !ok {
			return false
		}
	}
	return true
}

// perBatch runs project over every batch of input, unless the expressions
// need the row count of the whole relation, in which case input is
// materialized first.
func perBatch(evaluator *expressionEvaluator, exprs []logical.ExprIR, input Pipeline, project func(rec arrow.Record, rows int64) (arrow.Record, error)) Pipeline {
	if containsLen(evaluator.plan, exprNodes(exprs)...) {
		return newMaterializingPipeline(func(_ context.Context, batches []arrow.Record) ([]arrow.Record, error) {
			rec, err := concatInput(evaluator, batches)
			if err != nil || rec == nil {
				return nil, err
			}
			defer rec.Release()
			out, err := project(rec, rec.NumRows())
			if err != nil {
				return nil, err
			}
			return []arrow.Record{out}, nil
		}, input)
	}

	return newGenericPipeline(func(ctx context.Context, inputs []Pipeline) (arrow.Record, error) {
		batch, err := inputs[0].Read(ctx)
		if err != nil {
			return nil, err
		}
		defer batch.Release()
		return project(batch, batch.NumRows())
	}, input)
}

func newSelectPipeline(plan *logical.Plan, name string, node *logical.Select, schema *types.Schema, input Pipeline, evaluator *expressionEvaluator) Pipeline {
	if countsRowsOnly(plan, node.Exprs) {
		return newMaterializingPipeline(func(_ context.Context, batches []arrow.Record) ([]arrow.Record, error) {
			var rows int64
			for _, b := range batches {
				rows += b.NumRows()
			}
			cols := make([]arrow.Array, 0, len(node.Exprs))
			for range node.Exprs {
				col, err := broadcast(evaluator.mem, types.Integer, rows, 1)
				if err != nil {
					releaseArrays(cols)
					return nil, err
				}
				cols = append(cols, col)
			}
			rec, err := newRecord(schema, cols, 1)
			if err != nil {
				return nil, err
			}
			return []arrow.Record{rec}, nil
		}, input)
	}

	return perBatch(evaluator, node.Exprs, input, func(rec arrow.Record, rows int64) (arrow.Record, error) {
		f, err := newFrame(name, rec, rows)
		if err != nil {
			return nil, err
		}
		cols := make([]arrow.Array, 0, len(node.Exprs))
		for _, e := range node.Exprs {
			col, err := evaluator.eval(e.Node(), f)
			if err != nil {
				releaseArrays(cols)
				return nil, err
			}
			cols = append(cols, col)
		}
		return newRecord(schema, cols, rec.NumRows())
	})
}

func newHStackPipeline(plan *logical.Plan, name string, node *logical.HStack, schema *types.Schema, input Pipeline, evaluator *expressionEvaluator) Pipeline {
	if len(node.Exprs) == 0 {
		return input
	}
	return perBatch(evaluator, node.Exprs, input, func(rec arrow.Record, rows int64) (arrow.Record, error) {
		f, err := newFrame(name, rec, rows)
		if err != nil {
			return nil, err
		}
		if node.Options.Sequential {
			return hstackSequential(evaluator, node, f)
		}

		cols := make([]arrow.Array, len(node.Exprs))
		defer func() { releaseArrays(compact(cols)) }()
		if node.Options.RunParallel {
			var g errgroup.Group
			for i, e := range node.Exprs {
				g.Go(func() error {
					col, err := evaluator.eval(e.Node(), f)
					cols[i] = col
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return nil, err
			}
		} else {
			for i, e := range node.Exprs {
				if cols[i], err = evaluator.eval(e.Node(), f); err != nil {
					return nil, err
				}
			}
		}

		out := newColumnSet(f)
		defer out.release()
		for i, e := range node.Exprs {
			out.set(e.OutputName(), cols[i])
		}
		return out.record(schema)
	})
}

// hstackSequential evaluates the expressions of node one after the other,
// each against the columns added before it.
func hstackSequential(evaluator *expressionEvaluator, node *logical.HStack, f *frame) (arrow.Record, error) {
	cur := newColumnSet(f)
	defer cur.release()
	schema := f.schema

	for _, e := range node.Exprs {
		rec, err := cur.record(schema)
		if err != nil {
			return nil, err
		}
		step := &frame{owner: f.owner, rec: rec, schema: schema, rows: f.rows}
		dt, err := evaluator.plan.ExprType(f.owner, e.Node(), schema)
		if err != nil {
			rec.Release()
			return nil, err
		}
		col, err := evaluator.eval(e.Node(), step)
		rec.Release()
		if err != nil {
			return nil, err
		}
		cur.set(e.OutputName(), col)
		col.Release()
		schema = schema.With(types.Field{Name: e.OutputName(), Type: dt})
	}
	return cur.record(schema)
}

// columnSet is an ordered set of named columns. Setting an existing name
// replaces the column in place.
type columnSet struct {
	names []string
	cols  []arrow.Array
	rows  int64
}

func newColumnSet(f *frame) *columnSet {
	s := &columnSet{rows: f.rec.NumRows()}
	for i, col := range f.rec.Columns() {
		col.Retain()
		s.names = append(s.names, f.rec.ColumnName(i))
		s.cols = append(s.cols, col)
	}
	return s
}

// set stores col under name. The set retains col.
func (s *columnSet) set(name string, col arrow.Array) {
	col.Retain()
	for i, n := range s.names {
		if n == name {
			s.cols[i].Release()
			s.cols[i] = col
			return
		}
	}
	s.names = append(s.names, name)
	s.cols = append(s.cols, col)
}

// record returns the columns as a record of schema, which must list the
// names of s in order.
func (s *columnSet) record(schema *types.Schema) (arrow.Record, error) {
	cols := make([]arrow.Array, len(s.cols))
	for i, col := range s.cols {
		col.Retain()
		cols[i] = col
	}
	return newRecord(schema, cols, s.rows)
}

func (s *columnSet) release() {
	releaseArrays(s.cols)
	s.cols = nil
}

func compact(arrs []arrow.Array) []arrow.Array {
	out := arrs[:0:0]
	for _, a := range arrs {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}
