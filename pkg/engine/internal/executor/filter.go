package executor

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/grafana/lazyframe/pkg/engine/internal/compute/index"
	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
)

func newFilterPipeline(name string, node *logical.Filter, input Pipeline, evaluator *expressionEvaluator) Pipeline {
	filter := func(rec arrow.Record, rows int64) (arrow.Record, error) {
		f, err := newFrame(name, rec, rows)
		if err != nil {
			return nil, err
		}
		res, err := evaluator.eval(node.Predicate.Node(), f)
		if err != nil {
			return nil, err
		}
		defer res.Release()

		keep := make([]index.IdxSize, 0, rec.NumRows())
		switch mask := res.(type) {
		case *array.Boolean:
			for i := range mask.Len() {
				if mask.IsValid(i) && mask.Value(i) {
					keep = append(keep, index.IdxSize(i))
				}
			}
		case *array.Null:
		default:
			return nil, fmt.Errorf("%s: predicate returned non-boolean type %s", name, res.DataType())
		}

		if len(keep) == int(rec.NumRows()) {
			rec.Retain()
			return rec, nil
		}
		return takeRecord(evaluator.mem, rec, keep)
	}

	if containsLen(evaluator.plan, node.Predicate.Node()) {
		return newMaterializingPipeline(func(_ context.Context, batches []arrow.Record) ([]arrow.Record, error) {
			rec, err := concatInput(evaluator, batches)
			if err != nil || rec == nil {
				return nil, err
			}
			defer rec.Release()
			out, err := filter(rec, rec.NumRows())
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
		return filter(batch, batch.NumRows())
	}, input)
}

// containsLen reports whether any of the expressions reads the row count of
// the relation.
func containsLen(plan *logical.Plan, nodes ...arena.Node) bool {
	for _, n := range nodes {
		e := plan.Exprs.Get(n)
		if _, ok := e.(*logical.Len); ok {
			return true
		}
		if containsLen(plan, e.Inputs()...) {
			return true
		}
	}
	return false
}

// concatInput concatenates the batches of a materialized input. It returns
// nil if there are no batches.
func concatInput(evaluator *expressionEvaluator, batches []arrow.Record) (arrow.Record, error) {
	if len(batches) == 0 {
		return nil, nil
	}
	return concatRecords(evaluator.mem, batches[0].Schema(), batches)
}
