package executor

import (
	"context"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/grafana/lazyframe/pkg/engine/internal/compute/index"
	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
)

// newSortPipeline materializes its input and yields it as a single record
// ordered by the sort keys. The sort is stable and puts nulls last
// regardless of direction.
func newSortPipeline(mem memory.Allocator, name string, node *logical.Sort, input Pipeline, evaluator *expressionEvaluator) Pipeline {
	return newMaterializingPipeline(func(_ context.Context, batches []arrow.Record) ([]arrow.Record, error) {
		rec, err := concatInput(evaluator, batches)
		if err != nil || rec == nil {
			return nil, err
		}
		defer rec.Release()

		f, err := newFrame(name, rec, rec.NumRows())
		if err != nil {
			return nil, err
		}
		keys := make([]arrow.Array, 0, len(node.By))
		defer func() { releaseArrays(keys) }()
		for _, by := range node.By {
			key, err := evaluator.eval(by.Node(), f)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}

		order := make([]index.IdxSize, rec.NumRows())
		for i := range order {
			order[i] = index.IdxSize(i)
		}
		slices.SortStableFunc(order, func(a, b index.IdxSize) int {
			for k, key := range keys {
				l, r := valueAt(key, int(a)), valueAt(key, int(b))
				c := compareNullsLast(l, r)
				if c != 0 && l != nil && r != nil && node.Descending[k] {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})

		out, err := takeRecord(mem, rec, order)
		if err != nil {
			return nil, err
		}
		return []arrow.Record{out}, nil
	}, input)
}
