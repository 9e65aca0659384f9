package executor

import (
	"context"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/dolthub/swiss"

	"github.com/grafana/lazyframe/pkg/engine/internal/compute/hashing"
	"github.com/grafana/lazyframe/pkg/engine/internal/compute/index"
	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
)

// hashValue hashes a single column value.
func hashValue(v any) uint64 {
	switch v := v.(type) {
	case nil:
		return 0
	case bool:
		if v {
			return hashing.DirtyHash(uint8(1))
		}
		return hashing.DirtyHash(uint8(2))
	case int64:
		return hashing.DirtyHash(v)
	case float64:
		// Integral floats hash like integers so that they match integer keys.
		if i := int64(v); float64(i) == v {
			return hashing.DirtyHash(i)
		}
		return hashing.DirtyHash(math.Float64bits(v))
	case string:
		return hashing.NewBytesHash([]byte(v)).DirtyHash()
	}
	panic(errors.Invariantf("hash %T", v))
}

// hashRow combines the hashes of row i of every key column.
func hashRow(keys []arrow.Array, i int) uint64 {
	var h uint64
	for _, key := range keys {
		h = hashing.BoostHashCombine(h, hashValue(valueAt(key, i)))
	}
	return h
}

// rowsEqual reports whether row i of left and row j of right hold equal
// keys. Nulls equal each other when nullsEqual is set and nothing
// otherwise.
func rowsEqual(left []arrow.Array, i int, right []arrow.Array, j int, nullsEqual bool) bool {
	for k := range left {
		l, r := valueAt(left[k], i), valueAt(right[k], j)
		if l == nil || r == nil {
			if !nullsEqual || l != r {
				return false
			}
			continue
		}
		if compareValues(l, r) != 0 {
			return false
		}
	}
	return true
}

// groupTable assigns group ids to rows by key, in order of first
// appearance.
type groupTable struct {
	keys    []arrow.Array
	buckets *swiss.Map[uint64, []int]
	first   []index.IdxSize   // first row of every group
	rows    [][]index.IdxSize // rows of every group
}

func newGroupTable(keys []arrow.Array, capacity int) *groupTable {
	return &groupTable{
		keys:    keys,
		buckets: swiss.NewMap[uint64, []int](uint32(capacity)),
	}
}

func (t *groupTable) insert(row int) {
	h := hashRow(t.keys, row)
	bucket, _ := t.buckets.Get(h)
	for _, g := range bucket {
		if rowsEqual(t.keys, int(t.first[g]), t.keys, row, true) {
			t.rows[g] = append(t.rows[g], index.IdxSize(row))
			return
		}
	}
	g := len(t.first)
	t.first = append(t.first, index.IdxSize(row))
	t.rows = append(t.rows, []index.IdxSize{index.IdxSize(row)})
	t.buckets.Put(h, append(bucket, g))
}

func newGroupByPipeline(plan *logical.Plan, name string, node *logical.GroupBy, schema *types.Schema, input Pipeline, evaluator *expressionEvaluator) Pipeline {
	return newMaterializingPipeline(func(_ context.Context, batches []arrow.Record) ([]arrow.Record, error) {
		rec, err := concatInput(evaluator, batches)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			if len(node.Keys) > 0 {
				return nil, nil
			}
			// Without keys an empty input is still one group.
			inSchema, err := plan.Schema(node.Input)
			if err != nil {
				return nil, err
			}
			if rec, err = emptyRecord(evaluator, inSchema); err != nil {
				return nil, err
			}
		}
		defer rec.Release()

		f, err := newFrame(name, rec, rec.NumRows())
		if err != nil {
			return nil, err
		}

		keys := make([]arrow.Array, 0, len(node.Keys))
		defer func() { releaseArrays(keys) }()
		for _, k := range node.Keys {
			col, err := evaluator.eval(k.Node(), f)
			if err != nil {
				return nil, err
			}
			keys = append(keys, col)
		}

		groups := newGroupTable(keys, int(rec.NumRows()))
		if len(keys) == 0 {
			all := make([]index.IdxSize, rec.NumRows())
			for i := range all {
				all[i] = index.IdxSize(i)
			}
			groups.first = []index.IdxSize{0}
			groups.rows = [][]index.IdxSize{all}
		} else {
			for i := range int(rec.NumRows()) {
				groups.insert(i)
			}
		}

		cols := make([]arrow.Array, 0, schema.Len())
		for i := range keys {
			firsts := make([]index.NullableIdx, len(groups.first))
			for g, row := range groups.first {
				firsts[g] = index.NewNullableIdx(row)
			}
			col, err := takeRows(evaluator.mem, keys[i], firsts)
			if err != nil {
				releaseArrays(cols)
				return nil, err
			}
			cols = append(cols, col)
		}
		for i, agg := range node.Aggs {
			col, err := aggregate(evaluator, f, agg, schema.Field(len(keys)+i).Type, groups.rows)
			if err != nil {
				releaseArrays(cols)
				return nil, err
			}
			cols = append(cols, col)
		}

		out, err := newRecord(schema, cols, int64(len(groups.rows)))
		if err != nil {
			return nil, err
		}
		return []arrow.Record{out}, nil
	}, input)
}

func emptyRecord(evaluator *expressionEvaluator, schema *types.Schema) (arrow.Record, error) {
	cols := make([]arrow.Array, 0, schema.Len())
	for _, f := range schema.Fields() {
		col, err := broadcast(evaluator.mem, f.Type, nil, 0)
		if err != nil {
			releaseArrays(cols)
			return nil, err
		}
		cols = append(cols, col)
	}
	return newRecord(schema, cols, 0)
}

// aggregate computes agg for every group. out is the output type of agg.
func aggregate(evaluator *expressionEvaluator, f *frame, agg logical.ExprIR, out types.DataType, groups [][]index.IdxSize) (arrow.Array, error) {
	root, ok := evaluator.plan.AggregateOf(agg.Node())
	if !ok {
		return nil, fmt.Errorf("%s: %s is not an aggregation: %w", f.owner, evaluator.plan.ExprString(agg.Node()), errors.ErrType)
	}

	if _, isLen := root.(*logical.Len); isLen {
		return evaluator.mapValues(out, len(groups), func(g int) (any, error) {
			return int64(len(groups[g])), nil
		})
	}

	a := root.(*logical.Agg)
	in, err := evaluator.eval(a.Input, f)
	if err != nil {
		return nil, err
	}
	defer in.Release()

	return evaluator.mapValues(out, len(groups), func(g int) (any, error) {
		return reduce(a.Op, out, in, groups[g])
	})
}

// reduce folds the values of in at rows with op. Nulls are skipped by every
// aggregation except first.
func reduce(op types.AggOp, out types.DataType, in arrow.Array, rows []index.IdxSize) (any, error) {
	if op == types.AggOpFirst {
		if len(rows) == 0 {
			return nil, nil
		}
		return valueAt(in, int(rows[0])), nil
	}

	var (
		acc   any
		count int64
		sum   float64
	)
	for _, row := range rows {
		v := valueAt(in, int(row))
		if v == nil {
			continue
		}
		count++
		switch op {
		case types.AggOpSum:
			if acc == nil {
				acc = v
			} else if out == types.Float {
				acc = toFloat(acc) + toFloat(v)
			} else {
				acc = acc.(int64) + v.(int64)
			}
		case types.AggOpMin:
			if acc == nil || compareValues(v, acc) < 0 {
				acc = v
			}
		case types.AggOpMax:
			if acc == nil || compareValues(v, acc) > 0 {
				acc = v
			}
		case types.AggOpMean:
			sum += toFloat(v)
		case types.AggOpCount:
		default:
			return nil, fmt.Errorf("aggregation %s: %w", op, errors.ErrNotImplemented)
		}
	}

	switch op {
	case types.AggOpCount:
		return count, nil
	case types.AggOpMean:
		if count == 0 {
			return nil, nil
		}
		return sum / float64(count), nil
	case types.AggOpSum:
		if acc != nil && out == types.Float {
			return toFloat(acc), nil
		}
	}
	return acc, nil
}
