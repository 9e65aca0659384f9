package executor

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/dolthub/swiss"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/lazyframe/pkg/engine/internal/compute/hashing"
	"github.com/grafana/lazyframe/pkg/engine/internal/compute/index"
	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
)

// buildSide is the hashed right input of a join. Rows are addressed by
// [index.ChunkID]: the chunk is the position of the record, the row the
// position within it.
type buildSide struct {
	batches     []arrow.Record
	keys        [][]arrow.Array // key columns per batch
	partitioner hashing.HashPartitioner
	partitions  []*swiss.Map[uint64, []index.ChunkID]
}

func (b *buildSide) release() {
	for _, keys := range b.keys {
		releaseArrays(keys)
	}
	releaseAll(b.batches)
}

// probe returns the rows of the build side whose keys equal row i of keys.
func (b *buildSide) probe(keys []arrow.Array, i int) []index.ChunkID {
	for _, key := range keys {
		if key.IsNull(i) {
			return nil
		}
	}
	h := hashRow(keys, i)
	candidates, _ := b.partitions[b.partitioner.HashToPartition(h)].Get(h)

	var out []index.ChunkID
	for _, id := range candidates {
		chunk, row := id.Extract()
		if rowsEqual(keys, i, b.keys[chunk], int(row), false) {
			out = append(out, id)
		}
	}
	return out
}

// build drains right, evaluates the join keys and hashes every row with
// non-null keys into one of the partitions. Partitions are filled
// concurrently.
func (c *Context) build(ctx context.Context, name string, node *logical.Join, right Pipeline) (*buildSide, error) {
	batches, err := ReadAll(ctx, right)
	if err != nil {
		return nil, err
	}
	side := &buildSide{
		batches:     batches,
		partitioner: hashing.NewHashPartitioner(c.joinPartitions, 0),
	}

	var rows int64
	for _, b := range batches {
		rows += b.NumRows()
	}

	type entry struct {
		hash uint64
		id   index.ChunkID
	}
	entries := make([][]entry, c.joinPartitions)
	for chunk, batch := range batches {
		f, err := newFrame(name, batch, rows)
		if err != nil {
			side.release()
			return nil, err
		}
		keys := make([]arrow.Array, 0, len(node.RightOn))
		for _, on := range node.RightOn {
			key, err := c.evaluator.eval(on.Node(), f)
			if err != nil {
				releaseArrays(keys)
				side.release()
				return nil, err
			}
			keys = append(keys, key)
		}
		side.keys = append(side.keys, keys)

	nextRow:
		for i := range int(batch.NumRows()) {
			for _, key := range keys {
				if key.IsNull(i) {
					continue nextRow
				}
			}
			h := hashRow(keys, i)
			part := side.partitioner.HashToPartition(h)
			entries[part] = append(entries[part], entry{hash: h, id: index.StoreChunkID(index.IdxSize(chunk), index.IdxSize(i))})
		}
	}

	side.partitions = make([]*swiss.Map[uint64, []index.ChunkID], c.joinPartitions)
	g, gctx := errgroup.WithContext(ctx)
	for p := range entries {
		g.Go(func() error {
			m := swiss.NewMap[uint64, []index.ChunkID](uint32(len(entries[p])))
			for i, e := range entries[p] {
				if i%4096 == 0 && gctx.Err() != nil {
					return gctx.Err()
				}
				ids, _ := m.Get(e.hash)
				m.Put(e.hash, append(ids, e.id))
			}
			side.partitions[p] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		side.release()
		return nil, err
	}

	level.Debug(c.logger).Log("msg", "built join hash table", "node", name, "rows", rows, "batches", len(batches), "partitions", c.joinPartitions)
	return side, nil
}

func newJoinPipeline(c *Context, name string, node *logical.Join, cols []logical.JoinColumn, left, right Pipeline) Pipeline {
	fields := make([]types.Field, len(cols))
	for i, col := range cols {
		fields[i] = col.Field
	}
	schema := types.NewSchema(fields...)

	var side *buildSide
	p := newGenericPipeline(func(ctx context.Context, inputs []Pipeline) (arrow.Record, error) {
		if side == nil {
			var err error
			if side, err = c.build(ctx, name, node, inputs[1]); err != nil {
				return nil, err
			}
		}

		batch, err := inputs[0].Read(ctx)
		if err != nil {
			return nil, err
		}
		defer batch.Release()
		return c.probeBatch(name, node, cols, schema, side, batch)
	}, left, right)

	return &joinPipeline{GenericPipeline: p, side: &side}
}

// joinPipeline releases the build side when closed.
type joinPipeline struct {
	*GenericPipeline
	side **buildSide
}

func (p *joinPipeline) Close() {
	if *p.side != nil {
		(*p.side).release()
		*p.side = nil
	}
	p.GenericPipeline.Close()
}

func (c *Context) probeBatch(name string, node *logical.Join, cols []logical.JoinColumn, schema *types.Schema, side *buildSide, batch arrow.Record) (arrow.Record, error) {
	f, err := newFrame(name, batch, batch.NumRows())
	if err != nil {
		return nil, err
	}
	keys := make([]arrow.Array, 0, len(node.LeftOn))
	defer func() { releaseArrays(keys) }()
	for _, on := range node.LeftOn {
		key, err := c.evaluator.eval(on.Node(), f)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	var (
		leftRows  []index.NullableIdx
		rightRows []index.ChunkID
	)
	for i := range int(batch.NumRows()) {
		matches := side.probe(keys, i)
		if len(matches) == 0 && node.How == logical.JoinLeft {
			leftRows = append(leftRows, index.NewNullableIdx(index.IdxSize(i)))
			rightRows = append(rightRows, index.NullChunkID)
			continue
		}
		for _, id := range matches {
			leftRows = append(leftRows, index.NewNullableIdx(index.IdxSize(i)))
			rightRows = append(rightRows, id)
		}
	}

	out := make([]arrow.Array, 0, len(cols))
	for i, col := range cols {
		var (
			arr arrow.Array
			err error
		)
		if col.FromRight {
			arr, err = gatherChunks(c.mem, schema.Field(i).Type, side.batches, col.Source, rightRows)
		} else {
			idx := f.schema.Index(col.Source)
			if idx < 0 {
				err = fmt.Errorf("%s: left column %s is missing", name, col.Source)
			} else {
				arr, err = takeRows(c.mem, batch.Column(idx), leftRows)
			}
		}
		if err != nil {
			releaseArrays(out)
			return nil, err
		}
		out = append(out, arr)
	}
	return newRecord(schema, out, int64(len(leftRows)))
}

// gatherChunks builds a column from the rows of column name of batches
// addressed by ids. [index.NullChunkID] yields a null row.
func gatherChunks(mem memory.Allocator, dt types.DataType, batches []arrow.Record, name string, ids []index.ChunkID) (arrow.Array, error) {
	cols := make([]arrow.Array, len(batches))
	for i, b := range batches {
		idx := b.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("right column %s is missing", name)
		}
		cols[i] = b.Column(idx[0])
	}
	if dt == types.Null {
		return broadcast(mem, dt, nil, len(ids))
	}
	builder, err := newBuilder(mem, dt)
	if err != nil {
		return nil, err
	}
	defer builder.Release()
	builder.Reserve(len(ids))
	for _, id := range ids {
		if id.IsNull() {
			builder.AppendNull()
			continue
		}
		chunk, row := id.Extract()
		appendValue(builder, valueAt(cols[chunk], int(row)))
	}
	return builder.NewArray(), nil
}
