package executor

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// NewLimitPipeline skips the first skip rows of input and yields at most
// fetch rows after that.
func NewLimitPipeline(input Pipeline, skip uint64, fetch uint32) *GenericPipeline {
	// offsetRemaining and limitRemaining shrink as records are read, since
	// the offset and the limit may cross record boundaries.
	var (
		offsetRemaining = int64(skip)
		limitRemaining  = int64(fetch)
	)

	return newGenericPipeline(func(ctx context.Context, inputs []Pipeline) (arrow.Record, error) {
		var length int64
		var start, end int64
		var batch arrow.Record
		var err error

		// Zero-length batches are skipped while the offset is being consumed.
		for length == 0 {
			if limitRemaining <= 0 {
				return nil, EOF
			}

			batch, err = inputs[0].Read(ctx)
			if err != nil {
				return nil, err
			}

			// Slice the batch to the rows selected by both the offset and the
			// limit, within the bounds of the record.
			start = min(offsetRemaining, batch.NumRows())
			end = min(start+limitRemaining, batch.NumRows())
			length = end - start

			offsetRemaining -= start
			limitRemaining -= length

			if length == 0 {
				batch.Release()
			}
		}

		defer batch.Release()
		return batch.NewSlice(start, end), nil
	}, input)
}

// newTailSlicePipeline materializes its input and yields fetch rows starting
// offset rows from its end.
func newTailSlicePipeline(mem memory.Allocator, offset int64, fetch uint32, input Pipeline) Pipeline {
	return newMaterializingPipeline(func(_ context.Context, batches []arrow.Record) ([]arrow.Record, error) {
		if len(batches) == 0 {
			return nil, nil
		}
		rec, err := concatRecords(mem, batches[0].Schema(), batches)
		if err != nil {
			return nil, err
		}
		defer rec.Release()

		start := max(rec.NumRows()+offset, 0)
		end := min(start+int64(fetch), rec.NumRows())
		return []arrow.Record{rec.NewSlice(start, end)}, nil
	}, input)
}
