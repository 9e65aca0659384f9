package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Pipeline represents a data processing pipeline that can read Arrow records.
// It provides methods to read data and close resources.
type Pipeline interface {
	// Read collects the next value ([arrow.Record]) from the pipeline and returns it to the caller.
	// It returns an error if reading fails or when the pipeline is exhausted. In this case, the function returns EOF.
	// The caller owns the returned record and must release it.
	Read(context.Context) (arrow.Record, error)
	// Close closes the resources of the pipeline.
	// The implementation must close all the of the pipeline's inputs.
	Close()
}

var (
	EOF = errors.New("pipeline exhausted") //nolint:revive,staticcheck
)

type state struct {
	batch arrow.Record
	err   error
}

type readFunc func(context.Context, []Pipeline) (arrow.Record, error)

// GenericPipeline is a [Pipeline] whose Read is implemented by a function
// over its inputs.
type GenericPipeline struct {
	inputs []Pipeline
	read   readFunc
}

func newGenericPipeline(read readFunc, inputs ...Pipeline) *GenericPipeline {
	return &GenericPipeline{
		read:   read,
		inputs: inputs,
	}
}

var _ Pipeline = (*GenericPipeline)(nil)

// Read implements Pipeline.
func (p *GenericPipeline) Read(ctx context.Context) (arrow.Record, error) {
	if p.read == nil {
		return nil, EOF
	}
	return p.read(ctx, p.inputs)
}

// Close implements Pipeline.
func (p *GenericPipeline) Close() {
	for _, inp := range p.inputs {
		inp.Close()
	}
}

func errorPipeline(ctx context.Context, err error) Pipeline {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	return newGenericPipeline(func(_ context.Context, _ []Pipeline) (arrow.Record, error) {
		return nil, fmt.Errorf("failed to execute pipeline: %w", err)
	})
}

// recordsPipeline yields a fixed list of records in order and then EOF.
type recordsPipeline struct {
	recs []arrow.Record
}

var _ Pipeline = (*recordsPipeline)(nil)

// newRecordsPipeline returns a pipeline yielding recs. It takes ownership of
// recs; records not read before Close are released.
func newRecordsPipeline(recs []arrow.Record) *recordsPipeline {
	return &recordsPipeline{recs: recs}
}

// Read implements [Pipeline].
func (p *recordsPipeline) Read(_ context.Context) (arrow.Record, error) {
	if len(p.recs) == 0 {
		return nil, EOF
	}
	rec := p.recs[0]
	p.recs = p.recs[1:]
	return rec, nil
}

// Close implements [Pipeline].
func (p *recordsPipeline) Close() {
	releaseAll(p.recs)
	p.recs = nil
}

// materializingPipeline drains its input on the first Read, passes every
// record to produce, and then yields the records produce returns.
type materializingPipeline struct {
	input   Pipeline
	produce func(ctx context.Context, batches []arrow.Record) ([]arrow.Record, error)
	out     *recordsPipeline
}

var _ Pipeline = (*materializingPipeline)(nil)

func newMaterializingPipeline(produce func(ctx context.Context, batches []arrow.Record) ([]arrow.Record, error), input Pipeline) *materializingPipeline {
	return &materializingPipeline{input: input, produce: produce}
}

// Read implements [Pipeline].
func (p *materializingPipeline) Read(ctx context.Context) (arrow.Record, error) {
	if p.out == nil {
		batches, err := ReadAll(ctx, p.input)
		if err != nil {
			return nil, err
		}
		out, err := p.produce(ctx, batches)
		releaseAll(batches)
		if err != nil {
			return nil, err
		}
		p.out = newRecordsPipeline(out)
	}
	return p.out.Read(ctx)
}

// Close implements [Pipeline].
func (p *materializingPipeline) Close() {
	if p.out != nil {
		p.out.Close()
	}
	p.input.Close()
}

// ReadAll drains p and returns every record it produced. On error the
// records read so far are released.
func ReadAll(ctx context.Context, p Pipeline) ([]arrow.Record, error) {
	var out []arrow.Record
	for {
		rec, err := p.Read(ctx)
		if errors.Is(err, EOF) {
			return out, nil
		} else if err != nil {
			releaseAll(out)
			return nil, err
		}
		out = append(out, rec)
	}
}

func releaseAll(recs []arrow.Record) {
	for _, rec := range recs {
		rec.Release()
	}
}

// prefetchWrapper wraps a [Pipeline] with pre-fetching capability,
// reading data in a separate goroutine to enable concurrent processing.
type prefetchWrapper struct {
	Pipeline // the pipeline that is wrapped

	initialized bool                    // internal state to indicate whether the pre-fetching goroutine is running
	ch          chan state              // the results channel for pre-fetched items
	cancel      context.CancelCauseFunc // cancellation function for the context
}

var _ Pipeline = (*prefetchWrapper)(nil)

// newPrefetchingPipeline creates a pipeline that reads from p in a separate
// goroutine, one record ahead of the consumer.
func newPrefetchingPipeline(p Pipeline) *prefetchWrapper {
	return &prefetchWrapper{
		Pipeline: p,
		ch:       make(chan state),
	}
}

// Read implements [Pipeline].
func (p *prefetchWrapper) Read(ctx context.Context) (arrow.Record, error) {
	p.init(ctx)
	return p.read(ctx)
}

func (p *prefetchWrapper) init(ctx context.Context) {
	if p.initialized {
		return
	}

	p.initialized = true

	ctx, p.cancel = context.WithCancelCause(ctx)
	go p.prefetch(ctx) // nolint:errcheck
}

func (p *prefetchWrapper) prefetch(ctx context.Context) error {
	defer close(p.ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			var s state
			s.batch, s.err = p.Pipeline.Read(ctx)
			if s.err != nil {
				p.ch <- s
				return s.err
			}

			// Sending blocks until the consumer reads the batch.
			select {
			case <-ctx.Done():
				s.batch.Release()
				return ctx.Err()
			case p.ch <- s:
			}
		}
	}
}

func (p *prefetchWrapper) read(_ context.Context) (arrow.Record, error) {
	state := <-p.ch

	// A closed channel yields the zero value.
	if state.err == nil && state.batch == nil {
		return nil, context.Canceled
	}
	return state.batch, state.err
}

// Close implements [Pipeline].
func (p *prefetchWrapper) Close() {
	if p.cancel != nil {
		p.cancel(errors.New("pipeline is closed"))

		// Wait for the prefetch goroutine to exit. p.cancel is only set once
		// the goroutine has been started.
		for s := range p.ch {
			if s.batch != nil {
				s.batch.Release()
			}
		}
	}
	p.Pipeline.Close()
}

type tracedPipeline struct {
	name  string
	inner Pipeline
}

var _ Pipeline = (*tracedPipeline)(nil)

// tracePipeline wraps a [Pipeline] to record each call to Read with a span.
func tracePipeline(name string, pipeline Pipeline) *tracedPipeline {
	return &tracedPipeline{
		name:  name,
		inner: pipeline,
	}
}

func (p *tracedPipeline) Read(ctx context.Context) (arrow.Record, error) {
	ctx, span := tracer.Start(ctx, p.name+".Read")
	defer span.End()

	res, err := p.inner.Read(ctx)
	if err != nil && !errors.Is(err, EOF) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		if res != nil {
			span.SetAttributes(attribute.Int64("rows", res.NumRows()))
		}
		span.SetStatus(codes.Ok, "")
	}
	return res, err
}

func (p *tracedPipeline) Close() { p.inner.Close() }

type lazyPipeline struct {
	ctor func(ctx context.Context, inputs []Pipeline) Pipeline

	inputs []Pipeline
	built  Pipeline
}

// newLazyPipeline defers construction of a [Pipeline] to the first call to
// Read, when the execution context is available.
func newLazyPipeline(ctor func(ctx context.Context, inputs []Pipeline) Pipeline, inputs []Pipeline) *lazyPipeline {
	return &lazyPipeline{
		ctor:   ctor,
		inputs: inputs,
	}
}

var _ Pipeline = (*lazyPipeline)(nil)

// Read reads the next value from the inner pipeline. If this is the first call
// to Read, the inner pipeline will be constructed using the provided context.
func (lp *lazyPipeline) Read(ctx context.Context) (arrow.Record, error) {
	if lp.built == nil {
		lp.built = lp.ctor(ctx, lp.inputs)
	}
	return lp.built.Read(ctx)
}

// Close closes the lazily constructed pipeline if it has been built, and
// the inputs otherwise.
func (lp *lazyPipeline) Close() {
	if lp.built != nil {
		lp.built.Close()
		lp.built = nil
		return
	}
	for _, inp := range lp.inputs {
		inp.Close()
	}
}
