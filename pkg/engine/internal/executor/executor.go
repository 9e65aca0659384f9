package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
)

var tracer = otel.Tracer("pkg/engine/internal/executor")

// DefaultBatchSize is the number of rows of the records a scan produces when
// no batch size is configured.
const DefaultBatchSize = 8192

// Config configures the execution of a plan.
type Config struct {
	// BatchSize is the maximum number of rows of a scanned record.
	BatchSize int64
	// JoinPartitions is the number of partitions the build side of a join
	// is split into. Partitions are built concurrently.
	JoinPartitions int
	// PrefetchScans reads scans one record ahead of their consumer.
	PrefetchScans bool

	Catalog   Catalog
	Allocator memory.Allocator
}

// Run returns a pipeline producing the result of plan. The pipeline must be
// closed by the caller.
func Run(ctx context.Context, cfg Config, plan *logical.Plan, logger log.Logger) Pipeline {
	if plan == nil {
		return errorPipeline(ctx, errors.New("plan is nil"))
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.JoinPartitions <= 0 {
		cfg.JoinPartitions = 1
	}
	if cfg.Allocator == nil {
		cfg.Allocator = memory.NewGoAllocator()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	c := &Context{
		plan:           plan,
		batchSize:      cfg.BatchSize,
		joinPartitions: cfg.JoinPartitions,
		prefetchScans:  cfg.PrefetchScans,
		catalog:        cfg.Catalog,
		mem:            cfg.Allocator,
		logger:         logger,
		evaluator:      newExpressionEvaluator(plan, cfg.Allocator),
	}
	if !plan.Nodes.Valid(plan.Root) {
		return errorPipeline(ctx, fmt.Errorf("plan root %s is not a valid node", plan.Root))
	}
	return c.execute(ctx, plan.Root)
}

// Context is the execution context
type Context struct {
	batchSize      int64
	joinPartitions int
	prefetchScans  bool

	logger    log.Logger
	plan      *logical.Plan
	catalog   Catalog
	mem       memory.Allocator
	evaluator *expressionEvaluator
}

func (c *Context) execute(ctx context.Context, node arena.Node) Pipeline {
	children := c.plan.Children(node)
	inputs := make([]Pipeline, 0, len(children))
	for _, child := range children {
		inputs = append(inputs, c.execute(ctx, child))
	}

	name := c.plan.NodeName(node)
	switch n := c.plan.Nodes.Get(node).(type) {
	case *logical.Scan:
		// Tables are resolved when the scan is first read.
		return newLazyPipeline(func(ctx context.Context, _ []Pipeline) Pipeline {
			return tracePipeline("logical.Scan", c.executeScan(ctx, name, n))
		}, inputs)
	case *logical.Filter:
		return tracePipeline("logical.Filter", c.executeFilter(ctx, name, n, inputs))
	case *logical.Select:
		return tracePipeline("logical.Select", c.executeSelect(ctx, name, n, inputs))
	case *logical.HStack:
		return tracePipeline("logical.HStack", c.executeHStack(ctx, name, n, inputs))
	case *logical.Sort:
		return tracePipeline("logical.Sort", c.executeSort(ctx, name, n, inputs))
	case *logical.Slice:
		return tracePipeline("logical.Slice", c.executeSlice(ctx, n, inputs))
	case *logical.GroupBy:
		return tracePipeline("logical.GroupBy", c.executeGroupBy(ctx, name, n, inputs))
	case *logical.Join:
		return tracePipeline("logical.Join", c.executeJoin(ctx, name, n, inputs))
	default:
		return errorPipeline(ctx, fmt.Errorf("invalid node type: %T", n))
	}
}

func (c *Context) executeScan(ctx context.Context, name string, node *logical.Scan) Pipeline {
	_, span := tracer.Start(ctx, "Context.executeScan", trace.WithAttributes(
		attribute.String("source", node.Source),
		attribute.Int("num_projections", len(node.Projection)),
		attribute.Bool("row_count_only", node.RowCountOnly),
	))
	defer span.End()

	if c.catalog == nil {
		return errorPipeline(ctx, errors.New("no catalog configured"))
	}
	table, err := c.catalog.Table(node.Source)
	if err != nil {
		return errorPipeline(ctx, fmt.Errorf("%s: %w", name, err))
	}

	level.Debug(c.logger).Log("msg", "scanning table", "node", name, "source", node.Source, "projection", fmt.Sprint(node.Projection), "row_count_only", node.RowCountOnly)

	p, err := newScanPipeline(c.mem, name, table, node, c.batchSize)
	if err != nil {
		return errorPipeline(ctx, err)
	}
	if c.prefetchScans {
		return newPrefetchingPipeline(p)
	}
	return p
}

func (c *Context) executeFilter(ctx context.Context, name string, node *logical.Filter, inputs []Pipeline) Pipeline {
	if len(inputs) == 0 {
		return emptyInput(ctx, name)
	}
	return newFilterPipeline(name, node, inputs[0], c.evaluator)
}

func (c *Context) executeSelect(ctx context.Context, name string, node *logical.Select, inputs []Pipeline) Pipeline {
	if len(inputs) == 0 {
		return emptyInput(ctx, name)
	}
	schema, err := c.plan.SchemaOf(node)
	if err != nil {
		return errorPipeline(ctx, err)
	}
	return newSelectPipeline(c.plan, name, node, schema, inputs[0], c.evaluator)
}

func (c *Context) executeHStack(ctx context.Context, name string, node *logical.HStack, inputs []Pipeline) Pipeline {
	if len(inputs) == 0 {
		return emptyInput(ctx, name)
	}
	schema, err := c.plan.SchemaOf(node)
	if err != nil {
		return errorPipeline(ctx, err)
	}
	return newHStackPipeline(c.plan, name, node, schema, inputs[0], c.evaluator)
}

func (c *Context) executeSort(ctx context.Context, name string, node *logical.Sort, inputs []Pipeline) Pipeline {
	if len(inputs) == 0 {
		return emptyInput(ctx, name)
	}
	return newSortPipeline(c.mem, name, node, inputs[0], c.evaluator)
}

func (c *Context) executeSlice(ctx context.Context, node *logical.Slice, inputs []Pipeline) Pipeline {
	if len(inputs) == 0 {
		return emptyInput(ctx, "Slice")
	}
	if node.Offset < 0 {
		return newTailSlicePipeline(c.mem, node.Offset, node.Len, inputs[0])
	}
	return NewLimitPipeline(inputs[0], uint64(node.Offset), node.Len)
}

func (c *Context) executeGroupBy(ctx context.Context, name string, node *logical.GroupBy, inputs []Pipeline) Pipeline {
	if len(inputs) == 0 {
		return emptyInput(ctx, name)
	}
	schema, err := c.plan.SchemaOf(node)
	if err != nil {
		return errorPipeline(ctx, err)
	}
	return newGroupByPipeline(c.plan, name, node, schema, inputs[0], c.evaluator)
}

func (c *Context) executeJoin(ctx context.Context, name string, node *logical.Join, inputs []Pipeline) Pipeline {
	if len(inputs) != 2 {
		return errorPipeline(ctx, fmt.Errorf("%s: join needs 2 inputs, got %d", name, len(inputs)))
	}
	cols, err := c.plan.JoinColumns(name, node)
	if err != nil {
		return errorPipeline(ctx, err)
	}
	return newJoinPipeline(c, name, node, cols, inputs[0], inputs[1])
}

func emptyInput(ctx context.Context, name string) Pipeline {
	return errorPipeline(ctx, fmt.Errorf("%s has no input", name))
}
