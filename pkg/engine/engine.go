// Package engine optimizes and executes logical query plans over in-memory
// arrow tables.
package engine

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/lazyframe/pkg/engine/internal/datatype"
	"github.com/grafana/lazyframe/pkg/engine/internal/executor"
	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
	"github.com/grafana/lazyframe/pkg/engine/internal/planner/optimizer"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/dag"
)

var (
	// ErrPlanningFailed is returned when a plan cannot be optimized. The
	// underlying error is wrapped as well.
	ErrPlanningFailed = errors.New("query planning failed")

	// ErrExecutionFailed is returned when an optimized plan fails during
	// execution.
	ErrExecutionFailed = errors.New("query execution failed")
)

var tracer = otel.Tracer("pkg/engine")

// ExecutorConfig configures plan execution.
type ExecutorConfig struct {
	// BatchSize is the maximum number of rows of a scanned record.
	BatchSize int `yaml:"batch_size"`

	// JoinPartitions is the number of hash partitions the build side of a
	// join is split into.
	JoinPartitions int `yaml:"join_partitions"`

	// PrefetchScans reads table scans one record ahead of their consumers.
	PrefetchScans bool `yaml:"prefetch_scans"`
}

func (cfg *ExecutorConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.BatchSize, prefix+"batch-size", executor.DefaultBatchSize, "Maximum number of rows of a record produced by a table scan.")
	f.IntVar(&cfg.JoinPartitions, prefix+"join-partitions", 4, "Number of hash partitions the build side of a join is split into. Partitions are built concurrently.")
	f.BoolVar(&cfg.PrefetchScans, prefix+"prefetch-scans", false, "Read table scans one record ahead of their consumers.")
}

// Config configures an [Engine].
type Config struct {
	// ProjectionPushdown enables the projection pushdown pass.
	ProjectionPushdown bool `yaml:"projection_pushdown"`

	// MaxPlanDepth rejects plans with more nested operators than this.
	MaxPlanDepth int `yaml:"max_plan_depth"`

	// ValidatePlans checks the structure of the plan after every
	// optimization pass.
	ValidatePlans bool `yaml:"validate_plans"`

	// ExplainCacheSize is the number of explanations kept by
	// [Engine.Explain]. Zero disables the cache.
	ExplainCacheSize int `yaml:"explain_cache_size"`

	Executor ExecutorConfig `yaml:"executor"`
}

// RegisterFlags registers the flags of cfg with the "engine." prefix.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("engine.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.BoolVar(&cfg.ProjectionPushdown, prefix+"projection-pushdown", true, "Push column projections down the plan, removing unread columns and operators.")
	f.IntVar(&cfg.MaxPlanDepth, prefix+"max-plan-depth", optimizer.DefaultMaxDepth, "Maximum number of nested operators of a plan.")
	f.BoolVar(&cfg.ValidatePlans, prefix+"validate-plans", true, "Validate the plan after every optimization pass.")
	f.IntVar(&cfg.ExplainCacheSize, prefix+"explain-cache-size", 128, "Number of plan explanations to cache. 0 disables the cache.")
	cfg.Executor.RegisterFlagsWithPrefix(prefix+"executor.", f)
}

// Validate checks cfg for invalid values.
func (cfg *Config) Validate() error {
	if cfg.MaxPlanDepth <= 0 {
		return fmt.Errorf("invalid max plan depth, must be greater than 0, got %d", cfg.MaxPlanDepth)
	}
	if cfg.ExplainCacheSize < 0 {
		return fmt.Errorf("invalid explain cache size, must not be negative, got %d", cfg.ExplainCacheSize)
	}
	if cfg.Executor.BatchSize <= 0 {
		return fmt.Errorf("invalid batch size, must be greater than 0, got %d", cfg.Executor.BatchSize)
	}
	if cfg.Executor.JoinPartitions <= 0 {
		return fmt.Errorf("invalid number of join partitions, must be greater than 0, got %d", cfg.Executor.JoinPartitions)
	}
	return nil
}

// DefaultConfig returns the configuration used when no flags are set.
func DefaultConfig() Config {
	var cfg Config
	cfg.RegisterFlagsWithPrefix("", flag.NewFlagSet("defaults", flag.PanicOnError))
	return cfg
}

// Params holds parameters for constructing a new [Engine].
type Params struct {
	Logger     log.Logger            // Logger for optional log messages.
	Registerer prometheus.Registerer // Registerer for optional metrics.

	Config Config // Config for the Engine.

	Catalog   executor.Catalog // Tables read by executed plans.
	Allocator memory.Allocator // Allocator for executed plans.
}

// validate validates p and applies defaults.
func (p *Params) validate() error {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Registerer == nil {
		p.Registerer = prometheus.NewRegistry()
	}
	if p.Allocator == nil {
		p.Allocator = memory.NewGoAllocator()
	}
	return p.Config.Validate()
}

// Engine optimizes and executes logical plans.
type Engine struct {
	logger  log.Logger
	metrics *metrics
	cfg     Config

	optimizer *optimizer.Optimizer
	explained *lru.Cache[uint64, *Explanation] // nil when disabled

	catalog executor.Catalog
	mem     memory.Allocator
}

// New creates a new Engine.
func New(params Params) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	var passes []optimizer.Pass
	if params.Config.ProjectionPushdown {
		passes = append(passes, &optimizer.ProjectionPushdown{MaxDepth: params.Config.MaxPlanDepth})
	}

	e := &Engine{
		logger:  params.Logger,
		metrics: newMetrics(params.Registerer),
		cfg:     params.Config,

		optimizer: optimizer.New(params.Config.ValidatePlans, passes...),

		catalog: params.Catalog,
		mem:     params.Allocator,
	}

	if size := params.Config.ExplainCacheSize; size > 0 {
		cache, err := lru.New[uint64, *Explanation](size)
		if err != nil {
			return nil, err
		}
		e.explained = cache
	}
	return e, nil
}

// Optimize rewrites plan in place. On error the plan must be discarded and
// the returned error wraps [ErrPlanningFailed].
func (e *Engine) Optimize(ctx context.Context, plan *logical.Plan) (optimizer.Stats, error) {
	return e.optimize(ctx, e.logger, plan)
}

func (e *Engine) optimize(ctx context.Context, logger log.Logger, plan *logical.Plan) (optimizer.Stats, error) {
	_, span := tracer.Start(ctx, "Engine.Optimize")
	defer span.End()
	logger = log.With(logger, "component", "optimizer")

	if plan == nil {
		return optimizer.Stats{}, fmt.Errorf("%w: plan is nil", ErrPlanningFailed)
	}
	if err := plan.Validate(); err != nil {
		return optimizer.Stats{}, e.planningFailed(span, logger, err)
	}

	scanned := scannedColumns(plan)
	level.Debug(logger).Log("msg", "optimizing plan", "plan", logical.PrintAsTree(plan))

	timer := prometheus.NewTimer(e.metrics.optimizeSeconds)
	stats, err := e.optimizer.Optimize(plan)
	duration := timer.ObserveDuration()
	if err != nil {
		return stats, e.planningFailed(span, logger, err)
	}

	e.metrics.optimizations.WithLabelValues(statusSuccess).Inc()
	e.metrics.eliminatedNodes.Add(float64(stats.EliminatedNodes))
	e.metrics.prunedExprs.Add(float64(stats.PrunedExprs))
	e.metrics.prunedColumns.Add(float64(stats.PrunedColumns))
	if scanned > 0 {
		e.metrics.pruneRatio.Observe(float64(stats.PrunedColumns) / float64(scanned))
	}

	span.SetAttributes(
		attribute.Int("eliminated_nodes", stats.EliminatedNodes),
		attribute.Int("pruned_exprs", stats.PrunedExprs),
		attribute.Int("pruned_columns", stats.PrunedColumns),
	)
	span.SetStatus(codes.Ok, "")

	level.Debug(logger).Log("msg", "optimized plan", "plan", logical.PrintAsTree(plan))
	level.Info(logger).Log(
		"msg", "finished optimizing plan",
		"duration", duration.String(),
		"eliminated_nodes", stats.EliminatedNodes,
		"pruned_exprs", stats.PrunedExprs,
		"pruned_columns", stats.PrunedColumns,
	)
	return stats, nil
}

func (e *Engine) planningFailed(span trace.Span, logger log.Logger, err error) error {
	e.metrics.optimizations.WithLabelValues(statusFailure).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "failed to optimize plan")
	level.Warn(logger).Log("msg", "failed to optimize plan", "err", err)
	return fmt.Errorf("%w: %w", ErrPlanningFailed, err)
}

// scannedColumns returns the number of columns read by the scans of plan.
func scannedColumns(plan *logical.Plan) int {
	var n int
	_ = dag.Walk[arena.Node](plan, plan.Root, func(node arena.Node) error {
		if scan, ok := plan.Nodes.Get(node).(*logical.Scan); ok {
			n += scan.OutputSchema().Len()
		}
		return nil
	}, dag.PreOrderWalk)
	return n
}

// planFingerprint returns printed followed by the source and file schema
// of every scan of plan. The printed plan does not show file schemas, and
// the optimization of a scan depends on them.
func planFingerprint(plan *logical.Plan, printed string) string {
	var sb strings.Builder
	sb.WriteString(printed)
	_ = dag.Walk[arena.Node](plan, plan.Root, func(node arena.Node) error {
		if scan, ok := plan.Nodes.Get(node).(*logical.Scan); ok {
			fmt.Fprintf(&sb, "\n%s %s", scan.Source, scan.FileSchema)
		}
		return nil
	}, dag.PreOrderWalk)
	return sb.String()
}

// Explanation describes the effect of optimization on a plan.
type Explanation struct {
	Before string // Plan before optimization, as printed by [logical.PrintAsTree].
	After  string // Plan after optimization.
	Stats  optimizer.Stats

	fingerprint string // printed plan and the schemas of its scans
}

// String returns both plans.
func (ex *Explanation) String() string {
	var sb strings.Builder
	sb.WriteString("Logical plan:\n")
	sb.WriteString(ex.Before)
	sb.WriteString("\nOptimized plan:\n")
	sb.WriteString(ex.After)
	return sb.String()
}

// Explain optimizes a copy of plan and describes the result. plan is not
// modified. Explanations are cached by the printed form of plan and the
// schemas of the sources it scans.
func (e *Engine) Explain(ctx context.Context, plan *logical.Plan) (*Explanation, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: plan is nil", ErrPlanningFailed)
	}
	before := logical.PrintAsTree(plan)
	fingerprint := planFingerprint(plan, before)
	key := xxhash.Sum64String(fingerprint)

	if e.explained != nil {
		if ex, ok := e.explained.Get(key); ok && ex.fingerprint == fingerprint {
			e.metrics.explainCache.WithLabelValues(cacheHit).Inc()
			return ex, nil
		}
		e.metrics.explainCache.WithLabelValues(cacheMiss).Inc()
	}

	optimized := plan.Clone()
	stats, err := e.Optimize(ctx, optimized)
	if err != nil {
		return nil, err
	}
	ex := &Explanation{Before: before, After: logical.PrintAsTree(optimized), Stats: stats, fingerprint: fingerprint}
	if e.explained != nil {
		e.explained.Add(key, ex)
	}
	return ex, nil
}

// Result holds the records produced by an executed plan.
type Result struct {
	QueryID string
	Schema  *arrow.Schema
	Records []arrow.Record
	Stats   optimizer.Stats // Changes made by optimization.
}

// NumRows returns the number of rows of r.
func (r *Result) NumRows() int64 {
	var n int64
	for _, rec := range r.Records {
		n += rec.NumRows()
	}
	return n
}

// Release releases the records of r.
func (r *Result) Release() {
	for _, rec := range r.Records {
		rec.Release()
	}
	r.Records = nil
}

// Format writes the column names of r and at most limit rows as tab
// separated lines. A negative limit writes every row.
func (r *Result) Format(w io.Writer, limit int) error {
	names := make([]string, r.Schema.NumFields())
	for i, f := range r.Schema.Fields() {
		names[i] = f.Name
	}
	if _, err := fmt.Fprintln(w, strings.Join(names, "\t")); err != nil {
		return err
	}

	values := make([]string, len(names))
	for _, rec := range r.Records {
		for i := range int(rec.NumRows()) {
			if limit == 0 {
				return nil
			}
			limit--
			for j, col := range rec.Columns() {
				if col.IsNull(i) {
					values[j] = "null"
				} else {
					values[j] = col.ValueStr(i)
				}
			}
			if _, err := fmt.Fprintln(w, strings.Join(values, "\t")); err != nil {
				return err
			}
		}
	}
	return nil
}

// Execute optimizes plan in place and executes it against the catalog of
// the engine. The caller must release the result.
func (e *Engine) Execute(ctx context.Context, plan *logical.Plan) (*Result, error) {
	queryID := ulid.Make().String()
	logger := log.With(e.logger, "query_id", queryID)

	ctx, span := tracer.Start(ctx, "Engine.Execute", trace.WithAttributes(
		attribute.String("query_id", queryID),
	))
	defer span.End()
	startTime := time.Now()

	stats, err := e.optimize(ctx, logger, plan)
	if err != nil {
		e.metrics.executions.WithLabelValues(statusFailure).Inc()
		span.SetStatus(codes.Error, "failed to optimize plan")
		return nil, err
	}

	rootSchema, err := plan.Schema(plan.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlanningFailed, err)
	}
	schema, err := datatype.Schema(rootSchema)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlanningFailed, err)
	}

	timer := prometheus.NewTimer(e.metrics.executeSeconds)
	pipeline := executor.Run(ctx, executor.Config{
		BatchSize:      int64(e.cfg.Executor.BatchSize),
		JoinPartitions: e.cfg.Executor.JoinPartitions,
		PrefetchScans:  e.cfg.Executor.PrefetchScans,
		Catalog:        e.catalog,
		Allocator:      e.mem,
	}, plan, logger)
	defer pipeline.Close()

	records, err := executor.ReadAll(ctx, pipeline)
	durExecution := timer.ObserveDuration()
	if err != nil {
		e.metrics.executions.WithLabelValues(statusFailure).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "error during query execution")
		level.Warn(logger).Log("msg", "error during execution", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}

	result := &Result{QueryID: queryID, Schema: schema, Records: records, Stats: stats}
	rows := result.NumRows()
	e.metrics.executions.WithLabelValues(statusSuccess).Inc()
	e.metrics.resultRows.Add(float64(rows))

	span.SetAttributes(attribute.Int64("rows", rows))
	span.SetStatus(codes.Ok, "")
	level.Info(logger).Log(
		"msg", "finished executing",
		"rows", rows,
		"records", len(records),
		"duration_execution", durExecution,
		"duration_full", time.Since(startTime),
	)
	return result, nil
}
