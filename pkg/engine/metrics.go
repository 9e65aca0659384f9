package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/lazyframe/pkg/engine/internal/util/ewma"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"

	cacheHit  = "hit"
	cacheMiss = "miss"
)

// metrics is a container of metrics for an engine.
type metrics struct {
	optimizations   *prometheus.CounterVec
	eliminatedNodes prometheus.Counter
	prunedExprs     prometheus.Counter
	prunedColumns   prometheus.Counter
	optimizeSeconds prometheus.Histogram

	executions     *prometheus.CounterVec
	executeSeconds prometheus.Histogram
	resultRows     prometheus.Counter

	explainCache *prometheus.CounterVec

	// pruneRatio tracks the share of scanned columns removed by
	// optimization.
	pruneRatio *ewma.Tracker
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		optimizations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lazyframe_engine_optimizations_total",
			Help: "Total number of optimized plans by status",
		}, []string{"status"}),
		eliminatedNodes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lazyframe_engine_eliminated_nodes_total",
			Help: "Total number of plan nodes removed by optimization",
		}),
		prunedExprs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lazyframe_engine_pruned_expressions_total",
			Help: "Total number of expressions removed from plan nodes by optimization",
		}),
		prunedColumns: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lazyframe_engine_pruned_columns_total",
			Help: "Total number of columns removed from scans by optimization",
		}),
		optimizeSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "lazyframe_engine_optimize_duration_seconds",
			Help: "Number of seconds spent optimizing a plan",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),

		executions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lazyframe_engine_executions_total",
			Help: "Total number of executed plans by status",
		}, []string{"status"}),
		executeSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "lazyframe_engine_execute_duration_seconds",
			Help: "Number of seconds spent executing an optimized plan",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
		resultRows: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "lazyframe_engine_result_rows_total",
			Help: "Total number of rows returned by executed plans",
		}),

		explainCache: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "lazyframe_engine_explain_cache_requests_total",
			Help: "Total number of explain cache lookups by result",
		}, []string{"result"}),

		pruneRatio: ewma.NewTracker(
			"lazyframe_engine_pruned_columns_ratio",
			"Moving average of the share of scanned columns removed by optimization",
		),
	}
	reg.MustRegister(m.pruneRatio)
	return m
}
