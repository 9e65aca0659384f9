// Package optimizer rewrites logical plans before execution.
package optimizer

import (
	"fmt"

	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
)

// Stats counts the changes made by optimization passes.
type Stats struct {
	EliminatedNodes int // Operators removed from the plan.
	PrunedExprs     int // Expressions removed from operators.
	PrunedColumns   int // Columns no longer read by scans.
}

// Add returns the sum of s and other.
func (s Stats) Add(other Stats) Stats {
	return Stats{
		EliminatedNodes: s.EliminatedNodes + other.EliminatedNodes,
		PrunedExprs:     s.PrunedExprs + other.PrunedExprs,
		PrunedColumns:   s.PrunedColumns + other.PrunedColumns,
	}
}

// Changed reports whether any change was counted.
func (s Stats) Changed() bool { return s != Stats{} }

// A Pass is a transformation that rewrites a plan in place.
type Pass interface {
	// Name returns a human readable name of the pass.
	Name() string
	// Optimize rewrites plan. On error, the plan must be discarded.
	Optimize(plan *logical.Plan) (Stats, error)
}

// The Optimizer runs a sequence of passes over a plan.
type Optimizer struct {
	passes   []Pass
	validate bool
}

// New creates an optimizer running passes in order. If validate is set, the
// plan is validated after every pass.
func New(validate bool, passes ...Pass) *Optimizer {
	return &Optimizer{passes: passes, validate: validate}
}

// Optimize runs every pass over plan and returns the accumulated stats.
func (o *Optimizer) Optimize(plan *logical.Plan) (Stats, error) {
	var total Stats
	for _, pass := range o.passes {
		stats, err := pass.Optimize(plan)
		total = total.Add(stats)
		if err != nil {
			return total, fmt.Errorf("%s: %w", pass.Name(), err)
		}
		if !o.validate {
			continue
		}
		if err := plan.Validate(); err != nil {
			return total, fmt.Errorf("invalid plan after %s: %w", pass.Name(), err)
		}
	}
	return total, nil
}
