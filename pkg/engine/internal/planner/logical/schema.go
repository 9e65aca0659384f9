package logical

import (
	"fmt"

	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
)

// Schema returns the output schema of node n. It is a pure function of the
// arena state: calling it twice on an unmodified plan yields equal schemas.
func (p *Plan) Schema(n arena.Node) (*types.Schema, error) {
	return p.schemaOf(p.NodeName(n), p.Nodes.Get(n))
}

// SchemaOf returns the output schema of ir. Unlike [Plan.Schema], ir does
// not need to be stored in the arena; its inputs do.
func (p *Plan) SchemaOf(ir IR) (*types.Schema, error) {
	return p.schemaOf(ir.Kind().String(), ir)
}

func (p *Plan) schemaOf(owner string, ir IR) (*types.Schema, error) {
	switch ir := ir.(type) {
	case *Scan:
		return ir.OutputSchema(), nil
	case *Filter:
		return p.Schema(ir.Input)
	case *Sort:
		return p.Schema(ir.Input)
	case *Slice:
		return p.Schema(ir.Input)
	case *Select:
		if ir.schema != nil {
			return ir.schema, nil
		}
		return p.selectSchema(owner, ir.Input, ir.Exprs)
	case *HStack:
		if ir.schema != nil {
			return ir.schema, nil
		}
		return p.hstackSchema(owner, ir.Input, ir.Exprs, ir.Options)
	case *GroupBy:
		if ir.schema != nil {
			return ir.schema, nil
		}
		return p.groupBySchema(owner, ir.Input, ir.Keys, ir.Aggs)
	case *Join:
		if ir.schema != nil {
			return ir.schema, nil
		}
		cols, err := p.JoinColumns(owner, ir)
		if err != nil {
			return nil, err
		}
		return joinSchema(cols), nil
	}
	panic(errors.Invariantf("schema of unknown operator %T", ir))
}

// ExprType infers the data type of expression n evaluated against schema.
// owner names the operator the expression belongs to and is used for error
// reporting.
func (p *Plan) ExprType(owner string, n arena.Node, schema *types.Schema) (types.DataType, error) {
	return p.exprType(owner, n, schema, false)
}

func (p *Plan) exprType(owner string, n arena.Node, schema *types.Schema, allowAgg bool) (types.DataType, error) {
	switch e := p.Exprs.Get(n).(type) {
	case *Column:
		f, ok := schema.Lookup(e.Name)
		if !ok {
			return types.Invalid, errors.NewSchemaError(owner, e.Name, "")
		}
		return f.Type, nil

	case *Literal:
		return e.Value.Type(), nil

	case *BinaryExpr:
		left, err := p.exprType(owner, e.Left, schema, allowAgg)
		if err != nil {
			return types.Invalid, err
		}
		right, err := p.exprType(owner, e.Right, schema, allowAgg)
		if err != nil {
			return types.Invalid, err
		}
		return binaryType(owner, e.Op, left, right)

	case *UnaryExpr:
		in, err := p.exprType(owner, e.Input, schema, allowAgg)
		if err != nil {
			return types.Invalid, err
		}
		switch e.Op {
		case types.UnaryOpNot:
			if in != types.Bool && in != types.Null {
				return types.Invalid, fmt.Errorf("%s: %s of %s: %w", owner, e.Op, in, errors.ErrType)
			}
			return types.Bool, nil
		case types.UnaryOpNeg:
			if !in.IsNumeric() && in != types.Null {
				return types.Invalid, fmt.Errorf("%s: %s of %s: %w", owner, e.Op, in, errors.ErrType)
			}
			return in, nil
		}
		return types.Invalid, fmt.Errorf("%s: unary operation %s: %w", owner, e.Op, errors.ErrNotImplemented)

	case *Alias:
		return p.exprType(owner, e.Input, schema, allowAgg)

	case *Cast:
		if _, err := p.exprType(owner, e.Input, schema, allowAgg); err != nil {
			return types.Invalid, err
		}
		return e.To, nil

	case *Len:
		return types.Integer, nil

	case *Agg:
		if !allowAgg {
			return types.Invalid, fmt.Errorf("%s: aggregation %s outside of a group by: %w", owner, e.Op, errors.ErrType)
		}
		// Nested aggregations are not supported.
		in, err := p.exprType(owner, e.Input, schema, false)
		if err != nil {
			return types.Invalid, err
		}
		switch e.Op {
		case types.AggOpCount:
			return types.Integer, nil
		case types.AggOpMean:
			return types.Float, nil
		case types.AggOpSum:
			if !in.IsNumeric() {
				return types.Invalid, fmt.Errorf("%s: sum of %s: %w", owner, in, errors.ErrType)
			}
			return in, nil
		default:
			return in, nil
		}
	}
	panic(errors.Invariantf("type of unknown expression %T", p.Exprs.Get(n)))
}

func binaryType(owner string, op types.BinaryOp, left, right types.DataType) (types.DataType, error) {
	switch {
	case op.IsComparison():
		if _, ok := types.Supertype(left, right); !ok {
			return types.Invalid, fmt.Errorf("%s: cannot compare %s with %s: %w", owner, left, right, errors.ErrType)
		}
		return types.Bool, nil

	case op.IsLogical():
		for _, t := range []types.DataType{left, right} {
			if t != types.Bool && t != types.Null {
				return types.Invalid, fmt.Errorf("%s: %s of %s: %w", owner, op, t, errors.ErrType)
			}
		}
		return types.Bool, nil

	case op.IsArithmetic():
		if left == types.Timestamp && right == types.Timestamp && op == types.BinaryOpSub {
			return types.Duration, nil
		}
		if op == types.BinaryOpDiv && left == types.Integer && right == types.Integer {
			return types.Float, nil
		}
		st, ok := types.Supertype(left, right)
		if !ok || !(st.IsNumeric() || st == types.Null) {
			return types.Invalid, fmt.Errorf("%s: %s of %s and %s: %w", owner, op, left, right, errors.ErrType)
		}
		return st, nil
	}
	return types.Invalid, fmt.Errorf("%s: binary operation %s: %w", owner, op, errors.ErrNotImplemented)
}

func (p *Plan) selectSchema(owner string, input arena.Node, exprs []ExprIR) (*types.Schema, error) {
	in, err := p.Schema(input)
	if err != nil {
		return nil, err
	}
	fields := make([]types.Field, 0, len(exprs))
	seen := make(map[string]struct{}, len(exprs))
	for _, e := range exprs {
		if _, dup := seen[e.OutputName()]; dup {
			return nil, fmt.Errorf("%s: duplicate output name %q: %w", owner, e.OutputName(), errors.ErrKey)
		}
		seen[e.OutputName()] = struct{}{}

		dt, err := p.ExprType(owner, e.Node(), in)
		if err != nil {
			return nil, err
		}
		fields = append(fields, types.Field{Name: e.OutputName(), Type: dt})
	}
	return types.NewSchema(fields...), nil
}

func (p *Plan) hstackSchema(owner string, input arena.Node, exprs []ExprIR, opts HStackOptions) (*types.Schema, error) {
	in, err := p.Schema(input)
	if err != nil {
		return nil, err
	}
	out := in
	for _, e := range exprs {
		scope := in
		if opts.Sequential {
			scope = out
		}
		dt, err := p.ExprType(owner, e.Node(), scope)
		if err != nil {
			return nil, err
		}
		out = out.With(types.Field{Name: e.OutputName(), Type: dt})
	}
	return out, nil
}

func (p *Plan) groupBySchema(owner string, input arena.Node, keys, aggs []ExprIR) (*types.Schema, error) {
	in, err := p.Schema(input)
	if err != nil {
		return nil, err
	}
	fields := make([]types.Field, 0, len(keys)+len(aggs))
	seen := make(map[string]struct{}, len(keys)+len(aggs))
	for i, e := range append(append([]ExprIR{}, keys...), aggs...) {
		if _, dup := seen[e.OutputName()]; dup {
			return nil, fmt.Errorf("%s: duplicate output name %q: %w", owner, e.OutputName(), errors.ErrKey)
		}
		seen[e.OutputName()] = struct{}{}

		isAgg := i >= len(keys)
		if _, ok := p.AggregateOf(e.Node()); isAgg && !ok {
			return nil, fmt.Errorf("%s: %s is not an aggregation: %w", owner, p.ExprString(e.Node()), errors.ErrType)
		}
		dt, err := p.exprType(owner, e.Node(), in, isAgg)
		if err != nil {
			return nil, err
		}
		fields = append(fields, types.Field{Name: e.OutputName(), Type: dt})
	}
	return types.NewSchema(fields...), nil
}

// AggregateOf strips the aliases of n and returns the [Agg] or [Len]
// underneath. The boolean is false for any other expression.
func (p *Plan) AggregateOf(n arena.Node) (Expr, bool) {
	for {
		switch e := p.Exprs.Get(n).(type) {
		case *Alias:
			n = e.Input
		case *Agg, *Len:
			return e, true
		default:
			return nil, false
		}
	}
}

// JoinColumn describes one output column of a [Join].
type JoinColumn struct {
	Field     types.Field // Output name and type.
	FromRight bool        // Whether the column comes from the right input.
	Source    string      // Name of the column in its input.
}

// JoinColumns lists the output columns of j: every left column, then every
// right column that is not a right join key, renamed with the join suffix if
// the name is taken by a left column.
func (p *Plan) JoinColumns(owner string, j *Join) ([]JoinColumn, error) {
	left, err := p.Schema(j.Left)
	if err != nil {
		return nil, err
	}
	right, err := p.Schema(j.Right)
	if err != nil {
		return nil, err
	}

	if len(j.LeftOn) == 0 || len(j.LeftOn) != len(j.RightOn) {
		return nil, fmt.Errorf("%s: join needs the same non-zero number of keys on both sides, got %d and %d: %w", owner, len(j.LeftOn), len(j.RightOn), errors.ErrKey)
	}
	rightKeys := make(map[string]struct{}, len(j.RightOn))
	for i := range j.LeftOn {
		lt, err := p.ExprType(owner, j.LeftOn[i].Node(), left)
		if err != nil {
			return nil, err
		}
		rt, err := p.ExprType(owner, j.RightOn[i].Node(), right)
		if err != nil {
			return nil, err
		}
		if _, ok := types.Supertype(lt, rt); !ok {
			return nil, fmt.Errorf("%s: cannot join %s on %s: %w", owner, lt, rt, errors.ErrType)
		}
		if col, ok := p.Exprs.Get(j.RightOn[i].Node()).(*Column); ok {
			rightKeys[col.Name] = struct{}{}
		}
	}

	cols := make([]JoinColumn, 0, left.Len()+right.Len())
	taken := make(map[string]struct{}, left.Len()+right.Len())
	for _, f := range left.Fields() {
		cols = append(cols, JoinColumn{Field: f, Source: f.Name})
		taken[f.Name] = struct{}{}
	}
	for _, f := range right.Fields() {
		if _, isKey := rightKeys[f.Name]; isKey {
			continue
		}
		name := f.Name
		if _, clash := taken[name]; clash {
			name += j.Suffix
			if _, clash := taken[name]; clash {
				return nil, fmt.Errorf("%s: column %q exists on both sides even after adding suffix %q: %w", owner, f.Name, j.Suffix, errors.ErrKey)
			}
		}
		taken[name] = struct{}{}
		cols = append(cols, JoinColumn{
			Field:     types.Field{Name: name, Type: f.Type},
			FromRight: true,
			Source:    f.Name,
		})
	}
	return cols, nil
}

func joinSchema(cols []JoinColumn) *types.Schema {
	fields := make([]types.Field, len(cols))
	for i, c := range cols {
		fields[i] = c.Field
	}
	return types.NewSchema(fields...)
}
