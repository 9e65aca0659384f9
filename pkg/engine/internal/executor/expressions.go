package executor

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/grafana/lazyframe/pkg/engine/internal/compute/cast"
	"github.com/grafana/lazyframe/pkg/engine/internal/compute/temporal"
	"github.com/grafana/lazyframe/pkg/engine/internal/datatype"
	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
)

// frame is the input an expression is evaluated against.
type frame struct {
	owner  string        // name of the operator, for errors
	rec    arrow.Record  // current batch
	schema *types.Schema // schema of rec
	rows   int64         // number of rows of the whole relation, for [logical.Len]
}

func newFrame(owner string, rec arrow.Record, rows int64) (*frame, error) {
	schema, err := engineSchema(rec.Schema())
	if err != nil {
		return nil, err
	}
	return &frame{owner: owner, rec: rec, schema: schema, rows: rows}, nil
}

// engineSchema converts an arrow schema into an engine schema.
func engineSchema(s *arrow.Schema) (*types.Schema, error) {
	fields := make([]types.Field, s.NumFields())
	for i, f := range s.Fields() {
		dt, err := datatype.FromArrow(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		fields[i] = types.Field{Name: f.Name, Type: dt}
	}
	return types.NewSchema(fields...), nil
}

type expressionEvaluator struct {
	plan *logical.Plan
	mem  memory.Allocator
}

func newExpressionEvaluator(plan *logical.Plan, mem memory.Allocator) *expressionEvaluator {
	return &expressionEvaluator{plan: plan, mem: mem}
}

// eval evaluates expression n against f. The caller owns the returned
// array.
func (e *expressionEvaluator) eval(n arena.Node, f *frame) (arrow.Array, error) {
	dt, err := e.plan.ExprType(f.owner, n, f.schema)
	if err != nil {
		return nil, err
	}
	rows := int(f.rec.NumRows())

	switch expr := e.plan.Exprs.Get(n).(type) {
	case *logical.Column:
		idx := f.schema.Index(expr.Name)
		if idx < 0 {
			return nil, errors.NewSchemaError(f.owner, expr.Name, "")
		}
		col := f.rec.Column(idx)
		col.Retain()
		return col, nil

	case *logical.Literal:
		return broadcast(e.mem, dt, literalValue(expr.Value), rows)

	case *logical.Len:
		return broadcast(e.mem, types.Integer, f.rows, rows)

	case *logical.Alias:
		return e.eval(expr.Input, f)

	case *logical.UnaryExpr:
		in, err := e.eval(expr.Input, f)
		if err != nil {
			return nil, err
		}
		defer in.Release()
		return e.mapValues(dt, rows, func(i int) (any, error) {
			return unaryValue(expr.Op, valueAt(in, i))
		})

	case *logical.BinaryExpr:
		left, err := e.eval(expr.Left, f)
		if err != nil {
			return nil, err
		}
		defer left.Release()
		right, err := e.eval(expr.Right, f)
		if err != nil {
			return nil, err
		}
		defer right.Release()
		return e.mapValues(dt, rows, func(i int) (any, error) {
			return binaryValue(expr.Op, dt, valueAt(left, i), valueAt(right, i))
		})

	case *logical.Cast:
		from, err := e.plan.ExprType(f.owner, expr.Input, f.schema)
		if err != nil {
			return nil, err
		}
		in, err := e.eval(expr.Input, f)
		if err != nil {
			return nil, err
		}
		defer in.Release()
		return e.cast(f.owner, in, from, expr.To)

	case *logical.Agg:
		return nil, fmt.Errorf("%s: aggregation %s outside of a group by: %w", f.owner, expr.Op, errors.ErrType)
	}
	panic(errors.Invariantf("evaluate unknown expression %T", e.plan.Exprs.Get(n)))
}

func (e *expressionEvaluator) mapValues(dt types.DataType, rows int, f func(i int) (any, error)) (arrow.Array, error) {
	if dt == types.Null {
		return array.NewNull(rows), nil
	}
	b, err := newBuilder(e.mem, dt)
	if err != nil {
		return nil, err
	}
	defer b.Release()
	b.Reserve(rows)
	for i := range rows {
		v, err := f(i)
		if err != nil {
			return nil, err
		}
		appendValue(b, v)
	}
	return b.NewArray(), nil
}

func literalValue(l types.Literal) any {
	return l.Any()
}

func unaryValue(op types.UnaryOp, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch op {
	case types.UnaryOpNot:
		return !v.(bool), nil
	case types.UnaryOpNeg:
		switch v := v.(type) {
		case int64:
			return -v, nil
		case float64:
			return -v, nil
		}
	}
	return nil, fmt.Errorf("%s of %T: %w", op, v, errors.ErrNotImplemented)
}

func binaryValue(op types.BinaryOp, out types.DataType, l, r any) (any, error) {
	switch {
	case op.IsLogical():
		return logicalValue(op, l, r), nil

	case l == nil || r == nil:
		return nil, nil

	case op.IsComparison():
		c := compareValues(l, r)
		switch op {
		case types.BinaryOpEq:
			return c == 0, nil
		case types.BinaryOpNeq:
			return c != 0, nil
		case types.BinaryOpGt:
			return c > 0, nil
		case types.BinaryOpGte:
			return c >= 0, nil
		case types.BinaryOpLt:
			return c < 0, nil
		case types.BinaryOpLte:
			return c <= 0, nil
		}

	case out == types.Float:
		a, b := toFloat(l), toFloat(r)
		switch op {
		case types.BinaryOpAdd:
			return a + b, nil
		case types.BinaryOpSub:
			return a - b, nil
		case types.BinaryOpMul:
			return a * b, nil
		case types.BinaryOpDiv:
			return a / b, nil
		case types.BinaryOpMod:
			return math.Mod(a, b), nil
		}

	default:
		a, b := l.(int64), r.(int64)
		switch op {
		case types.BinaryOpAdd:
			return a + b, nil
		case types.BinaryOpSub:
			return a - b, nil
		case types.BinaryOpMul:
			return a * b, nil
		case types.BinaryOpDiv:
			if b == 0 {
				return nil, nil
			}
			return a / b, nil
		case types.BinaryOpMod:
			if b == 0 {
				return nil, nil
			}
			return a % b, nil
		}
	}
	return nil, fmt.Errorf("binary operation %s: %w", op, errors.ErrNotImplemented)
}

// logicalValue implements three-valued AND and OR.
func logicalValue(op types.BinaryOp, l, r any) any {
	lb, lok := l.(bool)
	rb, rok := r.(bool)
	if op == types.BinaryOpAnd {
		if (lok && !lb) || (rok && !rb) {
			return false
		}
		if !lok || !rok {
			return nil
		}
		return true
	}
	if (lok && lb) || (rok && rb) {
		return true
	}
	if !lok || !rok {
		return nil
	}
	return false
}

func toFloat(v any) float64 {
	switch v := v.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	}
	panic(errors.Invariantf("%T is not numeric", v))
}

// compareValues orders two non-null values of comparable types.
func compareValues(l, r any) int {
	switch l := l.(type) {
	case int64:
		if r, ok := r.(int64); ok {
			return cmp.Compare(l, r)
		}
		return cmp.Compare(float64(l), toFloat(r))
	case float64:
		return cmp.Compare(l, toFloat(r))
	case string:
		return cmp.Compare(l, r.(string))
	case bool:
		rb := r.(bool)
		switch {
		case l == rb:
			return 0
		case !l:
			return -1
		}
		return 1
	}
	panic(errors.Invariantf("compare %T with %T", l, r))
}

// compareNullsLast orders values with nulls after every value.
func compareNullsLast(l, r any) int {
	switch {
	case l == nil && r == nil:
		return 0
	case l == nil:
		return 1
	case r == nil:
		return -1
	}
	return compareValues(l, r)
}

// cast converts in from type from to type to.
func (e *expressionEvaluator) cast(owner string, in arrow.Array, from, to types.DataType) (arrow.Array, error) {
	if from == to {
		in.Retain()
		return in, nil
	}
	if from == types.Null {
		return broadcast(e.mem, to, nil, in.Len())
	}

	switch {
	case from == types.String:
		str := in.(*array.String)
		switch to {
		case types.Integer:
			return cast.StringToInt64(e.mem, str), nil
		case types.Float:
			return cast.StringToFloat64(e.mem, str), nil
		case types.Bool:
			return cast.StringToBool(e.mem, str), nil
		case types.Timestamp:
			ts := cast.StringToTimestamp(e.mem, str, arrow.Nanosecond)
			defer ts.Release()
			return retype(ts, datatype.ArrowType.Timestamp), nil
		case types.Duration:
			return e.mapValues(to, in.Len(), func(i int) (any, error) {
				v := valueAt(in, i)
				if v == nil {
					return nil, nil
				}
				d, err := time.ParseDuration(v.(string))
				if err != nil {
					return nil, nil
				}
				return int64(d), nil
			})
		}

	case from == types.Duration && to == types.String:
		return temporal.FormatDurations(e.mem, in.(*array.Duration), temporal.FormatHuman)

	default:
		return e.mapValues(to, in.Len(), func(i int) (any, error) {
			return castValue(valueAt(in, i), from, to)
		})
	}
	return nil, fmt.Errorf("%s: cannot cast %s to %s: %w", owner, from, to, errors.ErrType)
}

func castValue(v any, from, to types.DataType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch to {
	case types.String:
		switch v := v.(type) {
		case bool:
			return strconv.FormatBool(v), nil
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64), nil
		case int64:
			if from == types.Timestamp {
				return time.Unix(0, v).UTC().Format(time.RFC3339Nano), nil
			}
			return strconv.FormatInt(v, 10), nil
		}
	case types.Float:
		switch v := v.(type) {
		case bool:
			if v {
				return 1.0, nil
			}
			return 0.0, nil
		case int64:
			return float64(v), nil
		}
	case types.Integer, types.Timestamp, types.Duration:
		switch v := v.(type) {
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		case int64:
			return v, nil
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, nil
			}
			return int64(v), nil
		}
	case types.Bool:
		switch v := v.(type) {
		case int64:
			return v != 0, nil
		case float64:
			return v != 0, nil
		}
	}
	return nil, fmt.Errorf("cannot cast %s to %s: %w", from, to, errors.ErrType)
}

// retype returns arr with its buffers reinterpreted as type dt. dt must
// have the same physical layout as the type of arr.
func retype(arr arrow.Array, dt arrow.DataType) arrow.Array {
	data := array.NewData(dt, arr.Len(), arr.Data().Buffers(), nil, arr.NullN(), arr.Data().Offset())
	defer data.Release()
	return array.MakeFromData(data)
}
