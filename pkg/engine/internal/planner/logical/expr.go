package logical

import (
	"fmt"
	"strings"

	"github.com/grafana/lazyframe/pkg/engine/internal/types"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
)

// Expr is a scalar expression stored in the expression arena of a [Plan].
// Operands are referenced by handle, never owned.
//
// The set of expressions is closed: every switch over Expr in this module is
// exhaustive over the types below.
type Expr interface {
	// Inputs returns the handles of the expression's operands in evaluation
	// order.
	Inputs() []arena.Node

	isExpr()
}

// Column references a column of the input relation by name.
type Column struct {
	Name string
}

// Literal is a constant value.
type Literal struct {
	Value types.Literal
}

// BinaryExpr applies Op to two operands.
type BinaryExpr struct {
	Left, Right arena.Node
	Op          types.BinaryOp
}

// UnaryExpr applies Op to one operand.
type UnaryExpr struct {
	Input arena.Node
	Op    types.UnaryOp
}

// Alias renames the output of Input.
type Alias struct {
	Input arena.Node
	Name  string
}

// Cast converts Input to another data type.
type Cast struct {
	Input arena.Node
	To    types.DataType
}

// Len yields the number of rows of the relation (or of the group, inside a
// [GroupBy]).
type Len struct{}

// Agg reduces Input per group. It is only valid as an aggregate of a
// [GroupBy].
type Agg struct {
	Input arena.Node
	Op    types.AggOp
}

var (
	_ Expr = (*Column)(nil)
	_ Expr = (*Literal)(nil)
	_ Expr = (*BinaryExpr)(nil)
	_ Expr = (*UnaryExpr)(nil)
	_ Expr = (*Alias)(nil)
	_ Expr = (*Cast)(nil)
	_ Expr = (*Len)(nil)
	_ Expr = (*Agg)(nil)
)

func (*Column) Inputs() []arena.Node       { return nil }
func (*Literal) Inputs() []arena.Node      { return nil }
func (e *BinaryExpr) Inputs() []arena.Node { return []arena.Node{e.Left, e.Right} }
func (e *UnaryExpr) Inputs() []arena.Node  { return []arena.Node{e.Input} }
func (e *Alias) Inputs() []arena.Node      { return []arena.Node{e.Input} }
func (e *Cast) Inputs() []arena.Node       { return []arena.Node{e.Input} }
func (*Len) Inputs() []arena.Node          { return nil }
func (e *Agg) Inputs() []arena.Node        { return []arena.Node{e.Input} }

func (*Column) isExpr()     {}
func (*Literal) isExpr()    {}
func (*BinaryExpr) isExpr() {}
func (*UnaryExpr) isExpr()  {}
func (*Alias) isExpr()      {}
func (*Cast) isExpr()       {}
func (*Len) isExpr()        {}
func (*Agg) isExpr()        {}

// ExprIR is an expression handle paired with the name of the column it
// produces. The name is computed once, when the ExprIR is created.
type ExprIR struct {
	node       arena.Node
	outputName string
}

// Node returns the handle of the expression.
func (e ExprIR) Node() arena.Node { return e.node }

// OutputName returns the name of the column the expression produces.
func (e ExprIR) OutputName() string { return e.outputName }

// ExprIR wraps n with its output name.
func (p *Plan) ExprIR(n arena.Node) ExprIR {
	return ExprIR{node: n, outputName: p.OutputName(n)}
}

// ExprIRs wraps every handle of nodes.
func (p *Plan) ExprIRs(nodes []arena.Node) []ExprIR {
	out := make([]ExprIR, len(nodes))
	for i, n := range nodes {
		out[i] = p.ExprIR(n)
	}
	return out
}

// OutputName returns the name of the column expression n produces. It is a
// pure function of the expression's structure: aliases and columns name
// themselves, every other expression takes the name of its leftmost operand.
func (p *Plan) OutputName(n arena.Node) string {
	for {
		switch e := p.Exprs.Get(n).(type) {
		case *Column:
			return e.Name
		case *Alias:
			return e.Name
		case *Literal:
			return "literal"
		case *Len:
			return "len"
		case *BinaryExpr:
			n = e.Left
		case *UnaryExpr:
			n = e.Input
		case *Cast:
			n = e.Input
		case *Agg:
			n = e.Input
		default:
			panic(fmt.Sprintf("unexpected expression %T", e))
		}
	}
}

// LeafColumns returns the handles of every [Column] expression read by n,
// keeping the first occurrence of each name.
func (p *Plan) LeafColumns(n arena.Node) []arena.Node {
	var (
		out  []arena.Node
		seen = map[string]struct{}{}
	)
	p.walkExpr(n, func(node arena.Node, e Expr) {
		col, ok := e.(*Column)
		if !ok {
			return
		}
		if _, dup := seen[col.Name]; dup {
			return
		}
		seen[col.Name] = struct{}{}
		out = append(out, node)
	})
	return out
}

// LeafNames returns the names of the columns read by n, in first-seen order.
func (p *Plan) LeafNames(n arena.Node) []string {
	leaves := p.LeafColumns(n)
	names := make([]string, len(leaves))
	for i, leaf := range leaves {
		names[i] = p.Exprs.Get(leaf).(*Column).Name
	}
	return names
}

// ColumnName returns the name of the column expression n. It panics if n is
// not a [Column].
func (p *Plan) ColumnName(n arena.Node) string {
	col, ok := p.Exprs.Get(n).(*Column)
	if !ok {
		panic(fmt.Sprintf("expression %s is %T, not a column", n, p.Exprs.Get(n)))
	}
	return col.Name
}

// walkExpr visits n and its operands depth-first, left to right.
func (p *Plan) walkExpr(n arena.Node, f func(arena.Node, Expr)) {
	e := p.Exprs.Get(n)
	f(n, e)
	for _, in := range e.Inputs() {
		p.walkExpr(in, f)
	}
}

// ExprString returns a human readable form of n.
func (p *Plan) ExprString(n arena.Node) string {
	var sb strings.Builder
	p.writeExpr(&sb, n)
	return sb.String()
}

func (p *Plan) writeExpr(sb *strings.Builder, n arena.Node) {
	switch e := p.Exprs.Get(n).(type) {
	case *Column:
		sb.WriteString(e.Name)
	case *Literal:
		sb.WriteString(e.Value.String())
	case *BinaryExpr:
		sb.WriteByte('(')
		p.writeExpr(sb, e.Left)
		sb.WriteByte(' ')
		sb.WriteString(e.Op.String())
		sb.WriteByte(' ')
		p.writeExpr(sb, e.Right)
		sb.WriteByte(')')
	case *UnaryExpr:
		sb.WriteString(e.Op.String())
		sb.WriteByte('(')
		p.writeExpr(sb, e.Input)
		sb.WriteByte(')')
	case *Alias:
		p.writeExpr(sb, e.Input)
		sb.WriteString(" AS ")
		sb.WriteString(e.Name)
	case *Cast:
		sb.WriteString("CAST(")
		p.writeExpr(sb, e.Input)
		sb.WriteString(" AS ")
		sb.WriteString(e.To.String())
		sb.WriteByte(')')
	case *Len:
		sb.WriteString("len()")
	case *Agg:
		sb.WriteString(e.Op.String())
		sb.WriteByte('(')
		p.writeExpr(sb, e.Input)
		sb.WriteByte(')')
	default:
		panic(fmt.Sprintf("unexpected expression %T", e))
	}
}

// Col adds a column reference to the expression arena.
func (p *Plan) Col(name string) arena.Node { return p.Exprs.Add(&Column{Name: name}) }

// Lit adds a literal to the expression arena. See [types.NewLiteral] for the
// accepted Go types.
func (p *Plan) Lit(v any) arena.Node {
	return p.Exprs.Add(&Literal{Value: types.NewLiteral(v)})
}

// Bin adds a binary expression to the expression arena.
func (p *Plan) Bin(left arena.Node, op types.BinaryOp, right arena.Node) arena.Node {
	return p.Exprs.Add(&BinaryExpr{Left: left, Right: right, Op: op})
}

// Not adds a logical negation to the expression arena.
func (p *Plan) Not(n arena.Node) arena.Node {
	return p.Exprs.Add(&UnaryExpr{Input: n, Op: types.UnaryOpNot})
}

// Neg adds an arithmetic negation to the expression arena.
func (p *Plan) Neg(n arena.Node) arena.Node {
	return p.Exprs.Add(&UnaryExpr{Input: n, Op: types.UnaryOpNeg})
}

// As adds an alias to the expression arena.
func (p *Plan) As(n arena.Node, name string) arena.Node {
	return p.Exprs.Add(&Alias{Input: n, Name: name})
}

// CastTo adds a cast to the expression arena.
func (p *Plan) CastTo(n arena.Node, dt types.DataType) arena.Node {
	return p.Exprs.Add(&Cast{Input: n, To: dt})
}

// CountRows adds a [Len] expression to the expression arena.
func (p *Plan) CountRows() arena.Node { return p.Exprs.Add(&Len{}) }

// Aggregate adds an aggregation to the expression arena.
func (p *Plan) Aggregate(op types.AggOp, n arena.Node) arena.Node {
	return p.Exprs.Add(&Agg{Input: n, Op: op})
}
