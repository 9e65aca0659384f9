package logical

import (
	"fmt"

	"github.com/grafana/lazyframe/pkg/engine/internal/types"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
)

// Kind identifies the operator of an [IR] node.
type Kind int

// Recognized values of [Kind].
const (
	KindInvalid Kind = iota

	KindScan
	KindFilter
	KindSelect
	KindHStack
	KindSort
	KindSlice
	KindGroupBy
	KindJoin
)

var kindStrings = map[Kind]string{
	KindInvalid: "Invalid",

	KindScan:    "Scan",
	KindFilter:  "Filter",
	KindSelect:  "Select",
	KindHStack:  "HStack",
	KindSort:    "Sort",
	KindSlice:   "Slice",
	KindGroupBy: "GroupBy",
	KindJoin:    "Join",
}

// String returns the name of the operator kind.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// IR is a relational operator stored in the node arena of a [Plan]. Inputs
// are referenced by handle.
//
// IR values are immutable once stored in an arena: rewrites construct a new
// value and [arena.Arena.Replace] the slot.
type IR interface {
	// Kind returns the operator kind.
	Kind() Kind
	// Inputs returns the handles of the operator's input relations.
	Inputs() []arena.Node

	isIR()
}

// Scan reads a table from a source. A nil Projection reads every column of
// FileSchema.
type Scan struct {
	Source     string
	FileSchema *types.Schema

	// Projection lists the columns to read, in FileSchema order. nil means
	// all columns; an empty non-nil slice reads no columns.
	Projection []string

	// RowCountOnly marks a scan whose consumers only need the number of
	// rows.
	RowCountOnly bool
}

// OutputSchema returns the schema produced by the scan.
func (s *Scan) OutputSchema() *types.Schema {
	if s.Projection == nil {
		return s.FileSchema
	}
	out, _, _ := s.FileSchema.Select(s.Projection)
	if out == nil {
		return types.NewSchema()
	}
	return out
}

// Filter keeps the rows for which Predicate evaluates to true.
type Filter struct {
	Input     arena.Node
	Predicate ExprIR
}

// Select replaces the columns of its input with the result of Exprs.
type Select struct {
	Input arena.Node
	Exprs []ExprIR

	schema *types.Schema
}

// HStackOptions configures the evaluation of the expressions of an [HStack].
type HStackOptions struct {
	// RunParallel allows the executor to evaluate expressions concurrently.
	// It is ignored when Sequential is set.
	RunParallel bool

	// Sequential makes each expression see the columns added by the
	// expressions before it in the same node. When false, every expression
	// reads the input only.
	Sequential bool
}

// HStack adds columns to its input ("with_columns"). An expression whose
// output name exists in the input overwrites that column in place; among
// expressions of the same node producing the same name, the last one wins.
type HStack struct {
	Input   arena.Node
	Exprs   []ExprIR
	Options HStackOptions

	schema *types.Schema
}

// Sort orders its input by the By expressions.
type Sort struct {
	Input      arena.Node
	By         []ExprIR
	Descending []bool
}

// Slice keeps Len rows starting at Offset. A negative Offset counts from the
// end of the input.
type Slice struct {
	Input  arena.Node
	Offset int64
	Len    uint32
}

// GroupBy groups its input by Keys and computes Aggs per group. Without keys
// the whole input is a single group.
type GroupBy struct {
	Input arena.Node
	Keys  []ExprIR
	Aggs  []ExprIR

	schema *types.Schema
}

// JoinType is the kind of a [Join].
type JoinType int

// Recognized values of [JoinType].
const (
	JoinInner JoinType = iota
	JoinLeft
)

func (t JoinType) String() string {
	switch t {
	case JoinInner:
		return "inner"
	case JoinLeft:
		return "left"
	}
	return fmt.Sprintf("JoinType(%d)", t)
}

// Join combines rows of Left and Right whose LeftOn and RightOn keys are
// equal. Right key columns are not repeated in the output; other right
// columns whose name exists on the left get Suffix appended.
type Join struct {
	Left, Right     arena.Node
	LeftOn, RightOn []ExprIR
	How             JoinType
	Suffix          string

	schema *types.Schema
}

var (
	_ IR = (*Scan)(nil)
	_ IR = (*Filter)(nil)
	_ IR = (*Select)(nil)
	_ IR = (*HStack)(nil)
	_ IR = (*Sort)(nil)
	_ IR = (*Slice)(nil)
	_ IR = (*GroupBy)(nil)
	_ IR = (*Join)(nil)
)

func (*Scan) Kind() Kind    { return KindScan }
func (*Filter) Kind() Kind  { return KindFilter }
func (*Select) Kind() Kind  { return KindSelect }
func (*HStack) Kind() Kind  { return KindHStack }
func (*Sort) Kind() Kind    { return KindSort }
func (*Slice) Kind() Kind   { return KindSlice }
func (*GroupBy) Kind() Kind { return KindGroupBy }
func (*Join) Kind() Kind    { return KindJoin }

func (*Scan) Inputs() []arena.Node      { return nil }
func (n *Filter) Inputs() []arena.Node  { return []arena.Node{n.Input} }
func (n *Select) Inputs() []arena.Node  { return []arena.Node{n.Input} }
func (n *HStack) Inputs() []arena.Node  { return []arena.Node{n.Input} }
func (n *Sort) Inputs() []arena.Node    { return []arena.Node{n.Input} }
func (n *Slice) Inputs() []arena.Node   { return []arena.Node{n.Input} }
func (n *GroupBy) Inputs() []arena.Node { return []arena.Node{n.Input} }
func (n *Join) Inputs() []arena.Node    { return []arena.Node{n.Left, n.Right} }

func (*Scan) isIR()    {}
func (*Filter) isIR()  {}
func (*Select) isIR()  {}
func (*HStack) isIR()  {}
func (*Sort) isIR()    {}
func (*Slice) isIR()   {}
func (*GroupBy) isIR() {}
func (*Join) isIR()    {}

// Names returns the output names of exprs.
func Names(exprs []ExprIR) []string {
	names := make([]string, len(exprs))
	for i, e := range exprs {
		names[i] = e.OutputName()
	}
	return names
}
