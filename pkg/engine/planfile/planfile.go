// Package planfile decodes logical plans, and the in-memory tables they
// read, from YAML.
//
// A plan file lists tables and a chain of steps. The first step must be a
// scan; every later step adds an operator on top of the previous one. Joins
// carry the chain of their right side.
//
//	tables:
//	  - name: people
//	    columns: [{name: a, type: int}, {name: b, type: float}]
//	    rows: [[1, 1.5], [2, null]]
//	plan:
//	  - scan: people
//	  - with_columns:
//	      exprs: [{op: ADD, args: [a, {lit: 1}], as: c}]
//	  - select: [a, c]
//
// Expressions are either a column name or a mapping with exactly one of
// col, lit, null, duration, len, op, agg or cast, optionally renamed with
// as.
package planfile

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/grafana/lazyframe/pkg/engine/internal/planner/logical"
	"github.com/grafana/lazyframe/pkg/engine/internal/types"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
)

// File is a decoded plan file.
type File struct {
	Tables []Table `yaml:"tables"`
	Plan   []Step  `yaml:"plan"`
}

// Table describes an in-memory table. Rows are given inline, or generated
// when Generate is set.
type Table struct {
	Name     string   `yaml:"name"`
	Columns  []Column `yaml:"columns"`
	Rows     [][]Cell `yaml:"rows,omitempty"`
	Generate int      `yaml:"generate,omitempty"`
}

// Cell is a single value of a table row. YAML 1.1 resolves unquoted
// scalars such as yes, n or off to booleans, so the scalar text is kept
// alongside the resolved value for string columns.
type Cell struct {
	Value any
	Text  string
}

// UnmarshalYAML implements [yaml.Unmarshaler].
func (c *Cell) UnmarshalYAML(unmarshal func(any) error) error {
	if err := unmarshal(&c.Value); err != nil {
		return err
	}
	if c.Value == nil {
		return nil
	}
	// Collections have no text form and are rejected when appended.
	_ = unmarshal(&c.Text)
	return nil
}

// text returns the string form of c.
func (c Cell) text() (string, bool) {
	if s, ok := c.Value.(string); ok {
		return s, true
	}
	if c.Value != nil && c.Text != "" {
		return c.Text, true
	}
	return "", false
}

// Column is a named, typed column of a [Table]. Type is parsed with
// [types.ParseDataType].
type Column struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// Step adds one operator to a plan. Exactly one field must be set.
type Step struct {
	Scan        string       `yaml:"scan,omitempty"`
	Filter      *Expr        `yaml:"filter,omitempty"`
	Select      []Expr       `yaml:"select,omitempty"`
	WithColumns *WithColumns `yaml:"with_columns,omitempty"`
	Sort        *Sort        `yaml:"sort,omitempty"`
	Slice       *Slice       `yaml:"slice,omitempty"`
	GroupBy     *GroupBy     `yaml:"group_by,omitempty"`
	Join        *Join        `yaml:"join,omitempty"`
}

// WithColumns adds or overwrites columns.
type WithColumns struct {
	Exprs      []Expr `yaml:"exprs"`
	Parallel   bool   `yaml:"parallel,omitempty"`
	Sequential bool   `yaml:"sequential,omitempty"`
}

// Sort orders rows. Descending may be omitted for an ascending sort.
type Sort struct {
	By         []Expr `yaml:"by"`
	Descending []bool `yaml:"descending,omitempty"`
}

// Slice keeps Len rows starting at Offset. A negative offset counts from
// the end.
type Slice struct {
	Offset int64  `yaml:"offset"`
	Len    uint32 `yaml:"len"`
}

// GroupBy groups rows by keys and computes the aggregations per group.
type GroupBy struct {
	Keys []Expr `yaml:"keys"`
	Aggs []Expr `yaml:"aggs"`
}

// Join joins the rows with the rows produced by Right.
type Join struct {
	Right   []Step `yaml:"right"`
	LeftOn  []Expr `yaml:"left_on"`
	RightOn []Expr `yaml:"right_on"`
	How     string `yaml:"how,omitempty"` // inner (default) or left
	Suffix  string `yaml:"suffix,omitempty"`
}

// Expr is an expression. See the package documentation for its forms.
type Expr struct {
	Col      string `yaml:"col,omitempty"`
	Lit      any    `yaml:"lit,omitempty"`
	Null     bool   `yaml:"null,omitempty"`
	Duration string `yaml:"duration,omitempty"`
	Len      bool   `yaml:"len,omitempty"`
	Op       string `yaml:"op,omitempty"`
	Agg      string `yaml:"agg,omitempty"`
	Cast     string `yaml:"cast,omitempty"`
	Args     []Expr `yaml:"args,omitempty"`
	As       string `yaml:"as,omitempty"`
}

// UnmarshalYAML implements [yaml.Unmarshaler]. A plain string is a column
// reference.
func (e *Expr) UnmarshalYAML(unmarshal func(any) error) error {
	var name string
	if err := unmarshal(&name); err == nil {
		*e = Expr{Col: name}
		return nil
	}
	type plain Expr
	return unmarshal((*plain)(e))
}

// Parse decodes a plan file. Unknown fields are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("decode plan file: %w", err)
	}
	return &f, nil
}

// Load reads and decodes the plan file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Schema returns the schema of table t.
func (t Table) Schema() (*types.Schema, error) {
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("table %q has no columns", t.Name)
	}
	fields := make([]types.Field, len(t.Columns))
	for i, c := range t.Columns {
		dt, err := types.ParseDataType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("table %q column %q: %w", t.Name, c.Name, err)
		}
		fields[i] = types.Field{Name: c.Name, Type: dt}
	}
	return types.NewSchema(fields...), nil
}

// Build builds the logical plan described by f.
func (f *File) Build() (*logical.Plan, error) {
	schemas := make(map[string]*types.Schema, len(f.Tables))
	for _, t := range f.Tables {
		if _, dup := schemas[t.Name]; dup {
			return nil, fmt.Errorf("table %q is defined twice", t.Name)
		}
		s, err := t.Schema()
		if err != nil {
			return nil, err
		}
		schemas[t.Name] = s
	}

	b := &planBuilder{plan: logical.NewPlan(), schemas: schemas}
	chain, err := b.chain(f.Plan)
	if err != nil {
		return nil, err
	}
	return chain.Build()
}

type planBuilder struct {
	plan    *logical.Plan
	schemas map[string]*types.Schema
}

func (b *planBuilder) chain(steps []Step) (*logical.Builder, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}
	if steps[0].Scan == "" {
		return nil, fmt.Errorf("plan must start with a scan")
	}

	var chain *logical.Builder
	for i, step := range steps {
		if n := step.operators(); n != 1 {
			return nil, fmt.Errorf("step %d sets %d operators, expected 1", i, n)
		}
		if err := b.step(&chain, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if _, err := chain.Node(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return chain, nil
}

func (s Step) operators() int {
	var n int
	for _, set := range []bool{
		s.Scan != "", s.Filter != nil, s.Select != nil, s.WithColumns != nil,
		s.Sort != nil, s.Slice != nil, s.GroupBy != nil, s.Join != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

func (b *planBuilder) step(chain **logical.Builder, s Step) error {
	p := b.plan
	switch {
	case s.Scan != "":
		if *chain != nil {
			return fmt.Errorf("scan of %q must start a chain", s.Scan)
		}
		schema, ok := b.schemas[s.Scan]
		if !ok {
			return fmt.Errorf("unknown table %q", s.Scan)
		}
		*chain = p.Scan(s.Scan, schema)
		return nil

	case s.Filter != nil:
		pred, err := b.expr(*s.Filter)
		if err != nil {
			return err
		}
		*chain = (*chain).Filter(pred)

	case s.Select != nil:
		exprs, err := b.exprs(s.Select)
		if err != nil {
			return err
		}
		*chain = (*chain).Select(exprs...)

	case s.WithColumns != nil:
		exprs, err := b.exprs(s.WithColumns.Exprs)
		if err != nil {
			return err
		}
		opts := logical.HStackOptions{RunParallel: s.WithColumns.Parallel, Sequential: s.WithColumns.Sequential}
		*chain = (*chain).WithColumns(opts, exprs...)

	case s.Sort != nil:
		by, err := b.exprs(s.Sort.By)
		if err != nil {
			return err
		}
		*chain = (*chain).Sort(by, s.Sort.Descending)

	case s.Slice != nil:
		*chain = (*chain).Slice(s.Slice.Offset, s.Slice.Len)

	case s.GroupBy != nil:
		keys, err := b.exprs(s.GroupBy.Keys)
		if err != nil {
			return err
		}
		aggs, err := b.exprs(s.GroupBy.Aggs)
		if err != nil {
			return err
		}
		*chain = (*chain).GroupBy(keys, aggs)

	case s.Join != nil:
		right, err := b.chain(s.Join.Right)
		if err != nil {
			return fmt.Errorf("right side of join: %w", err)
		}
		leftOn, err := b.exprs(s.Join.LeftOn)
		if err != nil {
			return err
		}
		rightOn, err := b.exprs(s.Join.RightOn)
		if err != nil {
			return err
		}
		how, err := parseJoinType(s.Join.How)
		if err != nil {
			return err
		}
		suffix := s.Join.Suffix
		if suffix == "" {
			suffix = "_right"
		}
		*chain = (*chain).Join(right, leftOn, rightOn, how, suffix)
	}
	return nil
}

func parseJoinType(s string) (logical.JoinType, error) {
	switch s {
	case "", "inner":
		return logical.JoinInner, nil
	case "left":
		return logical.JoinLeft, nil
	}
	return 0, fmt.Errorf("unknown join type %q", s)
}

func (b *planBuilder) exprs(es []Expr) ([]arena.Node, error) {
	out := make([]arena.Node, 0, len(es))
	for _, e := range es {
		n, err := b.expr(e)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (b *planBuilder) expr(e Expr) (arena.Node, error) {
	n, err := b.baseExpr(e)
	if err != nil {
		return arena.Node(0), err
	}
	if e.As != "" {
		n = b.plan.As(n, e.As)
	}
	return n, nil
}

func (b *planBuilder) baseExpr(e Expr) (arena.Node, error) {
	p := b.plan
	if n := e.forms(); n != 1 {
		return arena.Node(0), fmt.Errorf("expression sets %d forms, expected 1", n)
	}

	switch {
	case e.Col != "":
		return p.Col(e.Col), nil
	case e.Null:
		return p.Lit(nil), nil
	case e.Len:
		return p.CountRows(), nil
	case e.Duration != "":
		d, err := time.ParseDuration(e.Duration)
		if err != nil {
			return arena.Node(0), err
		}
		return p.Lit(d), nil
	case e.Lit != nil:
		switch e.Lit.(type) {
		case bool, int, int64, float64, string:
			return p.Lit(e.Lit), nil
		}
		return arena.Node(0), fmt.Errorf("unsupported literal %v of type %T", e.Lit, e.Lit)
	}

	args, err := b.exprs(e.Args)
	if err != nil {
		return arena.Node(0), err
	}
	switch {
	case e.Op != "":
		return opExpr(p, e.Op, args)
	case e.Agg != "":
		op, ok := types.ParseAggOp(e.Agg)
		if !ok {
			return arena.Node(0), fmt.Errorf("unknown aggregation %q", e.Agg)
		}
		if len(args) != 1 {
			return arena.Node(0), fmt.Errorf("aggregation %s takes 1 argument, got %d", e.Agg, len(args))
		}
		return p.Aggregate(op, args[0]), nil
	default:
		dt, err := types.ParseDataType(e.Cast)
		if err != nil {
			return arena.Node(0), err
		}
		if len(args) != 1 {
			return arena.Node(0), fmt.Errorf("cast takes 1 argument, got %d", len(args))
		}
		return p.CastTo(args[0], dt), nil
	}
}

func (e Expr) forms() int {
	var n int
	for _, set := range []bool{
		e.Col != "", e.Lit != nil, e.Null, e.Duration != "", e.Len,
		e.Op != "", e.Agg != "", e.Cast != "",
	} {
		if set {
			n++
		}
	}
	return n
}

func opExpr(p *logical.Plan, op string, args []arena.Node) (arena.Node, error) {
	switch op {
	case "NOT", "NEG":
		if len(args) != 1 {
			return arena.Node(0), fmt.Errorf("%s takes 1 argument, got %d", op, len(args))
		}
		if op == "NOT" {
			return p.Not(args[0]), nil
		}
		return p.Neg(args[0]), nil
	}

	bin, ok := types.ParseBinaryOp(op)
	if !ok {
		return arena.Node(0), fmt.Errorf("unknown operator %q", op)
	}
	if len(args) != 2 {
		return arena.Node(0), fmt.Errorf("%s takes 2 arguments, got %d", op, len(args))
	}
	return p.Bin(args[0], bin, args[1]), nil
}
