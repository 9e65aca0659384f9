package logical

import (
	"strings"

	"github.com/grafana/lazyframe/pkg/engine/internal/planner/internal/tree"
	"github.com/grafana/lazyframe/pkg/engine/internal/util/arena"
)

// BuildTree converts the operator n and its inputs into a tree structure
// that can be used for visualization and debugging purposes. Arena handles
// are not printed, so two plans of the same shape print identically.
func BuildTree(p *Plan, n arena.Node) *tree.Node {
	root := toTreeNode(p, p.Nodes.Get(n))
	for _, child := range p.Children(n) {
		root.Children = append(root.Children, BuildTree(p, child))
	}
	return root
}

func toTreeNode(p *Plan, ir IR) *tree.Node {
	node := tree.NewNode(ir.Kind().String(), "")
	switch ir := ir.(type) {
	case *Scan:
		node.Properties = []tree.Property{tree.NewProperty("source", false, ir.Source)}
		if ir.Projection == nil {
			node.Properties = append(node.Properties, tree.NewProperty("projection", false, "*"))
		} else {
			node.Properties = append(node.Properties, tree.NewProperty("projection", true, toAnySlice(ir.Projection)...))
		}
		if ir.RowCountOnly {
			node.Properties = append(node.Properties, tree.NewProperty("row_count_only", false, true))
		}
	case *Filter:
		node.Properties = []tree.Property{
			tree.NewProperty("predicate", false, p.ExprString(ir.Predicate.Node())),
		}
	case *Select:
		node.Properties = []tree.Property{
			tree.NewProperty("exprs", true, exprStrings(p, ir.Exprs)...),
		}
	case *HStack:
		node.Properties = []tree.Property{
			tree.NewProperty("exprs", true, exprStrings(p, ir.Exprs)...),
		}
		if ir.Options.RunParallel {
			node.Properties = append(node.Properties, tree.NewProperty("parallel", false, true))
		}
		if ir.Options.Sequential {
			node.Properties = append(node.Properties, tree.NewProperty("sequential", false, true))
		}
	case *Sort:
		node.Properties = []tree.Property{
			tree.NewProperty("by", true, exprStrings(p, ir.By)...),
			tree.NewProperty("descending", true, toAnySlice(ir.Descending)...),
		}
	case *Slice:
		node.Properties = []tree.Property{
			tree.NewProperty("offset", false, ir.Offset),
			tree.NewProperty("len", false, ir.Len),
		}
	case *GroupBy:
		node.Properties = []tree.Property{
			tree.NewProperty("keys", true, exprStrings(p, ir.Keys)...),
			tree.NewProperty("aggs", true, exprStrings(p, ir.Aggs)...),
		}
	case *Join:
		node.Properties = []tree.Property{
			tree.NewProperty("how", false, ir.How),
			tree.NewProperty("left_on", true, exprStrings(p, ir.LeftOn)...),
			tree.NewProperty("right_on", true, exprStrings(p, ir.RightOn)...),
			tree.NewProperty("suffix", false, ir.Suffix),
		}
	}
	return node
}

func exprStrings(p *Plan, exprs []ExprIR) []any {
	out := make([]any, len(exprs))
	for i, e := range exprs {
		out[i] = p.ExprString(e.Node())
	}
	return out
}

func toAnySlice[T any](s []T) []any {
	ret := make([]any, len(s))
	for i := range s {
		ret[i] = s[i]
	}
	return ret
}

// PrintAsTree converts the plan into a human readable tree representation.
func PrintAsTree(p *Plan) string {
	var sb strings.Builder
	tree.NewPrinter(&sb).Print(BuildTree(p, p.Root))
	return sb.String()
}
