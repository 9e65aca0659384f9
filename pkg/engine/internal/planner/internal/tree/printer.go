package tree

import (
	"fmt"
	"io"
	"strings"
)

const (
	symPrefix = "│   "
	symIndent = "    "
	symConn   = "├── "
	symLast   = "└── "
	symComm   = "│   "
)

// Printer writes a [Node] and its descendants as an indented tree.
type Printer struct {
	w io.Writer
}

// NewPrinter creates a new [Printer] writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Print writes the tree rooted at root.
func (p *Printer) Print(root *Node) {
	p.printNode(root)
	p.printComments(root, "", len(root.Children) > 0)
	for i, child := range root.Children {
		p.printSubtree(child, "", i == len(root.Children)-1)
	}
}

func (p *Printer) printSubtree(n *Node, prefix string, last bool) {
	conn, next := symConn, prefix+symPrefix
	if last {
		conn, next = symLast, prefix+symIndent
	}
	fmt.Fprint(p.w, prefix+conn)
	p.printNode(n)
	p.printComments(n, next, len(n.Children) > 0)
	for i, child := range n.Children {
		p.printSubtree(child, next, i == len(n.Children)-1)
	}
}

// printComments writes the comments of n one level deeper than its children.
func (p *Printer) printComments(n *Node, prefix string, hasChildren bool) {
	base := prefix
	if hasChildren {
		base += symComm
	} else {
		base += symIndent
	}
	for i, c := range n.Comments {
		conn := symConn
		if i == len(n.Comments)-1 {
			conn = symLast
		}
		fmt.Fprint(p.w, base+conn)
		p.printNode(c)
	}
}

func (p *Printer) printNode(n *Node) {
	var sb strings.Builder
	sb.WriteString(n.Name)
	if n.ID != "" {
		sb.WriteString(" #")
		sb.WriteString(n.ID)
	}
	for _, prop := range n.Properties {
		sb.WriteByte(' ')
		sb.WriteString(prop.Key)
		sb.WriteByte('=')
		if prop.IsMultiValue {
			sb.WriteByte('(')
		}
		for i, v := range prop.Values {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprint(&sb, v)
		}
		if prop.IsMultiValue {
			sb.WriteByte(')')
		}
	}
	sb.WriteByte('\n')
	_, _ = io.WriteString(p.w, sb.String())
}
