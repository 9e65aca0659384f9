// Package dag walks directed acyclic graphs whose vertices are addressed by
// comparable handles.
package dag

import "errors"

// WalkOrder defined the order in which current vertex and its children are
// visited.
type WalkOrder uint8

const (
	// PreOrderWalk processes the current vertex before visiting any of its
	// children.
	PreOrderWalk WalkOrder = iota

	// PostOrderWalk processes the current vertex after visiting all of its
	// children.
	PostOrderWalk
)

// Graph is a DAG that can report the children of a vertex.
type Graph[N comparable] interface {
	Children(n N) []N
}

// WalkFunc is a function that gets invoked when walking a Graph. Walking will
// stop if WalkFunc returns a non-nil error.
type WalkFunc[N comparable] func(n N) error

// Walk performs a depth-first walk of outgoing edges starting at n, invoking
// the provided fn for each vertex exactly once. Walk returns the error
// returned by fn.
//
// Vertices unreachable from n will not be passed to fn.
func Walk[N comparable](g Graph[N], n N, f WalkFunc[N], order WalkOrder) error {
	visited := make(map[N]struct{})
	switch order {
	case PreOrderWalk:
		return preOrderWalk(g, n, f, visited)
	case PostOrderWalk:
		return postOrderWalk(g, n, f, visited)
	default:
		return errors.New("unsupported walk order. must be one of PreOrderWalk and PostOrderWalk")
	}
}

func preOrderWalk[N comparable](g Graph[N], n N, f WalkFunc[N], visited map[N]struct{}) error {
	if _, ok := visited[n]; ok {
		return nil
	}
	visited[n] = struct{}{}

	if err := f(n); err != nil {
		return err
	}

	for _, child := range g.Children(n) {
		if err := preOrderWalk(g, child, f, visited); err != nil {
			return err
		}
	}
	return nil
}

func postOrderWalk[N comparable](g Graph[N], n N, f WalkFunc[N], visited map[N]struct{}) error {
	if _, ok := visited[n]; ok {
		return nil
	}
	visited[n] = struct{}{}

	for _, child := range g.Children(n) {
		if err := postOrderWalk(g, child, f, visited); err != nil {
			return err
		}
	}

	return f(n)
}
