// Package arena provides an append-only store of values addressed by stable
// integer handles.
package arena

import (
	"fmt"

	"github.com/grafana/lazyframe/pkg/engine/internal/errors"
)

// Node is a handle into an [Arena]. A Node is only meaningful for the arena
// that produced it.
type Node uint32

// String returns the handle formatted as "#<index>".
func (n Node) String() string { return fmt.Sprintf("#%d", uint32(n)) }

type slot[T any] struct {
	value T
	taken bool
}

// Arena is an append-only table of values. Entries are never removed: they
// can only be overwritten with [Arena.Replace] or moved out with
// [Arena.Take], so handles stay valid for the lifetime of the arena.
//
// Arena is not safe for concurrent use.
type Arena[T any] struct {
	slots []slot[T]
}

// New returns an empty arena with room for capacity values.
func New[T any](capacity int) *Arena[T] {
	return &Arena[T]{slots: make([]slot[T], 0, capacity)}
}

// Add appends v and returns its handle.
func (a *Arena[T]) Add(v T) Node {
	a.slots = append(a.slots, slot[T]{value: v})
	return Node(len(a.slots) - 1)
}

// Len returns the number of slots in the arena, including taken ones.
func (a *Arena[T]) Len() int { return len(a.slots) }

// Valid reports whether n addresses a slot holding a value.
func (a *Arena[T]) Valid(n Node) bool {
	return int(n) < len(a.slots) && !a.slots[n].taken
}

// Get returns the value stored at n. Get panics with an
// [errors.InvariantError] if n was not produced by a or its value was taken.
func (a *Arena[T]) Get(n Node) T {
	return a.mustSlot(n).value
}

// Replace stores v at n and returns the previous value. Replacing a taken
// slot is allowed and makes it readable again.
func (a *Arena[T]) Replace(n Node, v T) T {
	if int(n) >= len(a.slots) {
		panic(errors.Invariantf("arena: handle %s out of range (len %d)", n, len(a.slots)))
	}
	s := &a.slots[n]
	prev := s.value
	s.value, s.taken = v, false
	return prev
}

// Take moves the value out of n. The slot must not be read again until it
// is refilled with [Arena.Replace].
func (a *Arena[T]) Take(n Node) T {
	s := a.mustSlot(n)
	v := s.value
	var zero T
	s.value, s.taken = zero, true
	return v
}

func (a *Arena[T]) mustSlot(n Node) *slot[T] {
	if int(n) >= len(a.slots) {
		panic(errors.Invariantf("arena: handle %s out of range (len %d)", n, len(a.slots)))
	}
	s := &a.slots[n]
	if s.taken {
		panic(errors.Invariantf("arena: handle %s read after take", n))
	}
	return s
}

// Clone returns a shallow copy of a: slots are copied, values are not. It is
// safe to use when stored values are treated as immutable.
func (a *Arena[T]) Clone() *Arena[T] {
	slots := make([]slot[T], len(a.slots))
	copy(slots, a.slots)
	return &Arena[T]{slots: slots}
}
