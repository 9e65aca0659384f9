package errors

import (
	"errors"
	"fmt"
)

var (
	ErrIndex          = errors.New("index error")
	ErrKey            = errors.New("key error")
	ErrType           = errors.New("type error")
	ErrNotImplemented = errors.New("not implemented")

	// ErrSchema is the sentinel matched by every [SchemaError].
	ErrSchema = errors.New("schema error")

	// ErrInvariant is the sentinel matched by every [InvariantError]. An
	// invariant error always denotes a defect in the planner, never bad user
	// input.
	ErrInvariant = errors.New("invariant violation")

	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrOutOfBounds       = errors.New("out of bounds")
	ErrPlanTooDeep       = errors.New("plan too deep")
)

// SchemaError is returned when an operator references a column that does not
// exist in the schema of its input. It aborts planning of the whole plan.
type SchemaError struct {
	Node   string // Identifier of the operator that failed to resolve the column.
	Column string // Name of the missing column.
	Reason string // Optional detail.
}

// NewSchemaError returns a new [SchemaError] for the given node and column.
func NewSchemaError(node, column, reason string) *SchemaError {
	return &SchemaError{Node: node, Column: column, Reason: reason}
}

func (e *SchemaError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("column %q not found in input of %s", e.Column, e.Node)
	}
	return fmt.Sprintf("column %q not found in input of %s: %s", e.Column, e.Node, e.Reason)
}

// Is reports whether target is [ErrSchema].
func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// InvariantError reports an internal defect: a dangling arena handle or a
// rewrite that broke a declared invariant.
type InvariantError struct {
	Msg string
}

// Invariantf formats a new [InvariantError].
func Invariantf(format string, args ...any) *InvariantError {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}

func (e *InvariantError) Error() string { return "invariant violation: " + e.Msg }

// Is reports whether target is [ErrInvariant].
func (e *InvariantError) Is(target error) bool { return target == ErrInvariant }
