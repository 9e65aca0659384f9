package types

import (
	"fmt"
	"strings"
)

// Field is a named, typed column of a [Schema].
type Field struct {
	Name string
	Type DataType
}

func (f Field) String() string { return f.Name + ":" + f.Type.String() }

// Schema is an ordered mapping from column name to type. Names are unique.
//
// A Schema is immutable once built; methods that change it return a copy.
type Schema struct {
	fields []Field
	index  map[string]int
}

// NewSchema creates a schema from fields. If a name repeats, the later field
// overwrites the earlier one in place.
func NewSchema(fields ...Field) *Schema {
	s := &Schema{
		fields: make([]Field, 0, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		s.set(f)
	}
	return s
}

func (s *Schema) set(f Field) {
	if i, ok := s.index[f.Name]; ok {
		s.fields[i] = f
		return
	}
	s.index[f.Name] = len(s.fields)
	s.fields = append(s.fields, f)
}

// Len returns the number of fields.
func (s *Schema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.fields)
}

// Fields returns a copy of the fields in order.
func (s *Schema) Fields() []Field {
	if s == nil {
		return nil
	}
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field returns the i-th field.
func (s *Schema) Field(i int) Field { return s.fields[i] }

// Lookup returns the field named name.
func (s *Schema) Lookup(name string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Index returns the position of name, or -1.
func (s *Schema) Index(name string) int {
	if s == nil {
		return -1
	}
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// Contains reports whether the schema has a field named name.
func (s *Schema) Contains(name string) bool {
	_, ok := s.Lookup(name)
	return ok
}

// Names returns the field names in order.
func (s *Schema) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.fields))
	for i, f := range s.fields {
		names[i] = f.Name
	}
	return names
}

// With returns a copy of s with f appended, or overwritten in place if a
// field of the same name exists.
func (s *Schema) With(f Field) *Schema {
	out := NewSchema(s.Fields()...)
	out.set(f)
	return out
}

// Select returns a schema holding the named fields in the order of s. The
// boolean is false, and the missing name returned, if a name is unknown.
func (s *Schema) Select(names []string) (*Schema, string, bool) {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		if !s.Contains(n) {
			return nil, n, false
		}
		want[n] = struct{}{}
	}
	out := NewSchema()
	for _, f := range s.fields {
		if _, ok := want[f.Name]; ok {
			out.set(f)
		}
	}
	return out, "", true
}

// Equal reports whether s and other hold the same fields in the same order.
func (s *Schema) Equal(other *Schema) bool {
	if s.Len() != other.Len() {
		return false
	}
	for i := range s.Len() {
		if s.fields[i] != other.fields[i] {
			return false
		}
	}
	return true
}

// String returns the schema as "{name:type, ...}".
func (s *Schema) String() string {
	parts := make([]string, 0, s.Len())
	for _, f := range s.Fields() {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, ", "))
}
