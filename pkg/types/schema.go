package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateColumn is returned when a schema declares the same column name
// twice.
var ErrDuplicateColumn = errors.New("duplicate column")

// Column is a named, typed column of a [Schema].
type Column struct {
	Name string
	Type Type
}

func (c Column) String() string { return c.Name + " " + c.Type.String() }

// Schema is an ordered sequence of columns with unique names. Names are
// compared case-insensitively.
type Schema struct {
	Columns []Column
}

// NewSchema validates columns and returns a new Schema.
func NewSchema(columns ...Column) (Schema, error) {
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		if c.Name == "" {
			return Schema{}, errors.New("column name must not be empty")
		}
		if err := c.Type.Validate(); err != nil {
			return Schema{}, fmt.Errorf("column %s: %w", c.Name, err)
		}
		key := strings.ToUpper(c.Name)
		if _, ok := seen[key]; ok {
			return Schema{}, fmt.Errorf("%w: %s", ErrDuplicateColumn, c.Name)
		}
		seen[key] = struct{}{}
	}
	return Schema{Columns: columns}, nil
}

// MustSchema is like [NewSchema] but panics on error.
func MustSchema(columns ...Column) Schema {
	s, err := NewSchema(columns...)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of columns.
func (s Schema) Len() int { return len(s.Columns) }

// Index returns the ordinal of the column called name, or -1.
func (s Schema) Index(name string) int {
	for i, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// Lookup returns the column called name.
func (s Schema) Lookup(name string) (Column, bool) {
	if i := s.Index(name); i >= 0 {
		return s.Columns[i], true
	}
	return Column{}, false
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Equal reports whether s and o have the same columns in the same order.
func (s Schema) Equal(o Schema) bool {
	if len(s.Columns) != len(o.Columns) {
		return false
	}
	for i := range s.Columns {
		if !strings.EqualFold(s.Columns[i].Name, o.Columns[i].Name) || s.Columns[i].Type != o.Columns[i].Type {
			return false
		}
	}
	return true
}

func (s Schema) String() string {
	parts := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// SourceKind distinguishes append-only streams from keyed, continuously
// updated tables.
type SourceKind uint8

// Recognized values of [SourceKind].
const (
	SourceStream SourceKind = iota
	SourceTable
)

func (k SourceKind) String() string {
	if k == SourceTable {
		return "TABLE"
	}
	return "STREAM"
}

// TimeWindow is a half-open event time interval [Start, End) in
// milliseconds. Session windows use it as a closed interval of observed event
// times.
type TimeWindow struct {
	Start int64
	End   int64
}

func (w TimeWindow) String() string { return fmt.Sprintf("[%d, %d)", w.Start, w.End) }
