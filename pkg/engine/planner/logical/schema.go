package logical

import (
	"strings"

	"github.com/grafana/streamql/pkg/types"
)

// Field is a column of an intermediate relation. Qualifier is the source
// alias the column came from, empty for computed columns.
type Field struct {
	Qualifier string
	Name      string
	Type      types.Type
}

func (f Field) String() string {
	if f.Qualifier != "" {
		return f.Qualifier + "." + f.Name
	}
	return f.Name
}

// Schema is the ordered field list of a logical node.
type Schema []Field

// Resolve finds the field referenced by qualifier and name. An empty
// qualifier matches any field with that name, which must be unique.
func (s Schema) Resolve(qualifier, name string) (int, Field, error) {
	found := -1
	for i, f := range s {
		if !strings.EqualFold(f.Name, name) {
			continue
		}
		if qualifier != "" && !strings.EqualFold(f.Qualifier, qualifier) {
			continue
		}
		if found >= 0 {
			return -1, Field{}, typeErrorf("column %s is ambiguous", name)
		}
		found = i
	}
	if found < 0 {
		if qualifier != "" {
			return -1, Field{}, typeErrorf("unknown column %s.%s", qualifier, name)
		}
		return -1, Field{}, typeErrorf("unknown column %s", name)
	}
	return found, s[found], nil
}

// HasQualifier reports whether any field carries qualifier q.
func (s Schema) HasQualifier(q string) bool {
	for _, f := range s {
		if strings.EqualFold(f.Qualifier, q) {
			return true
		}
	}
	return false
}

// Columns converts s into a [types.Schema] using the unqualified names.
func (s Schema) Columns() types.Schema {
	cols := make([]types.Column, len(s))
	for i, f := range s {
		cols[i] = types.Column{Name: f.Name, Type: f.Type}
	}
	return types.Schema{Columns: cols}
}

func schemaFromColumns(qualifier string, ts types.Schema) Schema {
	out := make(Schema, len(ts.Columns))
	for i, c := range ts.Columns {
		out[i] = Field{Qualifier: qualifier, Name: c.Name, Type: c.Type}
	}
	return out
}
