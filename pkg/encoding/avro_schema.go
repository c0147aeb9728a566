package encoding

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hamba/avro/v2"

	"github.com/grafana/streamql/pkg/types"
)

var ErrUnsupportedSchema = errors.New("unsupported Avro schema")

// SchemaFromAvro translates an Avro record schema into columns. Field names
// are upper-cased. Nullable unions map to their non-null branch; nested
// records and multi-type unions are rejected.
func SchemaFromAvro(s avro.Schema) (types.Schema, error) {
	rec, ok := s.(*avro.RecordSchema)
	if !ok {
		return types.Schema{}, fmt.Errorf("%w: top level type is %s, expected record", ErrUnsupportedSchema, s.Type())
	}
	cols := make([]types.Column, 0, len(rec.Fields()))
	for _, f := range rec.Fields() {
		t, err := typeFromAvro(f.Type(), false)
		if err != nil {
			return types.Schema{}, fmt.Errorf("field %s: %w", f.Name(), err)
		}
		cols = append(cols, types.Column{Name: strings.ToUpper(f.Name()), Type: t})
	}
	return types.NewSchema(cols...)
}

func typeFromAvro(s avro.Schema, nested bool) (types.Type, error) {
	switch s.Type() {
	case avro.Union:
		u := s.(*avro.UnionSchema)
		var branch avro.Schema
		for _, t := range u.Types() {
			if t.Type() == avro.Null {
				continue
			}
			if branch != nil {
				return types.Invalid, fmt.Errorf("%w: unions of several non-null types", ErrUnsupportedSchema)
			}
			branch = t
		}
		if branch == nil {
			return types.Invalid, fmt.Errorf("%w: null-only union", ErrUnsupportedSchema)
		}
		return typeFromAvro(branch, nested)
	case avro.Boolean:
		return types.Boolean, nil
	case avro.Int:
		return types.Int, nil
	case avro.Long:
		return types.BigInt, nil
	case avro.Float, avro.Double:
		return types.Double, nil
	case avro.String, avro.Enum:
		return types.String, nil
	case avro.Array:
		if nested {
			return types.Invalid, fmt.Errorf("%w: nested collections", ErrUnsupportedSchema)
		}
		elem, err := typeFromAvro(s.(*avro.ArraySchema).Items(), true)
		if err != nil {
			return types.Invalid, err
		}
		return types.Array(elem), nil
	case avro.Map:
		if nested {
			return types.Invalid, fmt.Errorf("%w: nested collections", ErrUnsupportedSchema)
		}
		elem, err := typeFromAvro(s.(*avro.MapSchema).Values(), true)
		if err != nil {
			return types.Invalid, err
		}
		return types.Map(elem), nil
	case avro.Record:
		return types.Invalid, fmt.Errorf("%w: nested records", ErrUnsupportedSchema)
	}
	return types.Invalid, fmt.Errorf("%w: type %s", ErrUnsupportedSchema, s.Type())
}

// AvroFromSchema derives the Avro record schema written by a query. Every
// field is a nullable union defaulting to null.
func AvroFromSchema(name string, schema types.Schema) (*avro.RecordSchema, error) {
	fields := make([]*avro.Field, 0, schema.Len())
	for _, c := range schema.Columns {
		t, err := avroFromType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		u, err := avro.NewUnionSchema([]avro.Schema{avro.NewNullSchema(), t})
		if err != nil {
			return nil, err
		}
		f, err := avro.NewField(c.Name, u, avro.WithDefault(nil))
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return avro.NewRecordSchema(avroName(name), "io.streamql.avro", fields)
}

func avroFromType(t types.Type) (avro.Schema, error) {
	switch t.Kind {
	case types.KindBoolean:
		return avro.NewPrimitiveSchema(avro.Boolean, nil), nil
	case types.KindInt:
		return avro.NewPrimitiveSchema(avro.Int, nil), nil
	case types.KindBigInt:
		return avro.NewPrimitiveSchema(avro.Long, nil), nil
	case types.KindDouble:
		return avro.NewPrimitiveSchema(avro.Double, nil), nil
	case types.KindString:
		return avro.NewPrimitiveSchema(avro.String, nil), nil
	case types.KindArray:
		elem, err := avroFromType(t.ElemType())
		if err != nil {
			return nil, err
		}
		return avro.NewArraySchema(elem), nil
	case types.KindMap:
		elem, err := avroFromType(t.ElemType())
		if err != nil {
			return nil, err
		}
		return avro.NewMapSchema(elem), nil
	}
	return nil, fmt.Errorf("%w: %s has no Avro representation", ErrUnsupportedSchema, t)
}

// avroName turns a stream name into a valid Avro record name.
func avroName(name string) string {
	var sb strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z'):
			sb.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	if sb.Len() == 0 {
		return "Record"
	}
	return sb.String()
}
