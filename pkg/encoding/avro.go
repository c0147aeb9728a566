package encoding

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hamba/avro/v2"
	"github.com/twmb/franz-go/pkg/sr"

	"github.com/grafana/streamql/pkg/types"
)

// AvroSchema is a registry schema pinned into a catalog entry.
type AvroSchema struct {
	ID     int
	Schema avro.Schema
}

// SchemaLookup resolves a registry schema id.
type SchemaLookup func(id int) (avro.Schema, error)

type avroCodec struct {
	pinned AvroSchema
	lookup SchemaLookup
	header sr.ConfluentHeader
}

// NewAvro returns a codec of Avro records in the registry wire format: a zero
// magic byte and the 4 byte big-endian schema id precede the binary record.
// Records are written with the pinned schema. Records written with another
// schema are read with their writer schema and matched to columns by name.
func NewAvro(pinned AvroSchema, lookup SchemaLookup) Codec {
	return &avroCodec{pinned: pinned, lookup: lookup}
}

func (c *avroCodec) Format() string { return FormatAvro }

func (c *avroCodec) Encode(schema types.Schema, row types.Row) ([]byte, error) {
	rec, ok := c.pinned.Schema.(*avro.RecordSchema)
	if !ok {
		return nil, errors.New("pinned Avro schema is not a record")
	}
	if len(row) != schema.Len() {
		return nil, fmt.Errorf("row has %d values, schema has %d columns", len(row), schema.Len())
	}
	obj := make(map[string]any, len(rec.Fields()))
	for _, f := range rec.Fields() {
		idx := schema.Index(f.Name())
		if idx < 0 {
			if !f.HasDefault() {
				return nil, fmt.Errorf("avro field %s has no matching column and no default", f.Name())
			}
			obj[f.Name()] = f.Default()
			continue
		}
		v, err := toAvro(row[idx], f.Type())
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Name(), err)
		}
		obj[f.Name()] = v
	}
	body, err := avro.Marshal(rec, obj)
	if err != nil {
		return nil, err
	}
	out, err := c.header.AppendEncode(make([]byte, 0, 5+len(body)), c.pinned.ID, nil)
	if err != nil {
		return nil, err
	}
	return append(out, body...), nil
}

func (c *avroCodec) Decode(schema types.Schema, data []byte) (types.Row, error) {
	id, body, err := c.header.DecodeID(data)
	if err != nil {
		return nil, &DecodeError{Format: FormatAvro, Err: err}
	}
	writer := c.pinned.Schema
	if id != c.pinned.ID {
		if c.lookup == nil {
			return nil, decodeErrorf(FormatAvro, "record written with schema id %d, expected %d", id, c.pinned.ID)
		}
		if writer, err = c.lookup(id); err != nil {
			return nil, &DecodeError{Format: FormatAvro, Err: err}
		}
	}

	var obj map[string]any
	if err := avro.Unmarshal(writer, body, &obj); err != nil {
		return nil, &DecodeError{Format: FormatAvro, Err: err}
	}
	fields := make(map[string]any, len(obj))
	for k, v := range obj {
		fields[strings.ToUpper(k)] = v
	}
	row := make(types.Row, schema.Len())
	for i, col := range schema.Columns {
		raw, ok := fields[strings.ToUpper(col.Name)]
		if !ok {
			continue
		}
		v, err := types.FromInterface(unwrapUnion(raw), col.Type)
		if err != nil {
			return nil, decodeErrorf(FormatAvro, "column %s: %w", col.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

// unwrapUnion accepts both plain union values and the single-entry
// {"type": value} form.
func unwrapUnion(x any) any {
	switch v := x.(type) {
	case map[string]any:
		if len(v) == 1 {
			for k, inner := range v {
				if isAvroTypeName(k) {
					return unwrapUnion(inner)
				}
			}
		}
		for k := range v {
			v[k] = unwrapUnion(v[k])
		}
	case []any:
		for i := range v {
			v[i] = unwrapUnion(v[i])
		}
	}
	return x
}

func isAvroTypeName(s string) bool {
	switch avro.Type(s) {
	case avro.Boolean, avro.Int, avro.Long, avro.Float, avro.Double, avro.String, avro.Bytes, avro.Array, avro.Map:
		return true
	}
	return false
}

// toAvro converts v to the Go type hamba/avro expects for s.
func toAvro(v types.Value, s avro.Schema) (any, error) {
	if u, ok := s.(*avro.UnionSchema); ok {
		if v.IsNull() {
			if !u.Nullable() {
				return nil, errors.New("NULL written to a non-nullable field")
			}
			return nil, nil
		}
		for _, t := range u.Types() {
			if t.Type() != avro.Null {
				return toAvro(v, t)
			}
		}
		return nil, errors.New("union has no non-null branch")
	}
	if v.IsNull() {
		if s.Type() == avro.Null {
			return nil, nil
		}
		return nil, errors.New("NULL written to a non-nullable field")
	}
	switch s.Type() {
	case avro.Boolean:
		return v.Bool(), nil
	case avro.Int:
		return int(v.Int()), nil
	case avro.Long:
		return v.Int(), nil
	case avro.Float:
		return float32(v.Float()), nil
	case avro.Double:
		return v.Float(), nil
	case avro.String:
		return v.String(), nil
	case avro.Bytes:
		return []byte(v.String()), nil
	case avro.Array:
		items := s.(*avro.ArraySchema).Items()
		out := make([]any, len(v.Array()))
		for i, e := range v.Array() {
			ev, err := toAvro(e, items)
			if err != nil {
				return nil, err
			}
			out[i] = ev
		}
		return out, nil
	case avro.Map:
		values := s.(*avro.MapSchema).Values()
		out := make(map[string]any, len(v.Map()))
		for k, e := range v.Map() {
			ev, err := toAvro(e, values)
			if err != nil {
				return nil, err
			}
			out[k] = ev
		}
		return out, nil
	}
	return nil, fmt.Errorf("avro type %s is not supported", s.Type())
}
