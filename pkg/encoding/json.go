package encoding

import (
	"encoding/json"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/grafana/streamql/pkg/types"
)

// UseNumber keeps BIGINT values above 2^53 exact.
var jsonAPI = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	UseNumber:              true,
	ValidateJsonRawMessage: true,
}.Froze()

type jsonCodec struct{}

// NewJSON returns a codec of JSON objects keyed by column name. Object keys
// are matched case-insensitively on decode; missing keys decode as NULL.
func NewJSON() Codec { return jsonCodec{} }

func (jsonCodec) Format() string { return FormatJSON }

func (jsonCodec) Encode(schema types.Schema, row types.Row) ([]byte, error) {
	if len(row) != schema.Len() {
		return nil, fmt.Errorf("row has %d values, schema has %d columns", len(row), schema.Len())
	}
	obj := make(map[string]any, len(row))
	for i, c := range schema.Columns {
		obj[c.Name] = row[i].Interface()
	}
	return jsonAPI.Marshal(obj)
}

func (jsonCodec) Decode(schema types.Schema, data []byte) (types.Row, error) {
	var obj map[string]any
	if err := jsonAPI.Unmarshal(data, &obj); err != nil {
		return nil, &DecodeError{Format: FormatJSON, Err: err}
	}
	if obj == nil {
		return nil, decodeErrorf(FormatJSON, "value is not a JSON object")
	}
	fields := make(map[string]any, len(obj))
	for k, v := range obj {
		fields[strings.ToUpper(k)] = v
	}
	row := make(types.Row, schema.Len())
	for i, c := range schema.Columns {
		raw, ok := fields[strings.ToUpper(c.Name)]
		if !ok {
			continue
		}
		v, err := types.FromInterface(normalizeNumbers(raw), c.Type)
		if err != nil {
			return nil, decodeErrorf(FormatJSON, "column %s: %w", c.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

// normalizeNumbers replaces json.Number with int64 or float64.
func normalizeNumbers(x any) any {
	switch v := x.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case []any:
		for i := range v {
			v[i] = normalizeNumbers(v[i])
		}
	case map[string]any:
		for k := range v {
			v[k] = normalizeNumbers(v[k])
		}
	}
	return x
}

type internal struct{}

// NewInternal returns the positional codec used between sub-topologies. Rows
// are JSON arrays, so schemas with repeated column names round-trip.
func NewInternal() Codec { return internal{} }

func (internal) Format() string { return FormatInternal }

func (internal) Encode(_ types.Schema, row types.Row) ([]byte, error) {
	values := make([]any, len(row))
	for i, v := range row {
		values[i] = v.Interface()
	}
	return jsonAPI.Marshal(values)
}

func (internal) Decode(schema types.Schema, data []byte) (types.Row, error) {
	var values []any
	if err := jsonAPI.Unmarshal(data, &values); err != nil {
		return nil, &DecodeError{Format: FormatInternal, Err: err}
	}
	if len(values) != schema.Len() {
		return nil, decodeErrorf(FormatInternal, "expected %d values, got %d", schema.Len(), len(values))
	}
	row := make(types.Row, len(values))
	for i, raw := range values {
		v, err := types.FromInterface(normalizeNumbers(raw), schema.Columns[i].Type)
		if err != nil {
			return nil, decodeErrorf(FormatInternal, "column %d: %w", i, err)
		}
		row[i] = v
	}
	return row, nil
}
