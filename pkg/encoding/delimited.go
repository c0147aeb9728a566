package encoding

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"github.com/grafana/streamql/pkg/types"
)

type delimited struct {
	delim rune
}

// NewDelimited returns a codec of separated values, one record per message.
// Empty fields decode as NULL.
func NewDelimited(delim rune) Codec {
	return &delimited{delim: delim}
}

func (c *delimited) Format() string { return FormatDelimited }

func (c *delimited) Encode(schema types.Schema, row types.Row) ([]byte, error) {
	if len(row) != schema.Len() {
		return nil, fmt.Errorf("row has %d values, schema has %d columns", len(row), schema.Len())
	}
	fields := make([]string, len(row))
	for i, v := range row {
		switch v.Kind() {
		case types.KindNull:
		case types.KindArray, types.KindMap:
			return nil, fmt.Errorf("column %s: %s values cannot be written as %s", schema.Columns[i].Name, v.Kind(), FormatDelimited)
		default:
			fields[i] = v.String()
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = c.delim
	if err := w.Write(fields); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\r\n"), nil
}

func (c *delimited) Decode(schema types.Schema, data []byte) (types.Row, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = c.delim
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err != nil {
		return nil, &DecodeError{Format: FormatDelimited, Err: err}
	}
	if len(fields) != schema.Len() {
		return nil, decodeErrorf(FormatDelimited, "expected %d fields, got %d", schema.Len(), len(fields))
	}
	row := make(types.Row, len(fields))
	for i, f := range fields {
		col := schema.Columns[i]
		if !col.Type.IsPrimitive() {
			return nil, decodeErrorf(FormatDelimited, "column %s: %s is not supported", col.Name, col.Type)
		}
		if f == "" {
			continue
		}
		v, err := types.Coerce(types.StringValue(f), col.Type)
		if err != nil {
			return nil, decodeErrorf(FormatDelimited, "column %s: %w", col.Name, err)
		}
		row[i] = v
	}
	return row, nil
}
