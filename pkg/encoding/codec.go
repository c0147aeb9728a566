// Package encoding serializes rows to and from the value formats a stream or
// table can declare.
package encoding

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/grafana/streamql/pkg/types"
)

// Supported value formats.
const (
	FormatDelimited = "DELIMITED"
	FormatJSON      = "JSON"
	FormatAvro      = "AVRO"
	// FormatInternal is the positional format of repartition topics.
	FormatInternal = "INTERNAL"
)

var ErrUnknownFormat = errors.New("unknown value format")

// Codec encodes and decodes the value of a record.
type Codec interface {
	Format() string
	Encode(schema types.Schema, row types.Row) ([]byte, error)
	Decode(schema types.Schema, data []byte) (types.Row, error)
}

// Options selects and configures a Codec.
type Options struct {
	Format string
	// Delimiter of the DELIMITED format. Defaults to a comma.
	Delimiter string
	// Avro is the schema pinned for the AVRO format.
	Avro *AvroSchema
	// Lookup resolves writer schemas by id when decoding AVRO records that
	// were not written with the pinned schema.
	Lookup SchemaLookup
}

// New returns the codec described by opts.
func New(opts Options) (Codec, error) {
	switch strings.ToUpper(opts.Format) {
	case FormatDelimited:
		delim := ','
		if opts.Delimiter != "" {
			d, err := ParseDelimiter(opts.Delimiter)
			if err != nil {
				return nil, err
			}
			delim = d
		}
		return NewDelimited(delim), nil
	case FormatJSON:
		return NewJSON(), nil
	case FormatAvro:
		if opts.Avro == nil {
			return nil, errors.New("AVRO format requires a resolved schema")
		}
		return NewAvro(*opts.Avro, opts.Lookup), nil
	case FormatInternal:
		return NewInternal(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, opts.Format)
}

// ValidFormat reports whether format names a value format usable in a WITH
// clause.
func ValidFormat(format string) bool {
	switch strings.ToUpper(format) {
	case FormatDelimited, FormatJSON, FormatAvro:
		return true
	}
	return false
}

// ParseDelimiter accepts a single character or one of the names TAB, SPACE,
// COMMA and PIPE.
func ParseDelimiter(s string) (rune, error) {
	switch strings.ToUpper(s) {
	case "TAB":
		return '\t', nil
	case "SPACE":
		return ' ', nil
	case "COMMA":
		return ',', nil
	case "PIPE":
		return '|', nil
	}
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("invalid delimiter %q: must be a single character", s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	if r == '"' || r == '\r' || r == '\n' {
		return 0, fmt.Errorf("invalid delimiter %q", s)
	}
	return r, nil
}

// DecodeError is returned when a record value does not match the declared
// schema.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s value: %v", e.Format, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErrorf(format string, msg string, args ...any) error {
	return &DecodeError{Format: format, Err: fmt.Errorf(msg, args...)}
}
