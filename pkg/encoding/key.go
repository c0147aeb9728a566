package encoding

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grafana/streamql/pkg/types"
)

// FormatKafka is the format of record keys.
const FormatKafka = "KAFKA"

const windowSuffixLen = 16

// KeyCodec encodes primitive record keys: STRING as UTF-8, INT as 4 bytes,
// BIGINT and DOUBLE as 8 bytes, all big-endian, BOOLEAN as one byte. NULL
// keys are empty.
type KeyCodec struct {
	Type types.Type
}

func (c KeyCodec) Encode(v types.Value) ([]byte, error) {
	if v.IsNull() {
		return nil, nil
	}
	switch c.Type.Kind {
	case types.KindString:
		return []byte(v.String()), nil
	case types.KindInt:
		return binary.BigEndian.AppendUint32(nil, uint32(int32(v.Int()))), nil
	case types.KindBigInt:
		return binary.BigEndian.AppendUint64(nil, uint64(v.Int())), nil
	case types.KindDouble:
		return binary.BigEndian.AppendUint64(nil, math.Float64bits(v.Float())), nil
	case types.KindBoolean:
		if v.Bool() {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	}
	return nil, fmt.Errorf("%s keys of type %s are not supported", FormatKafka, c.Type)
}

func (c KeyCodec) Decode(data []byte) (types.Value, error) {
	if len(data) == 0 {
		if c.Type.Kind == types.KindString && data != nil {
			return types.StringValue(""), nil
		}
		return types.NullValue(), nil
	}
	switch c.Type.Kind {
	case types.KindString:
		return types.StringValue(string(data)), nil
	case types.KindInt:
		if len(data) != 4 {
			return types.Value{}, decodeErrorf(FormatKafka, "INT key must be 4 bytes, got %d", len(data))
		}
		return types.IntValue(int64(int32(binary.BigEndian.Uint32(data)))), nil
	case types.KindBigInt:
		if len(data) != 8 {
			return types.Value{}, decodeErrorf(FormatKafka, "BIGINT key must be 8 bytes, got %d", len(data))
		}
		return types.IntValue(int64(binary.BigEndian.Uint64(data))), nil
	case types.KindDouble:
		if len(data) != 8 {
			return types.Value{}, decodeErrorf(FormatKafka, "DOUBLE key must be 8 bytes, got %d", len(data))
		}
		return types.DoubleValue(math.Float64frombits(binary.BigEndian.Uint64(data))), nil
	case types.KindBoolean:
		return types.BoolValue(data[0] != 0), nil
	}
	return types.Value{}, decodeErrorf(FormatKafka, "keys of type %s are not supported", c.Type)
}

// EncodeWindowed appends the window start and end to the encoded key.
func (c KeyCodec) EncodeWindowed(v types.Value, w types.TimeWindow) ([]byte, error) {
	b, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	b = binary.BigEndian.AppendUint64(b, uint64(w.Start))
	return binary.BigEndian.AppendUint64(b, uint64(w.End)), nil
}

// DecodeWindowed splits a windowed key.
func (c KeyCodec) DecodeWindowed(data []byte) (types.Value, types.TimeWindow, error) {
	if len(data) < windowSuffixLen {
		return types.Value{}, types.TimeWindow{}, decodeErrorf(FormatKafka, "windowed key of %d bytes is too short", len(data))
	}
	split := len(data) - windowSuffixLen
	w := types.TimeWindow{
		Start: int64(binary.BigEndian.Uint64(data[split:])),
		End:   int64(binary.BigEndian.Uint64(data[split+8:])),
	}
	v, err := c.Decode(data[:split:split])
	return v, w, err
}
