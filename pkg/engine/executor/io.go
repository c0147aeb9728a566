package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"

	"github.com/grafana/streamql/pkg/encoding"
	"github.com/grafana/streamql/pkg/engine/planner/physical"
	"github.com/grafana/streamql/pkg/transport"
	"github.com/grafana/streamql/pkg/types"
)

// retractHeader marks retractions written to repartition topics.
const retractHeader = "streamql-retract"

// CodecProvider returns the value codec of a topic.
type CodecProvider func(topic, format, delimiter string) (encoding.Codec, error)

// DefaultCodecs builds codecs without a schema registry. It cannot serve
// AVRO topics.
func DefaultCodecs(_, format, delimiter string) (encoding.Codec, error) {
	return encoding.New(encoding.Options{Format: format, Delimiter: delimiter})
}

// scanOperator decodes the messages of one source partition.
type scanOperator struct {
	stateless
	node   *physical.SourceScan
	keys   encoding.KeyCodec
	values encoding.Codec
}

func newScanOperator(node *physical.SourceScan, codecs CodecProvider) (*scanOperator, error) {
	values, err := codecs(node.Topic, node.Format, node.Delimiter)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", node.Source, err)
	}
	return &scanOperator{node: node, keys: encoding.KeyCodec{Type: node.KeyType}, values: values}, nil
}

// decode converts msg into a record. Event time is read from the timestamp
// column when one is declared and not NULL.
func (o *scanOperator) decode(msg transport.Message) (Record, error) {
	rec := Record{
		Timestamp: msg.Timestamp.UnixMilli(),
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
	var err error
	if o.node.Windowed {
		var w types.TimeWindow
		rec.Key, w, err = o.keys.DecodeWindowed(msg.Key)
		rec.Window = &w
	} else {
		rec.Key, err = o.keys.Decode(msg.Key)
	}
	if err != nil {
		return Record{}, fmt.Errorf("decoding key: %w", err)
	}

	if msg.Value == nil {
		rec.Tombstone = true
		return rec, nil
	}
	if rec.Row, err = o.values.Decode(o.node.Schema, msg.Value); err != nil {
		return Record{}, err
	}
	if _, ok := msg.Header(retractHeader); ok {
		rec.Retract = true
	}
	if i := o.node.TimestampIndex; i >= 0 && !rec.Row[i].IsNull() {
		rec.Timestamp = rec.Row[i].Int()
	}
	return rec, nil
}

func (o *scanOperator) Process(ctx context.Context, rec Record, out Emitter) error {
	return out.Emit(ctx, rec)
}

// topicWriter appends messages, retrying transient failures until ctx is
// done.
type topicWriter struct {
	log     transport.Log
	backoff backoff.Config
	logger  log.Logger
}

func (w *topicWriter) write(ctx context.Context, msg transport.Message) error {
	return transport.Retry(ctx, w.backoff, w.logger, "append", func() error {
		return w.log.Append(ctx, []transport.Message{msg})
	})
}

// PartitionFor routes a key to one of n partitions. Records without a key
// stay on the partition they were read from.
func PartitionFor(key []byte, n int, fallback int32) int32 {
	if n <= 0 {
		return 0
	}
	if len(key) == 0 {
		return fallback % int32(n)
	}
	return int32(xxhash.Sum64(key) % uint64(n))
}

// repartitionOperator re-keys records and writes them to an internal topic.
type repartitionOperator struct {
	stateless
	node      *physical.RepartitionSink
	evaluator *expressionEvaluator
	keys      encoding.KeyCodec
	values    encoding.Codec
	writer    *topicWriter
}

func newRepartitionOperator(node *physical.RepartitionSink, ev *expressionEvaluator, w *topicWriter) *repartitionOperator {
	return &repartitionOperator{
		node:      node,
		evaluator: ev,
		keys:      encoding.KeyCodec{Type: node.KeyType},
		values:    encoding.NewInternal(),
		writer:    w,
	}
}

func (o *repartitionOperator) Process(ctx context.Context, rec Record, _ Emitter) error {
	key := rec.Key
	if !rec.Tombstone {
		vals := make([]types.Value, len(o.node.Keys))
		for i, k := range o.node.Keys {
			v, err := o.evaluator.eval(k, rec)
			if err != nil {
				return err
			}
			vals[i] = v
		}
		key = types.CompositeKey(vals)
	}
	keyBytes, err := o.keys.Encode(key)
	if err != nil {
		return err
	}
	msg := transport.Message{
		Topic:     o.node.Topic,
		Partition: PartitionFor(keyBytes, o.node.Partitions, rec.Partition),
		Key:       keyBytes,
		Timestamp: time.UnixMilli(rec.Timestamp),
	}
	if !rec.Tombstone {
		if msg.Value, err = o.values.Encode(o.node.Schema, rec.Row); err != nil {
			return err
		}
	}
	if rec.Retract {
		msg.Headers = append(msg.Headers, transport.Header{Key: retractHeader, Value: []byte{1}})
	}
	return o.writer.write(ctx, msg)
}

// sinkOperator writes query results to the sink topic, or hands them to the
// client of an interactive query.
type sinkOperator struct {
	stateless
	node        *physical.Sink
	keys        encoding.KeyCodec
	values      encoding.Codec
	writer      *topicWriter
	interactive Emitter
}

func newSinkOperator(node *physical.Sink, codecs CodecProvider, w *topicWriter, interactive Emitter) (*sinkOperator, error) {
	o := &sinkOperator{node: node, keys: encoding.KeyCodec{Type: node.KeyType}, writer: w, interactive: interactive}
	if node.Interactive {
		if interactive == nil {
			return nil, fmt.Errorf("interactive query has no result receiver")
		}
		return o, nil
	}
	values, err := codecs(node.Topic, node.Format, node.Delimiter)
	if err != nil {
		return nil, fmt.Errorf("sink %s: %w", node.Name, err)
	}
	o.values = values
	return o, nil
}

func (o *sinkOperator) Process(ctx context.Context, rec Record, _ Emitter) error {
	if rec.Retract {
		return nil
	}
	if o.node.Interactive {
		if rec.Tombstone {
			return nil
		}
		return o.interactive.Emit(ctx, rec)
	}

	keyBytes, err := o.keys.Encode(rec.Key)
	if err != nil {
		return err
	}
	msg := transport.Message{
		Topic: o.node.Topic,
		// Windows of a key share its partition.
		Partition: PartitionFor(keyBytes, o.node.Partitions, rec.Partition),
		Key:       keyBytes,
		Timestamp: time.UnixMilli(rec.Timestamp),
	}
	if o.node.Windowed && rec.Window != nil {
		if msg.Key, err = o.keys.EncodeWindowed(rec.Key, *rec.Window); err != nil {
			return err
		}
	}
	if !rec.Tombstone {
		if msg.Value, err = o.values.Encode(o.node.Schema, rec.Row); err != nil {
			return err
		}
	}
	return o.writer.write(ctx, msg)
}
