package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/hamba/avro/v2"

	"github.com/grafana/streamql/pkg/encoding"
	"github.com/grafana/streamql/pkg/schemaregistry"
)

// codecs builds the value codecs of topics. AVRO topics use the schema pinned
// when their catalog entry was created; writer schemas of records produced
// elsewhere are looked up by id.
type codecs struct {
	registry schemaregistry.Registry

	mu     sync.RWMutex
	pinned map[string]encoding.AvroSchema
}

func newCodecs(registry schemaregistry.Registry) *codecs {
	return &codecs{registry: registry, pinned: map[string]encoding.AvroSchema{}}
}

func (c *codecs) pin(topic string, schema encoding.AvroSchema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[topic] = schema
}

func (c *codecs) unpin(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pinned, topic)
}

func (c *codecs) lookup(id int) (avro.Schema, error) {
	return c.registry.ByID(context.Background(), id)
}

// provide implements executor.CodecProvider.
func (c *codecs) provide(topic, format, delimiter string) (encoding.Codec, error) {
	opts := encoding.Options{Format: format, Delimiter: delimiter}
	if strings.EqualFold(format, encoding.FormatAvro) {
		c.mu.RLock()
		s, ok := c.pinned[topic]
		c.mu.RUnlock()
		if ok {
			opts.Avro = &s
		}
		opts.Lookup = c.lookup
	}
	return encoding.New(opts)
}
