// Package schemaregistry resolves and registers the Avro schemas of topics.
package schemaregistry

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/hamba/avro/v2"

	"github.com/grafana/streamql/pkg/encoding"
)

var (
	ErrSubjectNotFound = errors.New("subject not found")
	ErrSchemaNotFound  = errors.New("schema not found")
)

// Registry is the schema registry consulted at compile time.
type Registry interface {
	// Latest returns the newest schema registered under subject.
	Latest(ctx context.Context, subject string) (encoding.AvroSchema, error)
	// ByID returns the schema with the given id.
	ByID(ctx context.Context, id int) (avro.Schema, error)
	// Register registers schema under subject and returns its id.
	// Registering an identical schema again returns the existing id.
	Register(ctx context.Context, subject string, schema avro.Schema) (int, error)
}

// Subject returns the value subject of a topic.
func Subject(topic string) string { return topic + "-value" }

// ResolutionError is returned when a schema cannot be resolved or registered
// after all retries.
type ResolutionError struct {
	Subject string
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("schema resolution failed for subject %s: %v", e.Subject, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Config configures the registry client.
type Config struct {
	URL        string         `yaml:"url"`
	Username   string         `yaml:"username"`
	Password   flagext.Secret `yaml:"password"`
	Timeout    time.Duration  `yaml:"timeout"`
	MaxRetries int            `yaml:"max_retries"`
	CacheSize  int            `yaml:"cache_size"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("schema-registry", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.URL, prefix+".url", "", "Schema registry URL. An in-memory registry is used when empty.")
	f.StringVar(&cfg.Username, prefix+".username", "", "Schema registry basic auth username.")
	f.Var(&cfg.Password, prefix+".password", "Schema registry basic auth password.")
	f.DurationVar(&cfg.Timeout, prefix+".timeout", 5*time.Second, "Timeout of a single schema registry request.")
	f.IntVar(&cfg.MaxRetries, prefix+".max-retries", 5, "How many times a failed schema registry request is retried.")
	f.IntVar(&cfg.CacheSize, prefix+".cache-size", 1000, "Number of schemas cached by id.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxRetries < 0 {
		return errors.New("schema-registry.max-retries must not be negative")
	}
	if cfg.URL != "" && cfg.CacheSize <= 0 {
		return errors.New("schema-registry.cache-size must be positive")
	}
	return nil
}

type version struct {
	id     int
	schema avro.Schema
}

// InMemory is a process local Registry.
type InMemory struct {
	mu       sync.Mutex
	nextID   int
	subjects map[string][]version
	byID     map[int]avro.Schema
}

// NewInMemory returns an empty registry.
func NewInMemory() *InMemory {
	return &InMemory{
		nextID:   1,
		subjects: make(map[string][]version),
		byID:     make(map[int]avro.Schema),
	}
}

var _ Registry = (*InMemory)(nil)

func (r *InMemory) Latest(_ context.Context, subject string) (encoding.AvroSchema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.subjects[subject]
	if len(versions) == 0 {
		return encoding.AvroSchema{}, &ResolutionError{Subject: subject, Err: ErrSubjectNotFound}
	}
	v := versions[len(versions)-1]
	return encoding.AvroSchema{ID: v.id, Schema: v.schema}, nil
}

func (r *InMemory) ByID(_ context.Context, id int) (avro.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, &ResolutionError{Subject: fmt.Sprintf("id %d", id), Err: ErrSchemaNotFound}
	}
	return s, nil
}

func (r *InMemory) Register(_ context.Context, subject string, schema avro.Schema) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	canonical := schema.String()
	for _, v := range r.subjects[subject] {
		if v.schema.String() == canonical {
			return v.id, nil
		}
	}
	for id, s := range r.byID {
		if s.String() == canonical {
			r.subjects[subject] = append(r.subjects[subject], version{id: id, schema: s})
			return id, nil
		}
	}
	id := r.nextID
	r.nextID++
	r.byID[id] = schema
	r.subjects[subject] = append(r.subjects[subject], version{id: id, schema: schema})
	return id, nil
}
