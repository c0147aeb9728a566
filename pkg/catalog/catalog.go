// Package catalog tracks the streams and tables known to the engine.
//
// Entries are immutable. All mutations go through [Catalog.Apply], which
// works on a private copy and publishes it only if the mutation succeeds, so
// a failed statement never leaves a partially registered source behind.
package catalog

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/grafana/streamql/pkg/types"
)

var (
	ErrExists   = errors.New("source already exists")
	ErrNotFound = errors.New("source not found")
	ErrInUse    = errors.New("source is in use")
)

// Entry describes a registered stream or table.
type Entry struct {
	Name   string
	Kind   types.SourceKind
	Schema types.Schema

	// KeyColumn names the column holding the record key, if any.
	KeyColumn string
	// KeyType is the type of the record key. Defaults to STRING when the
	// source declares no key column.
	KeyType types.Type
	// TimestampColumn names a BIGINT column holding event time in
	// milliseconds. Empty means the record timestamp is used.
	TimestampColumn string

	Topic      string
	Format     string
	Delimiter  string
	Partitions int
	// SchemaID is the registry id pinned when the schema was resolved or
	// registered. Zero for formats without a registry.
	SchemaID int
	// Windowed is set for tables produced by windowed aggregations. Their
	// keys carry window bounds.
	Windowed bool

	// Query is the id of the persistent query writing this source, empty for
	// sources declared over existing topics.
	Query string
	// Statement is the statement text that created the entry.
	Statement string
}

// Catalog is safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	current *state
}

type state struct {
	entries map[string]*Entry
	// readers maps an entry to the set of queries reading it.
	readers map[string]map[string]struct{}
}

func (s *state) clone() *state {
	out := &state{
		entries: maps.Clone(s.entries),
		readers: make(map[string]map[string]struct{}, len(s.readers)),
	}
	for k, v := range s.readers {
		out.readers[k] = maps.Clone(v)
	}
	return out
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{current: &state{
		entries: map[string]*Entry{},
		readers: map[string]map[string]struct{}{},
	}}
}

func normalize(name string) string { return strings.ToUpper(name) }

// Snapshot returns a read-only view of the catalog at the time of the call.
func (c *Catalog) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Snapshot{state: c.current}
}

// Apply runs fn against a copy of the catalog and publishes the copy if fn
// returns nil. Apply calls are serialized.
func (c *Catalog) Apply(fn func(tx *Txn) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx := &Txn{state: c.current.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	c.current = tx.state
	return nil
}

// Snapshot is an immutable view of the catalog.
type Snapshot struct {
	state *state
}

// Lookup returns the entry called name.
func (s *Snapshot) Lookup(name string) (*Entry, bool) {
	e, ok := s.state.entries[normalize(name)]
	return e, ok
}

// List returns all entries of the given kind ordered by name.
func (s *Snapshot) List(kind types.SourceKind) []*Entry {
	var out []*Entry
	for _, e := range s.state.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *Entry) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Readers returns the ids of the queries reading name, sorted.
func (s *Snapshot) Readers(name string) []string {
	return slices.Sorted(maps.Keys(s.state.readers[normalize(name)]))
}

// Txn is a pending catalog mutation.
type Txn struct {
	state *state
}

// Lookup returns the entry called name, including entries created earlier in
// the same transaction.
func (tx *Txn) Lookup(name string) (*Entry, bool) {
	e, ok := tx.state.entries[normalize(name)]
	return e, ok
}

// Create registers a new entry.
func (tx *Txn) Create(e *Entry) error {
	key := normalize(e.Name)
	if key == "" {
		return errors.New("source name must not be empty")
	}
	if _, ok := tx.state.entries[key]; ok {
		return fmt.Errorf("%w: %s", ErrExists, e.Name)
	}
	if e.Schema.Len() == 0 {
		return fmt.Errorf("source %s has no columns", e.Name)
	}
	tx.state.entries[key] = e
	return nil
}

// Drop removes an entry. It fails with ErrInUse while a query reads or writes
// the entry.
func (tx *Txn) Drop(name string) error {
	key := normalize(name)
	e, ok := tx.state.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if readers := tx.state.readers[key]; len(readers) > 0 {
		ids := slices.Sorted(maps.Keys(readers))
		return fmt.Errorf("%w: %s is read by queries %s", ErrInUse, e.Name, strings.Join(ids, ", "))
	}
	if e.Query != "" {
		return fmt.Errorf("%w: %s is written by query %s", ErrInUse, e.Name, e.Query)
	}
	delete(tx.state.entries, key)
	delete(tx.state.readers, key)
	return nil
}

// AddReader records that queryID reads from name.
func (tx *Txn) AddReader(name, queryID string) error {
	key := normalize(name)
	if _, ok := tx.state.entries[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	readers, ok := tx.state.readers[key]
	if !ok {
		readers = map[string]struct{}{}
		tx.state.readers[key] = readers
	}
	readers[queryID] = struct{}{}
	return nil
}

// ReleaseQuery removes every reference queryID holds: its reader
// registrations and its ownership of the entry it writes. The written entry
// stays registered.
func (tx *Txn) ReleaseQuery(queryID string) {
	for key, readers := range tx.state.readers {
		delete(readers, queryID)
		if len(readers) == 0 {
			delete(tx.state.readers, key)
		}
	}
	for key, e := range tx.state.entries {
		if e.Query == queryID {
			released := *e
			released.Query = ""
			tx.state.entries[key] = &released
		}
	}
}
