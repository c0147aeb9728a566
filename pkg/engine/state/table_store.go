package state

import (
	"sort"

	"github.com/grafana/streamql/pkg/types"
)

// Version is the row of a key that became effective at Timestamp. A
// tombstone version marks the key as deleted.
type Version struct {
	Timestamp int64
	Row       types.Row
	Tombstone bool
}

type versions struct {
	key  types.Value
	list []Version // ascending by Timestamp
}

// TableStore materializes a table as versioned rows per key, so that lookups
// can be answered as of a point in event time.
type TableStore struct {
	name string
	keys map[string]*versions
	size int
}

// NewTableStore returns an empty store.
func NewTableStore(name string) *TableStore {
	return &TableStore{name: name, keys: make(map[string]*versions)}
}

// Name returns the store name.
func (s *TableStore) Name() string { return s.name }

// Len returns the number of stored versions across all keys.
func (s *TableStore) Len() int { return s.size }

// Put records row as the value of key from ts on.
func (s *TableStore) Put(key types.Value, ts int64, row types.Row) {
	s.insert(key, Version{Timestamp: ts, Row: row})
}

// Delete records that key has no value from ts on.
func (s *TableStore) Delete(key types.Value, ts int64) {
	s.insert(key, Version{Timestamp: ts, Tombstone: true})
}

func (s *TableStore) insert(key types.Value, v Version) {
	hash := key.HashKey()
	vs, ok := s.keys[hash]
	if !ok {
		vs = &versions{key: key}
		s.keys[hash] = vs
	}
	i := sort.Search(len(vs.list), func(i int) bool { return vs.list[i].Timestamp >= v.Timestamp })
	if i < len(vs.list) && vs.list[i].Timestamp == v.Timestamp {
		vs.list[i] = v
		return
	}
	vs.list = append(vs.list, Version{})
	copy(vs.list[i+1:], vs.list[i:])
	vs.list[i] = v
	s.size++
}

// Get returns the newest row of key.
func (s *TableStore) Get(key types.Value) (types.Row, bool) {
	vs, ok := s.keys[key.HashKey()]
	if !ok || len(vs.list) == 0 {
		return nil, false
	}
	last := vs.list[len(vs.list)-1]
	if last.Tombstone {
		return nil, false
	}
	return last.Row, true
}

// GetAsOf returns the row of key that was effective at t: the newest version
// with timestamp <= t. Versions after t are never visible.
func (s *TableStore) GetAsOf(key types.Value, t int64) (types.Row, bool) {
	vs, ok := s.keys[key.HashKey()]
	if !ok {
		return nil, false
	}
	i := sort.Search(len(vs.list), func(i int) bool { return vs.list[i].Timestamp > t })
	if i == 0 {
		return nil, false
	}
	v := vs.list[i-1]
	if v.Tombstone {
		return nil, false
	}
	return v.Row, true
}

// Prune drops versions older than before, keeping for every key the newest
// version at or before the cutoff so lookups at the cutoff still resolve.
// Keys whose only remaining version is a tombstone are removed.
func (s *TableStore) Prune(before int64) {
	for hash, vs := range s.keys {
		i := sort.Search(len(vs.list), func(i int) bool { return vs.list[i].Timestamp > before })
		if i > 1 {
			s.size -= i - 1
			vs.list = append(vs.list[:0], vs.list[i-1:]...)
		}
		if len(vs.list) == 1 && vs.list[0].Tombstone && vs.list[0].Timestamp <= before {
			s.size--
			delete(s.keys, hash)
		}
	}
}
