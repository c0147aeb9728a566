package state

import (
	"github.com/google/btree"

	"github.com/grafana/streamql/pkg/types"
)

// WindowEntry is the state of one (key, window) pair.
type WindowEntry[V any] struct {
	Key    types.Value
	Window types.TimeWindow
	Value  V

	hash string
}

type windowKey struct {
	hash       string
	start, end int64
}

func lessByEnd[V any](a, b *WindowEntry[V]) bool {
	if a.Window.End != b.Window.End {
		return a.Window.End < b.Window.End
	}
	if a.Window.Start != b.Window.Start {
		return a.Window.Start < b.Window.Start
	}
	return a.hash < b.hash
}

// WindowStore holds per-window state ordered by window end, so that closed
// windows can be expired in order.
type WindowStore[V any] struct {
	name    string
	entries map[windowKey]*WindowEntry[V]
	byEnd   *btree.BTreeG[*WindowEntry[V]]
}

// NewWindowStore returns an empty store.
func NewWindowStore[V any](name string) *WindowStore[V] {
	return &WindowStore[V]{
		name:    name,
		entries: make(map[windowKey]*WindowEntry[V]),
		byEnd:   btree.NewG[*WindowEntry[V]](8, lessByEnd[V]),
	}
}

// Name returns the store name.
func (s *WindowStore[V]) Name() string { return s.name }

// Len returns the number of live windows.
func (s *WindowStore[V]) Len() int { return len(s.entries) }

// Get returns the state of key in window w.
func (s *WindowStore[V]) Get(key types.Value, w types.TimeWindow) (V, bool) {
	e, ok := s.entries[windowKey{hash: key.HashKey(), start: w.Start, end: w.End}]
	if !ok {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Upsert sets the state of key in window w.
func (s *WindowStore[V]) Upsert(key types.Value, w types.TimeWindow, v V) {
	k := windowKey{hash: key.HashKey(), start: w.Start, end: w.End}
	if e, ok := s.entries[k]; ok {
		e.Value = v
		return
	}
	e := &WindowEntry[V]{Key: key, Window: w, Value: v, hash: k.hash}
	s.entries[k] = e
	s.byEnd.ReplaceOrInsert(e)
}

// Delete removes the state of key in window w.
func (s *WindowStore[V]) Delete(key types.Value, w types.TimeWindow) {
	k := windowKey{hash: key.HashKey(), start: w.Start, end: w.End}
	e, ok := s.entries[k]
	if !ok {
		return
	}
	delete(s.entries, k)
	s.byEnd.Delete(e)
}

// Expire removes and returns, ordered by window end, every window with
// end + grace < watermark.
func (s *WindowStore[V]) Expire(watermark, grace int64) []*WindowEntry[V] {
	var out []*WindowEntry[V]
	for {
		e, ok := s.byEnd.Min()
		if !ok || e.Window.End+grace >= watermark {
			return out
		}
		s.byEnd.DeleteMin()
		delete(s.entries, windowKey{hash: e.hash, start: e.Window.Start, end: e.Window.End})
		out = append(out, e)
	}
}
