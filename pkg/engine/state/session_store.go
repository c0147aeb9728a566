package state

import (
	"sort"

	"github.com/grafana/streamql/pkg/types"
)

// Session is an activity window of one key. Start and End are the first and
// last observed event times, both inclusive.
type Session[V any] struct {
	Key    types.Value
	Window types.TimeWindow
	Value  V
}

// SessionStore holds the open sessions of every key, ordered by start.
type SessionStore[V any] struct {
	name     string
	sessions map[string][]*Session[V]
	size     int
}

// NewSessionStore returns an empty store.
func NewSessionStore[V any](name string) *SessionStore[V] {
	return &SessionStore[V]{name: name, sessions: make(map[string][]*Session[V])}
}

// Name returns the store name.
func (s *SessionStore[V]) Name() string { return s.name }

// Len returns the number of open sessions.
func (s *SessionStore[V]) Len() int { return s.size }

// Probe returns the bounds a record of key at time t would produce and the
// sessions it would absorb. It does not modify the store.
func (s *SessionStore[V]) Probe(key types.Value, t, gap int64) (types.TimeWindow, []*Session[V]) {
	merged := types.TimeWindow{Start: t, End: t}
	var overlapping []*Session[V]
	for _, sess := range s.sessions[key.HashKey()] {
		if t < sess.Window.Start-gap || t > sess.Window.End+gap {
			continue
		}
		overlapping = append(overlapping, sess)
		merged.Start = min(merged.Start, sess.Window.Start)
		merged.End = max(merged.End, sess.Window.End)
	}
	return merged, overlapping
}

// Merge adds an event of key at time t. Sessions within gap of t are
// removed and replaced by a single session covering all of them; merge
// computes its value from the replaced sessions. Merge returns the new
// session and the sessions it replaced. The replacement is applied as one
// step: there is no state in which both old and new sessions are visible.
func (s *SessionStore[V]) Merge(key types.Value, t, gap int64, merge func(merged types.TimeWindow, replaced []*Session[V]) V) (*Session[V], []*Session[V]) {
	bounds, replaced := s.Probe(key, t, gap)
	next := &Session[V]{Key: key, Window: bounds, Value: merge(bounds, replaced)}

	hash := key.HashKey()
	kept := make([]*Session[V], 0, len(s.sessions[hash])+1)
	for _, sess := range s.sessions[hash] {
		if !contains(replaced, sess) {
			kept = append(kept, sess)
		}
	}
	kept = append(kept, next)
	sort.Slice(kept, func(i, j int) bool { return kept[i].Window.Start < kept[j].Window.Start })
	s.sessions[hash] = kept
	s.size += 1 - len(replaced)
	return next, replaced
}

func contains[V any](list []*Session[V], s *Session[V]) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// Expire removes and returns the sessions that can no longer grow or accept
// records: those with end + gap + grace < watermark. The result is ordered by
// session end.
func (s *SessionStore[V]) Expire(watermark, gap, grace int64) []*Session[V] {
	var out []*Session[V]
	for hash, list := range s.sessions {
		kept := list[:0]
		for _, sess := range list {
			if sess.Window.End+gap+grace < watermark {
				out = append(out, sess)
				continue
			}
			kept = append(kept, sess)
		}
		if len(kept) == 0 {
			delete(s.sessions, hash)
		} else {
			s.sessions[hash] = kept
		}
	}
	s.size -= len(out)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Window.End != out[j].Window.End {
			return out[i].Window.End < out[j].Window.End
		}
		return out[i].Key.HashKey() < out[j].Key.HashKey()
	})
	return out
}
