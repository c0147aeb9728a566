package state

import (
	"github.com/google/btree"

	"github.com/grafana/streamql/pkg/types"
)

// BufferedRecord is a record held by a stream-stream join.
type BufferedRecord struct {
	Key       types.Value
	Row       types.Row
	Timestamp int64
	Partition int32
	Offset    int64
	// Matched is set once the record joined with at least one record of the
	// other side.
	Matched bool

	hash string
}

func (r *BufferedRecord) less(o *BufferedRecord) bool {
	if r.Timestamp != o.Timestamp {
		return r.Timestamp < o.Timestamp
	}
	if r.Partition != o.Partition {
		return r.Partition < o.Partition
	}
	if r.Offset != o.Offset {
		return r.Offset < o.Offset
	}
	return r.hash < o.hash
}

// JoinBuffer holds the records of one join side, indexed by key and ordered by
// (timestamp, partition, offset).
type JoinBuffer struct {
	name  string
	byKey map[string]*btree.BTreeG[*BufferedRecord]
	all   *btree.BTreeG[*BufferedRecord]
}

// NewJoinBuffer returns an empty buffer.
func NewJoinBuffer(name string) *JoinBuffer {
	return &JoinBuffer{
		name:  name,
		byKey: make(map[string]*btree.BTreeG[*BufferedRecord]),
		all:   btree.NewG[*BufferedRecord](8, (*BufferedRecord).less),
	}
}

// Name returns the buffer name.
func (b *JoinBuffer) Name() string { return b.name }

// Len returns the number of buffered records.
func (b *JoinBuffer) Len() int { return b.all.Len() }

// Add buffers r.
func (b *JoinBuffer) Add(r *BufferedRecord) {
	r.hash = r.Key.HashKey()
	tree, ok := b.byKey[r.hash]
	if !ok {
		tree = btree.NewG[*BufferedRecord](4, (*BufferedRecord).less)
		b.byKey[r.hash] = tree
	}
	tree.ReplaceOrInsert(r)
	b.all.ReplaceOrInsert(r)
}

// Range calls fn, in order, for every record of key with from <= timestamp <=
// to until fn returns false.
func (b *JoinBuffer) Range(key types.Value, from, to int64, fn func(*BufferedRecord) bool) {
	tree, ok := b.byKey[key.HashKey()]
	if !ok {
		return
	}
	pivot := &BufferedRecord{Timestamp: from, Partition: -1 << 31, Offset: -1 << 63}
	tree.AscendGreaterOrEqual(pivot, func(r *BufferedRecord) bool {
		if r.Timestamp > to {
			return false
		}
		return fn(r)
	})
}

// Expire removes and returns, in order, every record with timestamp < before.
func (b *JoinBuffer) Expire(before int64) []*BufferedRecord {
	var out []*BufferedRecord
	for {
		r, ok := b.all.Min()
		if !ok || r.Timestamp >= before {
			return out
		}
		b.all.DeleteMin()
		if tree, ok := b.byKey[r.hash]; ok {
			tree.Delete(r)
			if tree.Len() == 0 {
				delete(b.byKey, r.hash)
			}
		}
		out = append(out, r)
	}
}
