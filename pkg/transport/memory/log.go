// Package memory implements an in-process transport.Log.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/grafana/streamql/pkg/transport"
)

const maxBatch = 256

type partition struct {
	mu   sync.Mutex
	msgs []transport.Message
	// wake is closed and replaced on every append.
	wake chan struct{}
}

func (p *partition) snapshot(from int64) ([]transport.Message, <-chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if from < int64(len(p.msgs)) {
		end := min(int64(len(p.msgs)), from+maxBatch)
		out := make([]transport.Message, end-from)
		copy(out, p.msgs[from:end])
		return out, nil
	}
	return nil, p.wake
}

// Log is an in-process transport.Log. Partitions are append-only slices and
// readers are woken on append.
type Log struct {
	clock quartz.Clock

	mu     sync.RWMutex
	topics map[string][]*partition
}

// NewLog returns an empty log stamping messages with clock when they carry
// no timestamp.
func NewLog(clock quartz.Clock) *Log {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Log{clock: clock, topics: make(map[string][]*partition)}
}

var _ transport.Log = (*Log)(nil)

func (l *Log) CreateTopic(_ context.Context, name string, partitions int) error {
	if partitions <= 0 {
		return fmt.Errorf("topic %s: partition count must be positive, got %d", name, partitions)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.topics[name]; ok {
		return fmt.Errorf("%w: %s", transport.ErrTopicExists, name)
	}
	parts := make([]*partition, partitions)
	for i := range parts {
		parts[i] = &partition{wake: make(chan struct{})}
	}
	l.topics[name] = parts
	return nil
}

func (l *Log) Partitions(_ context.Context, name string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	parts, ok := l.topics[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", transport.ErrTopicNotFound, name)
	}
	return len(parts), nil
}

func (l *Log) partition(topic string, p int32) (*partition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	parts, ok := l.topics[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrTopicNotFound, topic)
	}
	if p < 0 || int(p) >= len(parts) {
		return nil, fmt.Errorf("topic %s has no partition %d", topic, p)
	}
	return parts[p], nil
}

// Append assigns offsets and timestamps and appends msgs. All partitions are
// resolved before anything is written.
func (l *Log) Append(_ context.Context, msgs []transport.Message) error {
	parts := make([]*partition, len(msgs))
	for i, m := range msgs {
		p, err := l.partition(m.Topic, m.Partition)
		if err != nil {
			return err
		}
		parts[i] = p
	}
	now := l.clock.Now()
	for i, m := range msgs {
		p := parts[i]
		p.mu.Lock()
		m.Offset = int64(len(p.msgs))
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		p.msgs = append(p.msgs, m)
		close(p.wake)
		p.wake = make(chan struct{})
		p.mu.Unlock()
	}
	return nil
}

func (l *Log) Read(_ context.Context, topic string, partition int32, start transport.StartOffset) (transport.Reader, error) {
	p, err := l.partition(topic, partition)
	if err != nil {
		return nil, err
	}
	var next int64
	switch {
	case start == transport.StartEarliest:
	case start == transport.StartLatest:
		p.mu.Lock()
		next = int64(len(p.msgs))
		p.mu.Unlock()
	default:
		next = int64(start)
	}
	return &reader{p: p, next: next, done: make(chan struct{})}, nil
}

func (l *Log) EndOffset(_ context.Context, topic string, partition int32) (int64, error) {
	p, err := l.partition(topic, partition)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.msgs)), nil
}

// Messages returns a copy of every message of a partition.
func (l *Log) Messages(topic string, partition int32) []transport.Message {
	p, err := l.partition(topic, partition)
	if err != nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]transport.Message(nil), p.msgs...)
}

// WaitForMessages blocks until the partition holds at least n messages.
func (l *Log) WaitForMessages(ctx context.Context, topic string, partition int32, n int, timeout time.Duration) ([]transport.Message, error) {
	p, err := l.partition(topic, partition)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		p.mu.Lock()
		if len(p.msgs) >= n {
			out := append([]transport.Message(nil), p.msgs...)
			p.mu.Unlock()
			return out, nil
		}
		wake := p.wake
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %d messages on %s/%d: %w", n, topic, partition, ctx.Err())
		case <-wake:
		}
	}
}

type reader struct {
	p    *partition
	next int64

	closeOnce sync.Once
	done      chan struct{}
}

func (r *reader) Next(ctx context.Context) ([]transport.Message, error) {
	for {
		msgs, wake := r.p.snapshot(r.next)
		if len(msgs) > 0 {
			r.next += int64(len(msgs))
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
			return nil, context.Canceled
		case <-wake:
		}
	}
}

func (r *reader) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}
