// Package transport defines the partitioned, replayable record log that
// queries read from and write to.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTopicNotFound = errors.New("topic not found")
	ErrTopicExists   = errors.New("topic already exists")
)

// Header is a message header.
type Header struct {
	Key   string
	Value []byte
}

// Message is a record at the transport boundary. Offset and Timestamp are
// assigned by the log on Append when left empty.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   []Header
}

// Header returns the value of the first header named key.
func (m Message) Header(key string) ([]byte, bool) {
	for _, h := range m.Headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return nil, false
}

// StartOffset is the position a Reader starts from. Non-negative values are
// exact offsets.
type StartOffset int64

const (
	// StartEarliest reads a partition from its first retained message.
	StartEarliest StartOffset = -2
	// StartLatest reads only messages appended after the reader was created.
	StartLatest StartOffset = -1
)

func (o StartOffset) String() string {
	switch o {
	case StartEarliest:
		return "earliest"
	case StartLatest:
		return "latest"
	}
	return fmt.Sprintf("%d", int64(o))
}

// ParseStartOffset parses "earliest" or "latest".
func ParseStartOffset(s string) (StartOffset, error) {
	switch s {
	case "earliest":
		return StartEarliest, nil
	case "latest":
		return StartLatest, nil
	}
	return 0, fmt.Errorf("invalid start offset %q: must be earliest or latest", s)
}

// Log is an ordered, partitioned, replayable sequence of messages per topic
// with at-least-once delivery.
type Log interface {
	// CreateTopic creates a topic. It returns ErrTopicExists if the topic is
	// already present.
	CreateTopic(ctx context.Context, name string, partitions int) error
	// Partitions returns the partition count of a topic or ErrTopicNotFound.
	Partitions(ctx context.Context, name string) (int, error)
	// Append writes messages to the topic and partition set on each of them.
	// Order is preserved per partition.
	Append(ctx context.Context, msgs []Message) error
	// Read returns a reader of one partition. StartLatest is resolved when
	// Read is called.
	Read(ctx context.Context, topic string, partition int32, start StartOffset) (Reader, error)
	// EndOffset returns the offset the next appended message of a partition
	// will get.
	EndOffset(ctx context.Context, topic string, partition int32) (int64, error)
}

// Reader consumes one partition in offset order.
type Reader interface {
	// Next blocks until at least one message is available or ctx is done.
	Next(ctx context.Context) ([]Message, error)
	Close() error
}

// Error is a transient transport failure. Operations failing with an Error
// can be retried.
type Error struct {
	Op    string
	Topic string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Topic, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable transport error.
func IsTransient(err error) bool {
	var terr *Error
	return errors.As(err, &terr)
}
