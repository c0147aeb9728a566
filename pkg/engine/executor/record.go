// Package executor runs compiled topologies over a transport.Log.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/grafana/streamql/pkg/types"
)

// ErrLateRecord is returned by operators for records whose window already
// closed. It is not fatal: the record is dropped and counted.
var ErrLateRecord = errors.New("late record")

// Record is a row flowing through a task. Records are never modified once
// emitted; operators emit new records instead.
type Record struct {
	Key types.Value
	Row types.Row
	// Timestamp is the event time in milliseconds.
	Timestamp int64
	Partition int32
	Offset    int64
	// Tombstone marks the deletion of Key from a table.
	Tombstone bool
	// Retract marks the removal of a previously added row. Retractions are
	// only produced by table changes.
	Retract bool
	Window  *types.TimeWindow
}

func (r Record) String() string {
	switch {
	case r.Tombstone:
		return fmt.Sprintf("%s@%d DELETE", r.Key, r.Timestamp)
	case r.Retract:
		return fmt.Sprintf("%s@%d -%s", r.Key, r.Timestamp, r.Row)
	}
	return fmt.Sprintf("%s@%d %s", r.Key, r.Timestamp, r.Row)
}

// Emitter receives the output of an operator.
type Emitter interface {
	Emit(ctx context.Context, rec Record) error
}

// EmitterFunc adapts a function to [Emitter].
type EmitterFunc func(ctx context.Context, rec Record) error

func (f EmitterFunc) Emit(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Operator is the per-task instance of a physical node. Operators are used by
// a single goroutine and own their state exclusively.
type Operator interface {
	// Process handles one input record.
	Process(ctx context.Context, rec Record, out Emitter) error
	// Punctuate is called when the task watermark advances.
	Punctuate(ctx context.Context, watermark int64, out Emitter) error
	// Flush emits everything still derivable from buffered state. It is
	// called once when the task drains.
	Flush(ctx context.Context, out Emitter) error
}

// BinaryOperator is an operator with a second input. Process receives the
// left input.
type BinaryOperator interface {
	Operator
	ProcessRight(ctx context.Context, rec Record, out Emitter) error
}

// stateless provides no-op Punctuate and Flush.
type stateless struct{}

func (stateless) Punctuate(context.Context, int64, Emitter) error { return nil }
func (stateless) Flush(context.Context, Emitter) error            { return nil }

// State is the lifecycle state of an operator instance.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateStopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrIllegalTransition is returned for state changes the lifecycle forbids.
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State]State{
	StateCreated:  StateRunning,
	StateRunning:  StateDraining,
	StateDraining: StateStopped,
}

// transition moves from s to next.
func (s *State) transition(next State) error {
	if transitions[*s] != next || *s == StateStopped {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, *s, next)
	}
	*s = next
	return nil
}
