package executor

import (
	"context"

	"go.uber.org/atomic"
)

// limitOperator forwards rows until the query has emitted count of them. The
// counter is shared by every task of the query so the limit is global.
type limitOperator struct {
	stateless
	count   int64
	emitted *atomic.Int64
	// done is called once, right after the last admitted row was emitted.
	done func()
}

func newLimitOperator(count int, emitted *atomic.Int64, done func()) *limitOperator {
	return &limitOperator{count: int64(count), emitted: emitted, done: done}
}

func (o *limitOperator) Process(ctx context.Context, rec Record, out Emitter) error {
	if rec.Tombstone || rec.Retract {
		if o.emitted.Load() >= o.count {
			return nil
		}
		return out.Emit(ctx, rec)
	}
	n := o.emitted.Inc()
	if n > o.count {
		return nil
	}
	if err := out.Emit(ctx, rec); err != nil {
		return err
	}
	if n == o.count && o.done != nil {
		o.done()
	}
	return nil
}
