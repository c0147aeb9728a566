package executor

import (
	"context"

	"github.com/grafana/streamql/pkg/engine/planner/physical"
	"github.com/grafana/streamql/pkg/engine/state"
)

// tableChangesOperator turns a table changelog into retractions of the
// previous row of a key followed by the addition of its new row.
// Versions are numbered by arrival since a changelog applies in log order.
type tableChangesOperator struct {
	node  *physical.TableChanges
	store *state.TableStore
	seq   int64
}

func newTableChangesOperator(node *physical.TableChanges) *tableChangesOperator {
	return &tableChangesOperator{node: node, store: state.NewTableStore(node.Store)}
}

func (o *tableChangesOperator) Process(ctx context.Context, rec Record, out Emitter) error {
	if prev, ok := o.store.Get(rec.Key); ok {
		retract := rec
		retract.Row, retract.Tombstone, retract.Retract = prev, false, true
		if err := out.Emit(ctx, retract); err != nil {
			return err
		}
	}
	o.seq++
	if rec.Tombstone {
		o.store.Delete(rec.Key, o.seq)
		return nil
	}
	o.store.Put(rec.Key, o.seq, rec.Row)
	return out.Emit(ctx, rec)
}

// Punctuate drops superseded versions. Only the newest one is ever read.
func (o *tableChangesOperator) Punctuate(context.Context, int64, Emitter) error {
	o.store.Prune(o.seq)
	return nil
}

func (o *tableChangesOperator) Flush(context.Context, Emitter) error { return nil }

func (o *tableChangesOperator) stores() []sizedStore { return []sizedStore{o.store} }
