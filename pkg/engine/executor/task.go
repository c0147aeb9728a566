package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/streamql/pkg/engine/planner/physical"
	"github.com/grafana/streamql/pkg/transport"
	"github.com/grafana/streamql/pkg/types"
)

// sizedStore is a state store reporting its size.
type sizedStore interface {
	Name() string
	Len() int
}

// source is one partition read by a task.
type source struct {
	node   *node
	scan   *scanOperator
	reader transport.Reader
	// bootstrapEnd is the end offset a materialized table is read up to
	// before the task processes anything else. Zero disables bootstrapping.
	bootstrapEnd int64
	// watermarked sources advance the task watermark.
	watermarked bool
	// next is the offset after the last record handed to the operators.
	next int64
}

type batch struct {
	src  *source
	msgs []transport.Message
}

// Task runs the operators of one stage over one partition of its inputs.
// Records are processed strictly sequentially; operators and their state
// stores are owned by the task.
type Task struct {
	query     *Query
	stage     *physical.Stage
	partition int32
	logger    log.Logger

	nodes   []*node
	sources []*source
	stores  []sizedStore
	// reported is the size of each store last added to the entries gauge.
	reported map[string]int

	watermark int64
	processed map[*node]prometheus.Counter
	late      prometheus.Counter

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newTask(q *Query, stage *physical.Stage, partition int32) (*Task, error) {
	t := &Task{
		query:     q,
		stage:     stage,
		partition: partition,
		logger:    log.With(q.logger, "stage", stage.ID, "partition", partition),
		reported:  map[string]int{},
		watermark: math.MinInt64,
		processed: map[*node]prometheus.Counter{},
		late:      q.cfg.Metrics.lateDropped.WithLabelValues(q.id),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	b := &builder{
		query:     q,
		writer:    &topicWriter{log: q.cfg.Log, backoff: q.cfg.Backoff, logger: t.logger},
		evaluator: newExpressionEvaluator(),
	}
	nodes, err := b.build(stage)
	if err != nil {
		return nil, err
	}
	t.nodes = nodes
	for _, n := range nodes {
		t.processed[n] = q.cfg.Metrics.recordsProcessed.WithLabelValues(q.id, n.kind.String())
		if s, ok := n.op.(interface{ stores() []sizedStore }); ok {
			t.stores = append(t.stores, s.stores()...)
		}
		if scan, ok := n.op.(*scanOperator); ok {
			t.sources = append(t.sources, &source{node: n, scan: scan})
		}
	}
	return t, nil
}

// open creates the readers of every source. Start offsets are resolved now,
// so records appended after open returns are never missed.
func (t *Task) open(ctx context.Context) error {
	for _, src := range t.sources {
		scan := src.scan.node
		start := t.query.cfg.Start
		if scan.FromEarliest {
			start = transport.StartEarliest
		}
		materialized := scan.Side == physical.SideRight && scan.Kind == types.SourceTable
		if materialized {
			end, err := t.query.cfg.Log.EndOffset(ctx, scan.Topic, t.partition)
			if err != nil {
				return fmt.Errorf("reading end offset of %s: %w", scan.Topic, err)
			}
			src.bootstrapEnd = end
		}
		src.watermarked = !materialized

		r, err := t.query.cfg.Log.Read(ctx, scan.Topic, t.partition, start)
		if err != nil {
			return fmt.Errorf("reading %s partition %d: %w", scan.Topic, t.partition, err)
		}
		src.reader = r
	}
	return nil
}

func (t *Task) close() {
	for _, src := range t.sources {
		if src.reader != nil {
			_ = src.reader.Close()
		}
	}
	for _, s := range t.stores {
		t.query.cfg.Metrics.storeEntries.WithLabelValues(t.query.id, s.Name()).Sub(float64(t.reported[s.Name()]))
	}
}

// Stop asks Run to catch up with its internal sources and drain.
func (t *Task) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Done is closed once Run returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Run processes records until Stop is called or ctx is done, then drains the
// operators. Cancelling ctx skips the catch up.
func (t *Task) Run(ctx context.Context) error {
	defer close(t.done)
	defer t.close()
	for _, n := range t.nodes {
		if err := n.state.transition(StateRunning); err != nil {
			return err
		}
	}
	level.Debug(t.logger).Log("msg", "task started", "sources", len(t.sources))

	for _, src := range t.sources {
		if err := t.bootstrap(ctx, src); err != nil {
			if ctx.Err() != nil {
				return t.drain(ctx)
			}
			return err
		}
	}

	readCtx, cancel := context.WithCancel(ctx)
	batches := make(chan batch)
	g, gctx := errgroup.WithContext(readCtx)
	for _, src := range t.sources {
		g.Go(func() error { return t.pump(gctx, src, batches) })
	}

	var runErr error
loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case <-t.stop:
			runErr = t.catchUp(ctx, gctx, batches)
			break loop
		case b := <-batches:
			if err := t.process(ctx, b); err != nil {
				runErr = err
				break loop
			}
		}
	}
	cancel()
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return runErr
	}
	return t.drain(ctx)
}

// bootstrap reads a materialized table up to the end offset observed when
// the task was opened.
func (t *Task) bootstrap(ctx context.Context, src *source) error {
	for src.next < src.bootstrapEnd {
		msgs, err := src.reader.Next(ctx)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			continue
		}
		if err := t.process(ctx, batch{src: src, msgs: msgs}); err != nil {
			return err
		}
	}
	if src.bootstrapEnd > 0 {
		level.Debug(t.logger).Log("msg", "table loaded", "topic", src.scan.node.Topic, "end_offset", src.bootstrapEnd)
	}
	return nil
}

// catchUp processes internal sources up to their current end offset. Stages
// are stopped upstream first, so this folds in everything they flushed.
func (t *Task) catchUp(ctx, gctx context.Context, batches <-chan batch) error {
	ends := map[*source]int64{}
	for _, src := range t.sources {
		if !src.scan.node.Internal {
			continue
		}
		end, err := t.query.cfg.Log.EndOffset(ctx, src.scan.node.Topic, t.partition)
		if err != nil {
			return fmt.Errorf("reading end offset of %s: %w", src.scan.node.Topic, err)
		}
		if src.next < end {
			ends[src] = end
		}
	}
	if len(ends) == 0 {
		return nil
	}

	timeout := time.NewTimer(t.query.cfg.DrainTimeout)
	defer timeout.Stop()
	for len(ends) > 0 {
		select {
		case <-gctx.Done():
			return nil
		case <-timeout.C:
			level.Warn(t.logger).Log("msg", "stopped before reaching the end of internal topics", "pending", len(ends))
			return nil
		case b := <-batches:
			if err := t.process(ctx, b); err != nil {
				return err
			}
			if end, ok := ends[b.src]; ok && b.src.next >= end {
				delete(ends, b.src)
			}
		}
	}
	level.Debug(t.logger).Log("msg", "caught up with internal topics")
	return nil
}

// pump reads a source and hands its batches to the task loop. Transient read
// failures are retried without bound.
func (t *Task) pump(ctx context.Context, src *source, out chan<- batch) error {
	boff := backoff.New(ctx, t.query.cfg.Backoff)
	for {
		msgs, err := src.reader.Next(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil && transport.IsTransient(err):
			level.Warn(t.logger).Log("msg", "reading source failed, retrying", "topic", src.scan.node.Topic, "err", err)
			boff.Wait()
			continue
		case err != nil:
			return fmt.Errorf("reading %s partition %d: %w", src.scan.node.Topic, t.partition, err)
		}
		boff.Reset()
		select {
		case out <- batch{src: src, msgs: msgs}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (t *Task) process(ctx context.Context, b batch) error {
	for _, msg := range b.msgs {
		b.src.next = msg.Offset + 1
		rec, err := b.src.scan.decode(msg)
		if err != nil {
			t.query.cfg.Metrics.decodeErrors.WithLabelValues(t.query.id, msg.Topic).Inc()
			level.Warn(t.logger).Log("msg", "skipping record that cannot be decoded", "topic", msg.Topic, "offset", msg.Offset, "err", err)
			continue
		}
		if err := t.push(ctx, b.src.node, rec); err != nil {
			return err
		}
		if b.src.watermarked && rec.Timestamp > t.watermark {
			t.watermark = rec.Timestamp
			if err := t.punctuate(ctx); err != nil {
				return err
			}
		}
	}
	t.reportStores()
	return nil
}

// push hands rec to n and forwards its output to the consumers of n.
func (t *Task) push(ctx context.Context, n *node, rec Record) error {
	return t.deliver(ctx, n, rec, false)
}

func (t *Task) deliver(ctx context.Context, n *node, rec Record, right bool) error {
	if n.state != StateRunning {
		return fmt.Errorf("%s cannot process records while %s", n.id, n.state)
	}
	t.processed[n].Inc()
	var err error
	if right {
		err = n.op.(BinaryOperator).ProcessRight(ctx, rec, t.output(n))
	} else {
		err = n.op.Process(ctx, rec, t.output(n))
	}
	if errors.Is(err, ErrLateRecord) {
		t.late.Inc()
		return nil
	}
	return err
}

// output returns the emitter forwarding the records of n to its consumer.
func (t *Task) output(n *node) Emitter {
	return EmitterFunc(func(ctx context.Context, rec Record) error {
		if n.parent == nil {
			return nil
		}
		return t.deliver(ctx, n.parent, rec, n.right)
	})
}

// punctuate advances the watermark of every operator, inputs first.
func (t *Task) punctuate(ctx context.Context) error {
	for _, n := range t.nodes {
		if err := n.op.Punctuate(ctx, t.watermark, t.output(n)); err != nil {
			return fmt.Errorf("%s: %w", n.id, err)
		}
	}
	return nil
}

// drain flushes every operator, inputs first, so that flushed records reach
// consumers that are still running.
func (t *Task) drain(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.query.cfg.DrainTimeout)
	defer cancel()
	for _, n := range t.nodes {
		if err := n.state.transition(StateDraining); err != nil {
			return err
		}
		if err := n.op.Flush(flushCtx, t.output(n)); err != nil {
			return fmt.Errorf("flushing %s: %w", n.id, err)
		}
		if err := n.state.transition(StateStopped); err != nil {
			return err
		}
	}
	t.reportStores()
	level.Debug(t.logger).Log("msg", "task drained", "watermark", t.watermark)
	return nil
}

func (t *Task) reportStores() {
	for _, s := range t.stores {
		n := s.Len()
		if d := n - t.reported[s.Name()]; d != 0 {
			t.query.cfg.Metrics.storeEntries.WithLabelValues(t.query.id, s.Name()).Add(float64(d))
			t.reported[s.Name()] = n
		}
	}
}
