package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/streamql/pkg/engine/internal/util/dag"
	"github.com/grafana/streamql/pkg/engine/planner/physical"
	"github.com/grafana/streamql/pkg/transport"
)

// Config configures the execution of a query.
type Config struct {
	Log    transport.Log
	Codecs CodecProvider
	// Start is where sources that are not materialized start reading.
	Start transport.StartOffset
	// Results receives the rows of an interactive query.
	Results Emitter

	Metrics *Metrics
	Logger  log.Logger
	Backoff backoff.Config

	JoinGrace      time.Duration
	TableRetention time.Duration
	DrainTimeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.Codecs == nil {
		c.Codecs = DefaultCodecs
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
	if c.Backoff == (backoff.Config{}) {
		c.Backoff = transport.DefaultBackoff
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.TableRetention <= 0 {
		c.TableRetention = 24 * time.Hour
	}
}

// Query runs every task of a topology. It completes on its own when a LIMIT
// is reached and otherwise runs until stopped.
type Query struct {
	services.Service

	id       string
	topology *physical.Topology
	cfg      Config
	logger   log.Logger

	tasks   []*Task
	emitted *atomic.Int64

	completeOnce sync.Once
	completed    chan struct{}
}

// NewQuery prepares topology for execution. Nothing is read before the
// service is started.
func NewQuery(topology *physical.Topology, cfg Config) (*Query, error) {
	if cfg.Log == nil {
		return nil, errors.New("query has no transport")
	}
	cfg.setDefaults()
	q := &Query{
		id:        topology.QueryID,
		topology:  topology,
		cfg:       cfg,
		logger:    log.With(cfg.Logger, "query", topology.QueryID),
		emitted:   atomic.NewInt64(0),
		completed: make(chan struct{}),
	}
	q.Service = services.NewBasicService(q.starting, q.running, q.stopping)
	return q, nil
}

// ID returns the query id.
func (q *Query) ID() string { return q.id }

// Topology returns the compiled query.
func (q *Query) Topology() *physical.Topology { return q.topology }

// Completed is closed once the query reached its LIMIT.
func (q *Query) Completed() <-chan struct{} { return q.completed }

func (q *Query) complete() {
	q.completeOnce.Do(func() {
		level.Debug(q.logger).Log("msg", "query reached its limit")
		close(q.completed)
	})
}

// starting creates internal topics and opens every source. Once it returns,
// records appended to the sources are seen by the query.
func (q *Query) starting(ctx context.Context) error {
	for _, t := range q.topology.InternalTopics {
		err := q.cfg.Log.CreateTopic(ctx, t.Name, t.Partitions)
		if err != nil && !errors.Is(err, transport.ErrTopicExists) {
			return fmt.Errorf("creating internal topic %s: %w", t.Name, err)
		}
	}

	for _, stage := range q.topology.Stages {
		if limit := stageLimit(stage); limit != nil && limit.Count <= 0 {
			q.complete()
		}
		for p := 0; p < stage.Partitions; p++ {
			t, err := newTask(q, stage, int32(p))
			if err != nil {
				q.closeTasks()
				return err
			}
			q.tasks = append(q.tasks, t)
			if err := t.open(ctx); err != nil {
				q.closeTasks()
				return err
			}
		}
	}
	level.Info(q.logger).Log("msg", "query started", "stages", len(q.topology.Stages), "tasks", len(q.tasks))
	return nil
}

func (q *Query) closeTasks() {
	for _, t := range q.tasks {
		t.close()
	}
	q.tasks = nil
}

func (q *Query) running(ctx context.Context) error {
	// Tasks outlive ctx so that stopStages can drain them in order. abort
	// ends all of them at once.
	taskCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	g := &errgroup.Group{}
	for _, t := range q.tasks {
		g.Go(func() error {
			err := t.Run(taskCtx)
			if err != nil {
				// A failed task takes the whole query down.
				abort()
			}
			return err
		})
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-q.completed:
		case <-taskCtx.Done():
			return
		}
		q.stopStages(taskCtx, abort)
	}()

	err := g.Wait()
	if err != nil {
		level.Error(q.logger).Log("msg", "query failed", "err", err)
		return err
	}
	return nil
}

// stopStages stops the stages in topological order. A stage is stopped once
// the stages writing its internal topics have drained. Stages that neither
// catch up nor flush within two drain timeouts are aborted.
func (q *Query) stopStages(ctx context.Context, abort context.CancelFunc) {
	for _, stage := range q.topology.Stages {
		var stopped []*Task
		for _, t := range q.tasks {
			if t.stage == stage {
				t.Stop()
				stopped = append(stopped, t)
			}
		}
		deadline := time.NewTimer(2 * q.cfg.DrainTimeout)
		for _, t := range stopped {
			select {
			case <-t.Done():
			case <-ctx.Done():
				deadline.Stop()
				return
			case <-deadline.C:
				level.Warn(q.logger).Log("msg", "stage did not stop in time, aborting query", "stage", stage.ID)
				abort()
				return
			}
		}
		deadline.Stop()
		level.Debug(q.logger).Log("msg", "stage stopped", "stage", stage.ID)
	}
}

func (q *Query) stopping(failure error) error {
	level.Info(q.logger).Log("msg", "query stopped", "emitted", q.emitted.Load(), "failed", failure != nil)
	return nil
}

func stageLimit(stage *physical.Stage) *physical.Limit {
	var limit *physical.Limit
	root := stage.Root()
	if root == nil {
		return nil
	}
	_ = stage.Plan.Walk(root, func(n physical.Node) error {
		if l, ok := n.(*physical.Limit); ok {
			limit = l
		}
		return nil
	}, dag.PreOrderWalk)
	return limit
}
