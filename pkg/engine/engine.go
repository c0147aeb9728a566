// Package engine compiles statements against the catalog and runs the
// resulting queries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/grafana/streamql/pkg/catalog"
	"github.com/grafana/streamql/pkg/engine/executor"
	"github.com/grafana/streamql/pkg/engine/function"
	"github.com/grafana/streamql/pkg/engine/planner/logical"
	"github.com/grafana/streamql/pkg/engine/planner/physical"
	"github.com/grafana/streamql/pkg/schemaregistry"
	"github.com/grafana/streamql/pkg/sql/syntax"
	"github.com/grafana/streamql/pkg/transport"
	"github.com/grafana/streamql/pkg/types"
)

var (
	// ErrQueryNotFound is returned when terminating an unknown query.
	ErrQueryNotFound = errors.New("query not found")
	// ErrNotRunning is returned when statements are executed before the
	// engine started or after it stopped.
	ErrNotRunning = errors.New("engine is not running")
)

// Params holds parameters for constructing a new [Engine].
type Params struct {
	Logger     log.Logger            // Logger for optional log messages.
	Registerer prometheus.Registerer // Registerer for optional metrics.

	Config Config

	Log       transport.Log           // Log holding every topic.
	Registry  schemaregistry.Registry // Registry resolving AVRO schemas. Defaults to an in-memory registry.
	Catalog   *catalog.Catalog        // Catalog to register sources in. Defaults to an empty catalog.
	Functions *function.Registry      // Functions callable from queries.
	Clock     quartz.Clock            // Clock stamping inserted records.
}

// validate validates p and applies defaults.
func (p *Params) validate() error {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Registerer == nil {
		p.Registerer = prometheus.NewRegistry()
	}
	if p.Log == nil {
		return errors.New("transport log is required")
	}
	if p.Registry == nil {
		p.Registry = schemaregistry.NewInMemory()
	}
	if p.Catalog == nil {
		p.Catalog = catalog.New()
	}
	if p.Functions == nil {
		p.Functions = function.Default
	}
	if p.Clock == nil {
		p.Clock = quartz.NewReal()
	}
	if p.Config.ResultBuffer <= 0 {
		p.Config.ResultBuffer = 1024
	}
	if p.Config.DefaultPartitions <= 0 {
		p.Config.DefaultPartitions = 1
	}
	return nil
}

// QueryInfo describes a query known to the engine.
type QueryInfo struct {
	ID          string
	State       string
	Sink        string
	Interactive bool
	Statement   string
}

type runningQuery struct {
	info  QueryInfo
	query *executor.Query
}

// Engine executes statements. Persistent queries run until terminated or
// until the engine stops.
type Engine struct {
	services.Service

	cfg         Config
	logger      log.Logger
	metrics     *metrics
	execMetrics *executor.Metrics

	log       transport.Log
	registry  schemaregistry.Registry
	catalog   *catalog.Catalog
	functions *function.Registry
	clock     quartz.Clock
	codecs    *codecs

	// ddl serializes statements that change the catalog.
	ddl sync.Mutex
	seq *atomic.Int64

	mu      sync.Mutex
	queries map[string]*runningQuery
}

// New creates a new Engine.
func New(params Params) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:         params.Config,
		logger:      log.With(params.Logger, "component", "engine"),
		metrics:     newMetrics(params.Registerer),
		execMetrics: executor.NewMetrics(params.Registerer),
		log:         params.Log,
		registry:    params.Registry,
		catalog:     params.Catalog,
		functions:   params.Functions,
		clock:       params.Clock,
		codecs:      newCodecs(params.Registry),
		seq:         atomic.NewInt64(0),
		queries:     map[string]*runningQuery{},
	}
	e.Service = services.NewIdleService(nil, e.stopping)
	return e, nil
}

// Catalog returns the catalog statements are applied to.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

func (e *Engine) stopping(_ error) error {
	e.mu.Lock()
	running := make([]*runningQuery, 0, len(e.queries))
	for _, rq := range e.queries {
		running = append(running, rq)
	}
	e.mu.Unlock()

	for _, rq := range running {
		rq.query.StopAsync()
	}
	for _, rq := range running {
		if err := rq.query.AwaitTerminated(context.Background()); err != nil {
			level.Warn(e.logger).Log("msg", "query did not stop cleanly", "query", rq.info.ID, "err", err)
		}
	}
	level.Info(e.logger).Log("msg", "engine stopped", "queries", len(running))
	return nil
}

// Stop terminates every query, draining its operators, and stops the engine.
func (e *Engine) Stop(ctx context.Context) error {
	return services.StopAndAwaitTerminated(ctx, e)
}

// Result is the outcome of a statement.
type Result struct {
	Kind    string
	Message string
	// QueryID is set for statements that started a query.
	QueryID string
	Columns []string
	Rows    []types.Row
}

// Execute applies one statement. Statements changing the catalog either take
// full effect or none.
func (e *Engine) Execute(ctx context.Context, sql string) (*Result, error) {
	stmt, err := syntax.Parse(sql)
	if err != nil {
		e.metrics.observeStatement("invalid", err)
		return nil, err
	}
	return e.ExecuteStatement(ctx, stmt)
}

// ExecuteScript applies the statements of script in order and stops at the
// first failure.
func (e *Engine) ExecuteScript(ctx context.Context, script string) ([]*Result, error) {
	stmts, err := syntax.ParseScript(script)
	if err != nil {
		e.metrics.observeStatement("invalid", err)
		return nil, err
	}
	results := make([]*Result, 0, len(stmts))
	for _, stmt := range stmts {
		res, err := e.ExecuteStatement(ctx, stmt)
		if err != nil {
			return results, fmt.Errorf("%s: %w", stmt, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// ExecuteStatement applies a parsed statement.
func (e *Engine) ExecuteStatement(ctx context.Context, stmt syntax.Statement) (*Result, error) {
	kind := statementKind(stmt)
	res, err := e.execute(ctx, stmt)
	e.metrics.observeStatement(kind, err)
	if err != nil {
		level.Debug(e.logger).Log("msg", "statement failed", "kind", kind, "err", err)
		return nil, err
	}
	res.Kind = kind
	return res, nil
}

func (e *Engine) execute(ctx context.Context, stmt syntax.Statement) (*Result, error) {
	if e.State() != services.Running {
		return nil, ErrNotRunning
	}
	switch s := stmt.(type) {
	case *syntax.CreateSource:
		return e.createSource(ctx, s)
	case *syntax.CreateAsSelect:
		return e.createAsSelect(ctx, s)
	case *syntax.Drop:
		return e.drop(s)
	case *syntax.Show:
		return e.show(s), nil
	case *syntax.Describe:
		return e.describe(s)
	case *syntax.Terminate:
		if err := e.Terminate(ctx, s.QueryID); err != nil {
			return nil, err
		}
		return &Result{Message: fmt.Sprintf("Query %s terminated.", s.QueryID)}, nil
	case *syntax.InsertValues:
		return e.insert(ctx, s)
	case *syntax.Select:
		return nil, errors.New("SELECT statements are run with Query")
	}
	return nil, fmt.Errorf("unsupported statement %T", stmt)
}

func statementKind(stmt syntax.Statement) string {
	switch stmt.(type) {
	case *syntax.CreateSource:
		return "create_source"
	case *syntax.CreateAsSelect:
		return "create_as_select"
	case *syntax.Select:
		return "select"
	case *syntax.Drop:
		return "drop"
	case *syntax.Show:
		return "show"
	case *syntax.Describe:
		return "describe"
	case *syntax.Terminate:
		return "terminate"
	case *syntax.InsertValues:
		return "insert"
	}
	return "unknown"
}

// Query starts an interactive query. Rows are read from the returned cursor,
// which must be closed.
func (e *Engine) Query(ctx context.Context, sql string) (*Cursor, error) {
	stmt, err := syntax.Parse(sql)
	if err != nil {
		e.metrics.observeStatement("invalid", err)
		return nil, err
	}
	sel, ok := stmt.(*syntax.Select)
	if !ok {
		err := fmt.Errorf("expected a SELECT statement, got %s", statementKind(stmt))
		e.metrics.observeStatement(statementKind(stmt), err)
		return nil, err
	}
	c, err := e.query(ctx, sel)
	e.metrics.observeStatement("select", err)
	return c, err
}

func (e *Engine) query(ctx context.Context, sel *syntax.Select) (*Cursor, error) {
	if e.State() != services.Running {
		return nil, ErrNotRunning
	}
	plan, err := logical.Build(sel, e.catalog.Snapshot(), logical.Options{
		Functions:    e.functions,
		DefaultGrace: e.cfg.DefaultGrace,
	})
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("transient_%s_%d", plan.Sources[0].Name, e.seq.Inc())
	topo, err := physical.Compile(plan, physical.Options{QueryID: id, TopicPrefix: e.cfg.TopicPrefix})
	if err != nil {
		return nil, err
	}
	e.logPlans(id, plan, topo)

	cursor := newCursor(topo.Sink.Schema, e.cfg.ResultBuffer)
	q, err := executor.NewQuery(topo, e.queryConfig(cursor))
	if err != nil {
		return nil, err
	}
	cursor.query = q

	if err := e.catalog.Apply(func(tx *catalog.Txn) error {
		return addReaders(tx, plan, id)
	}); err != nil {
		return nil, err
	}
	rq := &runningQuery{
		info:  QueryInfo{ID: id, Interactive: true, Statement: sel.String()},
		query: q,
	}
	cursor.release = func(failure error) {
		if failure != nil {
			level.Warn(e.logger).Log("msg", "interactive query failed", "query", id, "err", failure)
		}
		e.forget(rq)
	}
	if err := e.start(ctx, rq); err != nil {
		return nil, err
	}
	go cursor.watch()
	return cursor, nil
}

func addReaders(tx *catalog.Txn, plan *logical.Plan, id string) error {
	for _, src := range plan.Sources {
		if err := tx.AddReader(src.Name, id); err != nil {
			return err
		}
	}
	return nil
}

// logPlans logs both plans of a query at debug level.
func (e *Engine) logPlans(id string, plan *logical.Plan, topo *physical.Topology) {
	var sb strings.Builder
	if err := logical.PrintTree(&sb, plan.Root); err != nil {
		level.Warn(e.logger).Log("msg", "failed to print logical plan", "query", id, "err", err)
	}
	level.Debug(e.logger).Log("msg", "finished logical planning", "query", id, "plan", sb.String())
	level.Debug(e.logger).Log("msg", "finished physical planning", "query", id, "plan", physical.PrintAsTree(topo))
}

func (e *Engine) queryConfig(results executor.Emitter) executor.Config {
	return executor.Config{
		Log:            e.log,
		Codecs:         e.codecs.provide,
		Start:          e.cfg.startOffset(),
		Results:        results,
		Metrics:        e.execMetrics,
		Logger:         e.logger,
		JoinGrace:      e.cfg.JoinGrace,
		TableRetention: e.cfg.TableRetention,
		DrainTimeout:   e.cfg.DrainTimeout,
	}
}

// start runs rq until it is terminated. The query outlives ctx, which only
// bounds the wait for it to open its sources.
func (e *Engine) start(ctx context.Context, rq *runningQuery) error {
	rq.info.State = queryRunning
	e.mu.Lock()
	e.queries[rq.info.ID] = rq
	e.mu.Unlock()
	e.metrics.queries.WithLabelValues(queryRunning).Inc()

	q := rq.query
	err := q.StartAsync(context.Background())
	if err == nil {
		err = q.AwaitRunning(ctx)
	}
	if err != nil {
		q.StopAsync()
		_ = q.AwaitTerminated(context.Background())
		if failure := q.FailureCase(); failure != nil {
			err = failure
		}
		e.forget(rq)
		return fmt.Errorf("starting query %s: %w", rq.info.ID, err)
	}
	level.Info(e.logger).Log("msg", "query started", "query", rq.info.ID, "interactive", rq.info.Interactive)
	return nil
}

// forget removes rq from the engine and releases its catalog references.
func (e *Engine) forget(rq *runningQuery) {
	e.mu.Lock()
	cur, ok := e.queries[rq.info.ID]
	if !ok || cur != rq {
		e.mu.Unlock()
		return
	}
	delete(e.queries, rq.info.ID)
	state := rq.info.State
	e.mu.Unlock()

	e.metrics.queries.WithLabelValues(state).Dec()
	_ = e.catalog.Apply(func(tx *catalog.Txn) error {
		tx.ReleaseQuery(rq.info.ID)
		return nil
	})
}

func (e *Engine) markFailed(rq *runningQuery, failure error) {
	e.mu.Lock()
	if _, ok := e.queries[rq.info.ID]; !ok || rq.info.State == queryFailed {
		e.mu.Unlock()
		return
	}
	rq.info.State = queryFailed
	e.mu.Unlock()

	e.metrics.queries.WithLabelValues(queryRunning).Dec()
	e.metrics.queries.WithLabelValues(queryFailed).Inc()
	level.Error(e.logger).Log("msg", "query failed", "query", rq.info.ID, "err", failure)
}

// Terminate stops a query and releases the sources it reads and writes. The
// sink of a persistent query stays registered.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	e.mu.Lock()
	rq, ok := e.queries[id]
	if !ok {
		for qid, q := range e.queries {
			if strings.EqualFold(qid, id) {
				rq, ok = q, true
				break
			}
		}
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueryNotFound, id)
	}

	rq.query.StopAsync()
	if err := rq.query.AwaitTerminated(ctx); err != nil && rq.query.State() != services.Failed {
		return err
	}
	e.forget(rq)
	level.Info(e.logger).Log("msg", "query terminated", "query", rq.info.ID)
	return nil
}

// Queries lists the queries known to the engine ordered by id.
func (e *Engine) Queries() []QueryInfo {
	e.mu.Lock()
	out := make([]QueryInfo, 0, len(e.queries))
	for _, rq := range e.queries {
		out = append(out, rq.info)
	}
	e.mu.Unlock()
	slices.SortFunc(out, func(a, b QueryInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}
