// Package streamql wires the engine to its record log and schema registry
// and runs it as a server.
package streamql

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grafana/streamql/pkg/engine"
	"github.com/grafana/streamql/pkg/kafka"
	"github.com/grafana/streamql/pkg/schemaregistry"
	"github.com/grafana/streamql/pkg/transport"
	"github.com/grafana/streamql/pkg/transport/memory"
	util_log "github.com/grafana/streamql/pkg/util/log"
)

// StreamQL is the root datastructure for a server.
type StreamQL struct {
	cfg    Config
	logger log.Logger
	gather prometheus.Gatherer

	log      transport.Log
	registry schemaregistry.Registry
	engine   *engine.Engine
	server   *httpServer

	// closeLog releases the record log once the engine stopped.
	closeLog func()
}

// New makes a new StreamQL. reg must also be a prometheus.Gatherer for
// /metrics to serve anything.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*StreamQL, error) {
	t := &StreamQL{cfg: cfg, logger: logger, closeLog: func() {}}
	if g, ok := reg.(prometheus.Gatherer); ok {
		t.gather = g
	} else {
		t.gather = prometheus.NewRegistry()
	}

	switch cfg.Transport {
	case TransportMemory:
		t.log = memory.NewLog(quartz.NewReal())
	default:
		l, err := kafka.NewLog(cfg.Kafka, logger, reg)
		if err != nil {
			return nil, fmt.Errorf("initialising kafka: %w", err)
		}
		t.log, t.closeLog = l, l.Close
	}

	if cfg.SchemaRegistry.URL == "" {
		t.registry = schemaregistry.NewInMemory()
	} else {
		client, err := schemaregistry.NewClient(cfg.SchemaRegistry, logger, reg)
		if err != nil {
			t.closeLog()
			return nil, fmt.Errorf("initialising schema registry: %w", err)
		}
		t.registry = client
	}

	e, err := engine.New(engine.Params{
		Logger:     logger,
		Registerer: reg,
		Config:     cfg.Engine,
		Log:        t.log,
		Registry:   t.registry,
	})
	if err != nil {
		t.closeLog()
		return nil, fmt.Errorf("initialising engine: %w", err)
	}
	t.engine = e
	t.server = newHTTPServer(cfg.HTTPListenAddress, logger)
	return t, nil
}

// Engine returns the statement engine.
func (t *StreamQL) Engine() *engine.Engine { return t.engine }

// Run starts the server and the engine, applies the statements file and
// blocks until ctx is done or a service fails. Every query is drained before
// Run returns.
func (t *StreamQL) Run(ctx context.Context) error {
	sm, err := services.NewManager(t.engine, t.server)
	if err != nil {
		return err
	}
	t.server.router.Path("/ready").Handler(readyHandler(sm))
	t.server.router.Path("/metrics").Handler(promhttp.HandlerFor(t.gather, promhttp.HandlerOpts{}))
	t.server.router.Path("/log_level").Handler(util_log.LevelHandler(&t.cfg.LogLevel))
	t.server.router.Path("/queries").Methods(http.MethodGet).HandlerFunc(t.queriesHandler)

	failed := make(chan struct{})
	sm.AddListener(services.NewManagerListener(
		func() { level.Info(t.logger).Log("msg", "streamql started") },
		func() { level.Info(t.logger).Log("msg", "streamql stopped") },
		func(s services.Service) {
			level.Error(t.logger).Log("msg", "service failed", "err", s.FailureCase())
			select {
			case <-failed:
			default:
				close(failed)
			}
		},
	))

	defer t.closeLog()
	if err := services.StartManagerAndAwaitHealthy(ctx, sm); err != nil {
		_ = services.StopManagerAndAwaitStopped(context.Background(), sm)
		return err
	}

	if t.cfg.StatementsFile != "" {
		if err := t.applyStatements(ctx, t.cfg.StatementsFile); err != nil {
			_ = services.StopManagerAndAwaitStopped(context.Background(), sm)
			return err
		}
	}

	select {
	case <-ctx.Done():
	case <-failed:
	}

	// The engine drains its queries while it stops.
	_ = services.StopManagerAndAwaitStopped(context.Background(), sm)
	if failed := sm.ServicesByState()[services.Failed]; len(failed) > 0 {
		return errors.New("failed services")
	}
	return nil
}

func (t *StreamQL) applyStatements(ctx context.Context, file string) error {
	script, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading statements: %w", err)
	}
	results, err := t.engine.ExecuteScript(ctx, string(script))
	for _, res := range results {
		level.Info(t.logger).Log("msg", "statement applied", "kind", res.Kind, "query", res.QueryID, "result", res.Message)
	}
	if err != nil {
		return fmt.Errorf("applying %s: %w", file, err)
	}
	return nil
}

func (t *StreamQL) queriesHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoniter.NewEncoder(w).Encode(t.engine.Queries()); err != nil {
		level.Error(t.logger).Log("msg", "error writing response", "err", err)
	}
}

func readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			byState := sm.ServicesByState()
			for st, ls := range byState {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "ready", http.StatusOK)
	}
}

// httpServer serves the operational endpoints.
type httpServer struct {
	services.Service

	addr   string
	logger log.Logger
	router *mux.Router

	srv      *http.Server
	listener net.Listener
}

func newHTTPServer(addr string, logger log.Logger) *httpServer {
	s := &httpServer{addr: addr, logger: log.With(logger, "component", "http"), router: mux.NewRouter()}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

func (s *httpServer) starting(_ context.Context) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.listener = l
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	level.Info(s.logger).Log("msg", "server listening", "addr", l.Addr())
	return nil
}

func (s *httpServer) running(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(s.listener) }()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *httpServer) stopping(_ error) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
