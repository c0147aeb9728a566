package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"

	"github.com/grafana/streamql/pkg/engine"
	"github.com/grafana/streamql/pkg/kafka"
	"github.com/grafana/streamql/pkg/schemaregistry"
	"github.com/grafana/streamql/pkg/transport"
)

var (
	app = kingpin.New("streamcli", "A command-line client running continuous SQL queries against Kafka.")

	addr        = app.Flag("addr", "Kafka broker address.").Default("localhost:9092").Envar("STREAMQL_ADDR").String()
	registryURL = app.Flag("registry", "Schema registry URL. AVRO sources need it to resolve schemas.").Envar("STREAMQL_REGISTRY").String()
	ddlFile     = app.Flag("ddl", "File of ;-separated CREATE STREAM and CREATE TABLE statements declaring the sources the query reads.").ExistingFile()
	fromStart   = app.Flag("from-beginning", "Read sources from their earliest offset instead of only new records.").Bool()
	output      = app.Flag("output", "Specify output mode [table, raw, jsonl].").Default("table").Short('o').Enum("table", "raw", "jsonl")
	noColor     = app.Flag("no-color", "Disable color output.").Bool()
	timeout     = app.Flag("timeout", "Stop the query after this long. 0 runs until LIMIT or interrupt.").Default("0s").Duration()
	verbose     = app.Flag("verbose", "Log engine messages to stderr.").Short('v').Bool()

	query = app.Arg("query", "SELECT statement to run, e.g. 'SELECT PAGEID FROM PAGEVIEWS EMIT CHANGES LIMIT 10'.").Required().String()
)

func main() {
	app.Version(version.Print("streamcli"))
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := log.NewNopLogger()
	if *verbose {
		logger = log.With(log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)), "ts", log.DefaultTimestampUTC)
	}

	var kafkaCfg kafka.Config
	flagext.DefaultValues(&kafkaCfg)
	kafkaCfg.Address = *addr
	kafkaCfg.ClientID = "streamcli"
	if err := kafkaCfg.Validate(); err != nil {
		return err
	}

	var registryCfg schemaregistry.Config
	flagext.DefaultValues(&registryCfg)
	registryCfg.URL = *registryURL

	var engineCfg engine.Config
	flagext.DefaultValues(&engineCfg)
	if *fromStart {
		engineCfg.StartOffset = "earliest"
	}

	reg := prometheus.NewRegistry()
	l, err := kafka.NewLog(kafkaCfg, logger, reg)
	if err != nil {
		return err
	}
	defer l.Close()

	var registry schemaregistry.Registry = schemaregistry.NewInMemory()
	if registryCfg.URL != "" {
		if registry, err = schemaregistry.NewClient(registryCfg, logger, reg); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	handler := signals.NewHandler(logger, cancelReceiver(cancel))
	go handler.Loop()
	defer handler.Stop()

	return execute(ctx, engine.Params{
		Logger:     logger,
		Registerer: reg,
		Config:     engineCfg,
		Log:        l,
		Registry:   registry,
	}, *ddlFile, *query, newPrinter(os.Stdout, *output, !*noColor))
}

// execute declares the sources of ddlFile and prints the rows of query until
// it completes or ctx is done. Cancellation is a graceful end.
func execute(ctx context.Context, params engine.Params, ddlFile, query string, p *printer) error {
	e, err := engine.New(params)
	if err != nil {
		return err
	}
	if err := services.StartAndAwaitRunning(ctx, e); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Stop(stopCtx)
	}()

	if ddlFile != "" {
		script, err := os.ReadFile(ddlFile)
		if err != nil {
			return err
		}
		if _, err := e.ExecuteScript(ctx, string(script)); err != nil {
			return err
		}
	}

	cursor, err := e.Query(ctx, query)
	if err != nil {
		return err
	}
	defer cursor.Close()

	if err := p.header(cursor.Schema()); err != nil {
		return err
	}
	for {
		row, err := cursor.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			if ctx.Err() != nil {
				return nil
			}
			return err
		case errors.Is(err, transport.ErrTopicNotFound):
			return fmt.Errorf("%w: declare it with --ddl or create the topic first", err)
		case err != nil:
			return err
		}
		if err := p.row(row); err != nil {
			return err
		}
	}
}

// cancelReceiver ends the query on SIGINT or SIGTERM.
type cancelReceiver context.CancelFunc

func (c cancelReceiver) Stop() error {
	c()
	return nil
}
