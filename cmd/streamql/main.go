package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/signals"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"

	"github.com/grafana/streamql/pkg/cfg"
	"github.com/grafana/streamql/pkg/streamql"
	util_log "github.com/grafana/streamql/pkg/util/log"
)

func main() {
	var config streamql.Config

	if err := cfg.DefaultUnmarshal(&config, os.Args[1:], flag.CommandLine); err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	if config.PrintVersion {
		fmt.Println(version.Print("streamql"))
		os.Exit(0)
	}

	// Init the logger which will honor the log level set in config.
	logger := util_log.InitLogger(config.LogFormat, config.LogLevel, prometheus.DefaultRegisterer)

	// Validate the config once both the config file has been loaded
	// and CLI flags parsed.
	if err := config.Validate(); err != nil {
		level.Error(logger).Log("msg", "validating config", "err", err.Error())
		os.Exit(1)
	}
	if config.VerifyConfig {
		level.Info(logger).Log("msg", "config is valid")
		os.Exit(0)
	}

	s, err := streamql.New(config, logger, prometheus.DefaultRegisterer)
	util_log.CheckFatal("initialising streamql", err, logger)

	ctx, cancel := context.WithCancel(context.Background())
	handler := signals.NewHandler(logger, cancelReceiver(cancel))
	go handler.Loop()
	defer handler.Stop()

	level.Info(logger).Log("msg", "Starting streamql", "version", version.Info())
	err = s.Run(ctx)
	util_log.CheckFatal("running streamql", err, logger)
}

// cancelReceiver stops the server on SIGINT or SIGTERM.
type cancelReceiver context.CancelFunc

func (c cancelReceiver) Stop() error {
	c()
	return nil
}
