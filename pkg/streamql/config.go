package streamql

import (
	"flag"
	"fmt"

	"github.com/grafana/dskit/flagext"
	dslog "github.com/grafana/dskit/log"
	"github.com/pkg/errors"

	"github.com/grafana/streamql/pkg/engine"
	"github.com/grafana/streamql/pkg/kafka"
	"github.com/grafana/streamql/pkg/schemaregistry"
)

// Recognized values of Config.Transport.
const (
	TransportKafka  = "kafka"
	TransportMemory = "memory"
)

// Config is the root config for streamql.
type Config struct {
	ConfigFile   string `yaml:"-"`
	ExpandEnv    bool   `yaml:"-"`
	PrintVersion bool   `yaml:"-"`
	VerifyConfig bool   `yaml:"-"`

	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`

	HTTPListenAddress string `yaml:"http_listen_address"`
	// StatementsFile holds statements applied once the engine is running.
	StatementsFile string `yaml:"statements_file"`
	Transport      string `yaml:"transport"`

	Kafka          kafka.Config          `yaml:"kafka"`
	SchemaRegistry schemaregistry.Config `yaml:"schema_registry"`
	Engine         engine.Config         `yaml:"engine"`
}

// RegisterFlags registers flag.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.ConfigFile, "config.file", "", "yaml file to load")
	f.BoolVar(&c.ExpandEnv, "config.expand-env", false, "Expands ${var} in config according to the values of the environment variables.")
	f.BoolVar(&c.PrintVersion, "version", false, "Print this builds version information")
	f.BoolVar(&c.VerifyConfig, "verify-config", false, "Verify config file and exits")

	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Output log messages in the given format. Valid formats: [logfmt, json]")
	f.StringVar(&c.HTTPListenAddress, "server.http-listen-address", ":8080", "HTTP server listen address serving metrics, readiness and the log level.")
	f.StringVar(&c.StatementsFile, "statements.file", "", "File of ;-separated statements applied at startup, for example CREATE STREAM ... AS SELECT.")
	f.StringVar(&c.Transport, "transport", TransportKafka, fmt.Sprintf("Record log backing topics. Valid values: [%s, %s]", TransportKafka, TransportMemory))

	c.Kafka.RegisterFlags(f)
	c.SchemaRegistry.RegisterFlags(f)
	c.Engine.RegisterFlags(f)
}

// Clone takes advantage of pass-by-value semantics to return a distinct
// *Config. This is primarily used to parse a different flag set without
// mutating the original *Config.
func (c *Config) Clone() flagext.Registerer {
	return func(c Config) *Config {
		return &c
	}(*c)
}

// Validate validates the config and returns an error on failure.
func (c *Config) Validate() error {
	if c.LogFormat != "logfmt" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log.format %q", c.LogFormat)
	}
	switch c.Transport {
	case TransportKafka:
		if err := c.Kafka.Validate(); err != nil {
			return errors.Wrap(err, "invalid kafka config")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("invalid transport %q", c.Transport)
	}
	if err := c.SchemaRegistry.Validate(); err != nil {
		return errors.Wrap(err, "invalid schema registry config")
	}
	if err := c.Engine.Validate(); err != nil {
		return errors.Wrap(err, "invalid engine config")
	}
	return nil
}
