package engine

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/grafana/streamql/pkg/transport"
)

// Config configures the engine.
type Config struct {
	// DefaultGrace is the grace period of windows declared without one.
	DefaultGrace time.Duration `yaml:"default_grace_period"`
	// JoinGrace keeps stream-stream join buffers open past the join window.
	JoinGrace time.Duration `yaml:"join_grace_period"`
	// TableRetention bounds how long superseded table versions are kept for
	// stream-table joins.
	TableRetention    time.Duration `yaml:"table_retention"`
	DefaultPartitions int           `yaml:"default_partitions"`
	TopicPrefix       string        `yaml:"topic_prefix"`
	StartOffset       string        `yaml:"start_offset"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	// ResultBuffer is the number of rows an interactive query buffers ahead
	// of its client.
	ResultBuffer int `yaml:"result_buffer"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("engine.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.DefaultGrace, prefix+"default-grace-period", 24*time.Hour, "Grace period of windows declared without GRACE PERIOD.")
	f.DurationVar(&cfg.JoinGrace, prefix+"join-grace-period", 0, "Extra time stream-stream join buffers are kept after the join window has passed.")
	f.DurationVar(&cfg.TableRetention, prefix+"table-retention", 24*time.Hour, "How long superseded table versions are kept for stream-table joins.")
	f.IntVar(&cfg.DefaultPartitions, prefix+"default-partitions", 1, "Partition count of topics created for sources declared without PARTITIONS.")
	f.StringVar(&cfg.TopicPrefix, prefix+"topic-prefix", "_streamql_", "Prefix of internal repartition topics.")
	f.StringVar(&cfg.StartOffset, prefix+"start-offset", "latest", "Where new queries start reading their sources: earliest or latest.")
	f.DurationVar(&cfg.DrainTimeout, prefix+"drain-timeout", 10*time.Second, "How long a terminated query may spend flushing its operators.")
	f.IntVar(&cfg.ResultBuffer, prefix+"result-buffer", 1024, "Number of rows an interactive query buffers ahead of its client.")
}

func (cfg *Config) Validate() error {
	if cfg.DefaultPartitions <= 0 {
		return errors.New("engine.default-partitions must be positive")
	}
	if cfg.DefaultGrace < 0 || cfg.JoinGrace < 0 {
		return errors.New("engine grace periods must not be negative")
	}
	if cfg.ResultBuffer < 0 {
		return errors.New("engine.result-buffer must not be negative")
	}
	if _, err := transport.ParseStartOffset(cfg.StartOffset); err != nil {
		return fmt.Errorf("engine.start-offset: %w", err)
	}
	return nil
}

func (cfg *Config) startOffset() transport.StartOffset {
	o, err := transport.ParseStartOffset(cfg.StartOffset)
	if err != nil {
		return transport.StartLatest
	}
	return o
}
