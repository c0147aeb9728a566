package kafka

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/flagext"
)

const (
	// producerBatchMaxBytes is the max allowed size of a batch of Kafka records.
	producerBatchMaxBytes = 16_000_000

	// maxProducerRecordDataBytesLimit is the max allowed size of a single record data. Given we have a limit
	// on the max batch size (producerBatchMaxBytes), a Kafka record data can't be bigger than the batch size
	// minus some overhead required to serialise the batch and the record itself.
	maxProducerRecordDataBytesLimit = producerBatchMaxBytes - 16384
	minProducerRecordDataBytesLimit = 1024 * 1024

	writerRequestTimeoutOverhead = 2 * time.Second
)

var (
	ErrMissingKafkaAddress                 = errors.New("the Kafka address has not been configured")
	ErrAmbiguousKafkaAddress               = errors.New("the Kafka address has been configured in both kafka.address and kafka.reader_config.address or kafka.writer_config.address")
	ErrAmbiguousKafkaClientID              = errors.New("the Kafka client ID has been configured in both kafka.client_id and kafka.reader_config.client_id or kafka.writer_config.client_id")
	ErrInconsistentSASLUsernameAndPassword = errors.New("both sasl username and password must be set")
	ErrInvalidProducerMaxRecordSizeBytes   = fmt.Errorf("the configured producer max record size bytes must be a value between %d and %d", minProducerRecordDataBytesLimit, maxProducerRecordDataBytesLimit)
)

// ClientConfig overrides the connection settings of the reader or writer
// client.
type ClientConfig struct {
	Address  string `yaml:"address"`
	ClientID string `yaml:"client_id"`
}

func (cfg *ClientConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "", "The Kafka backend address. Overrides the shared address.")
	f.StringVar(&cfg.ClientID, prefix+".client-id", "", "The Kafka client ID. Overrides the shared client ID.")
}

// Config holds the Kafka backend configuration.
type Config struct {
	Address      string        `yaml:"address"`
	ClientID     string        `yaml:"client_id"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	ReaderConfig ClientConfig `yaml:"reader_config"`
	WriterConfig ClientConfig `yaml:"writer_config"`

	SASLUsername string         `yaml:"sasl_username"`
	SASLPassword flagext.Secret `yaml:"sasl_password"`

	LastProducedOffsetRetryTimeout time.Duration `yaml:"last_produced_offset_retry_timeout"`

	AutoCreateTopicEnabled bool `yaml:"auto_create_topic_enabled"`
	ReplicationFactor      int  `yaml:"replication_factor"`

	ProducerMaxRecordSizeBytes int           `yaml:"producer_max_record_size_bytes"`
	ProducerMaxBufferedBytes   int64         `yaml:"producer_max_buffered_bytes"`
	MaxInflightProduceRequests int           `yaml:"max_inflight_produce_requests"`
	FetchMaxWait               time.Duration `yaml:"fetch_max_wait"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("kafka", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "localhost:9092", "The Kafka backend address.")
	f.StringVar(&cfg.ClientID, prefix+".client-id", "streamql", "The Kafka client ID.")
	f.DurationVar(&cfg.DialTimeout, prefix+".dial-timeout", 2*time.Second, "The maximum time allowed to open a connection to a Kafka broker.")
	f.DurationVar(&cfg.WriteTimeout, prefix+".write-timeout", 10*time.Second, "How long to wait for an incoming write request to be successfully committed to the Kafka backend.")

	cfg.ReaderConfig.RegisterFlagsWithPrefix(prefix+".reader-config", f)
	cfg.WriterConfig.RegisterFlagsWithPrefix(prefix+".writer-config", f)

	f.StringVar(&cfg.SASLUsername, prefix+".sasl-username", "", "The SASL username for authentication to Kafka using the PLAIN mechanism. Both username and password must be set.")
	f.Var(&cfg.SASLPassword, prefix+".sasl-password", "The SASL password for authentication to Kafka using the PLAIN mechanism. Both username and password must be set.")

	f.DurationVar(&cfg.LastProducedOffsetRetryTimeout, prefix+".last-produced-offset-retry-timeout", 10*time.Second, "How long to retry a failed request to get the last produced offset.")

	f.BoolVar(&cfg.AutoCreateTopicEnabled, prefix+".auto-create-topic-enabled", true, "Enable auto-creation of Kafka topics if they don't exist yet.")
	f.IntVar(&cfg.ReplicationFactor, prefix+".replication-factor", 1, "Replication factor of topics created by queries.")

	f.IntVar(&cfg.ProducerMaxRecordSizeBytes, prefix+".producer-max-record-size-bytes", maxProducerRecordDataBytesLimit, "The maximum size of a Kafka record data that should be generated by the producer.")
	f.Int64Var(&cfg.ProducerMaxBufferedBytes, prefix+".producer-max-buffered-bytes", 1024*1024*1024, "The maximum size of (uncompressed) buffered and unacknowledged produced records sent to Kafka. The produce request fails once this limit is reached. This limit is per Kafka client. 0 to disable the limit.")
	f.IntVar(&cfg.MaxInflightProduceRequests, prefix+".max-inflight-produce-requests", 20, "The maximum number of in-flight produce requests per broker.")
	f.DurationVar(&cfg.FetchMaxWait, prefix+".fetch-max-wait", time.Second, "How long a fetch request waits for new records on an idle partition.")
}

func (cfg *Config) Validate() error {
	if cfg.Address != "" && (cfg.ReaderConfig.Address != "" || cfg.WriterConfig.Address != "") {
		return ErrAmbiguousKafkaAddress
	}
	if cfg.ClientID != "" && (cfg.ReaderConfig.ClientID != "" || cfg.WriterConfig.ClientID != "") {
		return ErrAmbiguousKafkaClientID
	}
	if cfg.Address == "" && (cfg.ReaderConfig.Address == "" || cfg.WriterConfig.Address == "") {
		return ErrMissingKafkaAddress
	}
	if cfg.ProducerMaxRecordSizeBytes < minProducerRecordDataBytesLimit || cfg.ProducerMaxRecordSizeBytes > maxProducerRecordDataBytesLimit {
		return ErrInvalidProducerMaxRecordSizeBytes
	}
	if (cfg.SASLUsername == "") != (cfg.SASLPassword.String() == "") {
		return ErrInconsistentSASLUsernameAndPassword
	}
	return nil
}

// readerConfig returns the connection settings of the reader client.
func (cfg Config) readerConfig() ClientConfig {
	return resolveClientConfig(cfg.ReaderConfig, cfg.Address, cfg.ClientID)
}

// writerConfig returns the connection settings of the writer client.
func (cfg Config) writerConfig() ClientConfig {
	return resolveClientConfig(cfg.WriterConfig, cfg.Address, cfg.ClientID)
}

func resolveClientConfig(cfg ClientConfig, address, clientID string) ClientConfig {
	if cfg.Address == "" {
		cfg.Address = address
	}
	if cfg.ClientID == "" {
		cfg.ClientID = clientID
	}
	return cfg
}
