package cfg

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
)

// Data is a test config covering nested structs, secrets and durations.
type Data struct {
	ConfigFile string `yaml:"-"`
	Verbose    bool   `yaml:"verbose"`
	Kafka      Kafka  `yaml:"kafka"`
	Engine     Engine `yaml:"engine"`
}

type Kafka struct {
	Address  string         `yaml:"address"`
	Password flagext.Secret `yaml:"password"`
}

type Engine struct {
	Partitions int           `yaml:"default_partitions"`
	Grace      time.Duration `yaml:"default_grace_period"`
}

func (d *Data) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&d.ConfigFile, "config.file", "", "")
	fs.BoolVar(&d.Verbose, "verbose", false, "")
	fs.StringVar(&d.Kafka.Address, "kafka.address", "localhost:9092", "")
	fs.Var(&d.Kafka.Password, "kafka.password", "")
	fs.IntVar(&d.Engine.Partitions, "engine.default-partitions", 1, "")
	fs.DurationVar(&d.Engine.Grace, "engine.default-grace-period", 24*time.Hour, "")
}

func (d *Data) Clone() flagext.Registerer {
	return func(d Data) *Data { return &d }(*d)
}
