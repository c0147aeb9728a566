package cfg

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	yamlSource := dYAML([]byte(`
kafka:
  address: broker:9092
engine:
  default_partitions: 4
  default_grace_period: 1h
`))

	fs := flag.NewFlagSet(t.Name(), flag.PanicOnError)
	flagSource := dFlags(fs, []string{"-verbose", "-engine.default-partitions=8"})

	var c Data
	err := dParse(&c, Defaults(fs), yamlSource, flagSource)
	require.NoError(t, err)

	require.True(t, c.Verbose)
	require.Equal(t, "broker:9092", c.Kafka.Address)
	require.Equal(t, Engine{Partitions: 8, Grace: time.Hour}, c.Engine)
}

func TestParse_NotPointer(t *testing.T) {
	err := dParse(notPointer{}, Defaults(flag.NewFlagSet(t.Name(), flag.PanicOnError)))
	require.ErrorIs(t, err, ErrNotPointer)
}

func TestDefaultUnmarshal(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "streamql.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
kafka:
  address: ${STREAMQL_TEST_BROKER}
  password: secret
`), 0o600))
	t.Setenv("STREAMQL_TEST_BROKER", "kafka-0:9092")

	for _, tc := range []struct {
		name    string
		args    []string
		address string
	}{
		{
			name:    "file only",
			args:    []string{"-config.file=" + file},
			address: "${STREAMQL_TEST_BROKER}",
		},
		{
			name:    "file with env expansion",
			args:    []string{"-config.file=" + file, "-config.expand-env=true"},
			address: "kafka-0:9092",
		},
		{
			name:    "flag overrides file",
			args:    []string{"-config.file=" + file, "-kafka.address=override:9092"},
			address: "override:9092",
		},
		{
			name:    "no file",
			args:    nil,
			address: "localhost:9092",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := flag.NewFlagSet(tc.name, flag.ContinueOnError)
			var expandEnv bool
			fs.BoolVar(&expandEnv, "config.expand-env", false, "")

			var c Data
			require.NoError(t, DefaultUnmarshal(&c, tc.args, fs))
			require.Equal(t, tc.address, c.Kafka.Address)
			require.Equal(t, 1, c.Engine.Partitions)
			if len(tc.args) > 0 {
				require.Equal(t, "secret", c.Kafka.Password.String())
			}
		})
	}
}

func TestDefaultUnmarshal_StrictFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "streamql.yaml")
	require.NoError(t, os.WriteFile(file, []byte("unknown_field: 1\n"), 0o600))

	var c Data
	err := DefaultUnmarshal(&c, []string{"-config.file=" + file}, flag.NewFlagSet(t.Name(), flag.ContinueOnError))
	require.ErrorContains(t, err, "Error parsing config file")
}

type notPointer struct{}

func (notPointer) RegisterFlags(*flag.FlagSet) {}
func (n notPointer) Clone() flagext.Registerer { return n }
