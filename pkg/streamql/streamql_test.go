package streamql

import (
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/grafana/streamql/pkg/cfg"
)

const statements = `
CREATE STREAM PAGEVIEWS (VIEWTIME BIGINT, USERID STRING, PAGEID STRING)
  WITH (KAFKA_TOPIC='pageviews', VALUE_FORMAT='JSON', TIMESTAMP='VIEWTIME', PARTITIONS=1);
CREATE TABLE PAGEVIEW_COUNTS AS
  SELECT PAGEID, COUNT(*) AS VIEWS FROM PAGEVIEWS GROUP BY PAGEID;
`

func testConfig(t *testing.T, args ...string) Config {
	t.Helper()
	var c Config
	fs := flag.NewFlagSet(t.Name(), flag.ContinueOnError)
	args = append([]string{"-transport=memory", "-server.http-listen-address=127.0.0.1:0"}, args...)
	require.NoError(t, cfg.DefaultUnmarshal(&c, args, fs))
	return c
}

func TestConfig_Validate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
		err    string
	}{
		{name: "defaults"},
		{
			name:   "unknown transport",
			modify: func(c *Config) { c.Transport = "pulsar" },
			err:    `invalid transport "pulsar"`,
		},
		{
			name:   "unknown log format",
			modify: func(c *Config) { c.LogFormat = "xml" },
			err:    `invalid log.format "xml"`,
		},
		{
			name:   "kafka config checked for the kafka transport",
			modify: func(c *Config) { c.Transport = TransportKafka; c.Kafka.Address = "" },
			err:    "invalid kafka config",
		},
		{
			name:   "engine config",
			modify: func(c *Config) { c.Engine.DefaultPartitions = 0 },
			err:    "invalid engine config",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := testConfig(t)
			if tc.modify != nil {
				tc.modify(&c)
			}
			err := c.Validate()
			if tc.err == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.err)
		})
	}
}

func TestConfig_YAML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "streamql.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
log_level: debug
transport: memory
engine:
  default_partitions: 3
  topic_prefix: _test_
schema_registry:
  url: http://registry:8081
`), 0o600))

	c := testConfig(t, "-config.file="+file, "-engine.topic-prefix=_flag_")
	require.Equal(t, "debug", c.LogLevel.String())
	require.Equal(t, 3, c.Engine.DefaultPartitions)
	require.Equal(t, "_flag_", c.Engine.TopicPrefix)
	require.Equal(t, "http://registry:8081", c.SchemaRegistry.URL)
	require.NoError(t, c.Validate())
}

func TestStreamQL_Run(t *testing.T) {
	file := filepath.Join(t.TempDir(), "statements.sql")
	require.NoError(t, os.WriteFile(file, []byte(statements), 0o600))

	c := testConfig(t, "-statements.file="+file, "-engine.start-offset=earliest")
	s, err := New(c, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(s.Engine().Queries()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	q := s.Engine().Queries()[0]
	require.Equal(t, "PAGEVIEW_COUNTS", q.Sink)
	require.False(t, q.Interactive)

	rec := httptest.NewRecorder()
	s.queriesHandler(rec, httptest.NewRequest(http.MethodGet, "/queries", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), q.ID)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	require.Equal(t, services.Terminated, s.Engine().State())
}

func TestStreamQL_RunFailsOnBadStatements(t *testing.T) {
	file := filepath.Join(t.TempDir(), "statements.sql")
	require.NoError(t, os.WriteFile(file, []byte("SELECT FROM;"), 0o600))

	s, err := New(testConfig(t, "-statements.file="+file), log.NewNopLogger(), nil)
	require.NoError(t, err)
	require.Error(t, s.Run(context.Background()))
	require.Equal(t, services.Terminated, s.Engine().State())
}

func TestReadyHandler(t *testing.T) {
	idle := services.NewIdleService(nil, nil)
	sm, err := services.NewManager(idle)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	readyHandler(sm)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, services.StartManagerAndAwaitHealthy(context.Background(), sm))
	t.Cleanup(func() { _ = services.StopManagerAndAwaitStopped(context.Background(), sm) })

	rec = httptest.NewRecorder()
	readyHandler(sm)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
