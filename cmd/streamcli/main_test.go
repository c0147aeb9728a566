package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/grafana/streamql/pkg/engine"
	"github.com/grafana/streamql/pkg/transport/memory"
)

const ddl = `
CREATE STREAM PAGEVIEWS (VIEWTIME BIGINT, USERID STRING, PAGEID STRING)
  WITH (KAFKA_TOPIC='pageviews', VALUE_FORMAT='JSON', TIMESTAMP='VIEWTIME', PARTITIONS=1);
INSERT INTO PAGEVIEWS (VIEWTIME, USERID, PAGEID) VALUES (1000, 'u1', 'home');
INSERT INTO PAGEVIEWS (VIEWTIME, USERID, PAGEID) VALUES (2000, 'u2', 'about');
INSERT INTO PAGEVIEWS (VIEWTIME, USERID, PAGEID) VALUES (3000, 'u3', 'home');
`

func testParams() engine.Params {
	return engine.Params{
		Logger:     log.NewNopLogger(),
		Registerer: prometheus.NewRegistry(),
		Config: engine.Config{
			DefaultPartitions: 1,
			StartOffset:       "earliest",
			DrainTimeout:      5 * time.Second,
		},
		Log: memory.NewLog(nil),
	}
}

func TestExecute(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ddl.sql")
	require.NoError(t, os.WriteFile(file, []byte(ddl), 0o600))

	for _, tc := range []struct {
		name     string
		query    string
		expected string
		err      string
	}{
		{
			name:     "limit ends the query",
			query:    "SELECT USERID, PAGEID FROM PAGEVIEWS WHERE PAGEID = 'home' EMIT CHANGES LIMIT 2",
			expected: "USERID | PAGEID\nu1 | home\nu3 | home\n",
		},
		{
			name:  "unknown source",
			query: "SELECT * FROM CLICKS LIMIT 1",
			err:   "CLICKS",
		},
		{
			name:  "syntax error",
			query: "SELECT FROM PAGEVIEWS",
			err:   "syntax",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			var buf bytes.Buffer
			err := execute(ctx, testParams(), file, tc.query, newPrinter(&buf, outputTable, false))
			if tc.err != "" {
				require.ErrorContains(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, buf.String())
		})
	}
}

func TestExecute_CancelIsGraceful(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ddl.sql")
	require.NoError(t, os.WriteFile(file, []byte(ddl), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	p := newPrinter(&buf, outputRaw, false)
	done := make(chan error, 1)
	go func() {
		done <- execute(ctx, testParams(), file, "SELECT PAGEID FROM PAGEVIEWS EMIT CHANGES", p)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("query did not stop")
	}
}
