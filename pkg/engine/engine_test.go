package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/streamql/pkg/catalog"
	"github.com/grafana/streamql/pkg/encoding"
	"github.com/grafana/streamql/pkg/schemaregistry"
	"github.com/grafana/streamql/pkg/sql/syntax"
	"github.com/grafana/streamql/pkg/transport"
	"github.com/grafana/streamql/pkg/transport/memory"
	"github.com/grafana/streamql/pkg/types"
)

const waitTimeout = 5 * time.Second

const ddl = `
CREATE STREAM PAGEVIEWS (VIEWTIME BIGINT, USERID STRING, PAGEID STRING)
  WITH (KAFKA_TOPIC='pageviews', VALUE_FORMAT='JSON', TIMESTAMP='VIEWTIME', PARTITIONS=1);
CREATE TABLE USERS (USERID STRING KEY, REGIONID STRING, REGISTERED BIGINT)
  WITH (KAFKA_TOPIC='users', VALUE_FORMAT='JSON', TIMESTAMP='REGISTERED', PARTITIONS=1);
`

func newEngine(t *testing.T, l transport.Log) *Engine {
	t.Helper()
	if l == nil {
		l = memory.NewLog(nil)
	}
	e, err := New(Params{
		Logger:     log.NewNopLogger(),
		Registerer: prometheus.NewRegistry(),
		Config: Config{
			DefaultPartitions: 1,
			StartOffset:       "earliest",
			DrainTimeout:      waitTimeout,
		},
		Log: l,
	})
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), e))
	t.Cleanup(func() {
		require.NoError(t, e.Stop(context.Background()))
	})
	return e
}

func mustExecute(t *testing.T, e *Engine, sql string) *Result {
	t.Helper()
	res, err := e.Execute(context.Background(), sql)
	require.NoError(t, err)
	return res
}

func insertPageview(t *testing.T, e *Engine, viewtime int, user, page string) {
	t.Helper()
	mustExecute(t, e, fmt.Sprintf(`INSERT INTO PAGEVIEWS (VIEWTIME, USERID, PAGEID) VALUES (%d, '%s', '%s')`, viewtime, user, page))
}

func next(t *testing.T, c *Cursor) types.Row {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	row, err := c.Next(ctx)
	require.NoError(t, err)
	return row
}

func requireRow(t *testing.T, want, got types.Row) {
	t.Helper()
	require.True(t, want.Equal(got), "want %s, got %s", want, got)
}

// Five pageviews over 90 seconds fall into two tumbling one minute windows.
// The first is emitted when the last record closes it, the second when the
// query is terminated.
func TestEngine_WindowedAggregation(t *testing.T) {
	l := memory.NewLog(nil)
	e := newEngine(t, l)
	_, err := e.ExecuteScript(context.Background(), ddl)
	require.NoError(t, err)

	res := mustExecute(t, e, `CREATE TABLE VIEWS_PER_PAGE AS
		SELECT PAGEID, COUNT(*) AS VIEWS FROM PAGEVIEWS
		WINDOW TUMBLING (SIZE 1 MINUTE, GRACE PERIOD 0 SECONDS)
		GROUP BY PAGEID EMIT FINAL`)
	require.NotEmpty(t, res.QueryID)

	for _, ts := range []int{0, 15_000, 30_000, 45_000, 90_000} {
		insertPageview(t, e, ts, "u1", "home")
	}
	_, err = l.WaitForMessages(context.Background(), "VIEWS_PER_PAGE", 0, 1, waitTimeout)
	require.NoError(t, err)

	mustExecute(t, e, "TERMINATE "+res.QueryID)

	msgs := l.Messages("VIEWS_PER_PAGE", 0)
	require.Len(t, msgs, 2)

	entry, ok := e.Catalog().Snapshot().Lookup("VIEWS_PER_PAGE")
	require.True(t, ok)
	require.Equal(t, types.SourceTable, entry.Kind)
	require.True(t, entry.Windowed)
	require.Empty(t, entry.Query, "terminated query no longer owns its sink")

	keys := encoding.KeyCodec{Type: entry.KeyType}
	wantWindows := []types.TimeWindow{{Start: 0, End: 60_000}, {Start: 60_000, End: 120_000}}
	wantCounts := []int64{4, 1}
	for i, msg := range msgs {
		key, w, err := keys.DecodeWindowed(msg.Key)
		require.NoError(t, err)
		require.Equal(t, "home", key.Str())
		require.Equal(t, wantWindows[i], w)

		row, err := encoding.NewJSON().Decode(entry.Schema, msg.Value)
		require.NoError(t, err)
		requireRow(t, types.Row{types.StringValue("home"), types.IntValue(wantCounts[i])}, row)
	}
}

// Pageviews are counted per region of their user. The stream is re-keyed by
// user for the join and by region for the aggregation, so the query runs in
// three stages.
func TestEngine_CountByRegion(t *testing.T) {
	l := memory.NewLog(nil)
	e := newEngine(t, l)
	_, err := e.ExecuteScript(context.Background(), ddl)
	require.NoError(t, err)
	mustExecute(t, e, `INSERT INTO USERS (USERID, REGIONID, REGISTERED) VALUES ('u1', 'r1', 0)`)
	mustExecute(t, e, `INSERT INTO USERS (USERID, REGIONID, REGISTERED) VALUES ('u2', 'r2', 0)`)

	res := mustExecute(t, e, `CREATE TABLE VIEWS_PER_REGION AS
		SELECT U.REGIONID, COUNT(*) AS VIEWS FROM PAGEVIEWS P JOIN USERS U ON P.USERID = U.USERID
		WINDOW TUMBLING (SIZE 1 MINUTE, GRACE PERIOD 0 SECONDS)
		GROUP BY U.REGIONID EMIT FINAL`)

	insertPageview(t, e, 1_000, "u1", "home")
	insertPageview(t, e, 2_000, "u2", "home")
	insertPageview(t, e, 3_000, "u1", "about")
	insertPageview(t, e, 4_000, "u3", "home")
	insertPageview(t, e, 70_000, "u1", "home")
	_, err = l.WaitForMessages(context.Background(), "VIEWS_PER_REGION", 0, 2, waitTimeout)
	require.NoError(t, err)

	// The window of the last pageview is still open and emitted on terminate.
	mustExecute(t, e, "TERMINATE "+res.QueryID)
	msgs := l.Messages("VIEWS_PER_REGION", 0)
	require.Len(t, msgs, 3)

	entry, ok := e.Catalog().Snapshot().Lookup("VIEWS_PER_REGION")
	require.True(t, ok)
	keys := encoding.KeyCodec{Type: entry.KeyType}
	counts := map[types.TimeWindow]map[string]int64{}
	for _, msg := range msgs {
		key, w, err := keys.DecodeWindowed(msg.Key)
		require.NoError(t, err)
		row, err := encoding.NewJSON().Decode(entry.Schema, msg.Value)
		require.NoError(t, err)
		require.Equal(t, key.Str(), row[0].Str())
		if counts[w] == nil {
			counts[w] = map[string]int64{}
		}
		counts[w][key.Str()] = row[1].Int()
	}
	require.Equal(t, map[types.TimeWindow]map[string]int64{
		{Start: 0, End: 60_000}:       {"r1": 2, "r2": 1},
		{Start: 60_000, End: 120_000}: {"r1": 1},
	}, counts)
}

func TestEngine_LogsPlans(t *testing.T) {
	var buf bytes.Buffer
	e, err := New(Params{
		Logger:     log.NewLogfmtLogger(log.NewSyncWriter(&buf)),
		Registerer: prometheus.NewRegistry(),
		Config:     Config{DefaultPartitions: 1, StartOffset: "earliest", DrainTimeout: waitTimeout},
		Log:        memory.NewLog(nil),
	})
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), e))
	_, err = e.ExecuteScript(context.Background(), ddl)
	require.NoError(t, err)

	c, err := e.Query(context.Background(), `SELECT PAGEID FROM PAGEVIEWS WHERE VIEWTIME > 1`)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, e.Stop(context.Background()))

	out := buf.String()
	require.Contains(t, out, `msg="finished logical planning"`)
	require.Contains(t, out, `msg="finished physical planning"`)
	require.Contains(t, out, "PAGEVIEWS")
}

func TestEngine_StreamTableJoin(t *testing.T) {
	e := newEngine(t, nil)
	_, err := e.ExecuteScript(context.Background(), ddl)
	require.NoError(t, err)

	mustExecute(t, e, `INSERT INTO USERS (USERID, REGIONID, REGISTERED) VALUES ('u1', 'r1', 0)`)
	insertPageview(t, e, 10_000, "u2", "home")
	insertPageview(t, e, 20_000, "u1", "about")

	t.Run("left join keeps unmatched records", func(t *testing.T) {
		c, err := e.Query(context.Background(), `SELECT P.PAGEID, U.REGIONID FROM PAGEVIEWS P LEFT JOIN USERS U ON P.USERID = U.USERID`)
		require.NoError(t, err)
		defer c.Close()

		requireRow(t, types.Row{types.StringValue("home"), types.NullValue()}, next(t, c))
		requireRow(t, types.Row{types.StringValue("about"), types.StringValue("r1")}, next(t, c))
	})

	t.Run("inner join drops unmatched records", func(t *testing.T) {
		c, err := e.Query(context.Background(), `SELECT P.PAGEID, U.REGIONID FROM PAGEVIEWS P JOIN USERS U ON P.USERID = U.USERID`)
		require.NoError(t, err)
		defer c.Close()

		// The unmatched record was read first, so the match comes first only
		// if nothing was emitted for it.
		requireRow(t, types.Row{types.StringValue("about"), types.StringValue("r1")}, next(t, c))
	})
}

func TestEngine_Limit(t *testing.T) {
	e := newEngine(t, nil)
	_, err := e.ExecuteScript(context.Background(), ddl)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		insertPageview(t, e, i*1000, fmt.Sprintf("u%d", i), "home")
	}

	c, err := e.Query(context.Background(), `SELECT * FROM PAGEVIEWS LIMIT 5`)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, []string{"VIEWTIME", "USERID", "PAGEID"}, c.Schema().Names())

	for i := 0; i < 5; i++ {
		row := next(t, c)
		require.Equal(t, int64(i*1000), row[0].Int())
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err = c.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, c.Err())

	require.Eventually(t, func() bool { return len(e.Queries()) == 0 }, waitTimeout, 10*time.Millisecond)
	require.Empty(t, e.Catalog().Snapshot().Readers("PAGEVIEWS"))
}

// failingLog cannot be read from one topic.
type failingLog struct {
	transport.Log
	topic string
}

func (l *failingLog) Read(ctx context.Context, topic string, partition int32, start transport.StartOffset) (transport.Reader, error) {
	if topic == l.topic {
		return nil, errors.New("broken topic")
	}
	return l.Log.Read(ctx, topic, partition, start)
}

func TestEngine_AtomicStatements(t *testing.T) {
	t.Run("query that fails to start leaves no trace", func(t *testing.T) {
		e := newEngine(t, &failingLog{Log: memory.NewLog(nil), topic: "pageviews"})
		_, err := e.ExecuteScript(context.Background(), ddl)
		require.NoError(t, err)

		_, err = e.Execute(context.Background(), `CREATE STREAM HOME_VIEWS AS SELECT * FROM PAGEVIEWS WHERE PAGEID = 'home'`)
		require.ErrorContains(t, err, "broken topic")

		snap := e.Catalog().Snapshot()
		_, ok := snap.Lookup("HOME_VIEWS")
		require.False(t, ok)
		require.Empty(t, snap.Readers("PAGEVIEWS"))
		require.Empty(t, e.Queries())
		require.Equal(t, 0.0, testutil.ToFloat64(e.metrics.queries.WithLabelValues(queryRunning)))

		mustExecute(t, e, `DROP STREAM PAGEVIEWS`)
	})

	t.Run("query that fails to compile changes nothing", func(t *testing.T) {
		l := memory.NewLog(nil)
		e := newEngine(t, l)
		_, err := e.ExecuteScript(context.Background(), ddl)
		require.NoError(t, err)

		_, err = e.Execute(context.Background(), `CREATE STREAM BAD AS SELECT NOPE FROM PAGEVIEWS`)
		require.ErrorContains(t, err, "unknown column")

		_, ok := e.Catalog().Snapshot().Lookup("BAD")
		require.False(t, ok)
		_, err = l.Partitions(context.Background(), "BAD")
		require.ErrorIs(t, err, transport.ErrTopicNotFound)
		require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.statements.WithLabelValues("create_as_select", "failure")))
	})
}

func TestEngine_PersistentQueryLifecycle(t *testing.T) {
	l := memory.NewLog(nil)
	e := newEngine(t, l)
	_, err := e.ExecuteScript(context.Background(), ddl)
	require.NoError(t, err)

	res := mustExecute(t, e, `CREATE STREAM HOME_VIEWS WITH (KAFKA_TOPIC='home') AS SELECT USERID, UCASE(PAGEID) AS PAGE FROM PAGEVIEWS WHERE PAGEID = 'home'`)
	queries := e.Queries()
	require.Len(t, queries, 1)
	require.Equal(t, res.QueryID, queries[0].ID)
	require.Equal(t, "HOME_VIEWS", queries[0].Sink)

	show := mustExecute(t, e, `SHOW QUERIES`)
	require.Len(t, show.Rows, 1)
	require.Equal(t, "RUNNING", show.Rows[0][1].Str())

	insertPageview(t, e, 1000, "u1", "about")
	insertPageview(t, e, 2000, "u2", "home")
	msgs, err := l.WaitForMessages(context.Background(), "home", 0, 1, waitTimeout)
	require.NoError(t, err)
	row, err := encoding.NewJSON().Decode(types.MustSchema(
		types.Column{Name: "USERID", Type: types.String},
		types.Column{Name: "PAGE", Type: types.String},
	), msgs[0].Value)
	require.NoError(t, err)
	requireRow(t, types.Row{types.StringValue("u2"), types.StringValue("HOME")}, row)

	_, err = e.Execute(context.Background(), `DROP STREAM PAGEVIEWS`)
	require.ErrorIs(t, err, catalog.ErrInUse)
	_, err = e.Execute(context.Background(), `DROP STREAM HOME_VIEWS`)
	require.ErrorIs(t, err, catalog.ErrInUse)

	// Derived streams can be queried like any other.
	c, err := e.Query(context.Background(), `SELECT PAGE FROM HOME_VIEWS LIMIT 1`)
	require.NoError(t, err)
	requireRow(t, types.Row{types.StringValue("HOME")}, next(t, c))
	require.NoError(t, c.Close())

	mustExecute(t, e, "TERMINATE "+res.QueryID)
	require.Empty(t, e.Queries())
	mustExecute(t, e, `DROP STREAM HOME_VIEWS`)
	mustExecute(t, e, `DROP STREAM PAGEVIEWS`)

	_, err = e.Execute(context.Background(), "TERMINATE "+res.QueryID)
	require.ErrorIs(t, err, ErrQueryNotFound)
}

func TestEngine_CatalogStatements(t *testing.T) {
	e := newEngine(t, nil)
	_, err := e.ExecuteScript(context.Background(), ddl)
	require.NoError(t, err)

	t.Run("show", func(t *testing.T) {
		streams := mustExecute(t, e, `SHOW STREAMS`)
		require.Equal(t, []string{"Name", "Topic", "Format", "Partitions"}, streams.Columns)
		require.Len(t, streams.Rows, 1)
		require.Equal(t, []string{"PAGEVIEWS", "pageviews", "JSON", "1"}, FormatRow(streams.Rows[0]))

		tables := mustExecute(t, e, `SHOW TABLES`)
		require.Len(t, tables.Rows, 1)
		require.Equal(t, "USERS", tables.Rows[0][0].Str())
	})

	t.Run("describe", func(t *testing.T) {
		res := mustExecute(t, e, `DESCRIBE USERS`)
		require.Len(t, res.Rows, 3)
		require.Equal(t, []string{"USERID", "STRING", "KEY"}, FormatRow(res.Rows[0]))
		require.Equal(t, []string{"REGISTERED", "BIGINT", "TIMESTAMP"}, FormatRow(res.Rows[2]))
	})

	t.Run("create", func(t *testing.T) {
		for _, tc := range []struct {
			sql    string
			err    string
			syntax bool
		}{
			{sql: `CREATE STREAM PAGEVIEWS (A STRING) WITH (VALUE_FORMAT='JSON')`, err: "already exists"},
			{sql: `CREATE STREAM S (A STRING) WITH (KAFKA_TOPIC='s')`, err: "VALUE_FORMAT is required"},
			{sql: `CREATE STREAM S (A STRING) WITH (VALUE_FORMAT='XML')`, err: "unknown value format"},
			{sql: `CREATE STREAM S WITH (VALUE_FORMAT='JSON')`, err: "columns are required"},
			{sql: `CREATE TABLE T (A STRING) WITH (VALUE_FORMAT='JSON')`, err: "KEY column is required"},
			{sql: `CREATE STREAM S (A STRING) WITH (VALUE_FORMAT='JSON', TIMESTAMP='A')`, err: "must be BIGINT"},
			{sql: `CREATE STREAM S (A STRING) WITH (VALUE_FORMAT='JSON', KEY='B')`, err: "unknown KEY column"},
			{sql: `CREATE STREAM S (A STRING) WITH (KAFKA_TOPIC='pageviews', VALUE_FORMAT='JSON', PARTITIONS=3)`, err: "has 1 partitions"},
		} {
			_, err := e.Execute(context.Background(), tc.sql)
			require.ErrorContains(t, err, tc.err, tc.sql)
			var syntaxErr *syntax.SyntaxError
			require.Equal(t, tc.syntax, errors.As(err, &syntaxErr), tc.sql)
		}
	})

	t.Run("drop", func(t *testing.T) {
		_, err := e.Execute(context.Background(), `DROP TABLE PAGEVIEWS`)
		require.ErrorContains(t, err, "is a STREAM")
		_, err = e.Execute(context.Background(), `DROP STREAM MISSING`)
		require.ErrorIs(t, err, catalog.ErrNotFound)
		res := mustExecute(t, e, `DROP STREAM IF EXISTS MISSING`)
		require.Equal(t, "Stream MISSING does not exist.", res.Message)
		require.Equal(t, 1.0, testutil.ToFloat64(e.metrics.statements.WithLabelValues("drop", "success")))
	})

	t.Run("insert", func(t *testing.T) {
		for _, tc := range []struct {
			sql    string
			err    string
			syntax bool
		}{
			{sql: `INSERT INTO MISSING VALUES (1)`, err: "not found"},
			{sql: `INSERT INTO PAGEVIEWS (VIEWTIME) VALUES (1, 2)`, err: "expected 1 values, found 2 values", syntax: true},
			{sql: `INSERT INTO PAGEVIEWS VALUES (1)`, err: "3 columns but 1 values"},
			{sql: `INSERT INTO PAGEVIEWS (NOPE) VALUES (1)`, err: "unknown column NOPE"},
			{sql: `INSERT INTO PAGEVIEWS (VIEWTIME) VALUES ('soon')`, err: "not a BIGINT"},
			{sql: `INSERT INTO PAGEVIEWS (PAGEID) VALUES (UCASE('a'))`, err: "not a constant"},
		} {
			_, err := e.Execute(context.Background(), tc.sql)
			require.ErrorContains(t, err, tc.err, tc.sql)
		}
	})

	_, err = e.Execute(context.Background(), `SELECT * FROM PAGEVIEWS`)
	require.Error(t, err)
	_, err = e.Query(context.Background(), `SHOW STREAMS`)
	require.Error(t, err)
}

func TestEngine_AvroSchemas(t *testing.T) {
	registry := schemaregistry.NewInMemory()
	e, err := New(Params{
		Config:   Config{StartOffset: "earliest"},
		Log:      memory.NewLog(nil),
		Registry: registry,
	})
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), e))
	defer func() { require.NoError(t, e.Stop(context.Background())) }()

	mustExecute(t, e, `CREATE STREAM EVENTS (ID BIGINT KEY, NAME STRING) WITH (KAFKA_TOPIC='events', VALUE_FORMAT='AVRO')`)
	latest, err := registry.Latest(context.Background(), schemaregistry.Subject("events"))
	require.NoError(t, err)

	// Columns are inferred from the registered schema and pinned.
	mustExecute(t, e, `CREATE STREAM EVENTS_COPY WITH (KAFKA_TOPIC='events', VALUE_FORMAT='AVRO', KEY='ID')`)
	entry, ok := e.Catalog().Snapshot().Lookup("EVENTS_COPY")
	require.True(t, ok)
	require.Equal(t, latest.ID, entry.SchemaID)
	require.Equal(t, []string{"ID", "NAME"}, entry.Schema.Names())
	require.Equal(t, types.BigInt, entry.KeyType)

	mustExecute(t, e, `INSERT INTO EVENTS (ID, NAME) VALUES (7, 'seven')`)
	c, err := e.Query(context.Background(), `SELECT ID, NAME FROM EVENTS_COPY LIMIT 1`)
	require.NoError(t, err)
	defer c.Close()
	requireRow(t, types.Row{types.IntValue(7), types.StringValue("seven")}, next(t, c))

	_, err = e.Execute(context.Background(), `CREATE STREAM NOWHERE WITH (VALUE_FORMAT='AVRO')`)
	require.ErrorIs(t, err, schemaregistry.ErrSubjectNotFound)
}

func TestEngine_NotRunning(t *testing.T) {
	e, err := New(Params{Log: memory.NewLog(nil)})
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), `SHOW STREAMS`)
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = New(Params{})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{DefaultPartitions: 1, StartOffset: "earliest"}
	require.NoError(t, cfg.Validate())

	cfg.StartOffset = "middle"
	require.ErrorContains(t, cfg.Validate(), "engine.start-offset")

	cfg = Config{DefaultPartitions: 0, StartOffset: "latest"}
	require.Error(t, cfg.Validate())
}
