package logical

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grafana/streamql/pkg/catalog"
	"github.com/grafana/streamql/pkg/sql/syntax"
	"github.com/grafana/streamql/pkg/types"
)

func testCatalog(t *testing.T) *catalog.Snapshot {
	t.Helper()
	c := catalog.New()
	err := c.Apply(func(tx *catalog.Txn) error {
		for _, e := range []*catalog.Entry{
			{
				Name: "PAGEVIEWS", Kind: types.SourceStream, Topic: "pageviews", Partitions: 1,
				Schema: types.MustSchema(
					types.Column{Name: "VIEWTIME", Type: types.BigInt},
					types.Column{Name: "USERID", Type: types.String},
					types.Column{Name: "PAGEID", Type: types.String},
				),
			},
			{
				Name: "CLICKS", Kind: types.SourceStream, Topic: "clicks", Partitions: 1,
				KeyColumn: "USERID", KeyType: types.String,
				Schema: types.MustSchema(
					types.Column{Name: "USERID", Type: types.String},
					types.Column{Name: "URL", Type: types.String},
				),
			},
			{
				Name: "USERS", Kind: types.SourceTable, Topic: "users", Partitions: 1,
				KeyColumn: "USERID", KeyType: types.String,
				Schema: types.MustSchema(
					types.Column{Name: "USERID", Type: types.String},
					types.Column{Name: "REGIONID", Type: types.String},
					types.Column{Name: "GENDER", Type: types.String},
				),
			},
		} {
			if err := tx.Create(e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return c.Snapshot()
}

func build(t *testing.T, query string, opts Options) (*Plan, error) {
	t.Helper()
	stmt, err := syntax.Parse(query)
	require.NoError(t, err)
	sel, ok := stmt.(*syntax.Select)
	require.True(t, ok, "not a SELECT: %T", stmt)
	return Build(sel, testCatalog(t), opts)
}

func mustBuild(t *testing.T, query string, opts Options) *Plan {
	t.Helper()
	plan, err := build(t, query, opts)
	require.NoError(t, err)
	return plan
}

func TestBuild_RowWise(t *testing.T) {
	plan := mustBuild(t, `SELECT USERID, PAGEID AS PAGE FROM PAGEVIEWS WHERE VIEWTIME > 100`, Options{})

	require.Equal(t, types.SourceStream, plan.Kind)
	require.False(t, plan.Windowed)
	require.Equal(t, "(USERID STRING, PAGE STRING)", plan.Schema().Columns().String())

	project, ok := plan.Root.Input.(*Project)
	require.True(t, ok)
	filter, ok := project.Input.(*Filter)
	require.True(t, ok)
	require.Equal(t, "(PAGEVIEWS.VIEWTIME > 100)", filter.Predicate.String())
	_, ok = filter.Input.(*Source)
	require.True(t, ok)
	require.Len(t, plan.Sources, 1)
}

func TestBuild_Star(t *testing.T) {
	t.Run("single source", func(t *testing.T) {
		plan := mustBuild(t, `SELECT * FROM USERS`, Options{})
		require.Equal(t, types.SourceTable, plan.Kind)
		require.Equal(t, []string{"USERID", "REGIONID", "GENDER"}, plan.Schema().Columns().Names())
		require.Equal(t, "USERID", plan.KeyColumn)
	})

	t.Run("join prefixes columns", func(t *testing.T) {
		plan := mustBuild(t, `SELECT * FROM CLICKS C JOIN USERS U ON C.USERID = U.USERID`, Options{})
		require.Equal(t, []string{"C_USERID", "C_URL", "U_USERID", "U_REGIONID", "U_GENDER"}, plan.Schema().Columns().Names())
	})
}

func TestBuild_Aggregate(t *testing.T) {
	plan := mustBuild(t, `SELECT PAGEID, COUNT(*) AS N FROM PAGEVIEWS GROUP BY PAGEID`, Options{})

	require.Equal(t, types.SourceTable, plan.Kind)
	require.Equal(t, "PAGEID", plan.KeyColumn)
	require.Equal(t, types.String, plan.KeyType)
	require.Equal(t, "(PAGEID STRING, N BIGINT)", plan.Schema().Columns().String())

	agg := plan.Root.Input.(*Project).Input.(*Aggregate)
	require.Len(t, agg.Aggregates, 1)

	// PAGEVIEWS is keyed by ROWKEY, so grouping by PAGEID re-keys first.
	repartition, ok := agg.Input.(*Repartition)
	require.True(t, ok)
	require.Equal(t, "PAGEVIEWS.PAGEID", KeySignature(repartition.Keys))
}

func TestBuild_AggregateExpressions(t *testing.T) {
	plan := mustBuild(t, `
		SELECT UCASE(PAGEID), COUNT(*) * 2, SUM(VIEWTIME) FROM PAGEVIEWS
		GROUP BY PAGEID HAVING COUNT(*) > 1`, Options{})

	require.Equal(t, []string{"KSQL_COL_0", "KSQL_COL_1", "KSQL_COL_2"}, plan.Schema().Columns().Names())

	project := plan.Root.Input.(*Project)
	having, ok := project.Input.(*Filter)
	require.True(t, ok)
	require.Equal(t, "(KSQL_AGG_0 > 1)", having.Predicate.String())

	agg := having.Input.(*Aggregate)
	// COUNT(*) appears twice but is computed once.
	require.Len(t, agg.Aggregates, 2)
	require.Equal(t, "(KSQL_AGG_0 * 2)", project.Exprs[1].String())
}

func TestBuild_GroupByKeyAvoidsRepartition(t *testing.T) {
	plan := mustBuild(t, `SELECT USERID, COUNT(*) FROM CLICKS GROUP BY USERID`, Options{})
	agg := plan.Root.Input.(*Project).Input.(*Aggregate)
	_, ok := agg.Input.(*Source)
	require.True(t, ok, "unexpected %T", agg.Input)
}

func TestBuild_Windowed(t *testing.T) {
	plan := mustBuild(t, `
		SELECT PAGEID, WINDOWSTART, COUNT(*) FROM PAGEVIEWS
		WINDOW TUMBLING (SIZE 1 MINUTE)
		GROUP BY PAGEID EMIT FINAL`, Options{DefaultGrace: 5 * time.Second})

	require.True(t, plan.Windowed)
	agg := plan.Root.Input.(*Project).Input.(*Aggregate)
	require.True(t, agg.Final)
	require.Equal(t, WindowTumbling, agg.Window.Type)
	require.Equal(t, time.Minute, agg.Window.Size)
	require.Equal(t, 5*time.Second, agg.Window.Grace)
	require.Equal(t, []string{"PAGEID", "WINDOWSTART", "KSQL_COL_2"}, plan.Schema().Columns().Names())
}

func TestBuild_TableAggregation(t *testing.T) {
	plan := mustBuild(t, `SELECT REGIONID, COUNT(*) FROM USERS GROUP BY REGIONID`, Options{})
	agg := plan.Root.Input.(*Project).Input.(*Aggregate)
	repartition, ok := agg.Input.(*Repartition)
	require.True(t, ok)
	_, ok = repartition.Input.(*TableChanges)
	require.True(t, ok)
}

func TestBuild_StreamTableJoin(t *testing.T) {
	plan := mustBuild(t, `
		SELECT P.PAGEID, U.REGIONID FROM PAGEVIEWS P
		LEFT JOIN USERS U ON P.USERID = U.USERID`, Options{})

	require.Equal(t, types.SourceStream, plan.Kind)
	join := plan.Root.Input.(*Project).Input.(*Join)
	require.Equal(t, StreamTable, join.Strategy)
	require.Equal(t, JoinLeft, join.Type)

	left, ok := join.Left.(*Repartition)
	require.True(t, ok)
	require.Equal(t, "P.USERID", KeySignature(left.Keys))
	require.Equal(t, 1, left.Partitions)

	right := join.Right.(*Source)
	require.True(t, right.Materialize)
}

func TestBuild_StreamStreamJoin(t *testing.T) {
	plan := mustBuild(t, `
		SELECT * FROM CLICKS C JOIN PAGEVIEWS P WITHIN 1 HOUR
		ON P.USERID = C.USERID`, Options{})

	join := plan.Root.Input.(*Project).Input.(*Join)
	require.Equal(t, StreamStream, join.Strategy)
	require.Equal(t, time.Hour, join.Within)
	// The ON operands are swapped so each key belongs to its own side.
	require.Equal(t, "C.USERID", join.LeftKey.String())
	require.Equal(t, "P.USERID", join.RightKey.String())

	_, ok := join.Left.(*Source)
	require.True(t, ok)
	_, ok = join.Right.(*Repartition)
	require.True(t, ok)
}

func TestBuild_PartitionBy(t *testing.T) {
	plan := mustBuild(t, `SELECT * FROM PAGEVIEWS PARTITION BY PAGEID`, Options{
		Target: &SinkTarget{Name: "BYPAGE", Kind: types.SourceStream, Partitions: 4},
	})
	require.Equal(t, "PAGEID", plan.KeyColumn)
	project := plan.Root.Input.(*Project)
	repartition := project.Input.(*Repartition)
	require.Equal(t, 4, repartition.Partitions)
	require.Equal(t, "BYPAGE", plan.Root.Target.Name)
}

func TestBuild_Limit(t *testing.T) {
	plan := mustBuild(t, `SELECT * FROM PAGEVIEWS LIMIT 3`, Options{})
	limit, ok := plan.Root.Input.(*Limit)
	require.True(t, ok)
	require.Equal(t, 3, limit.Count)
}

func TestBuild_TypeErrors(t *testing.T) {
	stream := &SinkTarget{Name: "OUT", Kind: types.SourceStream}

	for _, tc := range []struct {
		query  string
		target *SinkTarget
		msg    string
	}{
		{query: `SELECT NOPE FROM PAGEVIEWS`, msg: "unknown column NOPE"},
		{query: `SELECT * FROM NOPE`, msg: "unknown source NOPE"},
		{query: `SELECT X.USERID FROM PAGEVIEWS`, msg: "unknown source X"},
		{query: `SELECT * FROM PAGEVIEWS WHERE USERID + 1 > 2`, msg: "cannot concatenate"},
		{query: `SELECT * FROM PAGEVIEWS WHERE USERID`, msg: "WHERE clause must be BOOLEAN"},
		{query: `SELECT NOPE(USERID) FROM PAGEVIEWS`, msg: "unknown function NOPE"},
		{query: `SELECT COUNT(*) FROM PAGEVIEWS`, msg: "aggregate functions require GROUP BY"},
		{query: `SELECT * FROM PAGEVIEWS WHERE COUNT(*) > 1`, msg: "not allowed in WHERE"},
		{query: `SELECT USERID, COUNT(*) FROM PAGEVIEWS GROUP BY PAGEID`, msg: "must appear in GROUP BY"},
		{query: `SELECT PAGEID, SUM(COUNT(*)) FROM PAGEVIEWS GROUP BY PAGEID`, msg: "nested aggregate"},
		{query: `SELECT * FROM PAGEVIEWS GROUP BY PAGEID`, msg: "SELECT * is not supported with GROUP BY"},
		{query: `SELECT * FROM PAGEVIEWS EMIT FINAL`, msg: "EMIT FINAL"},
		{query: `SELECT PAGEID, COUNT(*) FROM PAGEVIEWS GROUP BY PAGEID EMIT FINAL`, msg: "EMIT FINAL"},
		{query: `SELECT * FROM PAGEVIEWS WINDOW TUMBLING (SIZE 1 SECOND)`, msg: "WINDOW requires GROUP BY"},
		{query: `SELECT WINDOWSTART FROM PAGEVIEWS`, msg: "only available in windowed aggregations"},
		{query: `SELECT * FROM USERS PARTITION BY REGIONID`, msg: "not supported on tables"},
		{query: `SELECT REGIONID, MIN(GENDER) FROM USERS GROUP BY REGIONID`, msg: "aggregate MIN is not supported on tables"},
		{query: `SELECT REGIONID, COUNT(*) FROM USERS WINDOW TUMBLING (SIZE 1 SECOND) GROUP BY REGIONID`, msg: "windowed aggregations are not supported on tables"},
		{query: `SELECT * FROM CLICKS C JOIN PAGEVIEWS P ON C.USERID = P.USERID`, msg: "require a WITHIN clause"},
		{query: `SELECT * FROM CLICKS C JOIN USERS U WITHIN 1 SECOND ON C.USERID = U.USERID`, msg: "WITHIN is not supported"},
		{query: `SELECT * FROM USERS U JOIN CLICKS C ON C.USERID = U.USERID`, msg: "left side of a join must be a STREAM"},
		{query: `SELECT * FROM CLICKS C JOIN USERS U ON C.USERID > U.USERID`, msg: "must be an equality"},
		{query: `SELECT * FROM CLICKS C JOIN USERS U ON C.USERID = C.URL`, msg: "ambiguous join condition"},
		{query: `SELECT * FROM PAGEVIEWS P JOIN USERS U ON USERID = USERID`, msg: "column USERID is ambiguous in the join condition"},
		{query: `SELECT * FROM PAGEVIEWS P JOIN USERS U ON P.USERID = USERID`, msg: "column USERID is ambiguous in the join condition"},
		{query: `SELECT * FROM CLICKS JOIN CLICKS WITHIN 1 SECOND ON CLICKS.USERID = CLICKS.USERID`, msg: "duplicate source alias"},
		{query: `SELECT USERID, USERID FROM PAGEVIEWS`, msg: "duplicate output column"},
		{query: `SELECT NULL FROM PAGEVIEWS`, msg: "cannot infer the type"},
		{query: `SELECT * FROM PAGEVIEWS LIMIT 1`, target: stream, msg: "LIMIT is only supported by interactive queries"},
		{query: `SELECT PAGEID, COUNT(*) FROM PAGEVIEWS GROUP BY PAGEID`, target: stream, msg: "query produces a TABLE"},
	} {
		t.Run(tc.query, func(t *testing.T) {
			_, err := build(t, tc.query, Options{Target: tc.target})
			require.Error(t, err)
			var typeErr *TypeError
			require.ErrorAs(t, err, &typeErr)
			require.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestPrintTree(t *testing.T) {
	plan := mustBuild(t, `SELECT USERID FROM PAGEVIEWS WHERE VIEWTIME > 100`, Options{})

	var sb strings.Builder
	require.NoError(t, PrintTree(&sb, plan.Root))

	expected := `
Sink <client> kind=STREAM
└── Project kind=STREAM columns=(USERID)
    │   └── USERID = PAGEVIEWS.USERID
    └── Filter kind=STREAM
        │   └── Predicate (PAGEVIEWS.VIEWTIME > 100)
        └── Source PAGEVIEWS kind=STREAM topic=pageviews
`
	require.Equal(t, expected, "\n"+sb.String())
}
