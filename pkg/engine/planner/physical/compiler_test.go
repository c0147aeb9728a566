package physical

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/streamql/pkg/catalog"
	"github.com/grafana/streamql/pkg/engine/planner/logical"
	"github.com/grafana/streamql/pkg/sql/syntax"
	"github.com/grafana/streamql/pkg/types"
)

func testSnapshot(t *testing.T) *catalog.Snapshot {
	t.Helper()
	c := catalog.New()
	require.NoError(t, c.Apply(func(tx *catalog.Txn) error {
		for _, e := range []*catalog.Entry{
			{
				Name: "PAGEVIEWS", Kind: types.SourceStream, Topic: "pageviews", Format: "JSON", Partitions: 1,
				TimestampColumn: "VIEWTIME",
				Schema: types.MustSchema(
					types.Column{Name: "VIEWTIME", Type: types.BigInt},
					types.Column{Name: "USERID", Type: types.String},
					types.Column{Name: "PAGEID", Type: types.String},
				),
			},
			{
				Name: "CLICKS", Kind: types.SourceStream, Topic: "clicks", Format: "JSON", Partitions: 2,
				KeyColumn: "USERID", KeyType: types.String,
				Schema: types.MustSchema(
					types.Column{Name: "USERID", Type: types.String},
					types.Column{Name: "URL", Type: types.String},
				),
			},
			{
				Name: "USERS", Kind: types.SourceTable, Topic: "users", Format: "JSON", Partitions: 1,
				KeyColumn: "USERID", KeyType: types.String,
				Schema: types.MustSchema(
					types.Column{Name: "USERID", Type: types.String},
					types.Column{Name: "REGIONID", Type: types.String},
				),
			},
		} {
			if err := tx.Create(e); err != nil {
				return err
			}
		}
		return nil
	}))
	return c.Snapshot()
}

func compile(t *testing.T, query string, target *logical.SinkTarget) (*Topology, error) {
	t.Helper()
	stmt, err := syntax.Parse(query)
	require.NoError(t, err)
	plan, err := logical.Build(stmt.(*syntax.Select), testSnapshot(t), logical.Options{Target: target})
	require.NoError(t, err)
	return Compile(plan, Options{QueryID: "Q1", TopicPrefix: "_streamql_"})
}

func TestCompile_SingleStage(t *testing.T) {
	topo, err := compile(t, `SELECT USERID FROM PAGEVIEWS WHERE VIEWTIME > 100`, nil)
	require.NoError(t, err)

	require.Len(t, topo.Stages, 1)
	require.Empty(t, topo.InternalTopics)
	require.Empty(t, topo.Stores)
	require.True(t, topo.Sink.Interactive)

	st := topo.Stages[0]
	require.Equal(t, 1, st.Partitions)
	require.Equal(t, topo.Sink, st.Root())

	sources := st.Sources()
	require.Len(t, sources, 1)
	require.Equal(t, 0, sources[0].TimestampIndex)
	require.False(t, sources[0].FromEarliest)

	expected := `Stage 0 partitions=1
Sink sink-0 target=client
└── Projection projection-0 columns=(USERID=PAGEVIEWS.USERID#1)
    └── Filter filter-0 predicate=>(PAGEVIEWS.VIEWTIME#0, 100)
        └── SourceScan scan-0 topic=pageviews kind=STREAM format=JSON partitions=1
`
	require.Equal(t, expected, PrintAsTree(topo))
}

func TestCompile_RepartitionSplitsStages(t *testing.T) {
	topo, err := compile(t, `SELECT PAGEID, COUNT(*) FROM PAGEVIEWS GROUP BY PAGEID`, &logical.SinkTarget{
		Name: "COUNTS", Kind: types.SourceTable, Topic: "counts", Format: "JSON",
	})
	require.NoError(t, err)

	require.Len(t, topo.Stages, 2)
	require.Equal(t, []InternalTopic{{Name: "_streamql_Q1-repartition-0", Partitions: 1}}, topo.InternalTopics)
	require.Equal(t, []string{"Q1-aggregate-store"}, topo.Stores)

	upstream := topo.Stages[0]
	require.Equal(t, 0, upstream.ID)
	repartition, ok := upstream.Root().(*RepartitionSink)
	require.True(t, ok)
	require.Equal(t, "_streamql_Q1-repartition-0", repartition.Topic)
	require.Equal(t, "PAGEVIEWS.PAGEID#2", repartition.Keys[0].String())

	downstream := topo.Stages[1]
	require.Equal(t, 1, downstream.ID)
	sources := downstream.Sources()
	require.Len(t, sources, 1)
	require.True(t, sources[0].Internal)
	require.Equal(t, InternalFormat, sources[0].Format)
	require.Equal(t, "_streamql_Q1-repartition-0", sources[0].Topic)

	sink := downstream.Root().(*Sink)
	require.Equal(t, "counts", sink.Topic)
	require.Equal(t, 1, sink.Partitions)
	require.Equal(t, types.SourceTable, sink.Kind)
}

func TestCompile_StreamStreamJoin(t *testing.T) {
	topo, err := compile(t, `SELECT * FROM CLICKS C JOIN PAGEVIEWS P WITHIN 10 SECONDS ON C.USERID = P.USERID`, nil)
	require.NoError(t, err)

	// PAGEVIEWS is re-keyed into as many partitions as CLICKS has.
	require.Equal(t, []InternalTopic{{Name: "_streamql_Q1-repartition-0", Partitions: 2}}, topo.InternalTopics)
	require.Equal(t, []string{"Q1-join-left-store", "Q1-join-right-store"}, topo.Stores)

	st := topo.Stages[1]
	require.Equal(t, 2, st.Partitions)
	sources := st.Sources()
	require.Len(t, sources, 2)
	require.Equal(t, SideLeft, sources[0].Side)
	require.Equal(t, "clicks", sources[0].Topic)
	require.Equal(t, SideRight, sources[1].Side)
	require.True(t, sources[1].Internal)
}

func TestCompile_StreamTableJoin(t *testing.T) {
	topo, err := compile(t, `SELECT P.PAGEID, U.REGIONID FROM PAGEVIEWS P JOIN USERS U ON P.USERID = U.USERID`, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"Q1-table-store"}, topo.Stores)

	sources := topo.Stages[1].Sources()
	require.Len(t, sources, 2)
	require.True(t, sources[1].FromEarliest, "table side is materialized from the beginning")
	require.Equal(t, types.SourceTable, sources[1].Kind)
}

func TestCompile_TableAggregation(t *testing.T) {
	topo, err := compile(t, `SELECT REGIONID, COUNT(*) FROM USERS GROUP BY REGIONID`, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"Q1-table-store", "Q1-aggregate-store"}, topo.Stores)
	_, ok := topo.Stages[0].Plan.Children(topo.Stages[0].Root())[0].(*TableChanges)
	require.True(t, ok)
}

func TestCompile_PlanningErrors(t *testing.T) {
	for _, tc := range []struct {
		name, query, msg string
	}{
		{
			name:  "stream-table join on a non-key column",
			query: `SELECT * FROM CLICKS C JOIN USERS U ON C.USERID = U.REGIONID`,
			msg:   "must use the table key",
		},
		{
			name:  "partition counts differ",
			query: `SELECT * FROM CLICKS C JOIN USERS U ON C.USERID = U.USERID`,
			msg:   "not co-partitioned",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := compile(t, tc.query, nil)
			var planningErr *PlanningError
			require.ErrorAs(t, err, &planningErr)
			require.Contains(t, err.Error(), tc.msg)
		})
	}

	t.Run("missing query id", func(t *testing.T) {
		_, err := Compile(&logical.Plan{}, Options{})
		require.Error(t, err)
	})
}
