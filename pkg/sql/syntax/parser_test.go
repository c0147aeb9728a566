package syntax

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grafana/streamql/pkg/types"
)

func TestParse_CreateSource(t *testing.T) {
	stmt, err := Parse(`CREATE STREAM pageviews (viewtime BIGINT, userid VARCHAR KEY, pageid STRING, tags ARRAY<STRING>, attrs MAP<STRING, DOUBLE>)
		WITH (kafka_topic='pageviews', value_format='json', timestamp='viewtime', partitions=4);`)
	require.NoError(t, err)

	create, ok := stmt.(*CreateSource)
	require.True(t, ok)
	require.Equal(t, types.SourceStream, create.Kind)
	require.Equal(t, "PAGEVIEWS", create.Name)
	require.Equal(t, []ColumnDef{
		{Name: "VIEWTIME", Type: types.BigInt},
		{Name: "USERID", Type: types.String, Key: true},
		{Name: "PAGEID", Type: types.String},
		{Name: "TAGS", Type: types.Array(types.String)},
		{Name: "ATTRS", Type: types.Map(types.Double)},
	}, create.Columns)
	require.Equal(t, Properties{
		Topic:       "pageviews",
		ValueFormat: "JSON",
		Timestamp:   "VIEWTIME",
		Partitions:  4,
	}, create.Properties)
}

func TestParse_RoundTrip(t *testing.T) {
	for _, input := range []string{
		`CREATE STREAM pageviews (viewtime BIGINT, userid VARCHAR, pageid VARCHAR) WITH (KAFKA_TOPIC='pageviews', VALUE_FORMAT='DELIMITED', VALUE_DELIMITER='|')`,
		"CREATE TABLE users (`userId` STRING KEY, regionid STRING, `from` INT) WITH (SOURCE_NAME='users', VALUE_FORMAT='JSON', KEY='userId')",
		`CREATE TABLE users WITH (KAFKA_TOPIC='users', VALUE_FORMAT='AVRO', KEY='userid', REPLICAS=3)`,
		`CREATE TABLE pageviews_per_region WITH (PARTITIONS=2) AS SELECT regionid, COUNT(*) AS cnt FROM pageviews_enriched WINDOW TUMBLING (SIZE 60 SECONDS, GRACE PERIOD 0 SECONDS) WHERE regionid LIKE 'Region_%' GROUP BY regionid HAVING COUNT(*) > 1 EMIT CHANGES`,
		`CREATE STREAM enriched AS SELECT pv.viewtime, pv.userid, u.regionid, u.tags[0] AS first_tag, u.attrs['k'] FROM pageviews pv LEFT JOIN users u ON pv.userid = u.userid PARTITION BY u.regionid`,
		`CREATE STREAM joined AS SELECT * FROM a INNER JOIN b WITHIN 2 HOURS ON a.id = b.id WHERE NOT (a.x IS NULL) AND a.y BETWEEN -1 AND 1.5`,
		`SELECT userid, SUM(CAST(pageid AS BIGINT) * 2 + 1) FROM pageviews WINDOW HOPPING (SIZE 1 MINUTE, ADVANCE BY 10 SECONDS) GROUP BY userid EMIT FINAL LIMIT 10`,
		`SELECT * FROM pageviews WINDOW SESSION (5 MINUTES) WHERE pageid NOT LIKE '%home%' AND userid NOT BETWEEN 'a' AND 'c' LIMIT 5`,
		`DROP TABLE IF EXISTS users`,
		`SHOW QUERIES`,
		`DESCRIBE pageviews`,
		`TERMINATE CSAS_ENRICHED_0`,
		`INSERT INTO pageviews (viewtime, userid) VALUES (1, 'it''s')`,
	} {
		t.Run(input, func(t *testing.T) {
			first, err := Parse(input)
			require.NoError(t, err)

			rendered := first.String()
			second, err := Parse(rendered)
			require.NoError(t, err, "rendered: %s", rendered)
			require.Equal(t, first, second)
			require.Equal(t, rendered, second.String())
		})
	}
}

func TestParse_Window(t *testing.T) {
	stmt, err := Parse(`SELECT a, COUNT(*) FROM s WINDOW HOPPING (SIZE 2 MINUTES, ADVANCE BY 30 SECONDS, GRACE PERIOD 1 HOUR) GROUP BY a`)
	require.NoError(t, err)
	sel := stmt.(*Select)
	require.Equal(t, &WindowExpr{
		Type:     WindowHopping,
		Size:     2 * time.Minute,
		Advance:  30 * time.Second,
		Grace:    time.Hour,
		HasGrace: true,
	}, sel.Window)
	require.Equal(t, -1, sel.Limit)
	require.Equal(t, &FuncCall{Name: "COUNT", Star: true}, sel.Items[1].Expr)
}

func TestParse_ExpressionPrecedence(t *testing.T) {
	e, err := ParseExpr(`a + b * c = d OR NOT e AND f`)
	require.NoError(t, err)
	require.Equal(t, "(((A + (B * C)) = D) OR ((NOT E) AND F))", e.String())

	e, err = ParseExpr(`-x[1] % 2`)
	require.NoError(t, err)
	require.Equal(t, "((-X[1]) % 2)", e.String())
}

func TestParse_Errors(t *testing.T) {
	for _, tt := range []struct {
		input    string
		expected string
		line     int
		column   int
	}{
		{input: "SELECT FROM s", expected: "expression", line: 1, column: 8},
		{input: "SELECT * FROM a JOIN b", expected: "ON", line: 1, column: 23},
		{input: "SELECT * FROM a JOIN b WITHIN 1 MINUTE", expected: "ON", line: 1, column: 39},
		{input: "CREATE STREAM s (a INT) WITH (FOO='x')", expected: "property name", line: 1, column: 31},
		{input: "CREATE STREAM s (a INT) WITH (PARTITIONS='x')", expected: "positive integer", line: 1, column: 42},
		{input: "CREATE STREAM s (a MAP<INT, INT>) WITH (KAFKA_TOPIC='s')", expected: "STRING", line: 1, column: 24},
		{input: "CREATE STREAM s (a ARRAY<ARRAY<INT>>) WITH (KAFKA_TOPIC='s')", expected: "primitive type", line: 1, column: 26},
		{input: "SELECT a FROM s WINDOW TUMBLING (SIZE 1 WEEK) GROUP BY a", expected: "time unit", line: 1, column: 41},
		{input: "SELECT a FROM s WINDOW TUMBLING (SIZE 999999999999 DAYS) GROUP BY a", expected: "duration", line: 1, column: 39},
		{input: "SELECT a\nFROM s WHERE 'abc", expected: "closing quote", line: 2, column: 14},
		{input: "SELECT * FROM s LIMIT 5 5", expected: "end of statement", line: 1, column: 25},
		{input: "CREATE TABLE t (a INT)", expected: "WITH or AS", line: 1, column: 23},
	} {
		t.Run(tt.input, func(t *testing.T) {
			_, err := Parse(tt.input)
			require.Error(t, err)

			var syntaxErr *SyntaxError
			require.True(t, errors.As(err, &syntaxErr), "unexpected error %v", err)
			require.Equal(t, tt.expected, syntaxErr.Expected)
			require.Equal(t, tt.line, syntaxErr.Pos.Line)
			require.Equal(t, tt.column, syntaxErr.Pos.Column)
		})
	}
}

func TestParse_JoinWithoutConditionFailsClosed(t *testing.T) {
	_, err := Parse("SELECT * FROM a LEFT JOIN b")
	require.ErrorContains(t, err, "ambiguous join condition")
}

func TestParseScript(t *testing.T) {
	stmts, err := ParseScript(`
		-- sources
		CREATE STREAM s (a INT) WITH (KAFKA_TOPIC='s', VALUE_FORMAT='JSON');
		CREATE TABLE t AS SELECT a, COUNT(*) FROM s GROUP BY a;;
		SHOW TABLES;
	`)
	require.NoError(t, err)
	require.Len(t, stmts, 3)
	require.IsType(t, &CreateSource{}, stmts[0])
	require.IsType(t, &CreateAsSelect{}, stmts[1])
	require.Equal(t, &Show{Target: ShowTables}, stmts[2])
}

func TestWalk(t *testing.T) {
	e, err := ParseExpr(`COALESCE(a.x, b) + CAST(c[0] AS INT)`)
	require.NoError(t, err)

	var idents []string
	Walk(e, func(e Expr) bool {
		if id, ok := e.(*Identifier); ok {
			idents = append(idents, id.String())
		}
		return true
	})
	require.Equal(t, []string{"A.X", "B", "C"}, idents)
}
