package syntax

import (
	"strconv"
	"strings"
	"time"

	"github.com/grafana/streamql/pkg/types"
)

// Statement is a parsed statement. String returns its canonical rendering,
// which parses back into an equal Statement.
type Statement interface {
	String() string
	isStatement()
}

func (*CreateSource) isStatement()   {}
func (*CreateAsSelect) isStatement() {}
func (*Select) isStatement()         {}
func (*Drop) isStatement()           {}
func (*Show) isStatement()           {}
func (*Describe) isStatement()       {}
func (*Terminate) isStatement()      {}
func (*InsertValues) isStatement()   {}

// ColumnDef is a column declaration of a CREATE statement.
type ColumnDef struct {
	Name string
	Type types.Type
	Key  bool
}

func (c ColumnDef) String() string {
	s := quoteIdent(c.Name) + " " + c.Type.String()
	if c.Key {
		s += " KEY"
	}
	return s
}

// Properties holds the WITH clause of a CREATE statement. Zero values mean
// the property was not given.
type Properties struct {
	Topic          string
	ValueFormat    string
	ValueDelimiter string
	Key            string
	Timestamp      string
	Partitions     int
	Replicas       int
}

// IsZero reports whether no property was set.
func (p Properties) IsZero() bool { return p == Properties{} }

func (p Properties) String() string {
	var parts []string
	add := func(k, v string) { parts = append(parts, k+"="+quoteString(v)) }
	if p.Topic != "" {
		add("KAFKA_TOPIC", p.Topic)
	}
	if p.ValueFormat != "" {
		add("VALUE_FORMAT", p.ValueFormat)
	}
	if p.ValueDelimiter != "" {
		add("VALUE_DELIMITER", p.ValueDelimiter)
	}
	if p.Key != "" {
		add("KEY", p.Key)
	}
	if p.Timestamp != "" {
		add("TIMESTAMP", p.Timestamp)
	}
	if p.Partitions != 0 {
		parts = append(parts, "PARTITIONS="+strconv.Itoa(p.Partitions))
	}
	if p.Replicas != 0 {
		parts = append(parts, "REPLICAS="+strconv.Itoa(p.Replicas))
	}
	return "WITH (" + strings.Join(parts, ", ") + ")"
}

// CreateSource is CREATE STREAM|TABLE name [(columns)] WITH (...).
type CreateSource struct {
	Kind       types.SourceKind
	Name       string
	Columns    []ColumnDef
	Properties Properties
}

func (s *CreateSource) String() string {
	var sb strings.Builder
	sb.WriteString("CREATE ")
	sb.WriteString(s.Kind.String())
	sb.WriteString(" ")
	sb.WriteString(quoteIdent(s.Name))
	if len(s.Columns) > 0 {
		cols := make([]string, len(s.Columns))
		for i, c := range s.Columns {
			cols[i] = c.String()
		}
		sb.WriteString(" (")
		sb.WriteString(strings.Join(cols, ", "))
		sb.WriteString(")")
	}
	if !s.Properties.IsZero() {
		sb.WriteString(" ")
		sb.WriteString(s.Properties.String())
	}
	return sb.String()
}

// CreateAsSelect is CREATE STREAM|TABLE name [WITH (...)] AS SELECT ...
type CreateAsSelect struct {
	Kind       types.SourceKind
	Name       string
	Properties Properties
	Query      *Select
}

func (s *CreateAsSelect) String() string {
	var sb strings.Builder
	sb.WriteString("CREATE ")
	sb.WriteString(s.Kind.String())
	sb.WriteString(" ")
	sb.WriteString(quoteIdent(s.Name))
	if !s.Properties.IsZero() {
		sb.WriteString(" ")
		sb.WriteString(s.Properties.String())
	}
	sb.WriteString(" AS ")
	sb.WriteString(s.Query.String())
	return sb.String()
}

// EmitMode controls when aggregate results are emitted.
type EmitMode int

// Recognized values of [EmitMode].
const (
	EmitDefault EmitMode = iota
	EmitChanges
	EmitFinal
)

// SelectItem is one entry of the projection list.
type SelectItem struct {
	// Star is set for * and q.*.
	Star      bool
	Qualifier string
	Expr      Expr
	Alias     string
}

func (it SelectItem) String() string {
	if it.Star {
		if it.Qualifier != "" {
			return quoteIdent(it.Qualifier) + ".*"
		}
		return "*"
	}
	if it.Alias != "" {
		return it.Expr.String() + " AS " + quoteIdent(it.Alias)
	}
	return it.Expr.String()
}

// Relation is a named source with an optional alias.
type Relation struct {
	Name  string
	Alias string
}

func (r Relation) String() string {
	if r.Alias != "" {
		return quoteIdent(r.Name) + " AS " + quoteIdent(r.Alias)
	}
	return quoteIdent(r.Name)
}

// Ref returns the name used to qualify columns of r.
func (r Relation) Ref() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.Name
}

// JoinType is INNER or LEFT.
type JoinType int

// Recognized values of [JoinType].
const (
	JoinInner JoinType = iota
	JoinLeft
)

func (t JoinType) String() string {
	if t == JoinLeft {
		return "LEFT JOIN"
	}
	return "INNER JOIN"
}

// Join is a [LEFT] JOIN clause.
type Join struct {
	Type   JoinType
	Right  Relation
	Within time.Duration
	On     Expr
}

func (j *Join) String() string {
	s := j.Type.String() + " " + j.Right.String()
	if j.Within > 0 {
		s += " WITHIN " + formatDuration(j.Within)
	}
	return s + " ON " + j.On.String()
}

// WindowType is the kind of a WINDOW clause.
type WindowType int

// Recognized values of [WindowType].
const (
	WindowTumbling WindowType = iota + 1
	WindowHopping
	WindowSession
)

func (t WindowType) String() string {
	switch t {
	case WindowTumbling:
		return "TUMBLING"
	case WindowHopping:
		return "HOPPING"
	case WindowSession:
		return "SESSION"
	}
	return "UNKNOWN"
}

// WindowExpr is a WINDOW clause. Size is the session gap for session
// windows. Grace is only meaningful when HasGrace is set.
type WindowExpr struct {
	Type     WindowType
	Size     time.Duration
	Advance  time.Duration
	Grace    time.Duration
	HasGrace bool
}

func (w *WindowExpr) String() string {
	var args []string
	switch w.Type {
	case WindowSession:
		args = append(args, formatDuration(w.Size))
	case WindowHopping:
		args = append(args, "SIZE "+formatDuration(w.Size), "ADVANCE BY "+formatDuration(w.Advance))
	default:
		args = append(args, "SIZE "+formatDuration(w.Size))
	}
	if w.HasGrace {
		args = append(args, "GRACE PERIOD "+formatDuration(w.Grace))
	}
	return w.Type.String() + " (" + strings.Join(args, ", ") + ")"
}

// Select is a SELECT statement or the query of a CREATE ... AS SELECT.
type Select struct {
	Items       []SelectItem
	From        Relation
	Join        *Join
	Window      *WindowExpr
	Where       Expr
	GroupBy     []Expr
	Having      Expr
	PartitionBy Expr
	Emit        EmitMode
	// Limit is negative when absent.
	Limit int
}

func (s *Select) String() string {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	items := make([]string, len(s.Items))
	for i, it := range s.Items {
		items[i] = it.String()
	}
	sb.WriteString(strings.Join(items, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(s.From.String())
	if s.Join != nil {
		sb.WriteString(" ")
		sb.WriteString(s.Join.String())
	}
	if s.Window != nil {
		sb.WriteString(" WINDOW ")
		sb.WriteString(s.Window.String())
	}
	if s.Where != nil {
		sb.WriteString(" WHERE ")
		sb.WriteString(s.Where.String())
	}
	if len(s.GroupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(joinExprs(s.GroupBy))
	}
	if s.Having != nil {
		sb.WriteString(" HAVING ")
		sb.WriteString(s.Having.String())
	}
	if s.PartitionBy != nil {
		sb.WriteString(" PARTITION BY ")
		sb.WriteString(s.PartitionBy.String())
	}
	switch s.Emit {
	case EmitChanges:
		sb.WriteString(" EMIT CHANGES")
	case EmitFinal:
		sb.WriteString(" EMIT FINAL")
	}
	if s.Limit >= 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(s.Limit))
	}
	return sb.String()
}

// Drop is DROP STREAM|TABLE [IF EXISTS] name.
type Drop struct {
	Kind     types.SourceKind
	Name     string
	IfExists bool
}

func (d *Drop) String() string {
	s := "DROP " + d.Kind.String() + " "
	if d.IfExists {
		s += "IF EXISTS "
	}
	return s + quoteIdent(d.Name)
}

// ShowTarget is the object listed by SHOW.
type ShowTarget int

// Recognized values of [ShowTarget].
const (
	ShowStreams ShowTarget = iota
	ShowTables
	ShowQueries
)

// Show is SHOW STREAMS|TABLES|QUERIES.
type Show struct {
	Target ShowTarget
}

func (s *Show) String() string {
	switch s.Target {
	case ShowTables:
		return "SHOW TABLES"
	case ShowQueries:
		return "SHOW QUERIES"
	}
	return "SHOW STREAMS"
}

// Describe is DESCRIBE name.
type Describe struct {
	Name string
}

func (d *Describe) String() string { return "DESCRIBE " + quoteIdent(d.Name) }

// Terminate is TERMINATE query_id.
type Terminate struct {
	QueryID string
}

func (t *Terminate) String() string { return "TERMINATE " + quoteIdent(t.QueryID) }

// InsertValues is INSERT INTO name [(columns)] VALUES (...).
type InsertValues struct {
	Target  string
	Columns []string
	Values  []Expr
}

func (s *InsertValues) String() string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteIdent(s.Target))
	if len(s.Columns) > 0 {
		cols := make([]string, len(s.Columns))
		for i, c := range s.Columns {
			cols[i] = quoteIdent(c)
		}
		sb.WriteString(" (")
		sb.WriteString(strings.Join(cols, ", "))
		sb.WriteString(")")
	}
	sb.WriteString(" VALUES (")
	sb.WriteString(joinExprs(s.Values))
	sb.WriteString(")")
	return sb.String()
}

func joinExprs(exprs []Expr) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return strings.Join(parts, ", ")
}

func quoteIdent(name string) string {
	if name == "" {
		return "``"
	}
	plain := isIdentStart(name[0]) && !isReserved(name)
	for i := 0; plain && i < len(name); i++ {
		ch := name[i]
		plain = isIdentPart(ch) && !(ch >= 'a' && ch <= 'z')
	}
	if plain {
		return name
	}
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

var durationUnits = []struct {
	name string
	d    time.Duration
}{
	{"DAY", 24 * time.Hour},
	{"HOUR", time.Hour},
	{"MINUTE", time.Minute},
	{"SECOND", time.Second},
	{"MILLISECOND", time.Millisecond},
}

func formatDuration(d time.Duration) string {
	for _, u := range durationUnits {
		if d%u.d == 0 {
			n := int64(d / u.d)
			if n == 1 {
				return "1 " + u.name
			}
			return strconv.FormatInt(n, 10) + " " + u.name + "S"
		}
	}
	return strconv.FormatInt(d.Milliseconds(), 10) + " MILLISECONDS"
}

func parseDurationUnit(word string) (time.Duration, bool) {
	word = strings.TrimSuffix(strings.ToUpper(word), "S")
	for _, u := range durationUnits {
		if u.name == word {
			return u.d, true
		}
	}
	return 0, false
}
