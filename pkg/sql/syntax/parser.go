package syntax

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/grafana/streamql/pkg/types"
)

// Parse parses a single statement. A trailing semicolon is optional.
func Parse(input string) (Statement, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	p.acceptOp(";")
	if p.cur().kind != tokEOF {
		return nil, p.errorf("end of statement")
	}
	return stmt, nil
}

// ParseScript parses a sequence of semicolon separated statements.
func ParseScript(input string) ([]Statement, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	var stmts []Statement
	for {
		for p.acceptOp(";") {
		}
		if p.cur().kind == tokEOF {
			return stmts, nil
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
		if p.cur().kind != tokEOF && !p.isOp(";") {
			return nil, p.errorf("';'")
		}
	}
}

// ParseExpr parses a standalone expression.
func ParseExpr(input string) (Expr, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokEOF {
		return nil, p.errorf("end of expression")
	}
	return e, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) cur() token { return p.tokens[p.pos] }

func (p *parser) peekN(n int) token {
	if p.pos+n < len(p.tokens) {
		return p.tokens[p.pos+n]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(expected string) error {
	return &SyntaxError{Pos: p.cur().pos, Expected: expected, Found: p.cur().describe()}
}

// isKeyword reports whether the current token is the unquoted word kw.
func (p *parser) isKeyword(kw string) bool {
	t := p.cur()
	return t.kind == tokIdent && t.text == kw
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.isKeyword(kw) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return p.errorf(kw)
	}
	return nil
}

func (p *parser) isOp(op string) bool {
	t := p.cur()
	return t.kind == tokOp && t.text == op
}

func (p *parser) acceptOp(op string) bool {
	if p.isOp(op) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expectOp(op string) error {
	if !p.acceptOp(op) {
		return p.errorf("'" + op + "'")
	}
	return nil
}

// parseIdent consumes a non-reserved or quoted identifier.
func (p *parser) parseIdent(what string) (string, error) {
	t := p.cur()
	switch {
	case t.kind == tokQuotedIdent:
		p.advance()
		return t.text, nil
	case t.kind == tokIdent && !isReserved(t.text):
		p.advance()
		return t.text, nil
	}
	return "", p.errorf(what)
}

func (p *parser) parseStatement() (Statement, error) {
	switch {
	case p.isKeyword("CREATE"):
		return p.parseCreate()
	case p.isKeyword("SELECT"):
		return p.parseSelect()
	case p.isKeyword("DROP"):
		return p.parseDrop()
	case p.isKeyword("SHOW"), p.isKeyword("LIST"):
		return p.parseShow()
	case p.isKeyword("DESCRIBE"):
		p.advance()
		name, err := p.parseIdent("source name")
		if err != nil {
			return nil, err
		}
		return &Describe{Name: name}, nil
	case p.isKeyword("TERMINATE"):
		p.advance()
		id, err := p.parseIdent("query id")
		if err != nil {
			return nil, err
		}
		return &Terminate{QueryID: id}, nil
	case p.isKeyword("INSERT"):
		return p.parseInsert()
	}
	return nil, p.errorf("statement")
}

func (p *parser) parseSourceKind() (types.SourceKind, error) {
	switch {
	case p.acceptKeyword("STREAM"):
		return types.SourceStream, nil
	case p.acceptKeyword("TABLE"):
		return types.SourceTable, nil
	}
	return 0, p.errorf("STREAM or TABLE")
}

func (p *parser) parseCreate() (Statement, error) {
	p.advance() // CREATE
	kind, err := p.parseSourceKind()
	if err != nil {
		return nil, err
	}
	name, err := p.parseIdent("source name")
	if err != nil {
		return nil, err
	}

	var columns []ColumnDef
	if p.isOp("(") {
		if columns, err = p.parseColumnDefs(); err != nil {
			return nil, err
		}
	}

	var props Properties
	if p.acceptKeyword("WITH") {
		if props, err = p.parseProperties(); err != nil {
			return nil, err
		}
	}

	if p.acceptKeyword("AS") {
		if len(columns) > 0 {
			return nil, &SyntaxError{Pos: p.cur().pos, Expected: "SELECT", Found: "column list", Msg: "CREATE ... AS SELECT cannot declare columns"}
		}
		if !p.isKeyword("SELECT") {
			return nil, p.errorf("SELECT")
		}
		sel, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		return &CreateAsSelect{Kind: kind, Name: name, Properties: props, Query: sel}, nil
	}
	if props.IsZero() {
		return nil, p.errorf("WITH or AS")
	}
	return &CreateSource{Kind: kind, Name: name, Columns: columns, Properties: props}, nil
}

func (p *parser) parseColumnDefs() ([]ColumnDef, error) {
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	var columns []ColumnDef
	for {
		name, err := p.parseIdent("column name")
		if err != nil {
			return nil, err
		}
		typ, err := p.parseType()
		if err != nil {
			return nil, err
		}
		col := ColumnDef{Name: name, Type: typ}
		if p.acceptKeyword("KEY") {
			col.Key = true
		}
		columns = append(columns, col)
		if p.acceptOp(",") {
			continue
		}
		if err := p.expectOp(")"); err != nil {
			return nil, err
		}
		return columns, nil
	}
}

func (p *parser) parseType() (types.Type, error) {
	t := p.cur()
	if t.kind != tokIdent {
		return types.Invalid, p.errorf("type")
	}
	switch t.text {
	case "ARRAY":
		p.advance()
		if err := p.expectOp("<"); err != nil {
			return types.Invalid, err
		}
		elem, err := p.parsePrimitiveType()
		if err != nil {
			return types.Invalid, err
		}
		if err := p.expectOp(">"); err != nil {
			return types.Invalid, err
		}
		return types.Array(elem), nil
	case "MAP":
		p.advance()
		if err := p.expectOp("<"); err != nil {
			return types.Invalid, err
		}
		keyPos := p.cur().pos
		key, err := p.parsePrimitiveType()
		if err != nil {
			return types.Invalid, err
		}
		if key != types.String {
			return types.Invalid, &SyntaxError{Pos: keyPos, Expected: "STRING", Found: "'" + key.String() + "'", Msg: "map keys must be STRING"}
		}
		if err := p.expectOp(","); err != nil {
			return types.Invalid, err
		}
		elem, err := p.parsePrimitiveType()
		if err != nil {
			return types.Invalid, err
		}
		if err := p.expectOp(">"); err != nil {
			return types.Invalid, err
		}
		return types.Map(elem), nil
	}
	return p.parsePrimitiveType()
}

func (p *parser) parsePrimitiveType() (types.Type, error) {
	t := p.cur()
	if t.kind == tokIdent {
		if typ, ok := types.ParsePrimitive(t.text); ok {
			p.advance()
			return typ, nil
		}
	}
	return types.Invalid, p.errorf("primitive type")
}

var propertyAliases = map[string]string{
	"SOURCE_NAME": "KAFKA_TOPIC",
}

func (p *parser) parseProperties() (Properties, error) {
	var props Properties
	if err := p.expectOp("("); err != nil {
		return props, err
	}
	seen := map[string]bool{}
	for {
		t := p.cur()
		if t.kind != tokIdent {
			return props, p.errorf("property name")
		}
		name := t.text
		if alias, ok := propertyAliases[name]; ok {
			name = alias
		}
		if seen[name] {
			return props, &SyntaxError{Pos: t.pos, Expected: "property name", Found: "'" + t.text + "'", Msg: "duplicate property"}
		}
		seen[name] = true
		p.advance()
		if err := p.expectOp("="); err != nil {
			return props, err
		}

		switch name {
		case "PARTITIONS", "REPLICAS":
			n, err := p.parsePositiveInt()
			if err != nil {
				return props, err
			}
			if name == "PARTITIONS" {
				props.Partitions = n
			} else {
				props.Replicas = n
			}
		case "KAFKA_TOPIC", "VALUE_FORMAT", "VALUE_DELIMITER", "KEY", "TIMESTAMP":
			v := p.cur()
			if v.kind != tokString {
				return props, p.errorf("string")
			}
			p.advance()
			switch name {
			case "KAFKA_TOPIC":
				props.Topic = v.text
			case "VALUE_FORMAT":
				props.ValueFormat = strings.ToUpper(v.text)
			case "VALUE_DELIMITER":
				props.ValueDelimiter = v.text
			case "KEY":
				props.Key = strings.ToUpper(v.text)
			case "TIMESTAMP":
				props.Timestamp = strings.ToUpper(v.text)
			}
		default:
			return props, &SyntaxError{Pos: t.pos, Expected: "property name", Found: "'" + t.text + "'", Msg: "unknown property"}
		}

		if p.acceptOp(",") {
			continue
		}
		return props, p.expectOp(")")
	}
}

func (p *parser) parsePositiveInt() (int, error) {
	t := p.cur()
	if t.kind == tokInt {
		n, err := strconv.Atoi(t.text)
		if err == nil && n > 0 {
			p.advance()
			return n, nil
		}
	}
	return 0, p.errorf("positive integer")
}

func (p *parser) parseRelation() (Relation, error) {
	name, err := p.parseIdent("source name")
	if err != nil {
		return Relation{}, err
	}
	r := Relation{Name: name}
	if p.acceptKeyword("AS") {
		if r.Alias, err = p.parseIdent("alias"); err != nil {
			return r, err
		}
	} else if t := p.cur(); t.kind == tokQuotedIdent || (t.kind == tokIdent && !isReserved(t.text)) {
		r.Alias = p.advance().text
	}
	return r, nil
}

func (p *parser) parseSelect() (*Select, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	s := &Select{Limit: -1}

	for {
		item, err := p.parseSelectItem()
		if err != nil {
			return nil, err
		}
		s.Items = append(s.Items, item)
		if !p.acceptOp(",") {
			break
		}
	}

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	var err error
	if s.From, err = p.parseRelation(); err != nil {
		return nil, err
	}

	if p.isKeyword("JOIN") || p.isKeyword("LEFT") || p.isKeyword("INNER") {
		if s.Join, err = p.parseJoin(); err != nil {
			return nil, err
		}
	}

	if p.acceptKeyword("WINDOW") {
		if s.Window, err = p.parseWindow(); err != nil {
			return nil, err
		}
	}
	if p.acceptKeyword("WHERE") {
		if s.Where, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if p.acceptKeyword("GROUP") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			s.GroupBy = append(s.GroupBy, e)
			if !p.acceptOp(",") {
				break
			}
		}
	}
	if p.acceptKeyword("HAVING") {
		if s.Having, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if p.acceptKeyword("PARTITION") {
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		if s.PartitionBy, err = p.parseExpr(); err != nil {
			return nil, err
		}
	}
	if p.acceptKeyword("EMIT") {
		switch {
		case p.acceptKeyword("CHANGES"):
			s.Emit = EmitChanges
		case p.acceptKeyword("FINAL"):
			s.Emit = EmitFinal
		default:
			return nil, p.errorf("CHANGES or FINAL")
		}
	}
	if p.acceptKeyword("LIMIT") {
		t := p.cur()
		n, convErr := strconv.Atoi(t.text)
		if t.kind != tokInt || convErr != nil {
			return nil, p.errorf("row count")
		}
		p.advance()
		s.Limit = n
	}
	return s, nil
}

func (p *parser) parseSelectItem() (SelectItem, error) {
	if p.acceptOp("*") {
		return SelectItem{Star: true}, nil
	}
	// qualifier.*
	if t := p.cur(); (t.kind == tokIdent || t.kind == tokQuotedIdent) &&
		p.peekN(1).kind == tokOp && p.peekN(1).text == "." &&
		p.peekN(2).kind == tokOp && p.peekN(2).text == "*" {
		q, err := p.parseIdent("qualifier")
		if err != nil {
			return SelectItem{}, err
		}
		p.advance()
		p.advance()
		return SelectItem{Star: true, Qualifier: q}, nil
	}

	e, err := p.parseExpr()
	if err != nil {
		return SelectItem{}, err
	}
	item := SelectItem{Expr: e}
	if p.acceptKeyword("AS") {
		if item.Alias, err = p.parseIdent("alias"); err != nil {
			return item, err
		}
	} else if t := p.cur(); t.kind == tokQuotedIdent || (t.kind == tokIdent && !isReserved(t.text)) {
		item.Alias = p.advance().text
	}
	return item, nil
}

func (p *parser) parseJoin() (*Join, error) {
	j := &Join{Type: JoinInner}
	switch {
	case p.acceptKeyword("LEFT"):
		j.Type = JoinLeft
		p.acceptKeyword("OUTER")
	case p.acceptKeyword("INNER"):
	}
	if err := p.expectKeyword("JOIN"); err != nil {
		return nil, err
	}
	var err error
	if j.Right, err = p.parseRelation(); err != nil {
		return nil, err
	}
	if p.acceptKeyword("WITHIN") {
		if j.Within, err = p.parseDuration(); err != nil {
			return nil, err
		}
		if j.Within <= 0 {
			return nil, &SyntaxError{Pos: p.cur().pos, Expected: "positive duration", Found: "0", Msg: "join window must be positive"}
		}
	}
	if !p.acceptKeyword("ON") {
		return nil, &SyntaxError{
			Pos:      p.cur().pos,
			Expected: "ON",
			Found:    p.cur().describe(),
			Msg:      "ambiguous join condition: joins require an explicit ON clause",
		}
	}
	if j.On, err = p.parseExpr(); err != nil {
		return nil, err
	}
	return j, nil
}

func (p *parser) parseWindow() (*WindowExpr, error) {
	w := &WindowExpr{}
	switch {
	case p.acceptKeyword("TUMBLING"):
		w.Type = WindowTumbling
	case p.acceptKeyword("HOPPING"):
		w.Type = WindowHopping
	case p.acceptKeyword("SESSION"):
		w.Type = WindowSession
	default:
		return nil, p.errorf("TUMBLING, HOPPING or SESSION")
	}
	if err := p.expectOp("("); err != nil {
		return nil, err
	}

	var err error
	if w.Type != WindowSession {
		if err := p.expectKeyword("SIZE"); err != nil {
			return nil, err
		}
	}
	if w.Size, err = p.parseDuration(); err != nil {
		return nil, err
	}
	if w.Size <= 0 {
		return nil, &SyntaxError{Pos: p.cur().pos, Expected: "positive duration", Found: "0", Msg: "window size must be positive"}
	}
	if w.Type == WindowHopping {
		if err := p.expectOp(","); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("ADVANCE"); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		advPos := p.cur().pos
		if w.Advance, err = p.parseDuration(); err != nil {
			return nil, err
		}
		if w.Advance <= 0 || w.Advance > w.Size {
			return nil, &SyntaxError{Pos: advPos, Expected: "advance between 1ms and the window size", Found: formatDuration(w.Advance)}
		}
	}
	if p.acceptOp(",") {
		if err := p.expectKeyword("GRACE"); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("PERIOD"); err != nil {
			return nil, err
		}
		if w.Grace, err = p.parseDuration(); err != nil {
			return nil, err
		}
		w.HasGrace = true
	}
	if err := p.expectOp(")"); err != nil {
		return nil, err
	}
	return w, nil
}

func (p *parser) parseDuration() (time.Duration, error) {
	t := p.cur()
	if t.kind != tokInt {
		return 0, p.errorf("duration")
	}
	n, err := strconv.ParseInt(t.text, 10, 64)
	if err != nil {
		return 0, p.errorf("duration")
	}
	p.advance()
	u := p.cur()
	unit, ok := parseDurationUnit(u.text)
	if u.kind != tokIdent || !ok {
		return 0, p.errorf("time unit")
	}
	p.advance()
	if n > math.MaxInt64/int64(unit) {
		return 0, &SyntaxError{Pos: t.pos, Expected: "duration", Found: t.describe(), Msg: "duration overflows"}
	}
	return time.Duration(n) * unit, nil
}

func (p *parser) parseDrop() (Statement, error) {
	p.advance() // DROP
	kind, err := p.parseSourceKind()
	if err != nil {
		return nil, err
	}
	d := &Drop{Kind: kind}
	if p.acceptKeyword("IF") {
		if err := p.expectKeyword("EXISTS"); err != nil {
			return nil, err
		}
		d.IfExists = true
	}
	if d.Name, err = p.parseIdent("source name"); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *parser) parseShow() (Statement, error) {
	p.advance() // SHOW | LIST
	switch {
	case p.acceptKeyword("STREAMS"):
		return &Show{Target: ShowStreams}, nil
	case p.acceptKeyword("TABLES"):
		return &Show{Target: ShowTables}, nil
	case p.acceptKeyword("QUERIES"):
		return &Show{Target: ShowQueries}, nil
	}
	return nil, p.errorf("STREAMS, TABLES or QUERIES")
}

func (p *parser) parseInsert() (Statement, error) {
	p.advance() // INSERT
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	target, err := p.parseIdent("source name")
	if err != nil {
		return nil, err
	}
	s := &InsertValues{Target: target}
	if p.acceptOp("(") {
		for {
			col, err := p.parseIdent("column name")
			if err != nil {
				return nil, err
			}
			s.Columns = append(s.Columns, col)
			if p.acceptOp(",") {
				continue
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			break
		}
	}
	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		s.Values = append(s.Values, e)
		if p.acceptOp(",") {
			continue
		}
		if err := p.expectOp(")"); err != nil {
			return nil, err
		}
		break
	}
	if len(s.Columns) > 0 && len(s.Columns) != len(s.Values) {
		return nil, &SyntaxError{
			Pos:      p.cur().pos,
			Expected: fmt.Sprintf("%d values", len(s.Columns)),
			Found:    fmt.Sprintf("%d values", len(s.Values)),
		}
	}
	return s, nil
}
