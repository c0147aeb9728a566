package syntax

import (
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuotedIdent
	tokInt
	tokFloat
	tokString
	tokOp // punctuation and operators
)

var tokenKindNames = map[tokenKind]string{
	tokEOF:         "end of input",
	tokIdent:       "identifier",
	tokQuotedIdent: "quoted identifier",
	tokInt:         "integer",
	tokFloat:       "decimal",
	tokString:      "string",
	tokOp:          "operator",
}

type token struct {
	kind tokenKind
	// text holds the literal text. Unquoted identifiers are upper-cased,
	// string literals are unescaped.
	text string
	pos  Pos
}

func (t token) describe() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokString:
		return "string '" + t.text + "'"
	}
	return "'" + t.text + "'"
}

// reserved words can only be used as identifiers when quoted.
var reserved = map[string]struct{}{
	"SELECT": {}, "FROM": {}, "WHERE": {}, "GROUP": {}, "BY": {}, "HAVING": {},
	"PARTITION": {}, "WINDOW": {}, "EMIT": {}, "LIMIT": {}, "JOIN": {},
	"LEFT": {}, "INNER": {}, "OUTER": {}, "ON": {}, "WITHIN": {}, "AS": {},
	"AND": {}, "OR": {}, "NOT": {}, "IS": {}, "NULL": {}, "LIKE": {},
	"BETWEEN": {}, "TRUE": {}, "FALSE": {}, "CREATE": {}, "STREAM": {},
	"TABLE": {}, "WITH": {}, "DROP": {}, "SHOW": {}, "LIST": {},
	"DESCRIBE": {}, "TERMINATE": {}, "INSERT": {}, "INTO": {}, "VALUES": {},
	"CAST": {}, "IF": {}, "EXISTS": {},
}

func isReserved(word string) bool {
	_, ok := reserved[strings.ToUpper(word)]
	return ok
}

type lexer struct {
	input string
	off   int
	line  int
	col   int
}

func lex(input string) ([]token, error) {
	l := &lexer{input: input, line: 1, col: 1}
	var tokens []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.kind == tokEOF {
			return tokens, nil
		}
	}
}

func (l *lexer) pos() Pos { return Pos{Offset: l.off, Line: l.line, Column: l.col} }

func (l *lexer) peek(n int) byte {
	if l.off+n < len(l.input) {
		return l.input[l.off+n]
	}
	return 0
}

func (l *lexer) advance() byte {
	ch := l.input[l.off]
	l.off++
	if ch == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return ch
}

func (l *lexer) skipSpaceAndComments() {
	for l.off < len(l.input) {
		ch := l.input[l.off]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			l.advance()
		case ch == '-' && l.peek(1) == '-':
			for l.off < len(l.input) && l.input[l.off] != '\n' {
				l.advance()
			}
		default:
			return
		}
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpaceAndComments()
	start := l.pos()
	if l.off >= len(l.input) {
		return token{kind: tokEOF, pos: start}, nil
	}

	ch := l.input[l.off]
	switch {
	case ch == '\'':
		return l.readString(start)
	case ch == '`':
		return l.readQuotedIdent(start)
	case isDigit(ch):
		return l.readNumber(start), nil
	case isIdentStart(ch):
		return l.readIdent(start), nil
	}

	two := l.input[l.off:min(l.off+2, len(l.input))]
	switch two {
	case "!=", "<>", "<=", ">=":
		l.advance()
		l.advance()
		if two == "<>" {
			two = "!="
		}
		return token{kind: tokOp, text: two, pos: start}, nil
	}

	switch ch {
	case '(', ')', ',', '.', '*', '+', '-', '/', '%', '=', '<', '>', '[', ']', ';':
		l.advance()
		return token{kind: tokOp, text: string(ch), pos: start}, nil
	}
	return token{}, &SyntaxError{Pos: start, Expected: "token", Found: "'" + string(ch) + "'"}
}

func (l *lexer) readString(start Pos) (token, error) {
	l.advance() // opening quote
	var sb strings.Builder
	for l.off < len(l.input) {
		ch := l.advance()
		if ch == '\'' {
			if l.peek(0) == '\'' {
				l.advance()
				sb.WriteByte('\'')
				continue
			}
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(ch)
	}
	return token{}, &SyntaxError{Pos: start, Expected: "closing quote", Found: "end of input", Msg: "unterminated string literal"}
}

func (l *lexer) readQuotedIdent(start Pos) (token, error) {
	l.advance()
	var sb strings.Builder
	for l.off < len(l.input) {
		ch := l.advance()
		if ch == '`' {
			if l.peek(0) == '`' {
				l.advance()
				sb.WriteByte('`')
				continue
			}
			if sb.Len() == 0 {
				return token{}, &SyntaxError{Pos: start, Expected: "identifier", Found: "``"}
			}
			return token{kind: tokQuotedIdent, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(ch)
	}
	return token{}, &SyntaxError{Pos: start, Expected: "closing backtick", Found: "end of input"}
}

func (l *lexer) readNumber(start Pos) token {
	begin := l.off
	kind := tokInt
	for l.off < len(l.input) && isDigit(l.input[l.off]) {
		l.advance()
	}
	if l.peek(0) == '.' && isDigit(l.peek(1)) {
		kind = tokFloat
		l.advance()
		for l.off < len(l.input) && isDigit(l.input[l.off]) {
			l.advance()
		}
	}
	if e := l.peek(0); e == 'e' || e == 'E' {
		n := 1
		if s := l.peek(1); s == '+' || s == '-' {
			n = 2
		}
		if isDigit(l.peek(n)) {
			kind = tokFloat
			for range n {
				l.advance()
			}
			for l.off < len(l.input) && isDigit(l.input[l.off]) {
				l.advance()
			}
		}
	}
	return token{kind: kind, text: l.input[begin:l.off], pos: start}
}

func (l *lexer) readIdent(start Pos) token {
	begin := l.off
	for l.off < len(l.input) && isIdentPart(l.input[l.off]) {
		l.advance()
	}
	return token{kind: tokIdent, text: strings.ToUpper(l.input[begin:l.off]), pos: start}
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isIdentStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func isIdentPart(ch byte) bool { return isIdentStart(ch) || isDigit(ch) }
