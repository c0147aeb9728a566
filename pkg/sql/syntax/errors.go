package syntax

import "fmt"

// Pos is a position in the statement text. Line and Column are 1-based.
type Pos struct {
	Offset int
	Line   int
	Column int
}

func (p Pos) String() string { return fmt.Sprintf("%d:%d", p.Line, p.Column) }

// SyntaxError is returned for malformed statement text.
type SyntaxError struct {
	Pos      Pos
	Expected string
	Found    string
	// Msg optionally explains the failure beyond the expected/found pair.
	Msg string
}

func (e *SyntaxError) Error() string {
	msg := fmt.Sprintf("line %s: syntax error: expected %s, found %s", e.Pos, e.Expected, e.Found)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}
