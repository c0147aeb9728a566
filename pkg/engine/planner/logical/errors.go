package logical

import "fmt"

// TypeError is returned for statements that are syntactically valid but
// semantically wrong: unknown columns or functions, mismatched operand types,
// or invalid use of aggregates, windows and joins.
type TypeError struct {
	Msg string
}

func (e *TypeError) Error() string { return "type error: " + e.Msg }

func typeErrorf(format string, args ...any) error {
	return &TypeError{Msg: fmt.Sprintf(format, args...)}
}
