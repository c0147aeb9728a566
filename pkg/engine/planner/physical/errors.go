package physical

import "fmt"

// PlanningError is returned when a resolved query cannot be turned into a
// runnable topology, for example when join inputs are not co-partitioned.
type PlanningError struct {
	Msg string
}

func (e *PlanningError) Error() string { return "planning error: " + e.Msg }

func planningErrorf(format string, args ...any) error {
	return &PlanningError{Msg: fmt.Sprintf(format, args...)}
}
