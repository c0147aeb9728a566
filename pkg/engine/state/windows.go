// Package state implements the per-task state stores of stateful operators:
// window stores, session stores, versioned table stores and join buffers.
// Stores are owned by a single task and are not safe for concurrent use.
package state

import "github.com/grafana/streamql/pkg/types"

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// TumblingWindow returns the window of the given size containing t.
func TumblingWindow(t, size int64) types.TimeWindow {
	start := floorDiv(t, size) * size
	return types.TimeWindow{Start: start, End: start + size}
}

// HoppingWindows returns every window with start aligned to advance and
// start <= t < start+size, ordered by start.
func HoppingWindows(t, size, advance int64) []types.TimeWindow {
	last := floorDiv(t, advance) * advance
	var out []types.TimeWindow
	first := last
	for first-advance > t-size {
		first -= advance
	}
	for start := first; start <= last; start += advance {
		out = append(out, types.TimeWindow{Start: start, End: start + size})
	}
	return out
}
