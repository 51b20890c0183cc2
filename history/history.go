// Package history implements undo/redo for filter operations: a linear
// snapshot stack per layer, plus a project-wide global stack whose entries
// capture a source layer and every remote layer one filter operation
// touched, so cross-layer operations undo atomically.
package history

import (
	"time"
)

// State is one per-layer filter snapshot.
type State struct {
	Expression   string
	FeatureCount int
	Description  string
	Metadata     map[string]interface{}
	Timestamp    time.Time
}

// stack is a classic linear undo stack: an ordered snapshot sequence with a
// cursor. The cursor ranges over [-1, len(states)-1]; -1 is the "no state"
// sentinel meaning the layer is at its unfiltered baseline.
type stack struct {
	states []State
	cursor int
}

func newStack() *stack {
	return &stack{cursor: -1}
}

// push appends a snapshot. Any redo-able future beyond the cursor is
// discarded first; redo history does not survive a new action after undo.
func (s *stack) push(st State) {
	if s.cursor < len(s.states)-1 {
		s.states = s.states[:s.cursor+1]
	}
	s.states = append(s.states, st)
	s.cursor = len(s.states) - 1
}

// undo steps the cursor back and returns the state now pointed to. Stepping
// back from the first snapshot returns the zero State (unfiltered baseline).
// Returns ok=false when there is nothing to undo.
func (s *stack) undo() (State, bool) {
	if s.cursor < 0 {
		return State{}, false
	}
	s.cursor--
	if s.cursor < 0 {
		return State{}, true
	}
	return s.states[s.cursor], true
}

// redo steps the cursor forward and returns the state now pointed to.
func (s *stack) redo() (State, bool) {
	if s.cursor >= len(s.states)-1 {
		return State{}, false
	}
	s.cursor++
	return s.states[s.cursor], true
}

func (s *stack) canUndo() bool { return s.cursor >= 0 }

func (s *stack) canRedo() bool { return s.cursor < len(s.states)-1 }

// all returns the snapshots in order, oldest first.
func (s *stack) all() []State {
	return append([]State{}, s.states...)
}
