package history

import (
	"time"
)

// RemoteState is one remote layer's share of a global snapshot.
type RemoteState struct {
	Expression   string
	FeatureCount int
}

// GlobalState is a single snapshot covering the source layer and every
// remote layer affected by one filter operation. Exactly one GlobalState is
// pushed per atomic multi-layer operation, captured strictly BEFORE the
// filter is applied so undo always has a valid prior state to restore.
type GlobalState struct {
	SourceLayerID      string
	SourceExpression   string
	SourceFeatureCount int

	// RemoteLayers maps remote layer id to its expression at capture
	// time.
	RemoteLayers map[string]RemoteState

	// AfterSourceExpression and AfterRemotes hold the expressions once the
	// operation finished, recorded via RecordGlobalPostState; redo
	// re-applies these, undo re-applies the pre-capture fields above.
	AfterSourceExpression string
	AfterRemotes          map[string]RemoteState

	Description string
	Metadata    map[string]interface{}
	Timestamp   time.Time
}

// LayerIDs returns every layer id the snapshot covers, source first.
func (g *GlobalState) LayerIDs() []string {
	out := make([]string, 0, len(g.RemoteLayers)+1)
	out = append(out, g.SourceLayerID)
	for id := range g.RemoteLayers {
		out = append(out, id)
	}
	return out
}

// globalStack mirrors the per-layer stack semantics over GlobalState
// entries. Its cursor is independent of every per-layer cursor.
type globalStack struct {
	states []GlobalState
	cursor int
}

func newGlobalStack() *globalStack {
	return &globalStack{cursor: -1}
}

func (s *globalStack) push(st GlobalState) {
	if s.cursor < len(s.states)-1 {
		s.states = s.states[:s.cursor+1]
	}
	s.states = append(s.states, st)
	s.cursor = len(s.states) - 1
}

// undo returns the state at the cursor (the pre-filter snapshot of the most
// recent operation) and steps back.
func (s *globalStack) undo() (GlobalState, bool) {
	if s.cursor < 0 {
		return GlobalState{}, false
	}
	st := s.states[s.cursor]
	s.cursor--
	return st, true
}

func (s *globalStack) redo() (GlobalState, bool) {
	if s.cursor >= len(s.states)-1 {
		return GlobalState{}, false
	}
	s.cursor++
	return s.states[s.cursor], true
}

// peekRedo returns the entry a redo would apply, without moving the cursor.
func (s *globalStack) peekRedo() (GlobalState, bool) {
	if s.cursor >= len(s.states)-1 {
		return GlobalState{}, false
	}
	return s.states[s.cursor+1], true
}

// current returns the entry at the cursor without moving it.
func (s *globalStack) current() (GlobalState, bool) {
	if s.cursor < 0 {
		return GlobalState{}, false
	}
	return s.states[s.cursor], true
}

// setAfter stores the post-operation expressions on the entry at the
// cursor.
func (s *globalStack) setAfter(sourceExpr string, remotes map[string]RemoteState) {
	if s.cursor < 0 {
		return
	}
	s.states[s.cursor].AfterSourceExpression = sourceExpr
	s.states[s.cursor].AfterRemotes = remotes
}

func (s *globalStack) canUndo() bool { return s.cursor >= 0 }

func (s *globalStack) canRedo() bool { return s.cursor < len(s.states)-1 }
