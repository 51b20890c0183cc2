package history

import "testing"

func TestStackLinearity(t *testing.T) {
	s := newStack()
	if s.canUndo() || s.canRedo() {
		t.Fatal("empty stack can undo/redo")
	}
	if _, ok := s.undo(); ok {
		t.Fatal("empty stack undone")
	}

	s.push(State{Expression: "a"})
	s.push(State{Expression: "b"})
	s.push(State{Expression: "c"})

	// Undo walks back snapshot by snapshot.
	st, ok := s.undo()
	if !ok || st.Expression != "b" {
		t.Fatalf("undo = %q, %v", st.Expression, ok)
	}
	st, ok = s.undo()
	if !ok || st.Expression != "a" {
		t.Fatalf("undo = %q, %v", st.Expression, ok)
	}

	// Stepping past the first snapshot reaches the unfiltered baseline.
	st, ok = s.undo()
	if !ok || st.Expression != "" {
		t.Fatalf("baseline undo = %q, %v", st.Expression, ok)
	}
	if s.canUndo() {
		t.Fatal("can undo past the baseline")
	}

	// Redo replays forward in order.
	st, ok = s.redo()
	if !ok || st.Expression != "a" {
		t.Fatalf("redo = %q, %v", st.Expression, ok)
	}
	st, ok = s.redo()
	if !ok || st.Expression != "b" {
		t.Fatalf("redo = %q, %v", st.Expression, ok)
	}
}

func TestStackPushTruncatesFuture(t *testing.T) {
	s := newStack()
	s.push(State{Expression: "a"})
	s.push(State{Expression: "b"})
	s.push(State{Expression: "c"})
	s.undo() // at b
	s.undo() // at a

	s.push(State{Expression: "d"})
	if s.canRedo() {
		t.Fatal("redo history survived a new push")
	}
	all := s.all()
	if len(all) != 2 || all[0].Expression != "a" || all[1].Expression != "d" {
		t.Fatalf("states = %+v", all)
	}

	st, ok := s.undo()
	if !ok || st.Expression != "a" {
		t.Fatalf("undo after truncate = %q, %v", st.Expression, ok)
	}
}

func TestGlobalStackReturnsPrePushState(t *testing.T) {
	s := newGlobalStack()
	if _, ok := s.undo(); ok {
		t.Fatal("empty global stack undone")
	}

	// Each entry is the snapshot captured before one operation; undo
	// returns the most recent pre-operation state.
	s.push(GlobalState{SourceExpression: "before-op-1"})
	s.push(GlobalState{SourceExpression: "before-op-2"})

	st, ok := s.undo()
	if !ok || st.SourceExpression != "before-op-2" {
		t.Fatalf("undo = %q, %v", st.SourceExpression, ok)
	}
	st, ok = s.undo()
	if !ok || st.SourceExpression != "before-op-1" {
		t.Fatalf("undo = %q, %v", st.SourceExpression, ok)
	}
	if s.canUndo() {
		t.Fatal("exhausted stack still undoable")
	}

	st, ok = s.redo()
	if !ok || st.SourceExpression != "before-op-1" {
		t.Fatalf("redo = %q, %v", st.SourceExpression, ok)
	}
}

func TestGlobalStateLayerIDs(t *testing.T) {
	st := GlobalState{
		SourceLayerID: "src",
		RemoteLayers: map[string]RemoteState{
			"r1": {},
			"r2": {},
		},
	}
	ids := st.LayerIDs()
	if len(ids) != 3 || ids[0] != "src" {
		t.Fatalf("LayerIDs = %v", ids)
	}
}
