package history

import (
	"testing"

	"github.com/filtermate/filtermate-go/layer"
)

func managerFixture(t *testing.T) (*Manager, *layer.Registry, *[][]string) {
	t.Helper()
	reg := layer.NewRegistry()
	var refreshes [][]string
	m := NewManager(reg, func(ids []string) {
		refreshes = append(refreshes, ids)
	})
	return m, reg, &refreshes
}

func addLayer(reg *layer.Registry, id string) *layer.MemLayer {
	l := layer.NewMemLayer(id, id, layer.ProviderMemory, "fid")
	reg.Add(l)
	return l
}

func TestManagerUndoRedo(t *testing.T) {
	m, reg, refreshes := managerFixture(t)
	l := addLayer(reg, "towns")

	l.SetSubsetExpression(`"a" = 1`)
	m.PushState("towns", `"a" = 1`, 10, "first", nil)
	l.SetSubsetExpression(`"a" = 2`)
	m.PushState("towns", `"a" = 2`, 5, "second", nil)

	if !m.CanUndo("towns") || m.CanRedo("towns") {
		t.Fatal("undo/redo availability wrong")
	}

	st, ok, err := m.Undo("towns")
	if err != nil || !ok || st.Expression != `"a" = 1` {
		t.Fatalf("Undo = %+v, %v, %v", st, ok, err)
	}
	if l.SubsetExpression() != `"a" = 1` {
		t.Fatalf("layer expression = %q", l.SubsetExpression())
	}

	// Another undo reaches the unfiltered baseline.
	st, ok, err = m.Undo("towns")
	if err != nil || !ok || st.Expression != "" {
		t.Fatalf("baseline Undo = %+v, %v, %v", st, ok, err)
	}
	if l.SubsetExpression() != "" {
		t.Fatal("layer not back at baseline")
	}

	st, ok, err = m.Redo("towns")
	if err != nil || !ok || st.Expression != `"a" = 1` {
		t.Fatalf("Redo = %+v, %v, %v", st, ok, err)
	}
	if l.SubsetExpression() != `"a" = 1` {
		t.Fatalf("layer expression after redo = %q", l.SubsetExpression())
	}

	// One refresh per applied snapshot.
	if len(*refreshes) != 3 {
		t.Fatalf("refreshes = %d, want 3", len(*refreshes))
	}
}

func TestManagerUntrackedLayerIsNoOp(t *testing.T) {
	m, _, refreshes := managerFixture(t)

	if _, ok, err := m.Undo("unknown"); ok || err != nil {
		t.Fatalf("untracked undo = %v, %v", ok, err)
	}
	if _, ok, err := m.Redo("unknown"); ok || err != nil {
		t.Fatalf("untracked redo = %v, %v", ok, err)
	}
	if len(*refreshes) != 0 {
		t.Fatal("no-op refreshed")
	}
	if m.CanUndo("unknown") || m.CanRedo("unknown") {
		t.Fatal("untracked layer reports history")
	}
}

func TestManagerInvalidLayerErrors(t *testing.T) {
	m, reg, _ := managerFixture(t)
	l := addLayer(reg, "towns")
	m.PushState("towns", `"a" = 1`, 1, "", nil)
	m.PushState("towns", `"a" = 2`, 1, "", nil)

	l.Invalidate()
	if _, _, err := m.Undo("towns"); err == nil {
		t.Fatal("undo on invalid layer succeeded")
	}
	// The failed attempt must not consume the entry; the user retries after
	// fixing the layer.
	if !m.CanUndo("towns") {
		t.Fatal("failed undo consumed the history entry")
	}
	if got := len(m.HistoryForLayer("towns")); got != 2 {
		t.Fatalf("history length after failed undo = %d, want 2", got)
	}
}

func TestManagerHistoryDroppedWithLayer(t *testing.T) {
	m, reg, _ := managerFixture(t)
	addLayer(reg, "towns")
	m.PushState("towns", `"a" = 1`, 1, "", nil)

	reg.Remove("towns")
	if m.CanUndo("towns") {
		t.Fatal("history survived layer removal")
	}
	if got := m.HistoryForLayer("towns"); got != nil {
		t.Fatalf("HistoryForLayer = %v", got)
	}
}

func TestGlobalUndoRestoresPreFilterState(t *testing.T) {
	m, reg, refreshes := managerFixture(t)
	src := addLayer(reg, "src")
	r1 := addLayer(reg, "r1")
	r2 := addLayer(reg, "r2")

	// Layers start with a prior filter generation.
	src.SetSubsetExpression(`"gen" = 1`)
	r1.SetSubsetExpression(`"gen" = 1`)

	// Capture before applying, then apply the new generation.
	if err := m.CaptureGlobalPreState("src", []string{"r1", "r2"}, "step"); err != nil {
		t.Fatalf("CaptureGlobalPreState: %v", err)
	}
	src.SetSubsetExpression(`"gen" = 2`)
	r1.SetSubsetExpression(`"gen" = 2`)
	r2.SetSubsetExpression(`"gen" = 2`)

	if !m.CanUndoGlobal() {
		t.Fatal("global undo unavailable")
	}
	st, ok, err := m.UndoGlobal()
	if err != nil || !ok {
		t.Fatalf("UndoGlobal = %v, %v", ok, err)
	}
	if st.SourceLayerID != "src" {
		t.Fatalf("snapshot source = %q", st.SourceLayerID)
	}
	if src.SubsetExpression() != `"gen" = 1` ||
		r1.SubsetExpression() != `"gen" = 1` ||
		r2.SubsetExpression() != "" {
		t.Fatalf("restored = %q / %q / %q",
			src.SubsetExpression(), r1.SubsetExpression(), r2.SubsetExpression())
	}

	// Exactly one refresh covering all three layers.
	if len(*refreshes) != 1 || len((*refreshes)[0]) != 3 {
		t.Fatalf("refreshes = %v", *refreshes)
	}
}

func TestGlobalUndoAbortsAtomically(t *testing.T) {
	m, reg, _ := managerFixture(t)
	src := addLayer(reg, "src")
	r1 := addLayer(reg, "r1")

	src.SetSubsetExpression(`"gen" = 1`)
	r1.SetSubsetExpression(`"gen" = 1`)
	if err := m.CaptureGlobalPreState("src", []string{"r1"}, ""); err != nil {
		t.Fatalf("CaptureGlobalPreState: %v", err)
	}
	src.SetSubsetExpression(`"gen" = 2`)
	r1.SetSubsetExpression(`"gen" = 2`)

	// One covered layer becomes invalid; the undo must not touch the
	// other.
	r1.Invalidate()
	if _, _, err := m.UndoGlobal(); err == nil {
		t.Fatal("undo with invalid covered layer succeeded")
	}
	if src.SubsetExpression() != `"gen" = 2` {
		t.Fatal("aborted undo mutated a valid layer")
	}
	if !m.CanUndoGlobal() {
		t.Fatal("failed global undo consumed the snapshot")
	}
}

func TestGlobalRedoRestoresFilteredState(t *testing.T) {
	m, reg, refreshes := managerFixture(t)
	src := addLayer(reg, "src")
	r1 := addLayer(reg, "r1")

	if err := m.CaptureGlobalPreState("src", []string{"r1"}, "step"); err != nil {
		t.Fatalf("CaptureGlobalPreState: %v", err)
	}
	src.SetSubsetExpression(`"gen" = 1`)
	r1.SetSubsetExpression(`"gen" = 1`)
	m.RecordGlobalPostState()

	if _, ok, err := m.UndoGlobal(); err != nil || !ok {
		t.Fatalf("UndoGlobal = %v, %v", ok, err)
	}
	if src.SubsetExpression() != "" || r1.SubsetExpression() != "" {
		t.Fatalf("undo left %q / %q", src.SubsetExpression(), r1.SubsetExpression())
	}

	if !m.CanRedoGlobal() {
		t.Fatal("global redo unavailable")
	}
	if _, ok, err := m.RedoGlobal(); err != nil || !ok {
		t.Fatalf("RedoGlobal = %v, %v", ok, err)
	}
	if src.SubsetExpression() != `"gen" = 1` || r1.SubsetExpression() != `"gen" = 1` {
		t.Fatalf("redo left %q / %q", src.SubsetExpression(), r1.SubsetExpression())
	}

	// One refresh per applied snapshot: undo, then redo.
	if len(*refreshes) != 2 {
		t.Fatalf("refreshes = %d, want 2", len(*refreshes))
	}
}

func TestGlobalUndoRollsBackOnRejectedExpression(t *testing.T) {
	m, reg, _ := managerFixture(t)
	src := addLayer(reg, "src")
	r1 := addLayer(reg, "r1")

	// A snapshot whose remote expression the layer will refuse to parse.
	m.PushGlobalState("src", `"gen" = 1`, 4, map[string]RemoteState{
		"r1": {Expression: `((("`, FeatureCount: 0},
	}, "", nil)
	src.SetSubsetExpression(`"gen" = 2`)
	r1.SetSubsetExpression(`"gen" = 2`)

	if _, _, err := m.UndoGlobal(); err == nil {
		t.Fatal("undo with unparseable recorded expression succeeded")
	}
	// The source was applied before the remote rejected; it must be rolled
	// back, and the snapshot retained for a later retry.
	if src.SubsetExpression() != `"gen" = 2` {
		t.Fatalf("source left at %q after rollback", src.SubsetExpression())
	}
	if r1.SubsetExpression() != `"gen" = 2` {
		t.Fatalf("remote left at %q", r1.SubsetExpression())
	}
	if !m.CanUndoGlobal() {
		t.Fatal("failed global undo consumed the snapshot")
	}
}

func TestCaptureGlobalPreStateMissingLayer(t *testing.T) {
	m, reg, _ := managerFixture(t)
	addLayer(reg, "src")

	if err := m.CaptureGlobalPreState("src", []string{"ghost"}, ""); err == nil {
		t.Fatal("capture with missing remote succeeded")
	}
	if err := m.CaptureGlobalPreState("ghost", nil, ""); err == nil {
		t.Fatal("capture with missing source succeeded")
	}
	if m.CanUndoGlobal() {
		t.Fatal("failed capture pushed a snapshot")
	}
}
