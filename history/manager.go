package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/filtermate/filtermate-go/layer"
	"github.com/filtermate/filtermate-go/logging"
)

// Refresher repaints affected layers and the map canvas. The manager calls
// it exactly once per applied snapshot, after every layer was updated, never
// per layer. Typically wired to a UI-thread completion.
type Refresher func(layerIDs []string)

// Manager owns the per-layer stacks and the global stack, and applies
// retrieved snapshots through the layer registry. It is intended for use
// from the UI thread; background tasks deliver results to it via the task
// completion queue.
type Manager struct {
	mu       sync.Mutex
	registry *layer.Registry
	perLayer map[string]*stack
	global   *globalStack
	refresh  Refresher
}

// NewManager wires a manager over the registry. refresh may be nil.
func NewManager(registry *layer.Registry, refresh Refresher) *Manager {
	m := &Manager{
		registry: registry,
		perLayer: make(map[string]*stack),
		global:   newGlobalStack(),
		refresh:  refresh,
	}
	registry.OnRemove(func(id string) {
		m.mu.Lock()
		delete(m.perLayer, id)
		m.mu.Unlock()
	})
	return m
}

// PushState records a per-layer snapshot after a filter was applied.
func (m *Manager) PushState(layerID, expression string, featureCount int, description string, metadata map[string]interface{}) {
	m.mu.Lock()
	st, ok := m.perLayer[layerID]
	if !ok {
		st = newStack()
		m.perLayer[layerID] = st
	}
	st.push(State{
		Expression:   expression,
		FeatureCount: featureCount,
		Description:  description,
		Metadata:     metadata,
		Timestamp:    time.Now(),
	})
	m.mu.Unlock()
}

// CanUndo reports whether the layer has anything to undo. Unknown layers
// report false; that is an expected state, not an error.
func (m *Manager) CanUndo(layerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.perLayer[layerID]
	return ok && st.canUndo()
}

// CanRedo reports whether the layer has anything to redo.
func (m *Manager) CanRedo(layerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.perLayer[layerID]
	return ok && st.canRedo()
}

// HistoryForLayer returns the layer's snapshots, oldest first.
func (m *Manager) HistoryForLayer(layerID string) []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.perLayer[layerID]
	if !ok {
		return nil
	}
	return st.all()
}

// Undo steps the layer back one snapshot and re-applies the prior
// expression. A layer missing from the tracked map is a recoverable no-op;
// a layer that has become invalid aborts with a user-visible warning.
func (m *Manager) Undo(layerID string) (State, bool, error) {
	m.mu.Lock()
	st, ok := m.perLayer[layerID]
	if !ok {
		m.mu.Unlock()
		logging.Log.Debugf("history: undo on untracked layer %s", layerID)
		return State{}, false, nil
	}
	state, ok := st.undo()
	m.mu.Unlock()
	if !ok {
		return State{}, false, nil
	}
	if err := m.applyToLayer(layerID, state.Expression); err != nil {
		// Keep the entry; the user can retry once the layer is fixed.
		m.mu.Lock()
		st.redo()
		m.mu.Unlock()
		return State{}, false, err
	}
	if m.refresh != nil {
		m.refresh([]string{layerID})
	}
	return state, true, nil
}

// Redo steps the layer forward one snapshot and re-applies it.
func (m *Manager) Redo(layerID string) (State, bool, error) {
	m.mu.Lock()
	st, ok := m.perLayer[layerID]
	if !ok {
		m.mu.Unlock()
		logging.Log.Debugf("history: redo on untracked layer %s", layerID)
		return State{}, false, nil
	}
	state, ok := st.redo()
	m.mu.Unlock()
	if !ok {
		return State{}, false, nil
	}
	if err := m.applyToLayer(layerID, state.Expression); err != nil {
		m.mu.Lock()
		st.undo()
		m.mu.Unlock()
		return State{}, false, err
	}
	if m.refresh != nil {
		m.refresh([]string{layerID})
	}
	return state, true, nil
}

// applyToLayer re-resolves the layer by id and sets its subset expression.
// A missing or invalid layer aborts the attempt; the layer registry is the
// only source of truth for liveness, never a held reference.
func (m *Manager) applyToLayer(layerID, expression string) error {
	l, ok := m.registry.Get(layerID)
	if !ok {
		return fmt.Errorf("history: layer %s is invalid or missing; undo/redo aborted", layerID)
	}
	if !l.SetSubsetExpression(expression) {
		return fmt.Errorf("history: layer %s rejected recorded expression", layerID)
	}
	return nil
}

// PushGlobalState records a pre-filter snapshot of the source layer and all
// remote layers one operation will touch. Callers must invoke this BEFORE
// applying the filter, once per operation.
func (m *Manager) PushGlobalState(sourceLayerID, sourceExpression string, sourceFeatureCount int, remoteLayers map[string]RemoteState, description string, metadata map[string]interface{}) {
	remotes := make(map[string]RemoteState, len(remoteLayers))
	for id, rs := range remoteLayers {
		remotes[id] = rs
	}
	m.mu.Lock()
	m.global.push(GlobalState{
		SourceLayerID:      sourceLayerID,
		SourceExpression:   sourceExpression,
		SourceFeatureCount: sourceFeatureCount,
		RemoteLayers:       remotes,
		Description:        description,
		Metadata:           metadata,
		Timestamp:          time.Now(),
	})
	m.mu.Unlock()
}

// CaptureGlobalPreState reads the CURRENT expressions of the source and
// remote layers from the registry and pushes them as one global snapshot.
// This is the one-call form of the pre-filter capture invariant.
func (m *Manager) CaptureGlobalPreState(sourceLayerID string, remoteIDs []string, description string) error {
	source, ok := m.registry.Get(sourceLayerID)
	if !ok {
		return fmt.Errorf("history: source layer %s not found", sourceLayerID)
	}
	remotes := make(map[string]RemoteState, len(remoteIDs))
	for _, id := range remoteIDs {
		l, ok := m.registry.Get(id)
		if !ok {
			return fmt.Errorf("history: remote layer %s not found", id)
		}
		remotes[id] = RemoteState{
			Expression:   l.SubsetExpression(),
			FeatureCount: l.FeatureCount(),
		}
	}
	m.PushGlobalState(sourceLayerID, source.SubsetExpression(), source.FeatureCount(), remotes, description, nil)
	return nil
}

// RecordGlobalPostState captures the CURRENT expressions of the layers
// covered by the most recent global snapshot, after the operation applied,
// so redo can restore the filtered state. Layers that vanished meanwhile
// keep their pre-capture expression. Callers invoke this once, after
// applying the filter that followed CaptureGlobalPreState.
func (m *Manager) RecordGlobalPostState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.global.current()
	if !ok {
		return
	}
	afterSource := st.SourceExpression
	if l, ok := m.registry.Get(st.SourceLayerID); ok {
		afterSource = l.SubsetExpression()
	}
	afterRemotes := make(map[string]RemoteState, len(st.RemoteLayers))
	for id, rs := range st.RemoteLayers {
		afterRemotes[id] = rs
		if l, ok := m.registry.Get(id); ok {
			afterRemotes[id] = RemoteState{
				Expression:   l.SubsetExpression(),
				FeatureCount: l.FeatureCount(),
			}
		}
	}
	m.global.setAfter(afterSource, afterRemotes)
}

// CanUndoGlobal and CanRedoGlobal drive UI button enablement.
func (m *Manager) CanUndoGlobal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global.canUndo()
}

func (m *Manager) CanRedoGlobal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global.canRedo()
}

// NextGlobalRedo peeks the snapshot a RedoGlobal would re-apply, so callers
// can route a redo request to the right stack.
func (m *Manager) NextGlobalRedo() (GlobalState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global.peekRedo()
}

// UndoGlobal restores the most recent global snapshot: every covered
// layer's subset expression is set to the snapshot value, then affected
// layers are refreshed exactly once. If any covered layer is invalid the
// whole undo aborts before mutating anything.
func (m *Manager) UndoGlobal() (GlobalState, bool, error) {
	m.mu.Lock()
	state, ok := m.global.undo()
	m.mu.Unlock()
	if !ok {
		return GlobalState{}, false, nil
	}
	if err := m.applyGlobal(state, false); err != nil {
		// Keep the entry; the user can retry once the layer is fixed.
		m.mu.Lock()
		m.global.redo()
		m.mu.Unlock()
		return GlobalState{}, false, err
	}
	return state, true, nil
}

// RedoGlobal re-applies the next operation forward: the post-apply
// expressions recorded for that operation, not its pre-filter capture.
func (m *Manager) RedoGlobal() (GlobalState, bool, error) {
	m.mu.Lock()
	state, ok := m.global.redo()
	m.mu.Unlock()
	if !ok {
		return GlobalState{}, false, nil
	}
	if err := m.applyGlobal(state, true); err != nil {
		m.mu.Lock()
		m.global.undo()
		m.mu.Unlock()
		return GlobalState{}, false, err
	}
	return state, true, nil
}

// applyGlobal sets every covered layer's subset expression from the
// snapshot: the pre-capture expressions for undo, the recorded post-apply
// expressions when after is true. Every covered layer is validated before
// any is touched, and a mid-apply rejection rolls the already-applied
// layers back, so the project never lands half-restored.
func (m *Manager) applyGlobal(state GlobalState, after bool) error {
	ids := state.LayerIDs()
	resolved := make(map[string]layer.Layer, len(ids))
	prior := make(map[string]string, len(ids))
	for _, id := range ids {
		l, ok := m.registry.Get(id)
		if !ok {
			return fmt.Errorf("history: layer %s is invalid or missing; undo/redo aborted", id)
		}
		resolved[id] = l
		prior[id] = l.SubsetExpression()
	}

	sourceExpr := state.SourceExpression
	remotes := state.RemoteLayers
	if after {
		sourceExpr = state.AfterSourceExpression
		if state.AfterRemotes != nil {
			remotes = state.AfterRemotes
		}
	}

	var applied []string
	rollback := func() {
		for _, id := range applied {
			if !resolved[id].SetSubsetExpression(prior[id]) {
				logging.Log.Warnf("history: could not roll back layer %s after failed undo/redo", id)
			}
		}
	}
	if !resolved[state.SourceLayerID].SetSubsetExpression(sourceExpr) {
		rollback()
		return fmt.Errorf("history: layer %s rejected recorded expression", state.SourceLayerID)
	}
	applied = append(applied, state.SourceLayerID)
	for id, rs := range remotes {
		if !resolved[id].SetSubsetExpression(rs.Expression) {
			rollback()
			return fmt.Errorf("history: layer %s rejected recorded expression", id)
		}
		applied = append(applied, id)
	}
	// One refresh for all affected layers, never per layer.
	if m.refresh != nil {
		m.refresh(ids)
	}
	return nil
}
