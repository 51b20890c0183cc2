package layer

import (
	"sort"
	"sync"
)

// Registry maps stable layer ids to live Layer objects. It is safe for
// concurrent use; background tasks resolve layers through it instead of
// holding references that the host may invalidate.
type Registry struct {
	mu       sync.RWMutex
	layers   map[string]Layer
	onRemove []func(id string)
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{layers: make(map[string]Layer)}
}

// Add registers or replaces a layer under its own id.
func (r *Registry) Add(l Layer) {
	r.mu.Lock()
	r.layers[l.ID()] = l
	r.mu.Unlock()
}

// Remove unregisters the layer and fires removal hooks (used to drop forced
// backend overrides and history for layers that left the project).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.layers[id]
	delete(r.layers, id)
	hooks := append([]func(string){}, r.onRemove...)
	r.mu.Unlock()
	if !ok {
		return
	}
	for _, hook := range hooks {
		hook(id)
	}
}

// Get resolves a layer by id. The second result is false when the layer is
// unknown or no longer valid.
func (r *Registry) Get(id string) (Layer, bool) {
	r.mu.RLock()
	l, ok := r.layers[id]
	r.mu.RUnlock()
	if !ok || !l.IsValid() {
		return nil, false
	}
	return l, true
}

// IDs returns all registered layer ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.layers))
	for id := range r.layers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// OnRemove registers a hook invoked after a layer is removed.
func (r *Registry) OnRemove(hook func(id string)) {
	r.mu.Lock()
	r.onRemove = append(r.onRemove, hook)
	r.mu.Unlock()
}
