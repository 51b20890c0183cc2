package selector

import (
	"fmt"
	"sync"

	"github.com/filtermate/filtermate-go/backend"
	"github.com/filtermate/filtermate-go/layer"
	"github.com/filtermate/filtermate-go/logging"
)

// Service is the backend-selection facade: auto-detection plus per-layer
// forced overrides and compatibility checks. Overrides live for the project
// session and are dropped when the owning layer leaves the registry.
type Service struct {
	auto *AutoSelector
	env  backend.Env

	mu     sync.Mutex
	forced map[string]backend.Type
}

// NewService wires a service over the given availability list and backend
// environment.
func NewService(available []backend.Type, env backend.Env) *Service {
	return &Service{
		auto:   NewAutoSelector(available),
		env:    env,
		forced: make(map[string]backend.Type),
	}
}

// Auto exposes the underlying selector (cost estimation, perf recording).
func (s *Service) Auto() *AutoSelector { return s.auto }

// Supports instantiates the backend and runs its layer-compatibility check.
func (s *Service) Supports(t backend.Type, l layer.Layer) backend.Support {
	b, err := backend.New(t, s.env)
	if err != nil {
		return backend.Support{Warning: err.Error()}
	}
	return b.SupportsLayer(l)
}

// ForceBackend pins a backend for the layer, overriding auto-detection until
// cleared. Compatibility is still honored: forcing an incompatible backend
// is rejected. A compatible-with-warning pairing (Spatialite onto a
// GeoPackage OGR layer) is accepted and the warning logged.
func (s *Service) ForceBackend(l layer.Layer, t backend.Type) error {
	support := s.Supports(t, l)
	if !support.Compatible {
		return fmt.Errorf("selector: cannot force %s onto layer %s: %s", t, l.Name(), support.Warning)
	}
	if support.Warning != "" {
		logging.Log.Warnf("selector: forcing %s onto %s: %s", t, l.Name(), support.Warning)
	}
	s.mu.Lock()
	s.forced[l.ID()] = t
	s.mu.Unlock()
	return nil
}

// ClearForced removes the override for a layer.
func (s *Service) ClearForced(layerID string) {
	s.mu.Lock()
	delete(s.forced, layerID)
	s.mu.Unlock()
}

// ForcedBackend returns the pinned backend for a layer, if any.
func (s *Service) ForcedBackend(layerID string) (backend.Type, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.forced[layerID]
	return t, ok
}

// DetectBackend returns the backend to use for the layer: the forced
// override when present (regardless of provider type), otherwise the
// auto-detection ladder's pick.
func (s *Service) DetectBackend(l layer.Layer, filterExpr string) Recommendation {
	s.mu.Lock()
	forced, ok := s.forced[l.ID()]
	s.mu.Unlock()
	if ok {
		return Recommendation{
			Backend:         forced,
			Confidence:      1.0,
			Reason:          "forced by user override",
			EstimatedTimeMS: s.auto.EstimateTimeMS(forced, l.FeatureCount(), filterExpr),
		}
	}
	return s.auto.Recommend(l, filterExpr)
}

// RecordExecution feeds observed execution time into the rolling window.
func (s *Service) RecordExecution(t backend.Type, layerID string, ms float64) {
	s.auto.RecordExecution(t, layerID, ms)
}

// AttachRegistry drops overrides for layers removed from the project.
func (s *Service) AttachRegistry(reg *layer.Registry) {
	reg.OnRemove(func(id string) {
		s.ClearForced(id)
	})
}
