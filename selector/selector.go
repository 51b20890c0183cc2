// Package selector decides which filter backend should execute a given
// request: an auto-detection ladder over provider type, layer size, and
// filter complexity, informed by a rolling window of observed execution
// times, with per-layer forced overrides taking absolute precedence.
package selector

import (
	"fmt"
	"strings"
	"sync"

	"github.com/filtermate/filtermate-go/backend"
	"github.com/filtermate/filtermate-go/layer"
)

// Recommendation is the transient decision artifact handed to the caller.
// Confidence is a relative ranking signal, not a calibrated probability.
type Recommendation struct {
	Backend         backend.Type
	Confidence      float64
	Reason          string
	EstimatedTimeMS float64

	// Fallback is the next-best backend, "" when none applies. Never
	// equals Backend.
	Fallback backend.Type
}

// Size thresholds of the decision ladder.
const (
	pgMatViewCount      = 10000
	spatialiteMinCount  = 100
	spatialiteMaxCount  = 50000
	spatialiteDegraded  = 100000
	perfHistoryWindow   = 10
	perfAdvantageFactor = 0.70 // PostgreSQL must be >= 30% faster on average
)

// Per-feature cost constants in milliseconds, calibrated empirically.
const (
	pgCostPerFeature         = 0.01 // indexed
	spatialiteCostPerFeature = 0.05 // R-tree
	ogrCostPerFeature        = 0.1  // no index
	pgMatViewOverheadMS      = 50   // materialized-view creation
)

// Complexity multipliers for cost estimation.
const (
	complexityPlain   = 1.0
	complexitySpatial = 2.5
	complexityHeavy   = 5.0 // more than 3 combined logical operators
)

// spatialKeywords match both SQL-style ST_* names and UI-expression
// predicate names.
var spatialKeywords = []string{
	"st_intersects", "st_contains", "st_within", "st_touches",
	"st_overlaps", "st_crosses", "st_equals", "st_disjoint", "st_buffer",
	"st_distance", "intersects", "contains", "within", "touches",
	"overlaps", "crosses", "disjoint",
}

// HasSpatialPredicate reports whether the expression references a spatial
// predicate, by keyword match.
func HasSpatialPredicate(expr string) bool {
	lower := strings.ToLower(expr)
	for _, kw := range spatialKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// LogicalOpCount counts combined AND/OR occurrences as a complexity proxy.
func LogicalOpCount(expr string) int {
	upper := " " + strings.ToUpper(expr) + " "
	return strings.Count(upper, " AND ") + strings.Count(upper, " OR ")
}

// AutoSelector implements the detection ladder. It is safe for concurrent
// use from the UI thread; background tasks report execution times through
// RecordExecution.
type AutoSelector struct {
	mu        sync.Mutex
	available []backend.Type
	perf      map[string][]float64 // "backend|layer" -> recent ms, newest last
}

// NewAutoSelector returns a selector that considers the given backends
// available. Order matters only for the terminal fallback.
func NewAutoSelector(available []backend.Type) *AutoSelector {
	return &AutoSelector{
		available: append([]backend.Type{}, available...),
		perf:      make(map[string][]float64),
	}
}

func (s *AutoSelector) isAvailable(t backend.Type) bool {
	for _, a := range s.available {
		if a == t {
			return true
		}
	}
	return false
}

// RecordExecution appends an observed execution time for (backend, layer),
// keeping the most recent window.
func (s *AutoSelector) RecordExecution(t backend.Type, layerID string, ms float64) {
	key := string(t) + "|" + layerID
	s.mu.Lock()
	hist := append(s.perf[key], ms)
	if len(hist) > perfHistoryWindow {
		hist = hist[len(hist)-perfHistoryWindow:]
	}
	s.perf[key] = hist
	s.mu.Unlock()
}

func (s *AutoSelector) avgExecution(t backend.Type, layerID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.perf[string(t)+"|"+layerID]
	if len(hist) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range hist {
		sum += v
	}
	return sum / float64(len(hist)), true
}

// Recommend walks the decision ladder for the layer and filter expression.
// It always returns some recommendation; the terminal fallback never fails.
func (s *AutoSelector) Recommend(l layer.Layer, filterExpr string) Recommendation {
	count := l.FeatureCount()
	provider := l.Provider()
	sqliteEligible := layer.SQLiteBacked(l)

	// 1. Native PostgreSQL layers stay on PostgreSQL when the driver is
	// there.
	if provider == layer.ProviderPostgres && s.isAvailable(backend.TypePostgreSQL) {
		rec := Recommendation{
			Backend:         backend.TypePostgreSQL,
			Confidence:      0.85,
			Reason:          fmt.Sprintf("native postgres provider, %d features (direct subset)", count),
			EstimatedTimeMS: s.EstimateTimeMS(backend.TypePostgreSQL, count, filterExpr),
		}
		if count >= pgMatViewCount {
			rec.Confidence = 0.95
			rec.Reason = fmt.Sprintf("native postgres provider, %d features (materialized-view path)", count)
		}
		if s.isAvailable(backend.TypeSpatialite) {
			rec.Fallback = backend.TypeSpatialite
		} else {
			rec.Fallback = backend.TypeOGR
		}
		return rec
	}

	// 2. Mid-size SQLite-family layers suit Spatialite.
	if sqliteEligible && s.isAvailable(backend.TypeSpatialite) &&
		count >= spatialiteMinCount && count <= spatialiteMaxCount {
		return Recommendation{
			Backend:         backend.TypeSpatialite,
			Confidence:      0.90,
			Reason:          fmt.Sprintf("sqlite-family source, %d features within spatialite range", count),
			EstimatedTimeMS: s.EstimateTimeMS(backend.TypeSpatialite, count, filterExpr),
			Fallback:        backend.TypeOGR,
		}
	}

	// 3. Very large SQLite-family layers degrade on Spatialite without
	// further indexing work.
	if sqliteEligible && count > spatialiteDegraded {
		return Recommendation{
			Backend:         backend.TypeOGR,
			Confidence:      0.80,
			Reason:          fmt.Sprintf("%d features exceeds spatialite practical limit", count),
			EstimatedTimeMS: s.EstimateTimeMS(backend.TypeOGR, count, filterExpr),
			Fallback:        backend.TypeSpatialite,
		}
	}

	// 4. Observed performance can promote PostgreSQL on this exact layer.
	if s.isAvailable(backend.TypePostgreSQL) {
		pgAvg, pgOK := s.avgExecution(backend.TypePostgreSQL, l.ID())
		spAvg, spOK := s.avgExecution(backend.TypeSpatialite, l.ID())
		if pgOK && spOK && pgAvg <= spAvg*perfAdvantageFactor {
			return Recommendation{
				Backend:         backend.TypePostgreSQL,
				Confidence:      0.88,
				Reason:          fmt.Sprintf("observed postgres avg %.1fms vs spatialite %.1fms on this layer", pgAvg, spAvg),
				EstimatedTimeMS: s.EstimateTimeMS(backend.TypePostgreSQL, count, filterExpr),
				Fallback:        backend.TypeSpatialite,
			}
		}
	}

	// 5. OGR is the universal fallback.
	if s.isAvailable(backend.TypeOGR) {
		conf := 0.85
		reason := "universal fallback, no translation penalty"
		if provider == layer.ProviderPostgres || provider == layer.ProviderSpatialite {
			conf = 0.75
			reason = fmt.Sprintf("fallback away from native %s option", provider)
		}
		return Recommendation{
			Backend:         backend.TypeOGR,
			Confidence:      conf,
			Reason:          reason,
			EstimatedTimeMS: s.EstimateTimeMS(backend.TypeOGR, count, filterExpr),
		}
	}

	// 6. Terminal fallback: never fail to return something.
	pick := backend.TypeOGR
	s.mu.Lock()
	if len(s.available) > 0 {
		pick = s.available[0]
	}
	s.mu.Unlock()
	return Recommendation{
		Backend:         pick,
		Confidence:      0.50,
		Reason:          "no preferred backend available",
		EstimatedTimeMS: s.EstimateTimeMS(pick, count, filterExpr),
	}
}

// EstimateTimeMS is the advisory cost model: linear in feature count with a
// backend-specific per-feature constant, scaled by expression complexity.
func (s *AutoSelector) EstimateTimeMS(t backend.Type, featureCount int, filterExpr string) float64 {
	perFeature := ogrCostPerFeature
	overhead := 0.0
	switch t {
	case backend.TypePostgreSQL:
		perFeature = pgCostPerFeature
		overhead = pgMatViewOverheadMS
	case backend.TypeSpatialite:
		perFeature = spatialiteCostPerFeature
	}
	complexity := complexityPlain
	if LogicalOpCount(filterExpr) > 3 {
		complexity = complexityHeavy
	} else if HasSpatialPredicate(filterExpr) {
		complexity = complexitySpatial
	}
	return float64(featureCount)*perFeature*complexity + overhead
}
