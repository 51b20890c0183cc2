// Package layer defines the vector-layer boundary the filter engine operates
// against, a string-id keyed registry for resolving layers at the point of
// use, and an in-memory implementation used by the OGR execution path and by
// tests.
//
// The engine never holds a Layer reference across operations. Host layer
// objects can be destroyed out from under the engine (GUI-owned wrappers),
// so every operation re-resolves the layer from its id via the Registry and
// treats "not found" as an ordinary recoverable condition.
package layer

import (
	"github.com/filtermate/filtermate-go/internal/geom"
)

// Provider identifies the native data provider backing a layer.
type Provider string

const (
	ProviderPostgres   Provider = "postgres"
	ProviderSpatialite Provider = "spatialite"
	ProviderOGR        Provider = "ogr"
	ProviderMemory     Provider = "memory"
)

// Feature is a single vector feature.
type Feature interface {
	// ID returns the provider-internal row id, distinct from any
	// primary-key attribute value.
	ID() int64

	// Attribute returns the value of the named field, nil when absent.
	Attribute(name string) interface{}

	HasGeometry() bool

	// Geometry returns the feature geometry, nil when absent.
	Geometry() *geom.Geometry
}

// Request narrows a GetFeatures scan.
type Request struct {
	// Expression restricts the scan to matching features when non-empty.
	Expression string

	// Attributes restricts which fields are fetched; empty means all.
	// Providers may ignore this; it is an efficiency hint.
	Attributes []string

	// Limit caps the number of returned features; 0 means no cap.
	Limit int
}

// Layer is the engine's view of a vector layer.
type Layer interface {
	ID() string
	Name() string
	IsValid() bool
	Provider() Provider
	SourceURI() string

	// PrimaryKeyField returns the configured primary-key field name, ""
	// when none is configured (callers fall back to internal row ids).
	PrimaryKeyField() string

	FeatureCount() int
	GetFeatures(req Request) ([]Feature, error)
	SelectedFeatureIDs() []int64

	// SubsetExpression returns the active subset expression, "" when the
	// layer is unfiltered.
	SubsetExpression() string

	// SetSubsetExpression applies expr as the layer's subset expression.
	// An empty string clears the filter. Returns false when the provider
	// rejects the expression.
	SetSubsetExpression(expr string) bool
}

// SQLiteBacked reports whether a layer's data source is a SQLite-family file
// (GeoPackage, Spatialite database). Such layers are eligible for the
// Spatialite backend even when served through the OGR provider.
func SQLiteBacked(l Layer) bool {
	if l.Provider() == ProviderSpatialite {
		return true
	}
	uri := l.SourceURI()
	for _, suffix := range []string{".gpkg", ".sqlite", ".db"} {
		if hasSuffixFold(uri, suffix) {
			return true
		}
	}
	return false
}

func hasSuffixFold(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	tail := s[len(s)-len(suffix):]
	for i := 0; i < len(suffix); i++ {
		a, b := tail[i], suffix[i]
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}
