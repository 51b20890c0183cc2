package engine

import (
	"database/sql/driver"
	"fmt"

	sqlite "modernc.org/sqlite"

	"github.com/filtermate/filtermate-go/internal/geom"
)

// RegisterSpatialFallbacks registers bounding-box predicate functions with
// the driver so they are available on new connections opened after this
// call. They let the Spatialite-dialect backend evaluate coarse spatial
// predicates against plain SQLite databases where the Spatialite extension
// (and its ST_* functions) is not loaded. Bounding-box evaluation is an
// over-approximation of the exact predicate; exact refinement happens on the
// engine side.
// Note: existing open connections will not see new functions.
func RegisterSpatialFallbacks() error {
	// Idempotent registration; driver rejects duplicates but we ignore errors silently here.
	_ = sqlite.RegisterDeterministicScalarFunction("fm_bbox_intersects", 2, bboxIntersectsImpl)
	_ = sqlite.RegisterDeterministicScalarFunction("fm_bbox_contains", 2, bboxContainsImpl)
	_ = sqlite.RegisterDeterministicScalarFunction("fm_bbox_distance", 2, bboxDistanceImpl)
	return nil
}

func asBBox(arg driver.Value) (*geom.BBox, error) {
	var wkt string
	switch v := arg.(type) {
	case nil:
		return nil, nil
	case string:
		wkt = v
	case []byte:
		wkt = string(v)
	default:
		return nil, fmt.Errorf("fm_bbox: unsupported argument type %T; want TEXT WKT", arg)
	}
	g, err := geom.Parse(wkt)
	if err != nil {
		return nil, err
	}
	b := g.Bounds()
	return &b, nil
}

func bboxIntersectsImpl(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, b, err := bboxPair("fm_bbox_intersects", args)
	if err != nil || a == nil || b == nil {
		return nil, err
	}
	if a.Intersects(*b) {
		return int64(1), nil
	}
	return int64(0), nil
}

func bboxContainsImpl(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, b, err := bboxPair("fm_bbox_contains", args)
	if err != nil || a == nil || b == nil {
		return nil, err
	}
	if a.Contains(*b) {
		return int64(1), nil
	}
	return int64(0), nil
}

func bboxDistanceImpl(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, b, err := bboxPair("fm_bbox_distance", args)
	if err != nil || a == nil || b == nil {
		return nil, err
	}
	return a.Distance(*b), nil
}

func bboxPair(name string, args []driver.Value) (*geom.BBox, *geom.BBox, error) {
	if len(args) != 2 {
		return nil, nil, fmt.Errorf("%s: expected 2 arguments, got %d", name, len(args))
	}
	a, err := asBBox(args[0])
	if err != nil {
		return nil, nil, err
	}
	b, err := asBBox(args[1])
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}
