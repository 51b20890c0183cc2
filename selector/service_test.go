package selector

import (
	"testing"

	"github.com/filtermate/filtermate-go/backend"
	"github.com/filtermate/filtermate-go/layer"
)

func TestForceBackend(t *testing.T) {
	svc := NewService(allBackends, backend.Env{})
	shp := layer.NewMemLayer("shp", "roads", layer.ProviderOGR, "fid")
	shp.URI = "/data/roads.shp"

	// Forcing an incompatible backend is rejected.
	if err := svc.ForceBackend(shp, backend.TypePostgreSQL); err == nil {
		t.Fatal("incompatible force accepted")
	}
	if _, ok := svc.ForcedBackend("shp"); ok {
		t.Fatal("rejected force left an override behind")
	}

	// OGR onto anything is fine.
	if err := svc.ForceBackend(shp, backend.TypeOGR); err != nil {
		t.Fatalf("ForceBackend: %v", err)
	}
	if forced, ok := svc.ForcedBackend("shp"); !ok || forced != backend.TypeOGR {
		t.Fatalf("ForcedBackend = %v, %v", forced, ok)
	}

	// Compatible-with-warning is accepted (Spatialite on a GeoPackage
	// served through OGR).
	gpkg := layer.NewMemLayer("gpkg", "towns", layer.ProviderOGR, "fid")
	gpkg.URI = "/data/towns.gpkg"
	if err := svc.ForceBackend(gpkg, backend.TypeSpatialite); err != nil {
		t.Fatalf("warned force rejected: %v", err)
	}
}

func TestDetectBackendForcedPrecedence(t *testing.T) {
	svc := NewService(allBackends, backend.Env{})
	gpkg := layer.NewMemLayer("gpkg", "towns", layer.ProviderOGR, "fid")
	gpkg.URI = "/data/towns.gpkg"

	auto := svc.DetectBackend(gpkg, "")
	if auto.Confidence == 1.0 {
		t.Fatalf("auto pick looks forced: %+v", auto)
	}

	if err := svc.ForceBackend(gpkg, backend.TypeSpatialite); err != nil {
		t.Fatalf("ForceBackend: %v", err)
	}
	rec := svc.DetectBackend(gpkg, "")
	if rec.Backend != backend.TypeSpatialite || rec.Confidence != 1.0 {
		t.Fatalf("forced detect = %+v", rec)
	}

	svc.ClearForced("gpkg")
	rec = svc.DetectBackend(gpkg, "")
	if rec.Confidence == 1.0 {
		t.Fatalf("override survived clear: %+v", rec)
	}
}

func TestOverrideDroppedWithLayer(t *testing.T) {
	svc := NewService(allBackends, backend.Env{})
	reg := layer.NewRegistry()
	svc.AttachRegistry(reg)

	l := layer.NewMemLayer("gone", "gone", layer.ProviderOGR, "fid")
	reg.Add(l)
	if err := svc.ForceBackend(l, backend.TypeOGR); err != nil {
		t.Fatalf("ForceBackend: %v", err)
	}

	reg.Remove("gone")
	if _, ok := svc.ForcedBackend("gone"); ok {
		t.Fatal("override survived layer removal")
	}
}

func TestSupports(t *testing.T) {
	svc := NewService(allBackends, backend.Env{})
	pg := layer.NewMemLayer("pg", "towns", layer.ProviderPostgres, "id")

	if s := svc.Supports(backend.TypePostgreSQL, pg); !s.Compatible {
		t.Fatalf("postgres on postgres: %+v", s)
	}
	if s := svc.Supports(backend.TypeSpatialite, pg); s.Compatible {
		t.Fatalf("spatialite on postgres accepted: %+v", s)
	}
	if s := svc.Supports(backend.Type("oracle"), pg); s.Compatible {
		t.Fatal("unknown backend compatible")
	}
}
