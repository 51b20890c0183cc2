package backend

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/filtermate/filtermate-go/cache"
	"github.com/filtermate/filtermate-go/fidset"
	"github.com/filtermate/filtermate-go/internal/geom"
	"github.com/filtermate/filtermate-go/layer"
	"github.com/filtermate/filtermate-go/logging"
	"github.com/filtermate/filtermate-go/task"
)

// Spatialite builds Spatialite-dialect subset expressions and can execute
// FID queries directly against the layer's SQLite database, which lets it
// participate in the FID cache for multi-step chaining.
type Spatialite struct {
	native     bool
	openSQLite func(path string) (*sql.DB, error)
	combiner   *cache.Combiner
}

// NewSpatialite returns the Spatialite variant configured from env.
func NewSpatialite(env Env) *Spatialite {
	return &Spatialite{
		native:     env.NativeSpatialite,
		openSQLite: env.OpenSQLite,
		combiner:   env.Combiner,
	}
}

func (b *Spatialite) Name() Type { return TypeSpatialite }

// SupportsLayer accepts native Spatialite layers outright and SQLite-family
// files (GeoPackage) served through OGR with a warning; anything else is
// incompatible.
func (b *Spatialite) SupportsLayer(l layer.Layer) Support {
	switch {
	case l.Provider() == layer.ProviderSpatialite:
		return Support{Compatible: true}
	case layer.SQLiteBacked(l):
		return Support{
			Compatible: true,
			Warning:    fmt.Sprintf("layer %s is served through %s over a SQLite file; Spatialite backend will query the file directly", l.Name(), l.Provider()),
		}
	}
	return Support{Warning: fmt.Sprintf("layer %s (%s) has no SQLite-family data source", l.Name(), l.Provider())}
}

// BuildExpression renders the Spatialite predicate expression. In native
// mode it emits ST_* functions plus an R-tree SpatialIndex hint; in fallback
// mode it emits the fm_bbox_* functions registered on the driver, which
// evaluate at bounding-box precision on databases without the Spatialite
// extension.
func (b *Spatialite) BuildExpression(l layer.Layer, req Request) (string, []string, error) {
	g, err := geom.Parse(req.SourceWKT)
	if err != nil {
		return "", nil, fmt.Errorf("backend: spatialite: bad source geometry: %w", err)
	}
	preds, err := normalizePredicates(req.Predicates)
	if err != nil {
		return "", nil, err
	}
	warnings := bufferWarnings(g, req.Buffer)

	geomCol := req.GeomColumn
	if geomCol == "" {
		geomCol = "geometry"
	}
	colExpr, warn := EscapeIdentifier(geomCol)
	if warn != "" {
		warnings = append(warnings, warn)
	}

	if !b.native {
		// Fallback dialect: the geometry column is expected to hold WKT
		// text and predicates collapse to bounding-box checks.
		sourceWKT := g.WKT()
		if req.Buffer != 0 {
			buffered := g.Bounds().Buffer(req.Buffer)
			sourceWKT = bboxPolygonWKT(buffered)
		}
		clauses := make([]string, 0, len(preds))
		for _, p := range preds {
			switch p {
			case "contains":
				clauses = append(clauses, fmt.Sprintf("fm_bbox_contains(%s, %s) = 1", colExpr, EscapeString(sourceWKT)))
			case "within":
				clauses = append(clauses, fmt.Sprintf("fm_bbox_contains(%s, %s) = 1", EscapeString(sourceWKT), colExpr))
			case "disjoint":
				clauses = append(clauses, fmt.Sprintf("fm_bbox_intersects(%s, %s) = 0", colExpr, EscapeString(sourceWKT)))
			default:
				clauses = append(clauses, fmt.Sprintf("fm_bbox_intersects(%s, %s) = 1", colExpr, EscapeString(sourceWKT)))
			}
		}
		expr := strings.Join(clauses, " OR ")
		if len(clauses) > 1 {
			expr = "(" + expr + ")"
		}
		return expr, warnings, nil
	}

	source := fmt.Sprintf("GeomFromText(%s, %d)", EscapeString(g.WKT()), defaultSRID(req.SRID))
	if req.Buffer != 0 {
		source = fmt.Sprintf("ST_Buffer(%s, %g)", source, req.Buffer)
	}
	clauses := make([]string, len(preds))
	for i, p := range preds {
		clauses[i] = fmt.Sprintf("%s(%s, %s)", predicateFuncs[p], colExpr, source)
	}
	expr := strings.Join(clauses, " OR ")
	if len(clauses) > 1 {
		expr = "(" + expr + ")"
	}
	// R-tree hint: restrict the scan to index candidates before the exact
	// predicate runs.
	table := sanitizeRelName(l.Name())
	hint := fmt.Sprintf(
		"ROWID IN (SELECT ROWID FROM SpatialIndex WHERE f_table_name = %s AND search_frame = %s)",
		EscapeString(table), source)
	return expr + " AND " + hint, warnings, nil
}

// ComputeFIDs executes the fallback-dialect query against the layer's
// SQLite database and returns matching primary-key values. geomWKTColumn
// names a TEXT column holding each feature's WKT. The cancellation token is
// checked while scanning rows.
func (b *Spatialite) ComputeFIDs(l layer.Layer, req Request, pkColumn, geomWKTColumn string) ([]int64, error) {
	if b.openSQLite == nil {
		return nil, fmt.Errorf("backend: spatialite: no SQLite opener configured")
	}
	db, err := b.openSQLite(l.SourceURI())
	if err != nil {
		return nil, fmt.Errorf("backend: spatialite: open %s: %w", l.SourceURI(), err)
	}
	defer db.Close()

	fallback := *b
	fallback.native = false
	expr, _, err := fallback.BuildExpression(l, Request{
		SourceWKT:  req.SourceWKT,
		Predicates: req.Predicates,
		Buffer:     req.Buffer,
		GeomColumn: geomWKTColumn,
	})
	if err != nil {
		return nil, err
	}

	pkCol, _ := EscapeIdentifier(pkColumn)
	table, _ := EscapeIdentifier(sanitizeRelName(l.Name()))
	rows, err := db.Query(fmt.Sprintf("SELECT %s FROM %s WHERE %s", pkCol, table, expr))
	if err != nil {
		return nil, fmt.Errorf("backend: spatialite: fid query: %w", err)
	}
	defer rows.Close()

	var out []int64
	processed := 0
	for rows.Next() {
		processed++
		if req.Token.ShouldStop(processed) {
			return nil, task.ErrCancelled
		}
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ChainFIDs combines freshly computed FIDs with the cached previous step
// under req.Op and persists the result for the next step. Without a
// combiner the new set passes through unchanged.
func (b *Spatialite) ChainFIDs(l layer.Layer, req Request, newFIDs *fidset.Set) *fidset.Set {
	if b.combiner == nil {
		return newFIDs
	}
	res := b.combiner.Combine(l.ID(), newFIDs, req.SourceWKT, req.Buffer, req.Predicates, req.Op, req.OldSubset != "")
	meta := cache.EntryMetadata{Backend: string(TypeSpatialite), Predicates: req.Predicates}
	if g, err := geom.Parse(req.SourceWKT); err == nil {
		meta.LocationTag = g.LocationTag()
	}
	b.combiner.StoreResult(l.ID(), res.FIDs, req.SourceWKT, req.Predicates, req.Buffer, res.Step, meta)
	return res.FIDs
}

// ApplyFilter builds the dialect expression, combines it textually with any
// previous subset, and applies it.
func (b *Spatialite) ApplyFilter(l layer.Layer, req Request) (ok bool, message string) {
	defer func() {
		if r := recover(); r != nil {
			ok, message = false, fmt.Sprintf("spatialite backend panicked: %v", r)
			logging.Log.Errorf("backend: spatialite recovered on layer %s: %v", l.Name(), r)
		}
	}()

	expr, warnings, err := b.BuildExpression(l, req)
	if err != nil {
		return false, err.Error()
	}
	for _, w := range warnings {
		logging.Log.Warnf("backend: spatialite: %s: %s", l.Name(), w)
	}
	final := CombineSubset(req.OldSubset, req.Op, expr)
	if !l.SetSubsetExpression(final) {
		return false, fmt.Sprintf("provider rejected expression %s", logging.Truncate(final, 120))
	}
	return true, ""
}

func defaultSRID(srid int) int {
	if srid == 0 {
		return 4326
	}
	return srid
}

// bboxPolygonWKT renders a bounding box as a closed polygon WKT.
func bboxPolygonWKT(b geom.BBox) string {
	return fmt.Sprintf("POLYGON((%g %g,%g %g,%g %g,%g %g,%g %g))",
		b.MinX, b.MinY, b.MaxX, b.MinY, b.MaxX, b.MaxY, b.MinX, b.MaxY, b.MinX, b.MinY)
}

var _ Backend = (*Spatialite)(nil)
