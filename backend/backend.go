// Package backend implements the three interchangeable filter execution
// engines: PostgreSQL, Spatialite, and OGR. All variants satisfy the same
// contract (build a backend-native expression, apply it as the layer's
// subset, report support for a layer) and differ only in dialect and
// execution strategy. Failures never escape a backend boundary; ApplyFilter
// reports (false, message).
package backend

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/filtermate/filtermate-go/cache"
	"github.com/filtermate/filtermate-go/fidset"
	"github.com/filtermate/filtermate-go/internal/geom"
	"github.com/filtermate/filtermate-go/layer"
	"github.com/filtermate/filtermate-go/task"
)

// Type tags a backend variant.
type Type string

const (
	TypePostgreSQL Type = "postgresql"
	TypeSpatialite Type = "spatialite"
	TypeOGR        Type = "ogr"
)

// FalseExpression filters every feature out. It has no field dependency, so
// every provider accepts it; "no matches" must visibly filter to zero
// features rather than silently leaving the layer unfiltered.
const FalseExpression = "1 = 0"

// Request carries one filter step's inputs to a backend.
type Request struct {
	// SourceWKT is the source geometry in WKT.
	SourceWKT string

	// SRID of the source geometry, for dialects that need it.
	SRID int

	// Predicates are the active spatial predicate names (intersects,
	// contains, within, touches, overlaps, crosses, equals, disjoint).
	Predicates []string

	// Buffer expands the source geometry before predicate evaluation.
	// Zero means no buffer.
	Buffer float64

	// GeomColumn names the target geometry column; "" selects the
	// dialect default.
	GeomColumn string

	// OldSubset is the layer's current subset expression, "" when the
	// layer is unfiltered.
	OldSubset string

	// Op combines this step with the previous one when OldSubset is set.
	Op fidset.CombineOp

	// Token cancels long-running execution cooperatively.
	Token *task.CancelToken
}

// Support is the outcome of a layer-compatibility check.
type Support struct {
	Compatible bool
	Warning    string
}

// Backend is the common contract of the three variants.
type Backend interface {
	Name() Type

	// SupportsLayer reports whether the backend can filter the layer.
	// A compatible result may still carry a warning (e.g. Spatialite
	// forced onto a GeoPackage-backed OGR layer).
	SupportsLayer(l layer.Layer) Support

	// BuildExpression produces the backend-native filter expression and
	// any user-facing warnings. It does not touch the layer.
	BuildExpression(l layer.Layer, req Request) (string, []string, error)

	// ApplyFilter builds and applies the filter as the layer's subset
	// expression. Never panics past its boundary; failures are reported
	// as (false, message).
	ApplyFilter(l layer.Layer, req Request) (bool, string)
}

// Env bundles the collaborators a backend may need. Nil fields disable the
// corresponding capability (e.g. no Combiner means no multi-step chaining).
type Env struct {
	Registry *layer.Registry
	Combiner *cache.Combiner

	// OpenSQLite opens the SQLite database behind a layer for direct SQL
	// execution (Spatialite variant).
	OpenSQLite func(path string) (*sql.DB, error)

	// NativeSpatialite selects the ST_* dialect; when false the variant
	// emits the fm_bbox_* fallback functions registered by the engine
	// package.
	NativeSpatialite bool
}

// New maps a backend type tag to a concrete implementation.
func New(t Type, env Env) (Backend, error) {
	switch t {
	case TypePostgreSQL:
		return NewPostgres(), nil
	case TypeSpatialite:
		return NewSpatialite(env), nil
	case TypeOGR:
		return NewOGR(env), nil
	}
	return nil, fmt.Errorf("backend: unknown backend type %q", t)
}

// predicateFuncs maps canonical predicate names to SQL function names shared
// by the PostGIS and Spatialite dialects.
var predicateFuncs = map[string]string{
	"intersects": "ST_Intersects",
	"contains":   "ST_Contains",
	"within":     "ST_Within",
	"touches":    "ST_Touches",
	"overlaps":   "ST_Overlaps",
	"crosses":    "ST_Crosses",
	"equals":     "ST_Equals",
	"disjoint":   "ST_Disjoint",
}

// normalizePredicates lower-cases, deduplicates, and sorts predicate names,
// rejecting unknown ones. An empty input defaults to intersects.
func normalizePredicates(predicates []string) ([]string, error) {
	if len(predicates) == 0 {
		return []string{"intersects"}, nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, p := range predicates {
		name := strings.ToLower(strings.TrimSpace(p))
		if name == "" {
			continue
		}
		if _, ok := predicateFuncs[name]; !ok {
			return nil, fmt.Errorf("backend: unknown spatial predicate %q", p)
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return []string{"intersects"}, nil
	}
	sort.Strings(out)
	return out, nil
}

// EscapeIdentifier quotes a field or table identifier for the SQL dialects
// both database backends share (double quotes, doubled to escape). The
// returned warning is non-empty for identifiers containing spaces, which
// some file formats mishandle even though quoting is technically valid.
func EscapeIdentifier(name string) (string, string) {
	escaped := `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	if strings.Contains(name, " ") {
		return escaped, fmt.Sprintf("field name %q contains spaces; some file-based formats mishandle it", name)
	}
	return escaped, ""
}

// EscapeString quotes a string literal for SQL.
func EscapeString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// CombineSubset textually combines the previous subset expression with the
// new one for SQL-capable backends. The OGR path combines FID sets instead,
// because its filters resolve through id lists rather than composable SQL.
func CombineSubset(oldSubset string, op fidset.CombineOp, newExpr string) string {
	if strings.TrimSpace(oldSubset) == "" {
		return newExpr
	}
	switch op {
	case fidset.OpOr:
		return "(" + oldSubset + ") OR (" + newExpr + ")"
	case fidset.OpNotAnd:
		return "(" + oldSubset + ") AND NOT (" + newExpr + ")"
	default:
		return "(" + oldSubset + ") AND (" + newExpr + ")"
	}
}

// InExpression renders a primary-key IN (...) subset expression.
func InExpression(field string, ids []int64) string {
	escaped, _ := EscapeIdentifier(field)
	if len(ids) == 0 {
		return FalseExpression
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return escaped + " IN (" + strings.Join(parts, ",") + ")"
}

// bufferWarnings checks the buffer distance against the source geometry's
// CRS: a buffer over one unit in a geographic CRS is almost always a
// meters-for-degrees mistake and is surfaced as an actionable warning.
func bufferWarnings(g *geom.Geometry, buffer float64) []string {
	if g == nil || buffer == 0 {
		return nil
	}
	if geom.SuspiciousBuffer(g, buffer) {
		return []string{fmt.Sprintf(
			"buffer of %g in a geographic (degree) CRS is suspiciously large; did you mean meters?", buffer)}
	}
	return nil
}

// sanitizeRelName makes a layer-derived name safe for use in generated
// table/view identifiers.
func sanitizeRelName(name string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
