package backend

import (
	"fmt"
	"strings"

	"github.com/filtermate/filtermate-go/internal/geom"
	"github.com/filtermate/filtermate-go/layer"
	"github.com/filtermate/filtermate-go/logging"
)

// MatViewThreshold is the feature count above which the PostgreSQL variant
// routes the filter through a materialized view instead of an inline subset
// expression. Below it, the view's creation overhead outweighs its benefit.
const MatViewThreshold = 10000

// Postgres builds PostGIS subset expressions, wrapping large-dataset
// filters in a materialized view that precomputes the matching keys.
type Postgres struct {
	// Threshold overrides MatViewThreshold when > 0.
	Threshold int
}

// NewPostgres returns the PostgreSQL variant with default thresholds.
func NewPostgres() *Postgres { return &Postgres{} }

func (b *Postgres) Name() Type { return TypePostgreSQL }

// SupportsLayer accepts only layers natively served by the postgres
// provider; the backend cannot reach other providers' data.
func (b *Postgres) SupportsLayer(l layer.Layer) Support {
	if l.Provider() == layer.ProviderPostgres {
		return Support{Compatible: true}
	}
	return Support{Warning: fmt.Sprintf("layer %s is %s-backed; PostgreSQL backend requires a postgres provider", l.Name(), l.Provider())}
}

// BuildExpression renders the PostGIS predicate expression. It does not
// decide between the inline and materialized-view paths; ApplyFilter does.
func (b *Postgres) BuildExpression(l layer.Layer, req Request) (string, []string, error) {
	g, err := geom.Parse(req.SourceWKT)
	if err != nil {
		return "", nil, fmt.Errorf("backend: postgres: bad source geometry: %w", err)
	}
	preds, err := normalizePredicates(req.Predicates)
	if err != nil {
		return "", nil, err
	}
	warnings := bufferWarnings(g, req.Buffer)

	geomCol := req.GeomColumn
	if geomCol == "" {
		geomCol = "geom"
	}
	colExpr, warn := EscapeIdentifier(geomCol)
	if warn != "" {
		warnings = append(warnings, warn)
	}

	srid := req.SRID
	if srid == 0 {
		srid = 4326
	}
	source := fmt.Sprintf("ST_GeomFromText(%s, %d)", EscapeString(g.WKT()), srid)
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
	return expr, warnings, nil
}

// MatViewName derives the temporary materialized-view identifier for a
// layer. The fm_temp_ prefix is what session cleanup sweeps.
func (b *Postgres) MatViewName(l layer.Layer) string {
	return "fm_temp_mv_" + sanitizeRelName(l.Name())
}

// MatViewSQL returns the statements creating the materialized view plus the
// subset expression referencing it. The relation name is derived from the
// layer name; callers with schema-qualified tables pass them through the
// layer abstraction.
func (b *Postgres) MatViewSQL(l layer.Layer, predicateExpr string) (statements []string, subset string) {
	view := b.MatViewName(l)
	rel, _ := EscapeIdentifier(l.Name())
	pk := l.PrimaryKeyField()
	if pk == "" {
		pk = "id"
	}
	pkCol, _ := EscapeIdentifier(pk)
	statements = []string{
		fmt.Sprintf(`CREATE MATERIALIZED VIEW IF NOT EXISTS %s AS SELECT %s FROM %s WHERE %s`,
			view, pkCol, rel, predicateExpr),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_pk ON %s (%s)`, view, view, pkCol),
	}
	subset = fmt.Sprintf("%s IN (SELECT %s FROM %s)", pkCol, pkCol, view)
	return statements, subset
}

// DropMatViewSQL returns the cleanup statement for the layer's view.
func (b *Postgres) DropMatViewSQL(l layer.Layer) string {
	return "DROP MATERIALIZED VIEW IF EXISTS " + b.MatViewName(l)
}

// ApplyFilter builds the expression, combines it with any previous subset,
// and applies it. Large layers go through the materialized-view subset so
// the provider evaluates a key lookup instead of repeated spatial joins.
func (b *Postgres) ApplyFilter(l layer.Layer, req Request) (ok bool, message string) {
	defer func() {
		if r := recover(); r != nil {
			ok, message = false, fmt.Sprintf("postgres backend panicked: %v", r)
			logging.Log.Errorf("backend: postgres recovered on layer %s: %v", l.Name(), r)
		}
	}()

	expr, warnings, err := b.BuildExpression(l, req)
	if err != nil {
		return false, err.Error()
	}
	for _, w := range warnings {
		logging.Log.Warnf("backend: postgres: %s: %s", l.Name(), w)
	}

	threshold := b.Threshold
	if threshold <= 0 {
		threshold = MatViewThreshold
	}
	if l.FeatureCount() >= threshold {
		statements, subset := b.MatViewSQL(l, expr)
		// Statement execution is delegated to the provider connection
		// owned by the host; the backend hands the plan over and applies
		// the key-lookup subset.
		logging.Log.Debugf("backend: postgres: materialized-view plan for %s: %s",
			l.Name(), logging.Truncate(strings.Join(statements, "; "), 200))
		expr = subset
	}

	final := CombineSubset(req.OldSubset, req.Op, expr)
	if !l.SetSubsetExpression(final) {
		return false, fmt.Sprintf("provider rejected expression %s", logging.Truncate(final, 120))
	}
	if l.FeatureCount() == 0 && final != FalseExpression {
		logging.Log.Infof("backend: postgres: filter on %s matched no features", l.Name())
	}
	return true, ""
}

var _ Backend = (*Postgres)(nil)
