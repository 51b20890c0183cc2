package backend

import (
	"fmt"

	"github.com/filtermate/filtermate-go/cache"
	"github.com/filtermate/filtermate-go/collect"
	"github.com/filtermate/filtermate-go/fidset"
	"github.com/filtermate/filtermate-go/internal/bboxindex"
	"github.com/filtermate/filtermate-go/internal/geom"
	"github.com/filtermate/filtermate-go/layer"
	"github.com/filtermate/filtermate-go/logging"
	"github.com/filtermate/filtermate-go/task"
)

const (
	// OGRInThreshold is the matched-feature count above which the OGR
	// variant switches from an IN (...) subset to the mark-and-filter
	// path; some OGR drivers mishandle enormous IN clauses.
	OGRInThreshold = 10000

	// OGRMinIndexFeatures is the layer size below which building a
	// spatial index costs more than the linear scan it would save.
	OGRMinIndexFeatures = 1000

	// MarkField is the temporary boolean column used by the
	// mark-and-filter path.
	MarkField = "_fm_filtered"
)

// OGR is the universal fallback backend. OGR providers generally cannot
// evaluate arbitrary spatial SQL, so it runs select-by-location over the
// layer's features and converts the matches into an attribute filter.
type OGR struct {
	registry *layer.Registry
	combiner *cache.Combiner

	// InThreshold and MinIndexFeatures override the package defaults
	// when > 0 (tests shrink them).
	InThreshold      int
	MinIndexFeatures int
}

// NewOGR returns the OGR variant configured from env.
func NewOGR(env Env) *OGR {
	return &OGR{registry: env.Registry, combiner: env.Combiner}
}

func (b *OGR) Name() Type { return TypeOGR }

// SupportsLayer always succeeds; OGR is the universal fallback.
func (b *OGR) SupportsLayer(l layer.Layer) Support {
	return Support{Compatible: true}
}

// BuildExpression is not meaningful before select-by-location has run; the
// OGR expression is derived from the matched FID set. It returns the
// universally-false placeholder so callers can still preview the shape.
func (b *OGR) BuildExpression(l layer.Layer, req Request) (string, []string, error) {
	g, err := geom.Parse(req.SourceWKT)
	if err != nil {
		return "", nil, fmt.Errorf("backend: ogr: bad source geometry: %w", err)
	}
	if _, err := normalizePredicates(req.Predicates); err != nil {
		return "", nil, err
	}
	return FalseExpression, bufferWarnings(g, req.Buffer), nil
}

// selectByLocation returns the features whose geometry satisfies any active
// predicate against the (buffered) source geometry, at bounding-box
// precision. Layers above MinIndexFeatures are scanned through a grid index.
func (b *OGR) selectByLocation(l layer.Layer, req Request) ([]layer.Feature, error) {
	g, err := geom.Parse(req.SourceWKT)
	if err != nil {
		return nil, fmt.Errorf("backend: ogr: bad source geometry: %w", err)
	}
	preds, err := normalizePredicates(req.Predicates)
	if err != nil {
		return nil, err
	}
	sourceBox := g.Bounds()
	if req.Buffer != 0 {
		sourceBox = sourceBox.Buffer(req.Buffer)
	}

	feats, err := l.GetFeatures(layer.Request{})
	if err != nil {
		return nil, fmt.Errorf("backend: ogr: feature scan: %w", err)
	}

	minIndex := b.MinIndexFeatures
	if minIndex <= 0 {
		minIndex = OGRMinIndexFeatures
	}

	candidates := feats
	if len(feats) >= minIndex {
		// Index pass prunes to bbox candidates; the predicate test below
		// refines.
		ids := make([]int64, 0, len(feats))
		boxes := make([]geom.BBox, 0, len(feats))
		byRow := make(map[int64]layer.Feature, len(feats))
		for i, f := range feats {
			if req.Token.ShouldStop(i) {
				return nil, task.ErrCancelled
			}
			if !f.HasGeometry() {
				continue
			}
			ids = append(ids, f.ID())
			boxes = append(boxes, f.Geometry().Bounds())
			byRow[f.ID()] = f
		}
		idx := bboxindex.Build(ids, boxes)
		candidates = candidates[:0]
		for _, id := range idx.Query(sourceBox) {
			candidates = append(candidates, byRow[id])
		}
	}

	var matched []layer.Feature
	for i, f := range candidates {
		if req.Token.ShouldStop(i) {
			return nil, task.ErrCancelled
		}
		if !f.HasGeometry() {
			continue
		}
		if matchesAny(preds, sourceBox, f.Geometry().Bounds()) {
			matched = append(matched, f)
		}
	}
	return matched, nil
}

func matchesAny(preds []string, source, feature geom.BBox) bool {
	for _, p := range preds {
		switch p {
		case "contains":
			if feature.Contains(source) {
				return true
			}
		case "within":
			if source.Contains(feature) {
				return true
			}
		case "disjoint":
			if !source.Intersects(feature) {
				return true
			}
		default:
			if source.Intersects(feature) {
				return true
			}
		}
	}
	return false
}

// ApplyFilter runs select-by-location, chains the matched FID set through
// the cache combiner (textual combination is meaningless here; OGR filters
// resolve through id sets), and applies either an IN (...) subset or, for
// large matches, a temporary mark column. The mark path falls back to the
// standard path on any failure.
func (b *OGR) ApplyFilter(l layer.Layer, req Request) (ok bool, message string) {
	defer func() {
		if r := recover(); r != nil {
			ok, message = false, fmt.Sprintf("ogr backend panicked: %v", r)
			logging.Log.Errorf("backend: ogr recovered on layer %s: %v", l.Name(), r)
		}
	}()

	matched, err := b.selectByLocation(l, req)
	if err != nil {
		return false, err.Error()
	}

	collector := collect.NewCollector(b.registry, l.ID())
	res := collector.CollectFromFeatures(matched)
	if !res.Success {
		return false, res.Error
	}
	newSet := fidset.FromSlice(res.FeatureIDs)

	final := newSet
	if b.combiner != nil {
		combined := b.combiner.Combine(l.ID(), newSet, req.SourceWKT, req.Buffer, req.Predicates, req.Op, req.OldSubset != "")
		final = combined.FIDs
		meta := cache.EntryMetadata{Backend: string(TypeOGR), Predicates: req.Predicates}
		if g, err := geom.Parse(req.SourceWKT); err == nil {
			meta.LocationTag = g.LocationTag()
		}
		b.combiner.StoreResult(l.ID(), final, req.SourceWKT, req.Predicates, req.Buffer, combined.Step, meta)
	}

	if final.IsEmpty() {
		if !l.SetSubsetExpression(FalseExpression) {
			return false, "provider rejected the empty-result expression"
		}
		return true, "no features matched"
	}

	threshold := b.InThreshold
	if threshold <= 0 {
		threshold = OGRInThreshold
	}
	if final.Len() > threshold {
		if ok, msg := b.applyMarked(l, final, req.Token); ok {
			return true, msg
		}
		logging.Log.Warnf("backend: ogr: mark-and-filter on %s failed; falling back to IN subset", l.Name())
	}

	pk := l.PrimaryKeyField()
	if pk == "" {
		pk = "fid"
	}
	expr := InExpression(pk, final.ToSlice())
	if !l.SetSubsetExpression(expr) {
		return false, fmt.Sprintf("provider rejected expression %s", logging.Truncate(expr, 120))
	}
	return true, ""
}

// attributeWriter is the optional provider capability the mark-and-filter
// path needs. Providers without it use the IN path regardless of size.
type attributeWriter interface {
	SetAttribute(rowID int64, field string, value interface{})
	MarkField(field string)
	DropField(field string)
}

func (b *OGR) applyMarked(l layer.Layer, final *fidset.Set, token *task.CancelToken) (bool, string) {
	writer, ok := l.(attributeWriter)
	if !ok {
		return false, "provider does not support attribute writes"
	}
	feats, err := l.GetFeatures(layer.Request{})
	if err != nil {
		return false, err.Error()
	}
	pk := l.PrimaryKeyField()
	writer.MarkField(MarkField)
	for i, f := range feats {
		if token.ShouldStop(i) {
			// Roll the partial marks back before giving up.
			writer.DropField(MarkField)
			return false, task.ErrCancelled.Error()
		}
		id := f.ID()
		if pk != "" {
			if v, ok := coerceMarkID(f.Attribute(pk)); ok {
				id = v
			}
		}
		if final.Contains(id) {
			writer.SetAttribute(f.ID(), MarkField, 1)
		}
	}
	expr, _ := EscapeIdentifier(MarkField)
	if !l.SetSubsetExpression(expr + " = 1") {
		writer.DropField(MarkField)
		return false, "provider rejected mark expression"
	}
	return true, ""
}

func coerceMarkID(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

var _ Backend = (*OGR)(nil)
