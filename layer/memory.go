package layer

import (
	"sync"

	"github.com/filtermate/filtermate-go/internal/geom"
)

// MemFeature is the in-memory Feature implementation.
type MemFeature struct {
	RowID int64
	Attrs map[string]interface{}
	Geom  *geom.Geometry
}

func (f *MemFeature) ID() int64 { return f.RowID }

func (f *MemFeature) Attribute(name string) interface{} {
	if f.Attrs == nil {
		return nil
	}
	return f.Attrs[name]
}

func (f *MemFeature) HasGeometry() bool { return f.Geom != nil }

func (f *MemFeature) Geometry() *geom.Geometry { return f.Geom }

// MemLayer is an in-memory Layer. The OGR execution path and the test suite
// use it in place of a live provider; it evaluates the attribute-expression
// dialect the backends emit.
type MemLayer struct {
	mu sync.Mutex

	LayerID   string
	LayerName string
	Prov      Provider
	URI       string
	PKField   string

	features  []*MemFeature
	selection []int64
	subset    string
	subsetAST exprNode
	valid     bool

	// AddedFields tracks temporary columns created by the mark-and-filter
	// path so they can be dropped on reset.
	AddedFields map[string]bool
}

// NewMemLayer creates a valid in-memory layer.
func NewMemLayer(id, name string, prov Provider, pkField string) *MemLayer {
	return &MemLayer{
		LayerID:     id,
		LayerName:   name,
		Prov:        prov,
		PKField:     pkField,
		valid:       true,
		AddedFields: make(map[string]bool),
	}
}

func (l *MemLayer) ID() string              { return l.LayerID }
func (l *MemLayer) Name() string            { return l.LayerName }
func (l *MemLayer) Provider() Provider      { return l.Prov }
func (l *MemLayer) SourceURI() string       { return l.URI }
func (l *MemLayer) PrimaryKeyField() string { return l.PKField }

func (l *MemLayer) IsValid() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.valid
}

// Invalidate marks the layer as gone, simulating a destroyed host object.
func (l *MemLayer) Invalidate() {
	l.mu.Lock()
	l.valid = false
	l.mu.Unlock()
}

// AddFeature appends a feature.
func (l *MemLayer) AddFeature(f *MemFeature) {
	l.mu.Lock()
	l.features = append(l.features, f)
	l.mu.Unlock()
}

// SetSelection replaces the current selection with the given row ids.
func (l *MemLayer) SetSelection(rowIDs []int64) {
	l.mu.Lock()
	l.selection = append([]int64{}, rowIDs...)
	l.mu.Unlock()
}

func (l *MemLayer) SelectedFeatureIDs() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64{}, l.selection...)
}

func (l *MemLayer) SubsetExpression() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subset
}

func (l *MemLayer) SetSubsetExpression(expr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expr == "" {
		l.subset = ""
		l.subsetAST = nil
		return true
	}
	ast, err := parseExpression(expr)
	if err != nil {
		return false
	}
	l.subset = expr
	l.subsetAST = ast
	return true
}

func (l *MemLayer) FeatureCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, f := range l.features {
		if l.subsetMatch(f) {
			n++
		}
	}
	return n
}

func (l *MemLayer) GetFeatures(req Request) ([]Feature, error) {
	var ast exprNode
	if req.Expression != "" {
		var err error
		ast, err = parseExpression(req.Expression)
		if err != nil {
			return nil, err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Feature
	for _, f := range l.features {
		if !l.subsetMatch(f) {
			continue
		}
		if ast != nil {
			ok, err := ast.eval(f)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, f)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

// SetAttribute writes a field value on the feature with the given row id,
// creating the column implicitly. Used by the mark-and-filter path.
func (l *MemLayer) SetAttribute(rowID int64, field string, value interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.features {
		if f.RowID == rowID {
			if f.Attrs == nil {
				f.Attrs = make(map[string]interface{})
			}
			f.Attrs[field] = value
			return
		}
	}
}

// MarkField records that field was added as a temporary column.
func (l *MemLayer) MarkField(field string) {
	l.mu.Lock()
	l.AddedFields[field] = true
	l.mu.Unlock()
}

// DropField removes a temporary column from every feature.
func (l *MemLayer) DropField(field string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.features {
		delete(f.Attrs, field)
	}
	delete(l.AddedFields, field)
}

func (l *MemLayer) subsetMatch(f *MemFeature) bool {
	if l.subsetAST == nil {
		return true
	}
	ok, err := l.subsetAST.eval(f)
	return err == nil && ok
}

var (
	_ Layer   = (*MemLayer)(nil)
	_ Feature = (*MemFeature)(nil)
)
