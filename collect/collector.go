// Package collect extracts primary-key based feature identifier lists from a
// layer: from the current selection, from an expression, from a full scan,
// or from pre-fetched feature records. Identifiers are primary-key values
// (stable across sessions), falling back to provider row ids only when no
// primary key is configured or the attribute is null.
package collect

import (
	"strconv"
	"strings"
	"sync"

	"github.com/filtermate/filtermate-go/layer"
	"github.com/filtermate/filtermate-go/logging"
)

// Source tags where a collection came from.
type Source string

const (
	SourceSelection  Source = "selection"
	SourceExpression Source = "expression"
	SourceAll        Source = "all"
	SourceList       Source = "list"
)

// Result is the outcome of one collection. Expected failure conditions
// (missing layer, empty expression) are reported through Success/Error, not
// returned as Go errors; a collector call never aborts the caller.
type Result struct {
	FeatureIDs []int64
	Count      int
	Source     Source
	Success    bool
	Error      string

	// Cached is true when the result was served from the collector's
	// single-slot cache rather than a fresh scan.
	Cached bool

	// FallbackCount is how many identifiers fell back to the provider row
	// id because the primary-key attribute was missing or unusable.
	FallbackCount int

	// FailedCount is how many features could not produce any identifier.
	// Per-feature failures never abort the collection.
	FailedCount int
}

func failure(src Source, msg string) Result {
	return Result{Source: src, Success: false, Error: msg}
}

// Collector extracts feature ids from one layer, resolved by id at every
// call so a destroyed host layer degrades to a reported error.
type Collector struct {
	registry *layer.Registry
	layerID  string

	mu           sync.Mutex
	cacheEnabled bool
	cachedIDs    []int64
	cachedSource Source
}

// NewCollector returns a collector for the given layer id with result
// caching enabled.
func NewCollector(registry *layer.Registry, layerID string) *Collector {
	return &Collector{registry: registry, layerID: layerID, cacheEnabled: true}
}

// SetCaching toggles the single-slot result cache.
func (c *Collector) SetCaching(enabled bool) {
	c.mu.Lock()
	c.cacheEnabled = enabled
	if !enabled {
		c.cachedIDs = nil
		c.cachedSource = ""
	}
	c.mu.Unlock()
}

// ClearCache empties the single-slot cache.
func (c *Collector) ClearCache() {
	c.mu.Lock()
	c.cachedIDs = nil
	c.cachedSource = ""
	c.mu.Unlock()
}

// CachedResult returns the last successful collection, if any.
func (c *Collector) CachedResult() (ids []int64, source Source, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cachedIDs == nil {
		return nil, "", false
	}
	return append([]int64{}, c.cachedIDs...), c.cachedSource, true
}

// CollectFromSelection reads the layer's current selection. An empty
// selection is a valid empty result, not an error.
func (c *Collector) CollectFromSelection() Result {
	l, ok := c.registry.Get(c.layerID)
	if !ok {
		return failure(SourceSelection, "layer not found: "+c.layerID)
	}
	selected := l.SelectedFeatureIDs()
	if len(selected) == 0 {
		res := Result{Source: SourceSelection, Success: true}
		c.store(res)
		return res
	}

	// Resolve selected row ids to features so the primary key can be read.
	rowSet := make(map[int64]bool, len(selected))
	for _, id := range selected {
		rowSet[id] = true
	}
	feats, err := l.GetFeatures(layer.Request{Attributes: pkAttrs(l)})
	if err != nil {
		return failure(SourceSelection, "feature scan failed: "+err.Error())
	}
	res := Result{Source: SourceSelection, Success: true}
	pk := l.PrimaryKeyField()
	for _, f := range feats {
		if !rowSet[f.ID()] {
			continue
		}
		c.appendID(&res, f, pk)
	}
	res.Count = len(res.FeatureIDs)
	c.store(res)
	return res
}

// CollectFromExpression evaluates expression against the layer and collects
// identifiers from the matches. limit <= 0 means no limit.
func (c *Collector) CollectFromExpression(expression string, limit int) Result {
	if strings.TrimSpace(expression) == "" {
		return failure(SourceExpression, "empty expression")
	}
	l, ok := c.registry.Get(c.layerID)
	if !ok {
		return failure(SourceExpression, "layer not found: "+c.layerID)
	}
	feats, err := l.GetFeatures(layer.Request{
		Expression: expression,
		Attributes: pkAttrs(l),
		Limit:      limit,
	})
	if err != nil {
		return failure(SourceExpression, "expression scan failed: "+err.Error())
	}
	res := c.fromFeatures(feats, l.PrimaryKeyField(), SourceExpression)
	c.store(res)
	return res
}

// CollectAll scans every feature. limit <= 0 means no limit.
func (c *Collector) CollectAll(limit int) Result {
	l, ok := c.registry.Get(c.layerID)
	if !ok {
		return failure(SourceAll, "layer not found: "+c.layerID)
	}
	feats, err := l.GetFeatures(layer.Request{Attributes: pkAttrs(l), Limit: limit})
	if err != nil {
		return failure(SourceAll, "feature scan failed: "+err.Error())
	}
	res := c.fromFeatures(feats, l.PrimaryKeyField(), SourceAll)
	c.store(res)
	return res
}

// CollectFromFeatures extracts identifiers from pre-fetched features.
func (c *Collector) CollectFromFeatures(feats []layer.Feature) Result {
	pk := ""
	if l, ok := c.registry.Get(c.layerID); ok {
		pk = l.PrimaryKeyField()
	}
	res := c.fromFeatures(feats, pk, SourceList)
	c.store(res)
	return res
}

// CollectFromRecords extracts identifiers from plain key/value records, for
// callers that already materialized attribute maps.
func (c *Collector) CollectFromRecords(records []map[string]interface{}) Result {
	pk := ""
	if l, ok := c.registry.Get(c.layerID); ok {
		pk = l.PrimaryKeyField()
	}
	res := Result{Source: SourceList, Success: true}
	for _, rec := range records {
		if pk != "" {
			if id, ok := coerceID(rec[pk]); ok {
				res.FeatureIDs = append(res.FeatureIDs, id)
				continue
			}
		}
		if id, ok := coerceID(rec["fid"]); ok {
			res.FeatureIDs = append(res.FeatureIDs, id)
			res.FallbackCount++
			continue
		}
		res.FailedCount++
	}
	res.Count = len(res.FeatureIDs)
	c.store(res)
	return res
}

// CollectInBatches splits a collection into fixed-size id chunks suitable
// for SQL IN (...) clauses. Returns the batches and the total id count.
func (c *Collector) CollectInBatches(batchSize int, source Source, expression string) ([][]int64, int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var res Result
	switch source {
	case SourceSelection:
		res = c.CollectFromSelection()
	case SourceExpression:
		res = c.CollectFromExpression(expression, 0)
	default:
		res = c.CollectAll(0)
	}
	if !res.Success {
		return nil, 0, &collectError{msg: res.Error}
	}
	var batches [][]int64
	ids := res.FeatureIDs
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches, len(ids), nil
}

type collectError struct{ msg string }

func (e *collectError) Error() string { return e.msg }

func (c *Collector) fromFeatures(feats []layer.Feature, pk string, src Source) Result {
	res := Result{Source: src, Success: true}
	for _, f := range feats {
		c.appendID(&res, f, pk)
	}
	res.Count = len(res.FeatureIDs)
	if res.FailedCount > 0 {
		logging.Log.Debugf("collect: %d/%d features yielded no identifier on layer %s",
			res.FailedCount, len(feats), c.layerID)
	}
	return res
}

func (c *Collector) appendID(res *Result, f layer.Feature, pk string) {
	if pk != "" {
		if id, ok := coerceID(f.Attribute(pk)); ok {
			res.FeatureIDs = append(res.FeatureIDs, id)
			return
		}
		res.FallbackCount++
	}
	res.FeatureIDs = append(res.FeatureIDs, f.ID())
}

func (c *Collector) store(res Result) {
	if !res.Success {
		return
	}
	c.mu.Lock()
	if c.cacheEnabled {
		c.cachedIDs = append([]int64{}, res.FeatureIDs...)
		c.cachedSource = res.Source
	}
	c.mu.Unlock()
}

func pkAttrs(l layer.Layer) []string {
	if pk := l.PrimaryKeyField(); pk != "" {
		return []string{pk}
	}
	return nil
}

// coerceID converts a primary-key attribute value to an int64 identifier.
// Strings holding integers are accepted; anything else is rejected so the
// caller can fall back to the row id.
func coerceID(v interface{}) (int64, bool) {
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
	case string:
		if id, err := strconv.ParseInt(n, 10, 64); err == nil {
			return id, true
		}
	}
	return 0, false
}
