package cache

import (
	"fmt"

	"github.com/filtermate/filtermate-go/fidset"
	"github.com/filtermate/filtermate-go/logging"
)

// CombineResult reports the outcome of chaining a new filter step against
// the cached previous step.
type CombineResult struct {
	FIDs *fidset.Set
	Step int

	// WasIntersected is true when a previous cached set actually
	// participated in the combination.
	WasIntersected bool

	// Err records a soft failure during lookup or combination. The result
	// FIDs are still valid (the new set alone); a cache failure never
	// blocks filtering.
	Err string
}

// Combiner implements multi-step filter chaining: a second filter applied
// "on top of" a first reuses the first step's cached FID set instead of
// recomputing it.
type Combiner struct {
	store *Store
}

// NewCombiner returns a combiner over the given store.
func NewCombiner(store *Store) *Combiner {
	return &Combiner{store: store}
}

// Combine merges newFIDs with the previously cached set for the fingerprint
// of (layerID, sourceWKT, buffer, predicates) under op.
//
// hasOldSubset tells the combiner whether the layer currently carries a
// filter at all. On the first step (no old subset) the new set passes
// through unchanged regardless of operator. When an old subset exists but
// the cache entry is gone (cleared out of band), the combiner silently falls
// back to the new set alone; the cached set is authoritative for NOT AND
// semantics, so there is nothing correct to subtract from.
func (c *Combiner) Combine(layerID string, newFIDs *fidset.Set, sourceWKT string, buffer float64, predicates []string, op fidset.CombineOp, hasOldSubset bool) (res CombineResult) {
	res = CombineResult{FIDs: newFIDs, Step: 1}

	defer func() {
		if r := recover(); r != nil {
			res = CombineResult{
				FIDs: newFIDs,
				Step: 1,
				Err:  fmt.Sprintf("cache combination panicked: %v", r),
			}
			logging.Log.Errorf("cache: combination on layer %s recovered: %v", layerID, r)
		}
	}()

	if !hasOldSubset {
		return res
	}

	if op == fidset.OpAnd {
		// AND delegates to the store combinator, which also advances the
		// step counter.
		combined, step := c.store.IntersectFilterFIDs(layerID, newFIDs, sourceWKT, buffer, predicates)
		res.FIDs = combined
		res.Step = step
		res.WasIntersected = step > 1
		return res
	}

	prev, step, ok := c.store.GetPreviousFilterFIDs(layerID, sourceWKT, buffer, predicates)
	if !ok {
		logging.Log.Debugf("cache: no previous entry for layer %s despite active subset; using new set", layerID)
		return res
	}
	combined, err := newFIDs.Combine(prev, op)
	if err != nil {
		res.Err = err.Error()
		logging.Log.Debugf("cache: combine %s on layer %s failed: %v", op, layerID, err)
		return res
	}
	res.FIDs = combined
	res.Step = step + 1
	res.WasIntersected = true
	return res
}

// StoreResult persists the combined FID set for the next chain step and
// returns the opaque cache key for logging. Empty sets are not persisted;
// the empty key signals "not stored".
func (c *Combiner) StoreResult(layerID string, fids *fidset.Set, sourceWKT string, predicates []string, buffer float64, step int, meta EntryMetadata) string {
	if fids == nil || fids.IsEmpty() {
		logging.Log.Debugf("cache: skipping persistence of empty result on layer %s", layerID)
		return ""
	}
	key, err := c.store.StoreFilterFIDs(layerID, fids, sourceWKT, predicates, buffer, step, meta)
	if err != nil {
		logging.Log.Debugf("cache: store result on layer %s failed: %v", layerID, err)
		return ""
	}
	return key
}
