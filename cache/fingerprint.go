package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/filtermate/filtermate-go/internal/geom"
)

// BufferPrecision is the number of decimals buffer distances are rounded to
// before fingerprinting. Two buffers that round to the same value share a
// fingerprint; without this normalization float noise in UI spin boxes
// silently degrades the cache hit rate.
const BufferPrecision = 2

// Fingerprint identifies one cacheable filter step: a layer, a normalized
// source geometry, a normalized buffer distance, and a canonical encoding of
// the active spatial predicate set.
type Fingerprint struct {
	LayerID    string
	SourceWKT  string // canonical form, see geom.Normalize
	Buffer     float64
	Predicates string // canonical: lower-case, sorted, comma-joined
}

// NewFingerprint builds a normalized fingerprint. The source WKT is
// canonicalized when parseable; otherwise it is used verbatim so lookups
// still behave deterministically.
func NewFingerprint(layerID, sourceWKT string, buffer float64, predicates []string) Fingerprint {
	wkt := sourceWKT
	if norm, err := geom.Normalize(sourceWKT); err == nil {
		wkt = norm
	}
	return Fingerprint{
		LayerID:    layerID,
		SourceWKT:  wkt,
		Buffer:     RoundBuffer(buffer),
		Predicates: CanonicalPredicates(predicates),
	}
}

// RoundBuffer normalizes a buffer distance to the fixed fingerprint
// precision.
func RoundBuffer(buffer float64) float64 {
	s, _ := strconv.ParseFloat(strconv.FormatFloat(buffer, 'f', BufferPrecision, 64), 64)
	return s
}

// CanonicalPredicates produces an order-independent encoding of a predicate
// set.
func CanonicalPredicates(predicates []string) string {
	norm := make([]string, 0, len(predicates))
	for _, p := range predicates {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			norm = append(norm, p)
		}
	}
	sort.Strings(norm)
	return strings.Join(norm, ",")
}

// Key derives the stable cache key: layer id plus a digest of geometry,
// buffer and predicates. The key is opaque to callers; it only has to be
// deterministic and collision-resistant.
func (f Fingerprint) Key() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%.*f\x00%s", f.LayerID, f.SourceWKT, BufferPrecision, f.Buffer, f.Predicates)
	return f.LayerID + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}
