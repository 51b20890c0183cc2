// Package geom implements the small amount of geometry the filter engine
// needs: WKT parsing and canonicalization, bounding boxes, coarse spatial
// predicates, and sanity checks on buffer distances. It is deliberately not a
// full geometry library; exact predicate evaluation belongs to the database
// backends, geom only has to agree with them at bounding-box precision.
package geom

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mmcloughlin/geohash"
)

// Point is a 2D coordinate.
type Point struct {
	X float64
	Y float64
}

// BBox is an axis-aligned bounding box.
type BBox struct {
	MinX, MinY, MaxX, MaxY float64
}

// Geometry is a parsed WKT geometry reduced to its coordinate rings.
// For POINT there is one ring of one point; for LINESTRING one ring; for
// POLYGON the rings are outer ring followed by holes; MULTIPOLYGON flattens
// every polygon's rings.
type Geometry struct {
	Type  string // "POINT", "LINESTRING", "POLYGON", "MULTIPOLYGON"
	Rings [][]Point
}

// coordPrecision is the number of decimals kept when canonicalizing WKT.
// Coordinates that differ only past this precision normalize identically,
// which keeps cache fingerprints stable across float noise.
const coordPrecision = 8

// Parse parses a WKT string into a Geometry. Only the geometry types the
// filter engine produces are supported.
func Parse(wkt string) (*Geometry, error) {
	s := strings.TrimSpace(wkt)
	if s == "" {
		return nil, fmt.Errorf("geom: empty WKT")
	}
	upper := strings.ToUpper(s)
	switch {
	case strings.HasPrefix(upper, "POINT"):
		body, err := parenBody(s[len("POINT"):])
		if err != nil {
			return nil, err
		}
		p, err := parsePoint(body)
		if err != nil {
			return nil, err
		}
		return &Geometry{Type: "POINT", Rings: [][]Point{{p}}}, nil
	case strings.HasPrefix(upper, "LINESTRING"):
		body, err := parenBody(s[len("LINESTRING"):])
		if err != nil {
			return nil, err
		}
		ring, err := parseRing(body)
		if err != nil {
			return nil, err
		}
		return &Geometry{Type: "LINESTRING", Rings: [][]Point{ring}}, nil
	case strings.HasPrefix(upper, "POLYGON"):
		body, err := parenBody(s[len("POLYGON"):])
		if err != nil {
			return nil, err
		}
		rings, err := parseRingList(body)
		if err != nil {
			return nil, err
		}
		return &Geometry{Type: "POLYGON", Rings: rings}, nil
	case strings.HasPrefix(upper, "MULTIPOLYGON"):
		body, err := parenBody(s[len("MULTIPOLYGON"):])
		if err != nil {
			return nil, err
		}
		var rings [][]Point
		for _, polyBody := range splitTopLevel(body) {
			inner, err := parenBody(polyBody)
			if err != nil {
				return nil, err
			}
			rs, err := parseRingList(inner)
			if err != nil {
				return nil, err
			}
			rings = append(rings, rs...)
		}
		return &Geometry{Type: "MULTIPOLYGON", Rings: rings}, nil
	}
	return nil, fmt.Errorf("geom: unsupported WKT type in %q", logHead(s))
}

// Normalize parses WKT and re-serializes it in canonical form: upper-case
// type tag, single spaces, coordinates rounded to a fixed precision with
// trailing zeros trimmed. Two WKT strings describing the same geometry up to
// float noise normalize to the same string.
func Normalize(wkt string) (string, error) {
	g, err := Parse(wkt)
	if err != nil {
		return "", err
	}
	return g.WKT(), nil
}

// WKT serializes the geometry in the canonical form produced by Normalize.
func (g *Geometry) WKT() string {
	var sb strings.Builder
	sb.WriteString(g.Type)
	switch g.Type {
	case "POINT":
		sb.WriteString("(")
		writePoint(&sb, g.Rings[0][0])
		sb.WriteString(")")
	case "LINESTRING":
		sb.WriteString("(")
		writeRing(&sb, g.Rings[0])
		sb.WriteString(")")
	default:
		// POLYGON and MULTIPOLYGON both serialize as a single polygon of
		// all rings; the distinction does not matter at the precision the
		// engine evaluates, but keep the original tag for readability.
		sb.WriteString("((")
		for i, ring := range g.Rings {
			if i > 0 {
				sb.WriteString("),(")
			}
			writeRing(&sb, ring)
		}
		sb.WriteString("))")
	}
	return sb.String()
}

// Bounds returns the bounding box of the geometry.
func (g *Geometry) Bounds() BBox {
	b := BBox{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, ring := range g.Rings {
		for _, p := range ring {
			b.MinX = math.Min(b.MinX, p.X)
			b.MinY = math.Min(b.MinY, p.Y)
			b.MaxX = math.Max(b.MaxX, p.X)
			b.MaxY = math.Max(b.MaxY, p.Y)
		}
	}
	return b
}

// Centroid returns the arithmetic mean of all vertices. Good enough for log
// tags and geohash labels, not for area-weighted analysis.
func (g *Geometry) Centroid() Point {
	var sx, sy float64
	var n int
	for _, ring := range g.Rings {
		for _, p := range ring {
			sx += p.X
			sy += p.Y
			n++
		}
	}
	if n == 0 {
		return Point{}
	}
	return Point{X: sx / float64(n), Y: sy / float64(n)}
}

// LocationTag returns a short geohash of the geometry centroid, used to tag
// cache entries and log lines with a human-comparable location. Returns ""
// for coordinates outside lat/lon range (projected CRS), where a geohash
// would be meaningless.
func (g *Geometry) LocationTag() string {
	c := g.Centroid()
	if c.X < -180 || c.X > 180 || c.Y < -90 || c.Y > 90 {
		return ""
	}
	return geohash.EncodeWithPrecision(c.Y, c.X, 6)
}

// Buffer expands the bounding box by distance on every side. Negative
// distances shrink the box but never invert it.
func (b BBox) Buffer(distance float64) BBox {
	out := BBox{
		MinX: b.MinX - distance,
		MinY: b.MinY - distance,
		MaxX: b.MaxX + distance,
		MaxY: b.MaxY + distance,
	}
	if out.MinX > out.MaxX {
		mid := (b.MinX + b.MaxX) / 2
		out.MinX, out.MaxX = mid, mid
	}
	if out.MinY > out.MaxY {
		mid := (b.MinY + b.MaxY) / 2
		out.MinY, out.MaxY = mid, mid
	}
	return out
}

// Intersects reports whether the boxes overlap (boundary contact counts).
func (b BBox) Intersects(o BBox) bool {
	return b.MinX <= o.MaxX && b.MaxX >= o.MinX && b.MinY <= o.MaxY && b.MaxY >= o.MinY
}

// Contains reports whether o lies entirely inside b.
func (b BBox) Contains(o BBox) bool {
	return b.MinX <= o.MinX && b.MinY <= o.MinY && b.MaxX >= o.MaxX && b.MaxY >= o.MaxY
}

// Distance returns the minimum distance between the two boxes, 0 when they
// intersect.
func (b BBox) Distance(o BBox) float64 {
	var dx, dy float64
	if o.MinX > b.MaxX {
		dx = o.MinX - b.MaxX
	} else if b.MinX > o.MaxX {
		dx = b.MinX - o.MaxX
	}
	if o.MinY > b.MaxY {
		dy = o.MinY - b.MaxY
	} else if b.MinY > o.MaxY {
		dy = b.MinY - o.MaxY
	}
	return math.Hypot(dx, dy)
}

// LooksGeographic reports whether the box plausibly holds lat/lon degrees.
func (b BBox) LooksGeographic() bool {
	return b.MinX >= -180 && b.MaxX <= 180 && b.MinY >= -90 && b.MaxY <= 90
}

// SuspiciousBuffer reports whether buffer looks like a unit mismatch for the
// given geometry: a buffer over one degree applied in a geographic CRS almost
// always means the user typed meters.
func SuspiciousBuffer(g *Geometry, buffer float64) bool {
	return buffer > 1 && g.Bounds().LooksGeographic()
}

func parenBody(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return "", fmt.Errorf("geom: malformed WKT body %q", logHead(s))
	}
	return s[1 : len(s)-1], nil
}

// splitTopLevel splits on commas that are not nested inside parentheses.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func parseRingList(body string) ([][]Point, error) {
	var rings [][]Point
	for _, part := range splitTopLevel(body) {
		inner, err := parenBody(part)
		if err != nil {
			return nil, err
		}
		ring, err := parseRing(inner)
		if err != nil {
			return nil, err
		}
		rings = append(rings, ring)
	}
	return rings, nil
}

func parseRing(body string) ([]Point, error) {
	parts := strings.Split(body, ",")
	ring := make([]Point, 0, len(parts))
	for _, part := range parts {
		p, err := parsePoint(part)
		if err != nil {
			return nil, err
		}
		ring = append(ring, p)
	}
	return ring, nil
}

func parsePoint(s string) (Point, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) < 2 {
		return Point{}, fmt.Errorf("geom: malformed coordinate %q", logHead(s))
	}
	x, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Point{}, fmt.Errorf("geom: bad X coordinate %q: %w", fields[0], err)
	}
	y, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Point{}, fmt.Errorf("geom: bad Y coordinate %q: %w", fields[1], err)
	}
	return Point{X: roundCoord(x), Y: roundCoord(y)}, nil
}

func roundCoord(v float64) float64 {
	scale := math.Pow10(coordPrecision)
	return math.Round(v*scale) / scale
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writePoint(sb *strings.Builder, p Point) {
	sb.WriteString(formatCoord(p.X))
	sb.WriteString(" ")
	sb.WriteString(formatCoord(p.Y))
}

func writeRing(sb *strings.Builder, ring []Point) {
	for i, p := range ring {
		if i > 0 {
			sb.WriteString(",")
		}
		writePoint(sb, p)
	}
}

func logHead(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
