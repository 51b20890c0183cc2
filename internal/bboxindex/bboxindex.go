// Package bboxindex implements a uniform-grid index over feature bounding
// boxes. The OGR execution path builds one before select-by-location on
// layers large enough to benefit; below that, a linear scan is cheaper than
// building the grid.
package bboxindex

import (
	"math"

	"github.com/filtermate/filtermate-go/internal/geom"
)

type cellKey struct{ x, y int }

// Index is a grid of feature bounding boxes keyed by cell.
type Index struct {
	cellSize float64
	cells    map[cellKey][]int
	ids      []int64
	boxes    []geom.BBox
}

// Build constructs the index. ids and boxes must be parallel slices. The
// cell size is derived from the average box extent so typical features span
// few cells.
func Build(ids []int64, boxes []geom.BBox) *Index {
	idx := &Index{
		cells: make(map[cellKey][]int),
		ids:   append([]int64{}, ids...),
		boxes: append([]geom.BBox{}, boxes...),
	}
	idx.cellSize = pickCellSize(boxes)
	for i, b := range idx.boxes {
		idx.forEachCell(b, func(k cellKey) {
			idx.cells[k] = append(idx.cells[k], i)
		})
	}
	return idx
}

// Len returns the number of indexed boxes.
func (idx *Index) Len() int { return len(idx.ids) }

// Query returns the ids of all boxes intersecting b. Candidates from the
// grid are refined with an exact bbox test before being returned.
func (idx *Index) Query(b geom.BBox) []int64 {
	seen := make(map[int]bool)
	var out []int64
	idx.forEachCell(b, func(k cellKey) {
		for _, i := range idx.cells[k] {
			if seen[i] {
				continue
			}
			seen[i] = true
			if idx.boxes[i].Intersects(b) {
				out = append(out, idx.ids[i])
			}
		}
	})
	return out
}

func (idx *Index) forEachCell(b geom.BBox, fn func(cellKey)) {
	if idx.cellSize <= 0 {
		fn(cellKey{0, 0})
		return
	}
	x0 := int(math.Floor(b.MinX / idx.cellSize))
	x1 := int(math.Floor(b.MaxX / idx.cellSize))
	y0 := int(math.Floor(b.MinY / idx.cellSize))
	y1 := int(math.Floor(b.MaxY / idx.cellSize))
	for x := x0; x <= x1; x++ {
		for y := y0; y <= y1; y++ {
			fn(cellKey{x, y})
		}
	}
}

func pickCellSize(boxes []geom.BBox) float64 {
	if len(boxes) == 0 {
		return 1
	}
	var sum float64
	for _, b := range boxes {
		sum += math.Max(b.MaxX-b.MinX, b.MaxY-b.MinY)
	}
	avg := sum / float64(len(boxes))
	if avg <= 0 {
		return 1
	}
	// Cells a few times the average extent keep per-feature cell counts
	// low while still pruning effectively.
	return avg * 4
}
