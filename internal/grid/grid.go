// Package grid holds the cell and dynasty model of the painted map together
// with the pure coordinate and aggregation functions derived from it.
package grid

import (
	"errors"
	"fmt"
	"sort"
)

// Color identifies a paint color, usually a CSS hex string. The empty color
// means "unpainted".
type Color string

const (
	// Eraser removes the color of the selected cells.
	Eraser Color = "eraser"
	// EraseAll clears the whole map.
	EraseAll Color = "eraserAll"
)

// UnsavedID marks a dynasty that only exists in local memory.
const UnsavedID = "unsaved"

var ErrOutOfGrid = errors.New("index outside grid")

// Cell is the paint state of one grid position.
type Cell struct {
	Index int   `json:"index"`
	Color Color `json:"color"`
}

// Dims are the fixed grid dimensions of a session.
type Dims struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

func (d Dims) Len() int {
	return d.Rows * d.Cols
}

func (d Dims) Contains(index int) bool {
	return index >= 0 && index < d.Len()
}

func (d Dims) Validate() error {
	if d.Rows <= 0 || d.Cols <= 0 {
		return fmt.Errorf("invalid grid dimensions %dx%d", d.Rows, d.Cols)
	}
	return nil
}

// SquareWidthPct is the width of one cell as a percentage of the image.
func (d Dims) SquareWidthPct() float64 {
	return 100 / float64(d.Cols)
}

// SquareHeightPct is the height of one cell as a percentage of the image.
func (d Dims) SquareHeightPct() float64 {
	return 100 / float64(d.Rows)
}

// CellSet is the authoritative set of painted cells keyed by index. An index
// is present if and only if the cell is painted.
type CellSet map[int]Color

// Set paints index with color; the empty color removes the cell.
func (s CellSet) Set(index int, color Color) {
	if color == "" {
		delete(s, index)
		return
	}
	s[index] = color
}

func (s CellSet) Clone() CellSet {
	out := make(CellSet, len(s))
	for index, color := range s {
		out[index] = color
	}
	return out
}

// Cells lists the painted cells ordered by index.
func (s CellSet) Cells() []Cell {
	out := make([]Cell, 0, len(s))
	for index, color := range s {
		out = append(out, Cell{Index: index, Color: color})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// FromCells builds a set from a cell list. Unpainted cells are skipped and a
// later cell for the same index replaces an earlier one.
func FromCells(cells []Cell) CellSet {
	out := make(CellSet, len(cells))
	for _, cell := range cells {
		out.Set(cell.Index, cell.Color)
	}
	return out
}

func (s CellSet) Equal(other CellSet) bool {
	if len(s) != len(other) {
		return false
	}
	for index, color := range s {
		if other[index] != color {
			return false
		}
	}
	return true
}

// Dynasty is a named label bound to exactly one color.
type Dynasty struct {
	ID    string `json:"id"`
	Color Color  `json:"color"`
	Name  string `json:"name"`
}

func (d Dynasty) Saved() bool {
	return d.ID != "" && d.ID != UnsavedID
}
