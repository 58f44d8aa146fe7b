package grid

// ToIndex maps a row and column to a linear cell index.
func ToIndex(row, col, cols int) int {
	return row*cols + col
}

// ToRowCol is the inverse of ToIndex.
func ToRowCol(index, cols int) (row, col int) {
	return index / cols, index % cols
}

// Bounds is the top-left corner of a cell in percent of the image size.
type Bounds struct {
	Top  float64 `json:"top"`
	Left float64 `json:"left"`
}

// CellBounds positions a cell for layout.
func CellBounds(index, cols int, squareWidthPct, squareHeightPct float64) Bounds {
	row, col := ToRowCol(index, cols)
	return Bounds{
		Top:  float64(row) * squareHeightPct,
		Left: float64(col) * squareWidthPct,
	}
}
