package grid

// ToDense projects the sparse cell set onto a fresh index-aligned array of
// length rows*cols. Indices absent from cells are always empty, even when a
// previous projection had them painted.
func ToDense(cells CellSet, dims Dims) []Color {
	if dims.Len() <= 0 {
		return []Color{}
	}
	out := make([]Color, dims.Len())
	for index, color := range cells {
		if !dims.Contains(index) {
			continue
		}
		out[index] = color
	}
	return out
}

// CountByColor counts painted cells per color. Colors without a registered
// dynasty are left out so that stray colors never reach the legend.
func CountByColor(cells CellSet, registry *Registry) map[Color]int {
	counts := make(map[Color]int)
	for _, color := range cells {
		if color == "" || !registry.Has(color) {
			continue
		}
		counts[color]++
	}
	return counts
}

// LegendEntry is one line of the dynasty legend.
type LegendEntry struct {
	Color Color  `json:"color"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Legend joins counts with dynasty names in registry order, skipping
// dynasties that hold no cells.
func Legend(counts map[Color]int, registry *Registry) []LegendEntry {
	out := make([]LegendEntry, 0, len(counts))
	for _, d := range registry.List() {
		count := counts[d.Color]
		if count == 0 {
			continue
		}
		out = append(out, LegendEntry{Color: d.Color, Name: d.Name, Count: count})
	}
	return out
}
