package grid

// Registry is the ordered list of dynasties with at most one entry per color.
type Registry struct {
	items []Dynasty
}

// NewRegistry builds a registry from a list; a later entry for a color
// overwrites the earlier one in place.
func NewRegistry(items []Dynasty) *Registry {
	r := &Registry{}
	for _, item := range items {
		r.put(item)
	}
	return r
}

func (r *Registry) put(d Dynasty) {
	for i := range r.items {
		if r.items[i].Color == d.Color {
			r.items[i] = d
			return
		}
	}
	r.items = append(r.items, d)
}

// Rename sets the name of the dynasty for color, appending an unsaved entry
// when no dynasty uses that color yet.
func (r *Registry) Rename(color Color, name string) Dynasty {
	for i := range r.items {
		if r.items[i].Color == color {
			r.items[i].Name = name
			return r.items[i]
		}
	}
	d := Dynasty{ID: UnsavedID, Color: color, Name: name}
	r.items = append(r.items, d)
	return d
}

// Confirm replaces the local entry for the dynasty's color with the stored
// version, adopting the server-assigned id.
func (r *Registry) Confirm(d Dynasty) {
	r.put(d)
}

func (r *Registry) ByColor(color Color) (Dynasty, bool) {
	if r == nil {
		return Dynasty{}, false
	}
	for _, item := range r.items {
		if item.Color == color {
			return item, true
		}
	}
	return Dynasty{}, false
}

func (r *Registry) Has(color Color) bool {
	_, ok := r.ByColor(color)
	return ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.items)
}

// List returns a copy of the entries in registry order.
func (r *Registry) List() []Dynasty {
	if r == nil {
		return []Dynasty{}
	}
	out := make([]Dynasty, len(r.items))
	copy(out, r.items)
	return out
}
