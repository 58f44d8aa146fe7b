package mapsession

import (
	"sort"

	"dynastymap/api/internal/grid"
)

// View is a consistent copy of the session state with its derived
// aggregates, safe to hand to other goroutines.
type View struct {
	State     State              `json:"state"`
	Mode      Mode               `json:"mode"`
	Dims      grid.Dims          `json:"dims"`
	Dense     []grid.Color       `json:"dense"`
	Counts    map[grid.Color]int `json:"counts"`
	Legend    []grid.LegendEntry `json:"legend"`
	Dynasties []grid.Dynasty     `json:"dynasties"`
	Selection []int              `json:"selection"`
	Loading   bool               `json:"loading"`
	Error     string             `json:"error,omitempty"`
	Version   uint64             `json:"version"`

	// Cells is the authoritative set the aggregates were derived from.
	Cells grid.CellSet `json:"-"`
	// Err is the last gateway failure, nil once a later call succeeds.
	Err error `json:"-"`
}

func (c *Controller) view() View {
	counts := grid.CountByColor(c.cells, c.registry)
	selection := make([]int, 0, len(c.selection))
	for index := range c.selection {
		selection = append(selection, index)
	}
	sort.Ints(selection)

	v := View{
		State:     c.state,
		Mode:      c.mode,
		Dims:      c.opts.Dims,
		Dense:     grid.ToDense(c.cells, c.opts.Dims),
		Counts:    counts,
		Legend:    grid.Legend(counts, c.registry),
		Dynasties: c.registry.List(),
		Selection: selection,
		Loading:   c.inFlight > 0,
		Version:   c.version,
		Cells:     c.cells.Clone(),
		Err:       c.lastErr,
	}
	if c.lastErr != nil {
		v.Error = c.lastErr.Error()
	}
	return v
}

// changed bumps the version and publishes the view to every watcher.
func (c *Controller) changed() {
	c.version++
	if len(c.watchers) == 0 {
		return
	}
	v := c.view()
	for _, ch := range c.watchers {
		publish(ch, v)
	}
}

// publish replaces any unread view in ch. Only the loop sends on watcher
// channels, so the send never blocks.
func publish(ch chan View, v View) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}

func (c *Controller) watch(req watchReq) {
	c.nextWatcher++
	id := c.nextWatcher
	c.watchers[id] = req.ch
	publish(req.ch, c.view())
	close(req.ack)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-req.ctx.Done():
			c.post(c.ctx, unwatchReq{id: id})
		case <-c.ctx.Done():
		}
	}()
}
