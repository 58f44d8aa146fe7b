package mapsession

import (
	"context"
	"errors"
	"fmt"

	"dynastymap/api/internal/gateway"
	"dynastymap/api/internal/grid"
	"go.uber.org/zap"
)

type message interface{}

type (
	startCmd struct{ reply chan error }
	toggleCmd struct {
		index int
		reply chan error
	}
	applyCmd struct {
		color grid.Color
		reply chan error
	}
	clearCmd  struct{ reply chan error }
	renameCmd struct {
		color grid.Color
		name  string
		reply chan error
	}
	saveCmd       struct{ reply chan error }
	reloadCmd     struct{ reply chan error }
	switchModeCmd struct {
		mode  Mode
		reply chan error
	}
	snapshotReq struct{ reply chan View }
	watchReq    struct {
		ctx context.Context
		ch  chan View
		ack chan struct{}
	}
	unwatchReq struct{ id int }
)

// Background results carry the epoch they were issued in; results from an
// older epoch are dropped.
type (
	loaded struct {
		epoch    uint64
		snapshot gateway.Snapshot
		err      error
	}
	cellsWritten struct {
		epoch     uint64
		confirmed grid.CellSet
		err       error
		// before holds the pre-edit color of every touched index, "" for
		// unpainted. For a clear-all it holds the whole previous set.
		before map[int]grid.Color
		// after holds the color this write applied to the same indices.
		after map[int]grid.Color
	}
	dynastiesSaved struct {
		epoch     uint64
		confirmed []grid.Dynasty
		err       error
	}
	cellsPushed struct {
		epoch uint64
		cells grid.CellSet
	}
	dynastiesPushed struct {
		epoch uint64
		items []grid.Dynasty
	}
	subscriptionFailed struct {
		epoch uint64
		kind  string
		err   error
	}
)

func (c *Controller) handle(msg message) {
	switch m := msg.(type) {
	case startCmd:
		m.reply <- c.start()
	case toggleCmd:
		m.reply <- c.toggle(m.index)
	case applyCmd:
		m.reply <- c.apply(m.color)
	case clearCmd:
		m.reply <- c.clearAll()
	case renameCmd:
		m.reply <- c.rename(m.color, m.name)
	case saveCmd:
		m.reply <- c.save()
	case reloadCmd:
		m.reply <- c.reload()
	case switchModeCmd:
		m.reply <- c.switchMode(m.mode)
	case snapshotReq:
		m.reply <- c.view()
	case watchReq:
		c.watch(m)
	case unwatchReq:
		if ch, ok := c.watchers[m.id]; ok {
			close(ch)
			delete(c.watchers, m.id)
		}
	case loaded:
		c.onLoaded(m)
	case cellsWritten:
		c.onCellsWritten(m)
	case dynastiesSaved:
		c.onDynastiesSaved(m)
	case cellsPushed:
		c.onCellsPushed(m)
	case dynastiesPushed:
		c.onDynastiesPushed(m)
	case subscriptionFailed:
		c.onSubscriptionFailed(m)
	default:
		c.logger.Error("unknown session message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (c *Controller) start() error {
	if c.state != StateUninitialized {
		return nil
	}
	c.state = StateHydrating
	c.hydrate()
	c.changed()
	return nil
}

func (c *Controller) hydrate() {
	if c.mode == ModeReadOnly {
		c.subscribe()
		return
	}
	epoch := c.epoch
	c.spawn(func(ctx context.Context) message {
		snapshot, err := c.gw.Load(ctx)
		return loaded{epoch: epoch, snapshot: snapshot, err: err}
	})
}

// editable reports whether the session accepts edits right now.
func (c *Controller) editable() error {
	if c.mode != ModeEditable {
		return ErrReadOnly
	}
	if c.state != StateReady && c.state != StateMutating {
		return ErrNotReady
	}
	return nil
}

func (c *Controller) toggle(index int) error {
	if err := c.editable(); err != nil {
		return err
	}
	if !c.opts.Dims.Contains(index) {
		return fmt.Errorf("toggle selection %d: %w", index, grid.ErrOutOfGrid)
	}
	if _, ok := c.selection[index]; ok {
		delete(c.selection, index)
	} else {
		c.selection[index] = struct{}{}
	}
	c.changed()
	return nil
}

func (c *Controller) apply(color grid.Color) error {
	if err := c.editable(); err != nil {
		return err
	}
	if color == "" {
		return fmt.Errorf("apply color: %w", ErrInvalidColor)
	}
	if color == grid.EraseAll {
		return c.clearAll()
	}
	if len(c.selection) == 0 {
		return nil
	}

	applied := color
	if color == grid.Eraser {
		applied = ""
	}
	before := make(map[int]grid.Color, len(c.selection))
	after := make(map[int]grid.Color, len(c.selection))
	for index := range c.selection {
		before[index] = c.cells[index]
		after[index] = applied
		c.cells.Set(index, applied)
	}
	c.selection = make(map[int]struct{})

	payload := c.cells.Clone()
	epoch := c.epoch
	c.write(func(ctx context.Context) message {
		confirmed, err := c.gw.WriteCells(ctx, payload)
		return cellsWritten{epoch: epoch, confirmed: confirmed, err: err, before: before, after: after}
	})
	c.changed()
	return nil
}

func (c *Controller) clearAll() error {
	if err := c.editable(); err != nil {
		return err
	}
	before := make(map[int]grid.Color, len(c.cells))
	after := make(map[int]grid.Color, len(c.cells))
	for index, color := range c.cells {
		before[index] = color
		after[index] = ""
	}
	c.cells = grid.CellSet{}
	c.selection = make(map[int]struct{})

	epoch := c.epoch
	c.write(func(ctx context.Context) message {
		err := c.gw.ClearAll(ctx)
		return cellsWritten{epoch: epoch, err: err, before: before, after: after}
	})
	c.changed()
	return nil
}

func (c *Controller) rename(color grid.Color, name string) error {
	if err := c.editable(); err != nil {
		return err
	}
	if color == "" || color == grid.Eraser || color == grid.EraseAll {
		return fmt.Errorf("rename dynasty %q: %w", color, ErrInvalidColor)
	}
	c.registry.Rename(color, name)
	c.changed()
	return nil
}

func (c *Controller) save() error {
	if err := c.editable(); err != nil {
		return err
	}
	items := c.registry.List()
	if len(items) == 0 {
		return nil
	}
	epoch := c.epoch
	c.write(func(ctx context.Context) message {
		var (
			confirmed []grid.Dynasty
			errs      []error
		)
		for _, item := range items {
			d, err := c.gw.WriteDynasty(ctx, item)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			confirmed = append(confirmed, d)
		}
		return dynastiesSaved{epoch: epoch, confirmed: confirmed, err: errors.Join(errs...)}
	})
	c.changed()
	return nil
}

func (c *Controller) reload() error {
	if c.state == StateUninitialized {
		return ErrNotReady
	}
	c.selection = make(map[int]struct{})
	c.state = StateHydrating
	if c.mode == ModeReadOnly {
		c.unsubscribe()
		c.epoch++
	}
	c.hydrate()
	c.changed()
	return nil
}

func (c *Controller) switchMode(mode Mode) error {
	if mode == c.mode {
		return nil
	}
	c.logger.Info("switching session mode", zap.String("from", string(c.mode)), zap.String("to", string(mode)))
	c.unsubscribe()
	c.epoch++
	c.mode = mode
	c.selection = make(map[int]struct{})
	if c.state != StateUninitialized {
		c.state = StateHydrating
		c.hydrate()
	}
	c.changed()
	return nil
}

// write issues a background write and moves the session to Mutating.
func (c *Controller) write(fn func(ctx context.Context) message) {
	c.pendingWrites++
	c.state = StateMutating
	c.spawn(fn)
}

// settled is called when a background call returns, whatever its epoch.
func (c *Controller) settled(isWrite bool) {
	c.inFlight--
	if !isWrite {
		return
	}
	c.pendingWrites--
	if c.pendingWrites == 0 && c.state == StateMutating {
		c.state = StateReady
	}
}

func (c *Controller) onLoaded(m loaded) {
	c.settled(false)
	defer c.changed()
	if m.epoch != c.epoch {
		return
	}
	if m.err != nil {
		c.fail("hydration failed", m.err)
		return
	}
	c.cells = c.clip(m.snapshot.Cells)
	c.registry = grid.NewRegistry(m.snapshot.Dynasties)
	c.lastErr = nil
	if c.state == StateHydrating {
		c.state = StateReady
		if c.pendingWrites > 0 {
			c.state = StateMutating
		}
	}
}

func (c *Controller) onCellsWritten(m cellsWritten) {
	c.settled(true)
	defer c.changed()
	if m.epoch != c.epoch {
		return
	}
	if m.err != nil {
		c.fail("cell write failed", m.err)
		if c.opts.WritePolicy == WriteRevert {
			c.revert(m)
		}
		return
	}
	c.lastErr = nil
	if m.confirmed != nil {
		c.cells = c.clip(m.confirmed)
	}
}

// revert restores the indices a failed write touched, skipping any that a
// later edit or confirmation has changed since.
func (c *Controller) revert(m cellsWritten) {
	for index, color := range m.before {
		if c.cells[index] != m.after[index] {
			continue
		}
		c.cells.Set(index, color)
	}
}

func (c *Controller) onDynastiesSaved(m dynastiesSaved) {
	c.settled(true)
	defer c.changed()
	if m.epoch != c.epoch {
		return
	}
	for _, d := range m.confirmed {
		c.registry.Confirm(d)
	}
	if m.err != nil {
		c.fail("dynasty save failed", m.err)
		return
	}
	c.lastErr = nil
}

func (c *Controller) onCellsPushed(m cellsPushed) {
	if m.epoch != c.epoch {
		return
	}
	next := c.clip(m.cells)
	// A resubscribe replays the current map; there is nothing new to publish.
	if c.state != StateHydrating && c.lastErr == nil && c.cells.Equal(next) {
		return
	}
	c.cells = next
	c.lastErr = nil
	if c.state == StateHydrating {
		c.state = StateReady
	}
	c.changed()
}

func (c *Controller) onDynastiesPushed(m dynastiesPushed) {
	if m.epoch != c.epoch {
		return
	}
	c.registry = grid.NewRegistry(m.items)
	c.changed()
}

func (c *Controller) onSubscriptionFailed(m subscriptionFailed) {
	if m.epoch != c.epoch {
		return
	}
	c.fail(m.kind+" subscription failed", m.err)
	c.changed()
}

func (c *Controller) fail(msg string, err error) {
	c.lastErr = err
	c.logger.Error(msg, zap.String("mode", string(c.mode)), zap.Error(err))
}

// clip drops cells outside the session grid.
func (c *Controller) clip(cells grid.CellSet) grid.CellSet {
	out := make(grid.CellSet, len(cells))
	dropped := 0
	for index, color := range cells {
		if !c.opts.Dims.Contains(index) {
			dropped++
			continue
		}
		out.Set(index, color)
	}
	if dropped > 0 {
		c.logger.Warn("dropping cells outside the grid", zap.Int("count", dropped))
	}
	return out
}
