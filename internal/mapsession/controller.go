// Package mapsession runs one grid editing or viewing session. A Controller
// owns the cell set, the dynasty registry and the selection; a single
// goroutine mutates them in response to user commands, gateway results and
// subscription pushes.
package mapsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dynastymap/api/internal/gateway"
	"dynastymap/api/internal/grid"
	"go.uber.org/zap"
)

var (
	ErrReadOnly     = errors.New("session is read-only")
	ErrNotReady     = errors.New("session is not ready")
	ErrClosed       = errors.New("session closed")
	ErrInvalidColor = errors.New("invalid color")
)

// Mode selects between optimistic editing and live viewing.
type Mode string

const (
	ModeEditable Mode = "editable"
	ModeReadOnly Mode = "readonly"
)

// ModeFromDisabled maps the disabled flag of a map view to a session mode.
func ModeFromDisabled(disabled bool) Mode {
	if disabled {
		return ModeReadOnly
	}
	return ModeEditable
}

func (m Mode) Valid() bool {
	return m == ModeEditable || m == ModeReadOnly
}

type State string

const (
	StateUninitialized State = "uninitialized"
	StateHydrating     State = "hydrating"
	StateReady         State = "ready"
	StateMutating      State = "mutating"
	StateClosed        State = "closed"
)

// WritePolicy decides what happens to an optimistic edit whose write fails.
type WritePolicy string

const (
	// WriteKeep leaves the optimistic edit in place.
	WriteKeep WritePolicy = "keep"
	// WriteRevert restores the cells the failed write touched.
	WriteRevert WritePolicy = "revert"
)

func (p WritePolicy) Valid() bool {
	return p == WriteKeep || p == WriteRevert
}

const defaultCallTimeout = 10 * time.Second

type Options struct {
	Dims        grid.Dims
	Mode        Mode
	CallTimeout time.Duration
	WritePolicy WritePolicy
	Logger      *zap.Logger
}

type Controller struct {
	gw     gateway.Gateway
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan message
	done   chan struct{}
	wg     sync.WaitGroup
	closer sync.Once

	// Owned by the loop goroutine.
	state         State
	mode          Mode
	epoch         uint64
	cells         grid.CellSet
	registry      *grid.Registry
	selection     map[int]struct{}
	inFlight      int
	pendingWrites int
	lastErr       error
	version       uint64
	subs          []subscription
	watchers      map[int]chan View
	nextWatcher   int
}

// New validates opts and starts the session loop in the Uninitialized state.
// Callers must Close the controller.
func New(gw gateway.Gateway, opts Options) (*Controller, error) {
	if gw == nil {
		return nil, errors.New("new session: gateway is required")
	}
	if err := opts.Dims.Validate(); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	if opts.Mode == "" {
		opts.Mode = ModeEditable
	}
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("new session: unknown mode %q", opts.Mode)
	}
	if opts.WritePolicy == "" {
		opts.WritePolicy = WriteKeep
	}
	if !opts.WritePolicy.Valid() {
		return nil, fmt.Errorf("new session: unknown write policy %q", opts.WritePolicy)
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		gw:        gw,
		opts:      opts,
		logger:    opts.Logger.Named("mapsession"),
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan message, 16),
		done:      make(chan struct{}),
		state:     StateUninitialized,
		mode:      opts.Mode,
		cells:     grid.CellSet{},
		registry:  grid.NewRegistry(nil),
		selection: make(map[int]struct{}),
		watchers:  make(map[int]chan View),
	}
	go c.run()
	return c, nil
}

// Start begins hydration: a load in editable mode, live subscriptions in
// read-only mode. Starting an already started session does nothing.
func (c *Controller) Start(ctx context.Context) error {
	return c.do(ctx, func(reply chan error) message { return startCmd{reply: reply} })
}

// ToggleSelection adds index to the selection or removes it.
func (c *Controller) ToggleSelection(ctx context.Context, index int) error {
	return c.do(ctx, func(reply chan error) message { return toggleCmd{index: index, reply: reply} })
}

// ApplyColor paints every selected cell, or erases them for grid.Eraser, and
// clears the selection. grid.EraseAll clears the whole map. The remote write
// runs in the background; its failure is reported through the view.
func (c *Controller) ApplyColor(ctx context.Context, color grid.Color) error {
	return c.do(ctx, func(reply chan error) message { return applyCmd{color: color, reply: reply} })
}

func (c *Controller) ClearAll(ctx context.Context) error {
	return c.do(ctx, func(reply chan error) message { return clearCmd{reply: reply} })
}

// RenameDynasty names the dynasty for color, adding an unsaved one if the
// color has none. Nothing is written until SaveDynasties.
func (c *Controller) RenameDynasty(ctx context.Context, color grid.Color, name string) error {
	return c.do(ctx, func(reply chan error) message { return renameCmd{color: color, name: name, reply: reply} })
}

// SaveDynasties persists every registry entry in the background.
func (c *Controller) SaveDynasties(ctx context.Context) error {
	return c.do(ctx, func(reply chan error) message { return saveCmd{reply: reply} })
}

// Reload rehydrates the session, replacing cells and dynasties wholesale.
func (c *Controller) Reload(ctx context.Context) error {
	return c.do(ctx, func(reply chan error) message { return reloadCmd{reply: reply} })
}

// SwitchMode tears down live subscriptions, drops results still in flight
// and rehydrates in mode.
func (c *Controller) SwitchMode(ctx context.Context, mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("switch mode: unknown mode %q", mode)
	}
	return c.do(ctx, func(reply chan error) message { return switchModeCmd{mode: mode, reply: reply} })
}

func (c *Controller) Snapshot(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := c.send(ctx, snapshotReq{reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-c.done:
		return View{}, ErrClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Watch streams the view after every change, starting with the current one.
// A slow reader only sees the latest view. The channel is closed when ctx
// ends or the session closes.
func (c *Controller) Watch(ctx context.Context) (<-chan View, error) {
	ch := make(chan View, 1)
	ack := make(chan struct{})
	if err := c.send(ctx, watchReq{ctx: ctx, ch: ch, ack: ack}); err != nil {
		return nil, err
	}
	// A request still queued when the loop exits is never acknowledged.
	select {
	case <-ack:
		return ch, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels in-flight calls, tears down subscriptions and waits for every
// goroutine the session started.
func (c *Controller) Close() error {
	c.closer.Do(func() {
		c.cancel()
		<-c.done
		c.wg.Wait()
	})
	return nil
}

func (c *Controller) do(ctx context.Context, build func(reply chan error) message) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, build(reply)); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) send(ctx context.Context, msg message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.inbox <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return
		case msg := <-c.inbox:
			c.handle(msg)
		}
	}
}

func (c *Controller) shutdown() {
	c.unsubscribe()
	for drained := false; !drained; {
		select {
		case msg := <-c.inbox:
			if w, ok := msg.(watchReq); ok {
				close(w.ch)
			}
		default:
			drained = true
		}
	}
	c.state = StateClosed
	c.version++
	final := c.view()
	for id, ch := range c.watchers {
		publish(ch, final)
		close(ch)
		delete(c.watchers, id)
	}
	c.logger.Debug("session closed", zap.Uint64("version", c.version))
}

// spawn runs fn in its own goroutine under the call timeout and posts its
// result back to the loop.
func (c *Controller) spawn(fn func(ctx context.Context) message) {
	c.inFlight++
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.CallTimeout)
		msg := fn(ctx)
		cancel()
		c.post(c.ctx, msg)
	}()
}

// post delivers a background message unless ctx or the session has ended.
func (c *Controller) post(ctx context.Context, msg message) {
	select {
	case c.inbox <- msg:
	case <-ctx.Done():
	case <-c.done:
	}
}

type subscription struct {
	cancel context.CancelFunc
	unsubs []gateway.Unsubscribe
}

func (c *Controller) subscribe() {
	ctx, cancel := context.WithCancel(c.ctx)
	epoch := c.epoch
	onError := func(kind string) func(error) {
		return func(err error) {
			c.post(ctx, subscriptionFailed{epoch: epoch, kind: kind, err: err})
		}
	}
	cells := c.gw.SubscribeCells(ctx, func(cells grid.CellSet) {
		c.post(ctx, cellsPushed{epoch: epoch, cells: cells})
	}, onError("cells"))
	dynasties := c.gw.SubscribeDynasties(ctx, func(items []grid.Dynasty) {
		c.post(ctx, dynastiesPushed{epoch: epoch, items: items})
	}, onError("dynasties"))
	c.subs = append(c.subs, subscription{cancel: cancel, unsubs: []gateway.Unsubscribe{cells, dynasties}})
}

// unsubscribe cancels the callback context first so that a callback blocked
// on the inbox returns before the gateway waits for it.
func (c *Controller) unsubscribe() {
	for _, sub := range c.subs {
		sub.cancel()
		for _, unsub := range sub.unsubs {
			unsub()
		}
	}
	c.subs = nil
}
