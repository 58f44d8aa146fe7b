// Package gateway adapts the remote record store to the in-memory cell and
// dynasty model. Two schema generations exist: Blob keeps the whole map in
// one JSON field, Relational keeps one record per cell joined to dynasties by
// id. Gateways keep no state between calls and never retry.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dynastymap/api/internal/grid"
	"dynastymap/api/internal/store"
	"go.uber.org/zap"
)

var ErrUnmappedColor = errors.New("color has no persisted dynasty")

// Snapshot is the hydration payload.
type Snapshot struct {
	Cells     grid.CellSet
	Dynasties []grid.Dynasty
}

// Unsubscribe stops a live subscription and waits for its goroutine. It is
// safe to call more than once.
type Unsubscribe func()

type Gateway interface {
	Load(ctx context.Context) (Snapshot, error)
	// SubscribeCells delivers the full cell set after every remote change
	// until ctx is cancelled or the returned func is called. Stream failures
	// are reported through onError; the subscription is not restarted.
	SubscribeCells(ctx context.Context, onUpdate func(grid.CellSet), onError func(error)) Unsubscribe
	SubscribeDynasties(ctx context.Context, onUpdate func([]grid.Dynasty), onError func(error)) Unsubscribe
	WriteCells(ctx context.Context, cells grid.CellSet) (grid.CellSet, error)
	WriteDynasty(ctx context.Context, d grid.Dynasty) (grid.Dynasty, error)
	ClearAll(ctx context.Context) error
}

// Generation selects the backend schema shape.
type Generation string

const (
	GenerationBlob       Generation = "blob"
	GenerationRelational Generation = "relational"
)

func New(generation Generation, backend store.Backend, logger *zap.Logger) (Gateway, error) {
	switch generation {
	case GenerationBlob:
		return NewBlob(backend, logger), nil
	case GenerationRelational:
		return NewRelational(backend, logger), nil
	default:
		return nil, fmt.Errorf("unknown schema generation %q", generation)
	}
}

// observe runs backend.Observe in its own goroutine.
func observe(ctx context.Context, backend store.Backend, entity store.Entity, fn func(context.Context, store.Snapshot), onError func(error)) Unsubscribe {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := backend.Observe(ctx, entity, func(snapshot store.Snapshot) {
			fn(ctx, snapshot)
		})
		if err != nil && ctx.Err() == nil && onError != nil {
			onError(fmt.Errorf("observe %s: %w", entity, err))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// dynasties implements the dynasty half of the gateway, identical in both
// generations.
type dynasties struct {
	backend store.Backend
	logger  *zap.Logger
}

func newDynasties(backend store.Backend, logger *zap.Logger) dynasties {
	if logger == nil {
		logger = zap.NewNop()
	}
	return dynasties{backend: backend, logger: logger.Named("gateway")}
}

func (d dynasties) listDynasties(ctx context.Context) ([]grid.Dynasty, error) {
	set, err := d.loadDynasties(ctx)
	if err != nil {
		return nil, err
	}
	return set.items, nil
}

// dynastySet is the collapsed dynasty list plus the color of every stored
// dynasty id, including ids whose color a later record took over.
type dynastySet struct {
	items     []grid.Dynasty
	colorByID map[string]grid.Color
}

func (d dynasties) loadDynasties(ctx context.Context) (dynastySet, error) {
	records, err := d.backend.List(ctx, store.EntityDynasty)
	if err != nil {
		return dynastySet{}, fmt.Errorf("list dynasties: %w", err)
	}
	set := newDynastySet(records)
	if collapsed := len(set.colorByID) - len(set.items); collapsed > 0 {
		d.logger.Debug("dynasties share a color", zap.Int("collapsed", collapsed))
	}
	return set, nil
}

func newDynastySet(records []store.Record) dynastySet {
	colorByID := make(map[string]grid.Color, len(records))
	for _, rec := range records {
		if color := store.Deref(rec.Color); color != "" {
			colorByID[rec.ID] = grid.Color(color)
		}
	}
	return dynastySet{items: dynastiesFromRecords(records), colorByID: colorByID}
}

func (d dynasties) WriteDynasty(ctx context.Context, dynasty grid.Dynasty) (grid.Dynasty, error) {
	fields := store.Fields{
		Color: store.String(string(dynasty.Color)),
		Name:  store.String(dynasty.Name),
	}
	if !dynasty.Saved() {
		rec, err := d.backend.Create(ctx, store.EntityDynasty, fields)
		if err != nil {
			return grid.Dynasty{}, fmt.Errorf("create dynasty %s: %w", dynasty.Color, err)
		}
		return dynastyFromRecord(rec), nil
	}
	rec, err := d.backend.Update(ctx, store.EntityDynasty, dynasty.ID, fields)
	if err != nil {
		return grid.Dynasty{}, fmt.Errorf("update dynasty %s: %w", dynasty.ID, err)
	}
	return dynastyFromRecord(rec), nil
}

func (d dynasties) SubscribeDynasties(ctx context.Context, onUpdate func([]grid.Dynasty), onError func(error)) Unsubscribe {
	return observe(ctx, d.backend, store.EntityDynasty, func(_ context.Context, s store.Snapshot) {
		onUpdate(dynastiesFromRecords(s.Items))
	}, onError)
}

func dynastyFromRecord(rec store.Record) grid.Dynasty {
	return grid.Dynasty{
		ID:    rec.ID,
		Color: grid.Color(store.Deref(rec.Color)),
		Name:  store.Deref(rec.Name),
	}
}

// dynastiesFromRecords drops colorless records and collapses duplicate
// colors, the later record winning.
func dynastiesFromRecords(records []store.Record) []grid.Dynasty {
	items := make([]grid.Dynasty, 0, len(records))
	for _, rec := range records {
		d := dynastyFromRecord(rec)
		if d.Color == "" {
			continue
		}
		items = append(items, d)
	}
	return grid.NewRegistry(items).List()
}
