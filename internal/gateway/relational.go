package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"dynastymap/api/internal/grid"
	"dynastymap/api/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultWriteConcurrency = 8

// Relational stores one Square record per cell carrying coords and the id of
// its dynasty. The backend has no delete, so an erased cell keeps its record
// with an empty dynastyId.
type Relational struct {
	dynasties
	writeConcurrency int
}

func NewRelational(backend store.Backend, logger *zap.Logger) *Relational {
	return &Relational{
		dynasties:        newDynasties(backend, logger),
		writeConcurrency: defaultWriteConcurrency,
	}
}

func (r *Relational) list(ctx context.Context) ([]store.Record, dynastySet, error) {
	var (
		squares []store.Record
		set     dynastySet
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		squares, err = r.backend.List(gctx, store.EntitySquare)
		if err != nil {
			return fmt.Errorf("list squares: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		set, err = r.loadDynasties(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, dynastySet{}, err
	}
	return squares, set, nil
}

func (r *Relational) Load(ctx context.Context) (Snapshot, error) {
	squares, set, err := r.list(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	current, _ := collapseSquares(squares)
	return Snapshot{Cells: joinSquares(current, set.colorByID), Dynasties: set.items}, nil
}

// SubscribeCells re-reads the dynasties on every square change to recover
// the cell colors.
func (r *Relational) SubscribeCells(ctx context.Context, onUpdate func(grid.CellSet), onError func(error)) Unsubscribe {
	return observe(ctx, r.backend, store.EntitySquare, func(subCtx context.Context, s store.Snapshot) {
		set, err := r.loadDynasties(subCtx)
		if err != nil {
			if subCtx.Err() == nil && onError != nil {
				onError(err)
			}
			return
		}
		current, _ := collapseSquares(s.Items)
		onUpdate(joinSquares(current, set.colorByID))
	}, onError)
}

type squareWrite struct {
	id     string
	coords int
	fields store.Fields
	extra  bool
}

// WriteCells makes the stored squares match cells, touching only records
// whose dynasty changes. It writes nothing when a color has no persisted
// dynasty.
func (r *Relational) WriteCells(ctx context.Context, cells grid.CellSet) (grid.CellSet, error) {
	squares, set, err := r.list(ctx)
	if err != nil {
		return nil, err
	}

	idByColor := make(map[grid.Color]string, len(set.items))
	for _, d := range set.items {
		idByColor[d.Color] = d.ID
	}
	var unmapped []string
	for _, color := range cells {
		if _, ok := idByColor[color]; !ok {
			unmapped = append(unmapped, string(color))
		}
	}
	if len(unmapped) > 0 {
		sort.Strings(unmapped)
		return nil, fmt.Errorf("%w: %s", ErrUnmappedColor, strings.Join(dedupe(unmapped), ", "))
	}

	current, extras := collapseSquares(squares)
	writes := planSquareWrites(cells, idByColor, current, extras)
	if err := r.apply(ctx, writes, current); err != nil {
		return nil, err
	}
	return joinSquares(current, set.colorByID), nil
}

func (r *Relational) ClearAll(ctx context.Context) error {
	squares, err := r.backend.List(ctx, store.EntitySquare)
	if err != nil {
		return fmt.Errorf("list squares: %w", err)
	}
	current, extras := collapseSquares(squares)
	writes := planSquareWrites(grid.CellSet{}, nil, current, extras)
	if err := r.apply(ctx, writes, current); err != nil {
		return fmt.Errorf("clear squares: %w", err)
	}
	return nil
}

func planSquareWrites(cells grid.CellSet, idByColor map[grid.Color]string, current map[int]store.Record, extras []store.Record) []squareWrite {
	var writes []squareWrite
	for index, color := range cells {
		want := idByColor[color]
		rec, ok := current[index]
		if !ok {
			writes = append(writes, squareWrite{
				coords: index,
				fields: store.Fields{Coords: store.Int(index), DynastyID: store.String(want)},
			})
			continue
		}
		if store.Deref(rec.DynastyID) != want {
			writes = append(writes, squareWrite{id: rec.ID, coords: index, fields: store.Fields{DynastyID: store.String(want)}})
		}
	}
	for index, rec := range current {
		if _, painted := cells[index]; painted || store.Deref(rec.DynastyID) == "" {
			continue
		}
		writes = append(writes, squareWrite{id: rec.ID, coords: index, fields: store.Fields{DynastyID: store.String("")}})
	}
	for _, rec := range extras {
		if store.Deref(rec.DynastyID) == "" {
			continue
		}
		writes = append(writes, squareWrite{id: rec.ID, fields: store.Fields{DynastyID: store.String("")}, extra: true})
	}
	return writes
}

// apply runs the writes with bounded concurrency and folds the stored
// records back into current.
func (r *Relational) apply(ctx context.Context, writes []squareWrite, current map[int]store.Record) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.writeConcurrency)
	for _, w := range writes {
		g.Go(func() error {
			var (
				rec store.Record
				err error
			)
			if w.id == "" {
				rec, err = r.backend.Create(gctx, store.EntitySquare, w.fields)
			} else {
				rec, err = r.backend.Update(gctx, store.EntitySquare, w.id, w.fields)
			}
			if err != nil {
				return fmt.Errorf("write square %d: %w", w.coords, err)
			}
			if w.extra {
				return nil
			}
			mu.Lock()
			current[w.coords] = rec
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// collapseSquares picks one record per coords. A record with a dynasty beats
// an erased one, then the most recently updated wins. The losers are
// returned as extras.
func collapseSquares(records []store.Record) (map[int]store.Record, []store.Record) {
	current := make(map[int]store.Record, len(records))
	var extras []store.Record
	for _, rec := range records {
		if rec.Coords == nil || *rec.Coords < 0 {
			continue
		}
		index := *rec.Coords
		prev, ok := current[index]
		if !ok {
			current[index] = rec
			continue
		}
		if preferSquare(rec, prev) {
			current[index] = rec
			extras = append(extras, prev)
		} else {
			extras = append(extras, rec)
		}
	}
	return current, extras
}

func preferSquare(a, b store.Record) bool {
	aPainted := store.Deref(a.DynastyID) != ""
	bPainted := store.Deref(b.DynastyID) != ""
	if aPainted != bPainted {
		return aPainted
	}
	return !a.UpdatedAt.Before(b.UpdatedAt)
}

// joinSquares recovers cell colors through the dynasty ids. Squares pointing
// at an unknown dynasty are treated as unpainted.
func joinSquares(current map[int]store.Record, colorByID map[string]grid.Color) grid.CellSet {
	cells := grid.CellSet{}
	for index, rec := range current {
		color, ok := colorByID[store.Deref(rec.DynastyID)]
		if !ok {
			continue
		}
		cells.Set(index, color)
	}
	return cells
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}
