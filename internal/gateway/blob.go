package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"dynastymap/api/internal/grid"
	"dynastymap/api/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Blob stores the whole map as a JSON array in the map field of the first
// Square record.
type Blob struct {
	dynasties
}

func NewBlob(backend store.Backend, logger *zap.Logger) *Blob {
	return &Blob{dynasties: newDynasties(backend, logger)}
}

type wireCell struct {
	Index int     `json:"index"`
	Color *string `json:"color"`
}

// EncodeCells serializes the painted cells ordered by index.
func EncodeCells(cells grid.CellSet) (string, error) {
	items := make([]wireCell, 0, len(cells))
	for _, cell := range cells.Cells() {
		color := string(cell.Color)
		items = append(items, wireCell{Index: cell.Index, Color: &color})
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode map: %w", err)
	}
	return string(raw), nil
}

// DecodeCells parses a map blob. Entries with a null color or a negative
// index are skipped; a repeated index keeps its last color.
func DecodeCells(raw string) (grid.CellSet, error) {
	if raw == "" {
		return grid.CellSet{}, nil
	}
	var items []wireCell
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode map: %w", err)
	}
	cells := make([]grid.Cell, 0, len(items))
	for _, item := range items {
		if item.Index < 0 || item.Color == nil {
			continue
		}
		cells = append(cells, grid.Cell{Index: item.Index, Color: grid.Color(*item.Color)})
	}
	return grid.FromCells(cells), nil
}

// decodeRecord treats an unparsable blob as an empty map.
func (b *Blob) decodeRecord(rec store.Record) grid.CellSet {
	cells, err := DecodeCells(store.Deref(rec.Map))
	if err != nil {
		b.logger.Warn("discarding unparsable map", zap.String("record", rec.ID), zap.Error(err))
		return grid.CellSet{}
	}
	return cells
}

func (b *Blob) Load(ctx context.Context) (Snapshot, error) {
	var (
		squares []store.Record
		items   []grid.Dynasty
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		squares, err = b.backend.List(gctx, store.EntitySquare)
		if err != nil {
			return fmt.Errorf("list squares: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		items, err = b.listDynasties(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	if len(squares) == 0 {
		if _, err := b.backend.Create(ctx, store.EntitySquare, store.Fields{Map: store.String("[]")}); err != nil {
			return Snapshot{}, fmt.Errorf("create map record: %w", err)
		}
		return Snapshot{Cells: grid.CellSet{}, Dynasties: items}, nil
	}
	return Snapshot{Cells: b.decodeRecord(squares[0]), Dynasties: items}, nil
}

func (b *Blob) SubscribeCells(ctx context.Context, onUpdate func(grid.CellSet), onError func(error)) Unsubscribe {
	return observe(ctx, b.backend, store.EntitySquare, func(_ context.Context, s store.Snapshot) {
		if len(s.Items) == 0 {
			return
		}
		cells, err := DecodeCells(store.Deref(s.Items[0].Map))
		if err != nil {
			b.logger.Warn("skipping unparsable map update", zap.String("record", s.Items[0].ID), zap.Error(err))
			return
		}
		onUpdate(cells)
	}, onError)
}

// WriteCells overwrites the stored map wholesale and returns the map as
// stored.
func (b *Blob) WriteCells(ctx context.Context, cells grid.CellSet) (grid.CellSet, error) {
	payload, err := EncodeCells(cells)
	if err != nil {
		return nil, err
	}
	squares, err := b.backend.List(ctx, store.EntitySquare)
	if err != nil {
		return nil, fmt.Errorf("list squares: %w", err)
	}

	var rec store.Record
	if len(squares) == 0 {
		rec, err = b.backend.Create(ctx, store.EntitySquare, store.Fields{Map: &payload})
	} else {
		rec, err = b.backend.Update(ctx, store.EntitySquare, squares[0].ID, store.Fields{Map: &payload})
	}
	if err != nil {
		return nil, fmt.Errorf("write map: %w", err)
	}

	confirmed, err := DecodeCells(store.Deref(rec.Map))
	if err != nil {
		b.logger.Warn("stored map unparsable, keeping written cells", zap.String("record", rec.ID), zap.Error(err))
		return cells.Clone(), nil
	}
	return confirmed, nil
}

func (b *Blob) ClearAll(ctx context.Context) error {
	if _, err := b.WriteCells(ctx, grid.CellSet{}); err != nil {
		return fmt.Errorf("clear map: %w", err)
	}
	return nil
}
