package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"dynastymap/api/internal/grid"
	"dynastymap/api/internal/store"
	"go.uber.org/zap/zaptest"
)

// fakeBackend wraps a real backend and lets a test override single calls.
type fakeBackend struct {
	store.Backend
	listFn    func(ctx context.Context, entity store.Entity) ([]store.Record, error)
	createFn  func(ctx context.Context, entity store.Entity, fields store.Fields) (store.Record, error)
	updateFn  func(ctx context.Context, entity store.Entity, id string, fields store.Fields) (store.Record, error)
	observeFn func(ctx context.Context, entity store.Entity, fn func(store.Snapshot)) error
}

func (f *fakeBackend) List(ctx context.Context, entity store.Entity) ([]store.Record, error) {
	if f.listFn != nil {
		return f.listFn(ctx, entity)
	}
	return f.Backend.List(ctx, entity)
}

func (f *fakeBackend) Create(ctx context.Context, entity store.Entity, fields store.Fields) (store.Record, error) {
	if f.createFn != nil {
		return f.createFn(ctx, entity, fields)
	}
	return f.Backend.Create(ctx, entity, fields)
}

func (f *fakeBackend) Update(ctx context.Context, entity store.Entity, id string, fields store.Fields) (store.Record, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, entity, id, fields)
	}
	return f.Backend.Update(ctx, entity, id, fields)
}

func (f *fakeBackend) Observe(ctx context.Context, entity store.Entity, fn func(store.Snapshot)) error {
	if f.observeFn != nil {
		return f.observeFn(ctx, entity, fn)
	}
	return f.Backend.Observe(ctx, entity, fn)
}

func newMemory(t *testing.T) *store.MemoryStore {
	t.Helper()
	mem := store.NewMemoryStore()
	t.Cleanup(func() { _ = mem.Close() })
	return mem
}

func seedDynasty(t *testing.T, b store.Backend, color, name string) grid.Dynasty {
	t.Helper()
	rec, err := b.Create(context.Background(), store.EntityDynasty, store.Fields{Color: store.String(color), Name: store.String(name)})
	if err != nil {
		t.Fatalf("seed dynasty: %v", err)
	}
	return dynastyFromRecord(rec)
}

func TestNewSelectsGeneration(t *testing.T) {
	mem := newMemory(t)
	logger := zaptest.NewLogger(t)

	gw, err := New(GenerationBlob, mem, logger)
	if err != nil {
		t.Fatalf("blob: %v", err)
	}
	if _, ok := gw.(*Blob); !ok {
		t.Fatalf("expected *Blob, got %T", gw)
	}

	gw, err = New(GenerationRelational, mem, logger)
	if err != nil {
		t.Fatalf("relational: %v", err)
	}
	if _, ok := gw.(*Relational); !ok {
		t.Fatalf("expected *Relational, got %T", gw)
	}

	if _, err := New("sheets", mem, logger); err == nil {
		t.Fatal("expected error for unknown generation")
	}
}

func TestWriteDynastyCreatesThenUpdates(t *testing.T) {
	mem := newMemory(t)
	gw := NewBlob(mem, zaptest.NewLogger(t))
	ctx := context.Background()

	created, err := gw.WriteDynasty(ctx, grid.Dynasty{ID: grid.UnsavedID, Color: "#FF0000", Name: "Tang"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created.Saved() {
		t.Fatalf("expected server id, got %q", created.ID)
	}

	created.Name = "Later Tang"
	updated, err := gw.WriteDynasty(ctx, created)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != created.ID || updated.Name != "Later Tang" {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	items, err := mem.List(ctx, store.EntityDynasty)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected a single dynasty record, got %d", len(items))
	}
}

func TestWriteDynastyUnknownIDFails(t *testing.T) {
	gw := NewBlob(newMemory(t), zaptest.NewLogger(t))
	_, err := gw.WriteDynasty(context.Background(), grid.Dynasty{ID: "dynasty_missing", Color: "#FF0000", Name: "Tang"})
	var errs store.Errors
	if !errors.As(err, &errs) || !errs.Has(store.ErrTypeNotFound) {
		t.Fatalf("expected NotFound error list, got %v", err)
	}
}

func TestDynastiesFromRecords(t *testing.T) {
	records := []store.Record{
		{ID: "a", Fields: store.Fields{Color: store.String("#FF0000"), Name: store.String("Tang")}},
		{ID: "b", Fields: store.Fields{Name: store.String("colorless")}},
		{ID: "c", Fields: store.Fields{Color: store.String("#00FF00"), Name: store.String("Song")}},
		{ID: "d", Fields: store.Fields{Color: store.String("#FF0000"), Name: store.String("Later Tang")}},
	}
	got := dynastiesFromRecords(records)
	if len(got) != 2 {
		t.Fatalf("expected 2 dynasties, got %+v", got)
	}
	if got[0].ID != "d" || got[0].Name != "Later Tang" {
		t.Fatalf("expected later duplicate to win, got %+v", got[0])
	}
	if got[1].ID != "c" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestSubscribeDynastiesDeliversChanges(t *testing.T) {
	mem := newMemory(t)
	gw := NewRelational(mem, zaptest.NewLogger(t))

	updates := make(chan []grid.Dynasty, 8)
	unsub := gw.SubscribeDynasties(context.Background(), func(items []grid.Dynasty) {
		updates <- items
	}, func(err error) {
		t.Errorf("unexpected subscription error: %v", err)
	})
	defer unsub()

	if got := waitDynasties(t, updates); len(got) != 0 {
		t.Fatalf("expected empty initial delivery, got %+v", got)
	}
	seedDynasty(t, mem, "#FF0000", "Tang")
	for {
		got := waitDynasties(t, updates)
		if len(got) == 1 && got[0].Name == "Tang" {
			break
		}
	}
}

func TestSubscriptionReportsStreamFailure(t *testing.T) {
	boom := errors.New("stream reset")
	backend := &fakeBackend{
		Backend: newMemory(t),
		observeFn: func(context.Context, store.Entity, func(store.Snapshot)) error {
			return boom
		},
	}
	gw := NewBlob(backend, zaptest.NewLogger(t))

	errs := make(chan error, 1)
	unsub := gw.SubscribeCells(context.Background(), func(grid.CellSet) {
		t.Error("no update expected")
	}, func(err error) {
		errs <- err
	})
	defer unsub()

	select {
	case err := <-errs:
		if !errors.Is(err, boom) {
			t.Fatalf("expected wrapped stream error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription error")
	}
}

func TestUnsubscribeIsIdempotentAndSilent(t *testing.T) {
	gw := NewBlob(newMemory(t), zaptest.NewLogger(t))
	unsub := gw.SubscribeCells(context.Background(), func(grid.CellSet) {}, func(err error) {
		t.Errorf("cancellation must not be reported: %v", err)
	})
	unsub()
	unsub()
}

func waitDynasties(t *testing.T, ch <-chan []grid.Dynasty) []grid.Dynasty {
	t.Helper()
	select {
	case items := <-ch:
		return items
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dynasties")
		return nil
	}
}

func waitCells(t *testing.T, ch <-chan grid.CellSet) grid.CellSet {
	t.Helper()
	select {
	case cells := <-ch:
		return cells
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cells")
		return nil
	}
}
