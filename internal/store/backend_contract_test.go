package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// runBackendContract checks the behaviour every Backend implementation shares.
func runBackendContract(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("CreateAndList", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		first, err := b.Create(ctx, EntityDynasty, Fields{Color: String("#FF0000"), Name: String("Reds")})
		if err != nil {
			t.Fatalf("create first: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
		second, err := b.Create(ctx, EntityDynasty, Fields{Color: String("#0000FF"), Name: String("Blues")})
		if err != nil {
			t.Fatalf("create second: %v", err)
		}
		if first.ID == "" || first.ID == second.ID {
			t.Fatalf("expected distinct ids, got %q and %q", first.ID, second.ID)
		}

		items, err := b.List(ctx, EntityDynasty)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(items) != 2 {
			t.Fatalf("expected 2 records, got %d", len(items))
		}
		if items[0].ID != first.ID || Deref(items[1].Name) != "Blues" {
			t.Fatalf("unexpected list order: %+v", items)
		}

		squares, err := b.List(ctx, EntitySquare)
		if err != nil {
			t.Fatalf("list squares: %v", err)
		}
		if len(squares) != 0 {
			t.Fatalf("entities leaked into each other: %+v", squares)
		}
	})

	t.Run("UpdateMergesFields", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		rec, err := b.Create(ctx, EntitySquare, Fields{Coords: Int(7), DynastyID: String("d1")})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		updated, err := b.Update(ctx, EntitySquare, rec.ID, Fields{DynastyID: String("")})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.Coords == nil || *updated.Coords != 7 {
			t.Fatalf("update dropped coords: %+v", updated.Fields)
		}
		if updated.DynastyID == nil || *updated.DynastyID != "" {
			t.Fatalf("update did not clear dynastyId: %+v", updated.Fields)
		}

		items, err := b.List(ctx, EntitySquare)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(items) != 1 || Deref(items[0].DynastyID) != "" {
			t.Fatalf("update not persisted: %+v", items)
		}
	})

	t.Run("UpdateUnknownReturnsErrorList", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Update(context.Background(), EntitySquare, "missing", Fields{Map: String("[]")})
		var errs Errors
		if !errors.As(err, &errs) || !errs.Has(ErrTypeNotFound) {
			t.Fatalf("expected NotFound error list, got %v", err)
		}
	})

	t.Run("InvalidEntity", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.List(context.Background(), Entity("Tile"))
		var errs Errors
		if !errors.As(err, &errs) || !errs.Has(ErrTypeInvalidEntity) {
			t.Fatalf("expected InvalidEntity error list, got %v", err)
		}
	})

	t.Run("ObserveDeliversSnapshots", func(t *testing.T) {
		b := newBackend(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		snapshots := make(chan Snapshot, 16)
		done := make(chan error, 1)
		go func() {
			done <- b.Observe(ctx, EntitySquare, func(s Snapshot) { snapshots <- s })
		}()

		initial := waitSnapshot(t, snapshots)
		if len(initial.Items) != 0 || !initial.IsSynced {
			t.Fatalf("unexpected initial snapshot: %+v", initial)
		}

		if _, err := b.Create(context.Background(), EntitySquare, Fields{Map: String("[]")}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := b.Create(context.Background(), EntityDynasty, Fields{Color: String("#FF0000")}); err != nil {
			t.Fatalf("create dynasty: %v", err)
		}

		next := waitSnapshot(t, snapshots)
		if len(next.Items) != 1 || Deref(next.Items[0].Map) != "[]" {
			t.Fatalf("unexpected snapshot after create: %+v", next)
		}

		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("observe returned %v after cancel", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("observe did not stop after cancel")
		}
	})
}

func waitSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}
