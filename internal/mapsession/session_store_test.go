package mapsession

import (
	"context"
	"testing"

	"dynastymap/api/internal/gateway"
	"dynastymap/api/internal/grid"
	"dynastymap/api/internal/store"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
)

// Runs an editing and a viewing session against one in-memory backend for
// both schema generations.
func TestEditorAndViewerShareBackend(t *testing.T) {
	for _, generation := range []gateway.Generation{gateway.GenerationBlob, gateway.GenerationRelational} {
		t.Run(string(generation), func(t *testing.T) {
			mem := store.NewMemoryStore()
			t.Cleanup(func() { _ = mem.Close() })
			gw, err := gateway.New(generation, mem, zaptest.NewLogger(t))
			if err != nil {
				t.Fatalf("gateway: %v", err)
			}
			dims := grid.Dims{Rows: 3, Cols: 3}
			editor := newController(t, gw, Options{Dims: dims})
			viewer := newController(t, gw, Options{Dims: dims, Mode: ModeReadOnly})
			ctx := context.Background()

			startReady(t, editor)
			if err := viewer.Start(ctx); err != nil {
				t.Fatalf("start viewer: %v", err)
			}
			waitFor(t, viewer, "viewer ready", func(v View) bool { return v.State == StateReady })

			if err := editor.RenameDynasty(ctx, "#FF0000", "Tang"); err != nil {
				t.Fatalf("rename: %v", err)
			}
			if err := editor.SaveDynasties(ctx); err != nil {
				t.Fatalf("save: %v", err)
			}
			saved := waitFor(t, editor, "dynasty saved", settledReady)
			if saved.Err != nil || !saved.Dynasties[0].Saved() {
				t.Fatalf("expected saved dynasty, got %+v err=%v", saved.Dynasties, saved.Err)
			}

			selectAndApply(t, editor, "#FF0000", 0, 4, 8)
			written := waitFor(t, editor, "cells written", settledReady)
			if written.Err != nil {
				t.Fatalf("write failed: %v", written.Err)
			}

			want := grid.CellSet{0: "#FF0000", 4: "#FF0000", 8: "#FF0000"}
			v := waitFor(t, viewer, "viewer update", func(v View) bool {
				return v.Cells.Equal(want) && v.Counts["#FF0000"] == 3
			})
			if diff := cmp.Diff([]grid.LegendEntry{{Color: "#FF0000", Name: "Tang", Count: 3}}, v.Legend); diff != "" {
				t.Fatalf("legend mismatch (-want +got):\n%s", diff)
			}

			selectAndApply(t, editor, grid.Eraser, 4)
			waitFor(t, editor, "erase written", settledReady)
			waitFor(t, viewer, "viewer erase", func(v View) bool { return v.Counts["#FF0000"] == 2 && v.Dense[4] == "" })

			if err := editor.ClearAll(ctx); err != nil {
				t.Fatalf("clear: %v", err)
			}
			waitFor(t, editor, "clear written", settledReady)
			waitFor(t, viewer, "viewer cleared", func(v View) bool { return len(v.Cells) == 0 })
		})
	}
}
