package histnav_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/teacurran/WireTuner-sub000/event"
	"github.com/teacurran/WireTuner-sub000/eventlog"
	"github.com/teacurran/WireTuner-sub000/histdb"
	"github.com/teacurran/WireTuner-sub000/histnav"
	"github.com/teacurran/WireTuner-sub000/idgen"
	"github.com/teacurran/WireTuner-sub000/replay"
	"github.com/teacurran/WireTuner-sub000/sketch"
	"github.com/teacurran/WireTuner-sub000/snapshot"
)

type fixture struct {
	db     *sql.DB
	events *eventlog.Store
	snaps  *snapshot.Store
	mgr    *snapshot.Manager
	nav    *histnav.Navigator
}

func openNav(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := histdb.OpenMemory(t)

	events := eventlog.NewStore(db)
	if err := events.EnsureSchema(ctx); err != nil {
		t.Fatalf("events schema: %v", err)
	}
	snaps := snapshot.NewStore(db)
	if err := snaps.EnsureSchema(ctx); err != nil {
		t.Fatalf("snapshots schema: %v", err)
	}
	mgr := snapshot.NewManager(snaps, snapshot.Options{})
	rep := replay.New(events, snaps, mgr, replay.Options{})

	nav, err := histnav.New(ctx, "doc_1", db, events, snaps, rep, histnav.Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{db: db, events: events, snaps: snaps, mgr: mgr, nav: nav}
}

func grouped(label string, evs ...event.Event) []event.Event {
	gid := idgen.GroupID()
	out := make([]event.Event, 0, len(evs)+2)
	out = append(out, event.New("doc_1", event.GroupStart{GroupID: gid, Label: label}))
	out = append(out, evs...)
	out = append(out, event.New("doc_1", event.GroupEnd{GroupID: gid}))
	return out
}

// seedHistory records three operations:
//
//	seqs 1-3  "Add shape":  rect shp_1 at origin
//	seq  4    lone move:    shp_1 to (10,10)
//	seqs 5-8  "Draw path":  path shp_2 with one extension
func seedHistory(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()

	record := func(evs []event.Event) {
		t.Helper()
		if _, err := f.nav.RecordOps(ctx, evs); err != nil {
			t.Fatalf("RecordOps: %v", err)
		}
	}
	record(grouped("Add shape", event.New("doc_1", event.ShapeAdded{Shape: sketch.Shape{
		ID: "shp_1", Kind: sketch.KindRect, W: 20, H: 20,
	}})))
	record([]event.Event{event.New("doc_1", event.ShapeMoved{ShapeID: "shp_1", DX: 10, DY: 10})})
	record(grouped("Draw path",
		event.New("doc_1", event.ShapeAdded{Shape: sketch.Shape{
			ID: "shp_2", Kind: sketch.KindPath, Points: []sketch.Point{{X: 0, Y: 0}},
		}}),
		event.New("doc_1", event.PathExtended{ShapeID: "shp_2", Points: []sketch.Point{{X: 3, Y: 4}}}),
	))

	if pos := f.nav.Pos(); pos != 8 {
		t.Fatalf("got pos %d after seeding, want 8", pos)
	}
}

func TestUndoWalksOperationBoundaries(t *testing.T) {
	f := openNav(t)
	seedHistory(t, f)
	ctx := context.Background()

	// Undo "Draw path": back to the lone move.
	st, err := f.nav.Undo(ctx)
	if err != nil {
		t.Fatalf("undo 1: %v", err)
	}
	if f.nav.Pos() != 4 {
		t.Fatalf("got pos %d, want 4", f.nav.Pos())
	}
	if _, ok := st.Shape("shp_2"); ok {
		t.Fatal("shp_2 still present after undoing its operation")
	}
	sh, ok := st.Shape("shp_1")
	if !ok {
		t.Fatal("shp_1 missing")
	}
	if sh.X != 10 || sh.Y != 10 {
		t.Fatalf("got shp_1 at (%v,%v), want (10,10)", sh.X, sh.Y)
	}

	// Undo the lone move: single event, single step.
	if _, err := f.nav.Undo(ctx); err != nil {
		t.Fatalf("undo 2: %v", err)
	}
	if f.nav.Pos() != 3 {
		t.Fatalf("got pos %d, want 3", f.nav.Pos())
	}

	// Undo "Add shape": empty document.
	st, err = f.nav.Undo(ctx)
	if err != nil {
		t.Fatalf("undo 3: %v", err)
	}
	if f.nav.Pos() != 0 || st.ShapeCount() != 0 {
		t.Fatalf("got pos %d with %d shapes, want empty document at 0",
			f.nav.Pos(), st.ShapeCount())
	}

	if _, err := f.nav.Undo(ctx); !errors.Is(err, histnav.ErrAtOldest) {
		t.Fatalf("got %v, want ErrAtOldest", err)
	}
}

func TestRedoWalksOperationBoundaries(t *testing.T) {
	f := openNav(t)
	seedHistory(t, f)
	ctx := context.Background()

	for f.nav.CanUndo() {
		if _, err := f.nav.Undo(ctx); err != nil {
			t.Fatalf("rewind: %v", err)
		}
	}

	st, err := f.nav.Redo(ctx)
	if err != nil {
		t.Fatalf("redo 1: %v", err)
	}
	if f.nav.Pos() != 3 || st.ShapeCount() != 1 {
		t.Fatalf("got pos %d with %d shapes, want pos 3 with 1", f.nav.Pos(), st.ShapeCount())
	}

	if _, err := f.nav.Redo(ctx); err != nil {
		t.Fatalf("redo 2: %v", err)
	}
	if f.nav.Pos() != 4 {
		t.Fatalf("got pos %d, want 4", f.nav.Pos())
	}

	st, err = f.nav.Redo(ctx)
	if err != nil {
		t.Fatalf("redo 3: %v", err)
	}
	if f.nav.Pos() != 8 || st.ShapeCount() != 2 {
		t.Fatalf("got pos %d with %d shapes, want pos 8 with 2", f.nav.Pos(), st.ShapeCount())
	}

	if _, err := f.nav.Redo(ctx); !errors.Is(err, histnav.ErrAtNewest) {
		t.Fatalf("got %v, want ErrAtNewest", err)
	}
}

func TestUndoFromMidGroupUnwindsWholeOperation(t *testing.T) {
	f := openNav(t)
	seedHistory(t, f)
	ctx := context.Background()

	// Scrub into the middle of "Draw path", then undo.
	if _, err := f.nav.NavigateTo(ctx, 6); err != nil {
		t.Fatalf("NavigateTo(6): %v", err)
	}
	if _, err := f.nav.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if f.nav.Pos() != 4 {
		t.Fatalf("got pos %d, want 4 (whole partial operation unwound)", f.nav.Pos())
	}
}

func TestUndoRedoLabels(t *testing.T) {
	f := openNav(t)
	seedHistory(t, f)
	ctx := context.Background()

	check := func(wantUndo, wantRedo string) {
		t.Helper()
		if got, err := f.nav.UndoLabel(ctx); err != nil || got != wantUndo {
			t.Fatalf("UndoLabel = %q, %v; want %q", got, err, wantUndo)
		}
		if got, err := f.nav.RedoLabel(ctx); err != nil || got != wantRedo {
			t.Fatalf("RedoLabel = %q, %v; want %q", got, err, wantRedo)
		}
	}

	check("Draw path", "")
	f.nav.Undo(ctx)
	check("Move shape", "Draw path")
	f.nav.Undo(ctx)
	check("Add shape", "Move shape")
	f.nav.Undo(ctx)
	check("", "Add shape")
}

func TestRecordWhileBehindInvalidatesRedoBranch(t *testing.T) {
	f := openNav(t)
	seedHistory(t, f)
	ctx := context.Background()

	// Snapshot at the tip, then rewind behind it.
	st, err := f.nav.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	err = histdb.RunTx(ctx, f.db, func(tx *sql.Tx) error {
		_, err := f.mgr.Create(ctx, tx, "doc_1", 8, st)
		return err
	})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	f.nav.Undo(ctx) // pos 4
	f.nav.Undo(ctx) // pos 3

	seqs, err := f.nav.RecordOps(ctx, []event.Event{
		event.New("doc_1", event.ShapeStyled{ShapeID: "shp_1", Style: sketch.Style{Fill: "#ff0000"}}),
	})
	if err != nil {
		t.Fatalf("RecordOps: %v", err)
	}
	if len(seqs) != 1 || seqs[0] != 4 {
		t.Fatalf("got seqs %v, want [4] (contiguous after truncation)", seqs)
	}
	if f.nav.Pos() != 4 || f.nav.MaxSeq() != 4 {
		t.Fatalf("got pos %d max %d, want 4/4", f.nav.Pos(), f.nav.MaxSeq())
	}
	if f.nav.CanRedo() {
		t.Fatal("CanRedo after branch invalidation, want false")
	}

	// The old branch is gone from both tables.
	max, err := f.events.MaxSeq(ctx, "doc_1")
	if err != nil || max != 4 {
		t.Fatalf("stored max = %d, %v; want 4", max, err)
	}
	if _, err := f.snaps.Latest(ctx, "doc_1", 100); !errors.Is(err, snapshot.ErrNoSnapshot) {
		t.Fatalf("got %v, want ErrNoSnapshot for orphaned snapshot", err)
	}

	// The new branch replays cleanly.
	st, err = f.nav.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	sh, ok := st.Shape("shp_1")
	if !ok {
		t.Fatal("shp_1 missing")
	}
	if sh.Style.Fill != "#ff0000" {
		t.Fatalf("got fill %q, want restyled branch", sh.Style.Fill)
	}
}

func TestNavigateToRange(t *testing.T) {
	f := openNav(t)
	seedHistory(t, f)
	ctx := context.Background()

	st, err := f.nav.NavigateTo(ctx, 2)
	if err != nil {
		t.Fatalf("NavigateTo(2): %v", err)
	}
	if st.ShapeCount() != 1 {
		t.Fatalf("got %d shapes at seq 2, want 1", st.ShapeCount())
	}

	_, err = f.nav.NavigateTo(ctx, 99)
	var re *histnav.RangeError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want *RangeError", err)
	}
	if re.Target != 99 || re.Max != 8 {
		t.Fatalf("got RangeError %+v, want target 99 max 8", re)
	}
	if _, err := f.nav.NavigateTo(ctx, -1); !errors.As(err, &re) {
		t.Fatalf("got %v, want *RangeError for negative target", err)
	}
}

func TestCachedStatesDoNotAlias(t *testing.T) {
	f := openNav(t)
	seedHistory(t, f)
	ctx := context.Background()

	st1, err := f.nav.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if err := st1.Insert(&sketch.Shape{ID: "shp_rogue", Kind: sketch.KindRect}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	st2, err := f.nav.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st2.ShapeCount() != 2 {
		t.Fatalf("got %d shapes, want 2 — caller mutation leaked into the cache", st2.ShapeCount())
	}
}

func TestReopenPositionsAtNewest(t *testing.T) {
	f := openNav(t)
	seedHistory(t, f)
	ctx := context.Background()

	mgr := snapshot.NewManager(f.snaps, snapshot.Options{})
	rep := replay.New(f.events, f.snaps, mgr, replay.Options{})
	nav2, err := histnav.New(ctx, "doc_1", f.db, f.events, f.snaps, rep, histnav.Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if nav2.Pos() != 8 || nav2.MaxSeq() != 8 {
		t.Fatalf("got pos %d max %d on reopen, want 8/8", nav2.Pos(), nav2.MaxSeq())
	}
}

func TestRefreshPicksUpExternalAppend(t *testing.T) {
	f := openNav(t)
	seedHistory(t, f)
	ctx := context.Background()

	// Another writer appends behind the navigator's back.
	err := histdb.RunTx(ctx, f.db, func(tx *sql.Tx) error {
		_, err := f.events.Append(ctx, tx, "doc_1", []event.Event{
			event.New("doc_1", event.ShapeMoved{ShapeID: "shp_1", DX: 1, DY: 1}),
		})
		return err
	})
	if err != nil {
		t.Fatalf("external append: %v", err)
	}

	if f.nav.MaxSeq() != 8 {
		t.Fatalf("got max %d before refresh, want stale 8", f.nav.MaxSeq())
	}
	if err := f.nav.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if f.nav.MaxSeq() != 9 {
		t.Fatalf("got max %d after refresh, want 9", f.nav.MaxSeq())
	}
	if !f.nav.CanRedo() {
		t.Fatal("CanRedo after external append, want true")
	}
}

func TestAdvanceMovesWithoutStorage(t *testing.T) {
	f := openNav(t)
	seedHistory(t, f)
	ctx := context.Background()

	err := histdb.RunTx(ctx, f.db, func(tx *sql.Tx) error {
		_, err := f.events.Append(ctx, tx, "doc_1", []event.Event{
			event.New("doc_1", event.ShapeMoved{ShapeID: "shp_1", DX: 1, DY: 1}),
		})
		return err
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	f.nav.Advance(9)
	if f.nav.Pos() != 9 || f.nav.MaxSeq() != 9 {
		t.Fatalf("got pos %d max %d, want 9/9", f.nav.Pos(), f.nav.MaxSeq())
	}
	st, err := f.nav.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	sh, ok := st.Shape("shp_1")
	if !ok {
		t.Fatal("shp_1 missing")
	}
	if sh.X != 11 {
		t.Fatalf("got x %v, want 11", sh.X)
	}
}
