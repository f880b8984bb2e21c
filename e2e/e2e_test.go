// Package e2e tests cross-package integration chains through the document
// session.
//
// These tests verify that the history packages compose correctly when wired
// together on a real document file — the production integration pattern, not
// package-level seams.
package e2e

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/teacurran/WireTuner-sub000/docsave"
	"github.com/teacurran/WireTuner-sub000/event"
	"github.com/teacurran/WireTuner-sub000/eventlog"
	"github.com/teacurran/WireTuner-sub000/histdb"
	"github.com/teacurran/WireTuner-sub000/replay"
	"github.com/teacurran/WireTuner-sub000/sketch"
	"github.com/teacurran/WireTuner-sub000/snapshot"
)

// --- test helpers ---

// addShape runs one complete tool gesture: an explicit operation wrapping a
// single insert. Costs three events (start marker, insert, end marker).
func addShape(t *testing.T, s *docsave.Session, id, kind string) {
	t.Helper()
	ctx := context.Background()
	if err := s.BeginOperation(ctx, "Add shape"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Apply(ctx, event.ShapeAdded{Shape: sketch.Shape{ID: id, Kind: kind, W: 24, H: 24}}); err != nil {
		t.Fatalf("apply %s: %v", id, err)
	}
	if err := s.EndOperation(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
}

func moveShape(t *testing.T, s *docsave.Session, id string, dx, dy float64) {
	t.Helper()
	ctx := context.Background()
	if err := s.BeginOperation(ctx, "Move shape"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Apply(ctx, event.ShapeMoved{ShapeID: id, DX: dx, DY: dy}); err != nil {
		t.Fatalf("apply move: %v", err)
	}
	if err := s.EndOperation(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
}

func TestDrawSaveReopenCycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "drawing.wire")
	opts := docsave.SessionOptions{
		Snapshot: snapshot.Options{BaseInterval: 5, Keep: 2},
	}

	s, err := docsave.Open(ctx, path, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Three tool gestures and one lazy edit left pending in the grouper.
	addShape(t, s, "shp_1", sketch.KindRect)    // 1-3
	addShape(t, s, "shp_2", sketch.KindEllipse) // 4-6
	moveShape(t, s, "shp_1", 12, 8)             // 7-9
	if err := s.Apply(ctx, event.ShapeStyled{
		ShapeID: "shp_2",
		Style:   sketch.Style{Fill: "#ff8800", Opacity: 1},
	}); err != nil {
		t.Fatalf("style: %v", err)
	}

	res, err := s.Save(ctx)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Seq != 10 || res.Events != 1 {
		t.Fatalf("save = %+v, want seq 10 with the one pending event", res)
	}
	if !res.SnapshotCreated {
		t.Error("save crossed the snapshot interval but created none")
	}

	// Step around, then save with the position off head.
	if _, err := s.Undo(ctx); err != nil { // 9: drop the style
		t.Fatalf("undo: %v", err)
	}
	if _, err := s.Undo(ctx); err != nil { // 6: drop the move
		t.Fatalf("undo: %v", err)
	}
	if _, err := s.Redo(ctx); err != nil { // 9
		t.Fatalf("redo: %v", err)
	}
	res, err = s.Save(ctx)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if res.Seq != 9 || res.Events != 0 {
		t.Fatalf("second save = %+v, want position 9 and nothing appended", res)
	}

	// After wal_checkpoint(FULL) the main file alone must carry the whole
	// document, even while the session still holds it open.
	bare := filepath.Join(t.TempDir(), "bare.wire")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bare, data, 0o644); err != nil {
		t.Fatal(err)
	}
	assertBareFileComplete(t, bare, 10)

	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := docsave.Open(ctx, path, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close(ctx)

	if warns := s2.LoadWarnings(); len(warns) != 0 {
		t.Fatalf("reopen warnings: %v", warns)
	}
	if got := s2.Title(); got != "drawing" {
		t.Errorf("title = %q, want drawing", got)
	}
	if got := s2.DirtyState(); got != docsave.StateClean {
		t.Errorf("state = %q, want %q", got, docsave.StateClean)
	}
	// A fresh open lands at head. The off-head cursor was session-local, and
	// the redo tail survived the second save untouched.
	nav := s2.Navigator()
	if nav.Pos() != 10 || nav.MaxSeq() != 10 {
		t.Fatalf("pos/max = %d/%d, want 10/10", nav.Pos(), nav.MaxSeq())
	}
	st, err := s2.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	sh, ok := st.Shape("shp_1")
	if !ok || sh.X != 12 || sh.Y != 8 {
		t.Errorf("shp_1 = %+v, want at (12,8)", sh)
	}
	sh, ok = st.Shape("shp_2")
	if !ok || sh.Style.Fill != "#ff8800" {
		t.Errorf("shp_2 = %+v, want orange fill", sh)
	}
}

// assertBareFileComplete opens a copied document file that never had its WAL
// sidecar and replays it to head on raw stores.
func assertBareFileComplete(t *testing.T, path string, wantMax int64) {
	t.Helper()
	ctx := context.Background()

	db, err := histdb.Open(path)
	if err != nil {
		t.Fatalf("open bare copy: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	meta, err := docsave.ReadMeta(ctx, db)
	if err != nil {
		t.Fatalf("bare copy meta: %v", err)
	}
	events := eventlog.NewStore(db)
	max, err := events.MaxSeq(ctx, meta.DocID)
	if err != nil {
		t.Fatal(err)
	}
	if max != wantMax {
		t.Fatalf("bare copy max seq = %d, want %d", max, wantMax)
	}

	snaps := snapshot.NewStore(db)
	mgr := snapshot.NewManager(snaps, snapshot.Options{})
	res, err := replay.New(events, snaps, mgr, replay.Options{}).Replay(ctx, meta.DocID, max)
	if err != nil {
		t.Fatalf("bare copy replay: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("bare copy warnings: %v", res.Warnings)
	}
	if res.State.ShapeCount() != 2 {
		t.Fatalf("bare copy shapes = %d, want 2", res.State.ShapeCount())
	}
}

func TestSnapshotFallbackChain(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sketchy.wire")
	opts := docsave.SessionOptions{
		Snapshot: snapshot.Options{BaseInterval: 1, Keep: 3},
	}

	s, err := docsave.Open(ctx, path, opts)
	if err != nil {
		t.Fatal(err)
	}
	// Save after every gesture so each save lays down a snapshot: 3, 6, 9.
	for i, id := range []string{"shp_1", "shp_2", "shp_3"} {
		addShape(t, s, id, sketch.KindRect)
		res, err := s.Save(ctx)
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		if !res.SnapshotCreated {
			t.Fatalf("save %d created no snapshot", i)
		}
	}
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}

	// Break the two newest snapshots on disk.
	db, err := histdb.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE snapshots SET payload = X'00' WHERE seq IN (6, 9)`); err != nil {
		t.Fatal(err)
	}
	db.Close()

	s2, err := docsave.Open(ctx, path, opts)
	if err != nil {
		t.Fatalf("reopen past corrupt snapshots: %v", err)
	}
	defer s2.Close(ctx)

	warns := s2.LoadWarnings()
	if len(warns) != 2 {
		t.Fatalf("warnings = %v, want one per corrupt snapshot", warns)
	}
	for _, w := range warns {
		if w.Kind != replay.WarnSnapshotFallback {
			t.Errorf("warning kind = %q, want %q", w.Kind, replay.WarnSnapshotFallback)
		}
	}
	st, err := s2.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.ShapeCount() != 3 {
		t.Fatalf("shapes = %d, want 3 despite the corruption", st.ShapeCount())
	}
}

func TestTimelineScrubAndBranch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "timeline.wire")

	s, err := docsave.Open(ctx, path, docsave.SessionOptions{})
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"shp_1", "shp_2", "shp_3", "shp_4", "shp_5", "shp_6", "shp_7", "shp_8"} {
		addShape(t, s, id, sketch.KindRect)
	}
	nav := s.Navigator()
	if nav.MaxSeq() != 24 {
		t.Fatalf("max = %d, want 24", nav.MaxSeq())
	}

	// Scrubbing previews without moving the cursor.
	st, err := s.ScrubTo(ctx, 6)
	if err != nil {
		t.Fatalf("scrub 6: %v", err)
	}
	if st.ShapeCount() != 2 || nav.Pos() != 24 {
		t.Fatalf("scrub 6: shapes %d pos %d, want 2 shapes with the cursor at 24", st.ShapeCount(), nav.Pos())
	}
	st, err = s.ScrubTo(ctx, 12)
	if err != nil {
		t.Fatalf("scrub 12: %v", err)
	}
	if st.ShapeCount() != 4 {
		t.Fatalf("scrub 12: shapes = %d, want 4", st.ShapeCount())
	}
	if stats := s.ScrubStats(); stats.Misses == 0 {
		t.Error("scrub stats recorded no misses")
	}

	// Editing from mid-history supersedes the tail.
	if _, err := s.NavigateTo(ctx, 12); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	addShape(t, s, "shp_9", sketch.KindEllipse)
	if nav.MaxSeq() != 15 || nav.CanRedo() {
		t.Fatalf("after branch: max %d canRedo %v, want 15 with no redo", nav.MaxSeq(), nav.CanRedo())
	}

	res, err := s.Save(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Seq != 15 {
		t.Fatalf("save seq = %d, want 15", res.Seq)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}

	s2, err := docsave.Open(ctx, path, docsave.SessionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close(ctx)
	if got := s2.Navigator().MaxSeq(); got != 15 {
		t.Fatalf("reopened max = %d, want 15", got)
	}
	st, err = s2.State(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.ShapeCount() != 5 {
		t.Fatalf("shapes = %d, want the four kept plus the branch", st.ShapeCount())
	}
	if _, ok := st.Shape("shp_9"); !ok {
		t.Error("branch shape missing after reopen")
	}
	if _, ok := st.Shape("shp_8"); ok {
		t.Error("superseded shape survived the branch")
	}
}
