package eventlog_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/teacurran/WireTuner-sub000/event"
	"github.com/teacurran/WireTuner-sub000/eventlog"
	"github.com/teacurran/WireTuner-sub000/histdb"
	"github.com/teacurran/WireTuner-sub000/sketch"
)

const doc = "doc_test"

func openLog(t *testing.T) (*sql.DB, *eventlog.Store) {
	t.Helper()
	db := histdb.OpenMemory(t)
	s := eventlog.NewStore(db)
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db, s
}

func appendBatch(t *testing.T, db *sql.DB, s *eventlog.Store, payloads ...event.Payload) []int64 {
	t.Helper()
	evs := make([]event.Event, len(payloads))
	for i, p := range payloads {
		evs[i] = event.New(doc, p)
	}
	var seqs []int64
	err := histdb.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		var err error
		seqs, err = s.Append(context.Background(), tx, doc, evs)
		return err
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return seqs
}

func TestAppendAssignsContiguousSeqs(t *testing.T) {
	db, s := openLog(t)

	seqs := appendBatch(t, db, s,
		event.ShapeAdded{Shape: sketch.Shape{ID: "a", Kind: sketch.KindRect}},
		event.ShapeMoved{ShapeID: "a", DX: 1, DY: 1},
	)
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("got seqs %v, want [1 2]", seqs)
	}

	// A later batch continues without gaps.
	seqs = appendBatch(t, db, s, event.ShapeRemoved{ShapeID: "a"})
	if len(seqs) != 1 || seqs[0] != 3 {
		t.Fatalf("got seqs %v, want [3]", seqs)
	}

	max, err := s.MaxSeq(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}
	if max != 3 {
		t.Fatalf("got max %d, want 3", max)
	}
}

func TestAppendEmptyBatch(t *testing.T) {
	db, s := openLog(t)
	err := histdb.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		seqs, err := s.Append(context.Background(), tx, doc, nil)
		if seqs != nil {
			t.Fatalf("got %v, want nil", seqs)
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAppendRollsBackWithTx(t *testing.T) {
	db, s := openLog(t)
	boom := errors.New("boom")

	err := histdb.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		_, err := s.Append(context.Background(), tx, doc,
			[]event.Event{event.New(doc, event.CanvasResized{Width: 10, Height: 10})})
		if err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	max, _ := s.MaxSeq(context.Background(), doc)
	if max != 0 {
		t.Fatalf("events persisted despite rollback: max %d", max)
	}
}

func TestMaxSeqEmpty(t *testing.T) {
	_, s := openLog(t)
	max, err := s.MaxSeq(context.Background(), "doc_nothing")
	if err != nil {
		t.Fatal(err)
	}
	if max != 0 {
		t.Fatalf("got %d, want 0", max)
	}
}

func TestRange(t *testing.T) {
	db, s := openLog(t)
	for i := 0; i < 5; i++ {
		appendBatch(t, db, s, event.CanvasResized{Width: float64(100 + i), Height: 100})
	}

	recs, err := s.Range(context.Background(), doc, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, r := range recs {
		if r.Event.Seq != int64(i+2) {
			t.Fatalf("record %d: got seq %d, want %d", i, r.Event.Seq, i+2)
		}
		if r.DecodeErr != nil {
			t.Fatalf("record %d: unexpected decode error %v", i, r.DecodeErr)
		}
	}

	// Open-ended range.
	recs, err = s.Range(context.Background(), doc, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("open-ended: got %d records, want 2", len(recs))
	}

	// fromSeq below 1 clamps.
	recs, err = s.Range(context.Background(), doc, -5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 5 {
		t.Fatalf("clamped: got %d records, want 5", len(recs))
	}
}

func TestRangeSurfacesBadRowsPerRecord(t *testing.T) {
	db, s := openLog(t)
	appendBatch(t, db, s, event.CanvasResized{Width: 10, Height: 10})

	// Simulate corruption: a malformed payload and an unrecognized kind.
	mustExec(t, db, `INSERT INTO events (doc_id, seq, event_id, kind, payload, ts)
		VALUES (?, 2, 'evt_bad', ?, ?, 0)`, doc, event.KindShapeMoved, `{"dx": nope`)
	mustExec(t, db, `INSERT INTO events (doc_id, seq, event_id, kind, payload, ts)
		VALUES (?, 3, 'evt_future', 'shape.warped', '{}', 0)`, doc)

	appendBatch(t, db, s, event.CanvasResized{Width: 20, Height: 20})

	recs, err := s.Range(context.Background(), doc, 1, 0)
	if err != nil {
		t.Fatalf("range must not fail on bad rows: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("got %d records, want 4", len(recs))
	}

	if recs[0].DecodeErr != nil || recs[3].DecodeErr != nil {
		t.Fatal("good rows flagged with decode errors")
	}
	if recs[1].DecodeErr == nil {
		t.Fatal("malformed payload row not flagged")
	}
	if _, ok := recs[1].Event.Payload.(event.Unknown); !ok {
		t.Fatalf("malformed row payload is %T, want Unknown", recs[1].Event.Payload)
	}
	if !errors.Is(recs[2].DecodeErr, event.ErrUnknownKind) {
		t.Fatalf("got %v, want ErrUnknownKind", recs[2].DecodeErr)
	}
}

func TestTruncateAfter(t *testing.T) {
	db, s := openLog(t)
	for i := 0; i < 5; i++ {
		appendBatch(t, db, s, event.CanvasResized{Width: float64(i + 1), Height: 1})
	}

	var removed int64
	err := histdb.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		var err error
		removed, err = s.TruncateAfter(context.Background(), tx, doc, 2)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 3 {
		t.Fatalf("got %d removed, want 3", removed)
	}

	// Sequence assignment continues gap-free from the cut.
	seqs := appendBatch(t, db, s, event.CanvasResized{Width: 99, Height: 99})
	if seqs[0] != 3 {
		t.Fatalf("got seq %d after truncate, want 3", seqs[0])
	}
}

func TestOpBoundaries(t *testing.T) {
	db, s := openLog(t)
	// seq 1..4: [start "Draw path"] add extend [end]
	// seq 5:    lone move
	// seq 6..8: [start "Move shape"] move [end]
	appendBatch(t, db, s,
		event.GroupStart{GroupID: "g1", Label: "Draw path"},
		event.ShapeAdded{Shape: sketch.Shape{ID: "p", Kind: sketch.KindPath}},
		event.PathExtended{ShapeID: "p", Points: []sketch.Point{{X: 1, Y: 1}}},
		event.GroupEnd{GroupID: "g1"},
	)
	appendBatch(t, db, s, event.ShapeMoved{ShapeID: "p", DX: 1, DY: 0})
	appendBatch(t, db, s,
		event.GroupStart{GroupID: "g2", Label: "Move shape"},
		event.ShapeMoved{ShapeID: "p", DX: 0, DY: 1},
		event.GroupEnd{GroupID: "g2"},
	)

	ctx := context.Background()

	seq, label, err := s.OpStartBefore(ctx, doc, 8)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 6 || label != "Move shape" {
		t.Fatalf("got (%d, %q), want (6, Move shape)", seq, label)
	}

	seq, label, err = s.OpStartBefore(ctx, doc, 5)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 || label != "Draw path" {
		t.Fatalf("got (%d, %q), want (1, Draw path)", seq, label)
	}

	seq, label, err = s.OpStartAfter(ctx, doc, 4)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 6 || label != "Move shape" {
		t.Fatalf("got (%d, %q), want (6, Move shape)", seq, label)
	}

	end, err := s.OpEndAfter(ctx, doc, 4)
	if err != nil {
		t.Fatal(err)
	}
	if end != 8 {
		t.Fatalf("got end %d, want 8", end)
	}

	// No markers beyond the last group.
	seq, _, err = s.OpStartAfter(ctx, doc, 8)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 0 {
		t.Fatalf("got %d, want 0 for no-next-start", seq)
	}
	end, err = s.OpEndAfter(ctx, doc, 8)
	if err != nil {
		t.Fatal(err)
	}
	if end != 0 {
		t.Fatalf("got %d, want 0 for no-next-end", end)
	}
}

func TestCountByKind(t *testing.T) {
	db, s := openLog(t)
	appendBatch(t, db, s,
		event.GroupStart{GroupID: "g", Label: "Draw path"},
		event.ShapeAdded{Shape: sketch.Shape{ID: "p", Kind: sketch.KindPath}},
		event.PathExtended{ShapeID: "p", Points: []sketch.Point{{X: 1, Y: 1}}},
		event.PathExtended{ShapeID: "p", Points: []sketch.Point{{X: 2, Y: 2}}},
		event.GroupEnd{GroupID: "g"},
	)

	counts, err := s.CountByKind(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}
	if counts[event.KindPathExtended] != 2 {
		t.Fatalf("got %d path.extended, want 2", counts[event.KindPathExtended])
	}
	if counts[event.KindGroupStart] != 1 || counts[event.KindGroupEnd] != 1 {
		t.Fatalf("marker counts wrong: %v", counts)
	}
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatal(err)
	}
}
