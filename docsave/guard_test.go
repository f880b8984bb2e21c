package docsave

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/teacurran/WireTuner-sub000/event"
	"github.com/teacurran/WireTuner-sub000/sketch"
)

func TestSaveGuardIsPerDocument(t *testing.T) {
	g := newSaveGuard()
	if !g.begin("doc_a") {
		t.Fatal("first begin refused")
	}
	if g.begin("doc_a") {
		t.Fatal("second begin on the same doc granted")
	}
	if !g.begin("doc_b") {
		t.Fatal("begin on another doc refused")
	}
	g.end("doc_a")
	if !g.begin("doc_a") {
		t.Fatal("begin after end refused")
	}
}

func TestSaveRejectedWhileSaveInFlight(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "draw.wire")

	s, err := Open(ctx, path, SessionOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close(ctx)

	if err := s.Apply(ctx, event.ShapeAdded{Shape: sketch.Shape{ID: "shp_1", Kind: sketch.KindRect}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// Hold the document's save slot, as an in-flight save would.
	if !s.guard.begin(s.docID) {
		t.Fatal("could not take the save slot")
	}
	_, err = s.Save(ctx)
	var f *Failure
	if !errors.As(err, &f) || f.Kind != KindTransactionFailed {
		t.Fatalf("got %v, want KindTransactionFailed", err)
	}
	s.guard.end(s.docID)

	if _, err := s.Save(ctx); err != nil {
		t.Fatalf("Save after release: %v", err)
	}
}
