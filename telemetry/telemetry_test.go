package telemetry_test

import (
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/teacurran/WireTuner-sub000/histdb"
	"github.com/teacurran/WireTuner-sub000/telemetry"
)

func TestRecordFlushSummarize(t *testing.T) {
	db := histdb.OpenMemory(t)
	r := telemetry.New(db)
	if err := r.Init(); err != nil {
		t.Fatal(err)
	}

	r.Record(telemetry.MSaveDurationMs, "doc_1", 12)
	r.Record(telemetry.MSaveDurationMs, "doc_1", 18)
	r.Record(telemetry.MSaveDurationMs, "doc_2", 50)

	// Close drains the buffer synchronously.
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	// The recorder is closed but the db handle is still usable for reads.
	r2 := telemetry.New(db)
	defer r2.Close()

	since := time.Now().Add(-time.Minute)
	sum, err := r2.Summarize(context.Background(), telemetry.MSaveDurationMs, "doc_1", since)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Count != 2 {
		t.Fatalf("got count %d, want 2", sum.Count)
	}
	if sum.Avg != 15 {
		t.Fatalf("got avg %g, want 15", sum.Avg)
	}

	all, err := r2.Summarize(context.Background(), telemetry.MSaveDurationMs, "", since)
	if err != nil {
		t.Fatal(err)
	}
	if all.Count != 3 {
		t.Fatalf("got count %d, want 3 across docs", all.Count)
	}
}

func TestNilRecorderIsNoOp(t *testing.T) {
	var r *telemetry.Recorder

	// None of these may panic.
	r.Record(telemetry.MCacheHit, "doc", 1)
	if err := r.Init(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	sum, err := r.Summarize(context.Background(), telemetry.MCacheHit, "", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if sum.Count != 0 {
		t.Fatalf("nil recorder returned data: %+v", sum)
	}
}

func TestRecordAfterOverflowDoesNotBlock(t *testing.T) {
	db := histdb.OpenMemory(t)
	r := telemetry.New(db)
	if err := r.Init(); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			r.Record(telemetry.MReplayEvents, "doc", float64(i))
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked under overflow")
	}
}
