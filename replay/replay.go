// Package replay rebuilds document states from persisted history: newest
// usable snapshot at or below the target, then events forward to the target
// sequence.
//
// Replay is deterministic — for a fixed target over byte-identical events
// and snapshots it produces an identical state, independent of wall clock,
// platform, or how often it runs. Degradation is graceful in both layers:
// a snapshot that fails verification falls back to the next older one (and
// ultimately to a full replay from the empty document, which is always
// correct), and an event that cannot be decoded or applied is skipped with
// a warning instead of aborting recovery. Warnings surface to the caller so
// the editor can tell the user what was lost.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teacurran/WireTuner-sub000/eventlog"
	"github.com/teacurran/WireTuner-sub000/sketch"
	"github.com/teacurran/WireTuner-sub000/snapshot"
	"github.com/teacurran/WireTuner-sub000/telemetry"
)

// Warning kinds.
const (
	WarnSnapshotFallback = "snapshot-fallback"
	WarnEventSkipped     = "event-skipped"
)

// Warning describes one recoverable degradation encountered during replay.
type Warning struct {
	Seq     int64  `json:"seq"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result is a completed replay.
type Result struct {
	// State is the rebuilt document, owned by the caller.
	State *sketch.State
	// Base is the sequence of the snapshot the replay started from,
	// 0 when it started from the empty document.
	Base int64
	// Replayed counts events applied on top of the base.
	Replayed int
	// Warnings lists skipped events and snapshot fallbacks, in order.
	Warnings []Warning
}

// Options tunes the replayer.
type Options struct {
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Telemetry receives replay datapoints. Nil disables recording.
	Telemetry *telemetry.Recorder
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Replayer rebuilds states for one document database.
type Replayer struct {
	events    *eventlog.Store
	snapshots *snapshot.Store
	manager   *snapshot.Manager
	log       *slog.Logger
	tel       *telemetry.Recorder
}

// New creates a replayer over the given stores.
func New(events *eventlog.Store, snapshots *snapshot.Store, manager *snapshot.Manager, opts Options) *Replayer {
	opts.defaults()
	return &Replayer{
		events:    events,
		snapshots: snapshots,
		manager:   manager,
		log:       opts.Logger,
		tel:       opts.Telemetry,
	}
}

// Replay rebuilds the document state at target. Target 0 is the empty
// document. Storage failures return an error; corrupt snapshots and bad
// event rows degrade into Result.Warnings instead.
func (r *Replayer) Replay(ctx context.Context, docID string, target int64) (*Result, error) {
	if target < 0 {
		return nil, fmt.Errorf("replay: negative target %d", target)
	}

	start := time.Now()
	res := &Result{State: sketch.NewState()}

	if target == 0 {
		return res, nil
	}

	// Resolve the base: newest snapshot at or below target, walking older
	// on verification failure. No usable snapshot means a full replay.
	seek := target
	for seek >= 1 {
		row, err := r.snapshots.Latest(ctx, docID, seek)
		if errors.Is(err, snapshot.ErrNoSnapshot) {
			break
		}
		if err != nil {
			return nil, err
		}

		st, derr := r.manager.Decode(row)
		if derr != nil {
			res.Warnings = append(res.Warnings, Warning{
				Seq:  row.Seq,
				Kind: WarnSnapshotFallback,
				Message: fmt.Sprintf(
					"snapshot at sequence %d failed verification (%v); using an older base — re-save the document to rebuild snapshots",
					row.Seq, derr),
			})
			r.log.Warn("replay: snapshot fallback",
				"doc", docID, "seq", row.Seq, "error", derr)
			seek = row.Seq - 1
			continue
		}

		res.State = st
		res.Base = row.Seq
		break
	}

	if res.Base < target {
		recs, err := r.events.Range(ctx, docID, res.Base+1, target)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.DecodeErr != nil {
				res.Warnings = append(res.Warnings, skipped(rec.Event.Seq, rec.Event.Kind(), rec.DecodeErr))
				r.log.Warn("replay: event skipped",
					"doc", docID, "seq", rec.Event.Seq, "kind", rec.Event.Kind(), "error", rec.DecodeErr)
				continue
			}
			if err := rec.Event.Payload.Apply(res.State); err != nil {
				res.Warnings = append(res.Warnings, skipped(rec.Event.Seq, rec.Event.Kind(), err))
				r.log.Warn("replay: event skipped",
					"doc", docID, "seq", rec.Event.Seq, "kind", rec.Event.Kind(), "error", err)
				continue
			}
			res.Replayed++
		}
	}

	elapsed := time.Since(start)
	r.log.Debug("replay: done",
		"doc", docID, "target", target, "base", res.Base,
		"replayed", res.Replayed, "warnings", len(res.Warnings), "duration", elapsed)
	r.tel.Record(telemetry.MReplayDurationMs, docID, float64(elapsed.Milliseconds()))
	r.tel.Record(telemetry.MReplayEvents, docID, float64(res.Replayed))
	return res, nil
}

func skipped(seq int64, kind string, err error) Warning {
	return Warning{
		Seq:  seq,
		Kind: WarnEventSkipped,
		Message: fmt.Sprintf(
			"event %d (%s) could not be replayed and was skipped (%v); one edit may be missing from the document",
			seq, kind, err),
	}
}
