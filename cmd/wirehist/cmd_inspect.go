package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/teacurran/WireTuner-sub000/docsave"
	"github.com/teacurran/WireTuner-sub000/event"
	"github.com/teacurran/WireTuner-sub000/eventlog"
	"github.com/teacurran/WireTuner-sub000/histdb"
	"github.com/teacurran/WireTuner-sub000/replay"
	"github.com/teacurran/WireTuner-sub000/sketch"
	"github.com/teacurran/WireTuner-sub000/snapshot"
)

// openDoc opens an existing document for inspection. Unlike the editor it
// never creates the file: pointing an inspector at a typo'd path must fail.
func openDoc(ctx context.Context, path string) (*sql.DB, *docsave.Meta, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil, err
	}
	db, err := histdb.Open(path)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1)
	meta, err := docsave.ReadMeta(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, meta, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, meta, err := openDoc(ctx, args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	events := eventlog.NewStore(db)
	maxSeq, err := events.MaxSeq(ctx, meta.DocID)
	if err != nil {
		return err
	}
	byKind, err := events.CountByKind(ctx, meta.DocID)
	if err != nil {
		return err
	}
	snaps, err := snapshot.NewStore(db).ListDescending(ctx, meta.DocID)
	if err != nil {
		return err
	}

	return printJSON(struct {
		Meta      docsave.Meta     `json:"meta"`
		MaxSeq    int64            `json:"max_seq"`
		ByKind    map[string]int64 `json:"events_by_kind"`
		Snapshots []snapshot.Meta  `json:"snapshots"`
	}{*meta, maxSeq, byKind, snaps})
}

// eventRow is the printable form of one history record.
type eventRow struct {
	Seq     int64           `json:"seq"`
	Kind    string          `json:"kind"`
	Time    time.Time       `json:"time"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func eventRows(recs []eventlog.Record) []eventRow {
	rows := make([]eventRow, 0, len(recs))
	for _, rec := range recs {
		row := eventRow{
			Seq:  rec.Event.Seq,
			Kind: rec.Event.Kind(),
			Time: rec.Event.Time,
			ID:   rec.Event.ID,
		}
		if rec.DecodeErr != nil {
			row.Error = rec.DecodeErr.Error()
		} else if data, err := event.Encode(rec.Event.Payload); err == nil {
			row.Payload = data
		}
		rows = append(rows, row)
	}
	return rows
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, meta, err := openDoc(ctx, args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	store := eventlog.NewStore(db)
	to := eventsTo
	if to <= 0 {
		if to, err = store.MaxSeq(ctx, meta.DocID); err != nil {
			return err
		}
	}
	recs, err := store.Range(ctx, meta.DocID, eventsFrom, to)
	if err != nil {
		return err
	}
	if eventsLimit > 0 && len(recs) > eventsLimit {
		recs = recs[:eventsLimit]
	}
	return printJSON(eventRows(recs))
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, meta, err := openDoc(ctx, args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	events := eventlog.NewStore(db)
	snaps := snapshot.NewStore(db)
	manager := snapshot.NewManager(snaps, snapshot.Options{})
	rep := replay.New(events, snaps, manager, replay.Options{})

	target := replayTo
	if target <= 0 {
		if target, err = events.MaxSeq(ctx, meta.DocID); err != nil {
			return err
		}
	}

	start := time.Now()
	res, err := rep.Replay(ctx, meta.DocID, target)
	if err != nil {
		return err
	}

	return printJSON(struct {
		Target   int64            `json:"target"`
		Base     int64            `json:"base"`
		Replayed int              `json:"replayed"`
		Shapes   int              `json:"shapes"`
		Canvas   sketch.Canvas    `json:"canvas"`
		Duration string           `json:"duration"`
		Warnings []replay.Warning `json:"warnings,omitempty"`
	}{target, res.Base, res.Replayed, res.State.ShapeCount(), res.State.Canvas,
		time.Since(start).Round(time.Microsecond).String(), res.Warnings})
}
