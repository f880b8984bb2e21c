package main

import (
	"database/sql"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/teacurran/WireTuner-sub000/histdb"
	"github.com/teacurran/WireTuner-sub000/sqltrace"
	"github.com/teacurran/WireTuner-sub000/telemetry"
)

type statsReport struct {
	Path    string                        `json:"path"`
	Window  string                        `json:"window"`
	Metrics map[string]*telemetry.Summary `json:"metrics,omitempty"`
	Slow    []sqltrace.Entry              `json:"slow_queries,omitempty"`
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path := args[0]
	out := statsReport{Path: path, Window: statsSince.String()}

	// Engine metrics live in the <doc>.metrics sidecar; a document edited
	// with telemetry off simply has none.
	sidecar := path + ".metrics"
	if _, err := os.Stat(sidecar); err == nil {
		mdb, err := histdb.Open(sidecar)
		if err != nil {
			return err
		}
		defer mdb.Close()
		rec := telemetry.New(mdb)
		defer rec.Close()

		since := time.Now().Add(-statsSince)
		names := []string{
			telemetry.MSaveDurationMs,
			telemetry.MSaveEventCount,
			telemetry.MSnapshotCreated,
			telemetry.MReplayDurationMs,
			telemetry.MReplayEvents,
			telemetry.MCacheHit,
			telemetry.MCacheMiss,
		}
		out.Metrics = make(map[string]*telemetry.Summary, len(names))
		for _, name := range names {
			sum, err := rec.Summarize(ctx, name, "", since)
			if err != nil {
				return err
			}
			if sum.Count > 0 {
				out.Metrics[name] = sum
			}
		}
	}

	if statsTraceDB != "" {
		if _, err := os.Stat(statsTraceDB); err != nil {
			return err
		}
		// Plain driver: reading traces through the tracer would trace itself.
		tdb, err := sql.Open("sqlite", statsTraceDB)
		if err != nil {
			return err
		}
		defer tdb.Close()
		store := sqltrace.NewStore(tdb)
		defer store.Close()

		slow, err := store.Slow(ctx, statsSlowMin, statsLimit)
		if err != nil {
			return err
		}
		out.Slow = slow
	}

	return printJSON(out)
}
