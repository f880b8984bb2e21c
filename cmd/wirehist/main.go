// CLAUDE:SUMMARY CLI entry point for wirehist — inspect, verify, replay, and serve WireTuner document history.
// Command wirehist works with WireTuner document files.
//
// Usage:
//
//	wirehist info drawing.wire               # metadata, event counts, snapshots
//	wirehist events drawing.wire --from 10   # list history events
//	wirehist replay drawing.wire --to 40     # rebuild the document at a position
//	wirehist verify a.wire b.wire --jobs 4   # integrity-check documents
//	wirehist stats drawing.wire              # engine metrics from the sidecar
//	wirehist serve --config wirehist.yaml    # HTTP document service
package main

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("wirehist: fatal", "error", err)
		os.Exit(1)
	}
}

// setupLogger installs the process logger: readable text on a terminal,
// JSON when piped into a collector.
func setupLogger(levelName string) {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
