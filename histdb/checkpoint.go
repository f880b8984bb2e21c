package histdb

import (
	"context"
	"database/sql"
	"fmt"
)

// Checkpoint runs PRAGMA wal_checkpoint(FULL), flushing the write-ahead log
// into the main database file. The save orchestrator calls this after every
// committed save so the .wire file on disk is complete without its -wal
// sidecar — a copy of the file alone reopens cleanly.
//
// FULL blocks until all readers have moved past the current WAL content. If
// the checkpoint could not finish (a reader pinned the WAL), SQLite reports
// busy=1 and Checkpoint returns an error; the save is still committed, only
// its durability flush is degraded.
func Checkpoint(ctx context.Context, db *sql.DB) error {
	var busy, logFrames, checkpointed int64
	err := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(FULL)").
		Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return fmt.Errorf("histdb: wal checkpoint: %w", err)
	}
	if busy != 0 {
		return fmt.Errorf("histdb: wal checkpoint blocked (%d of %d frames flushed)",
			checkpointed, logFrames)
	}
	return nil
}
