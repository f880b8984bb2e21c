// Package eventlog is the append-only store for history events, one row per
// event in the document's .wire file.
//
// Sequence numbers are the engine's backbone: assigned here at persist time,
// strictly increasing and gap-free per document, starting at 1. Append runs
// inside the caller's transaction so a batch of events (an operation group
// with its markers) lands atomically or not at all — there is never a
// partially persisted group.
//
// Rows are never updated. The single exception to append-only is
// TruncateAfter, which the navigator uses to invalidate a redo branch before
// appending the superseding events in the same transaction.
//
// Expected schema (created by EnsureSchema):
//
//	CREATE TABLE IF NOT EXISTS events (
//	    doc_id   TEXT NOT NULL,
//	    seq      INTEGER NOT NULL,            -- 1-based, gap-free per doc
//	    event_id TEXT NOT NULL,
//	    kind     TEXT NOT NULL,
//	    payload  BLOB,
//	    ts       INTEGER NOT NULL,            -- milliseconds since epoch
//	    PRIMARY KEY (doc_id, seq)
//	);
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teacurran/WireTuner-sub000/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    doc_id   TEXT NOT NULL,
    seq      INTEGER NOT NULL,
    event_id TEXT NOT NULL,
    kind     TEXT NOT NULL,
    payload  BLOB,
    ts       INTEGER NOT NULL,
    PRIMARY KEY (doc_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_doc_kind ON events (doc_id, kind, seq);
`

// Store reads and appends event rows. It is a thin handle over the document
// database; safe for concurrent use to the extent the connection is.
type Store struct {
	db *sql.DB
}

// NewStore creates a handle. Call EnsureSchema once per database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the events table and index if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("eventlog: ensure schema: %w", err)
	}
	return nil
}

// Record is one row read back from the log. DecodeErr is non-nil when the
// stored kind or payload could not be decoded; Event.Payload is then an
// event.Unknown carrying the raw bytes. A bad row degrades that one record,
// never the whole read.
type Record struct {
	Event     event.Event
	DecodeErr error
}

// Append persists evs inside the caller's transaction, assigning contiguous
// sequence numbers starting at MAX(seq)+1. It returns the assigned sequences
// in order. The events' Seq fields are also filled in.
//
// Single-writer discipline per document is the orchestrator's job; Append
// itself only guarantees atomicity of the batch.
func (s *Store) Append(ctx context.Context, tx *sql.Tx, docID string, evs []event.Event) ([]int64, error) {
	if len(evs) == 0 {
		return nil, nil
	}

	var last int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE doc_id = ?`, docID,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("eventlog: max seq: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (doc_id, seq, event_id, kind, payload, ts) VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return nil, fmt.Errorf("eventlog: prepare insert: %w", err)
	}
	defer stmt.Close()

	seqs := make([]int64, len(evs))
	for i := range evs {
		payload, err := event.Encode(evs[i].Payload)
		if err != nil {
			return nil, err
		}
		seq := last + int64(i) + 1
		ts := evs[i].Time
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			docID, seq, evs[i].ID, evs[i].Payload.Kind(), payload, ts.UnixMilli(),
		); err != nil {
			return nil, fmt.Errorf("eventlog: insert seq %d: %w", seq, err)
		}
		evs[i].Seq = seq
		seqs[i] = seq
	}
	return seqs, nil
}

// Range returns records with fromSeq <= seq <= toSeq in sequence order.
// fromSeq below 1 is treated as 1; toSeq <= 0 means "to the newest".
func (s *Store) Range(ctx context.Context, docID string, fromSeq, toSeq int64) ([]Record, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}

	var (
		rows *sql.Rows
		err  error
	)
	if toSeq > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT seq, event_id, kind, payload, ts FROM events
			 WHERE doc_id = ? AND seq >= ? AND seq <= ? ORDER BY seq`,
			docID, fromSeq, toSeq)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT seq, event_id, kind, payload, ts FROM events
			 WHERE doc_id = ? AND seq >= ? ORDER BY seq`,
			docID, fromSeq)
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: range: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			seq     int64
			eventID string
			kind    string
			payload []byte
			tsMilli int64
		)
		if err := rows.Scan(&seq, &eventID, &kind, &payload, &tsMilli); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		p, derr := event.Decode(kind, payload)
		out = append(out, Record{
			Event: event.Event{
				ID:      eventID,
				DocID:   docID,
				Seq:     seq,
				Time:    time.UnixMilli(tsMilli).UTC(),
				Payload: p,
			},
			DecodeErr: derr,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: range rows: %w", err)
	}
	return out, nil
}

// MaxSeq returns the newest sequence for the document, 0 when it has no events.
func (s *Store) MaxSeq(ctx context.Context, docID string) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE doc_id = ?`, docID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("eventlog: max seq: %w", err)
	}
	return max, nil
}

// TruncateAfter deletes all events with seq > after inside the caller's
// transaction and returns the number of rows removed. Redo-branch
// invalidation is its only caller; it must share the transaction with the
// superseding append so sequence assignment stays gap-free.
func (s *Store) TruncateAfter(ctx context.Context, tx *sql.Tx, docID string, after int64) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE doc_id = ? AND seq > ?`, docID, after)
	if err != nil {
		return 0, fmt.Errorf("eventlog: truncate after %d: %w", after, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountByKind returns per-kind event counts for the document.
func (s *Store) CountByKind(ctx context.Context, docID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM events WHERE doc_id = ? GROUP BY kind`, docID)
	if err != nil {
		return nil, fmt.Errorf("eventlog: count by kind: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			kind string
			n    int64
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("eventlog: scan count: %w", err)
		}
		out[kind] = n
	}
	return out, rows.Err()
}
