// Package snapshot stores periodic full-state captures so replay cost stays
// bounded as documents grow. Loading a document replays from the newest
// snapshot at or below the target instead of from event 1.
//
// Payloads are stored gzip-compressed; integrity is a SHA-256 hex of the
// *uncompressed* bytes, verified on every read before the state is trusted.
// A snapshot that fails verification is reported as ErrCorrupt and the
// replayer falls back to an older one — snapshots are an optimization, the
// event log stays the source of truth.
//
// Snapshots are immutable and idempotent per (doc, seq): re-creating one
// overwrites the existing row. Superseded snapshots are retained until the
// retention policy prunes them (keep newest K, default 4).
//
// Expected schema (created by EnsureSchema):
//
//	CREATE TABLE IF NOT EXISTS snapshots (
//	    doc_id     TEXT NOT NULL,
//	    seq        INTEGER NOT NULL,
//	    payload    BLOB NOT NULL,              -- gzip-compressed state
//	    codec      TEXT NOT NULL,              -- e.g. "gzip+json"
//	    sha256     TEXT NOT NULL,              -- hex, of uncompressed payload
//	    created_at INTEGER NOT NULL,           -- milliseconds since epoch
//	    PRIMARY KEY (doc_id, seq)
//	);
package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    doc_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    payload    BLOB NOT NULL,
    codec      TEXT NOT NULL,
    sha256     TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (doc_id, seq)
);
`

// Errors returned by the store and manager.
var (
	ErrNoSnapshot = errors.New("snapshot: none available")
	ErrCorrupt    = errors.New("snapshot: payload integrity check failed")
)

// Meta describes a stored snapshot without its payload.
type Meta struct {
	DocID     string    `json:"doc_id"`
	Seq       int64     `json:"seq"`
	Codec     string    `json:"codec"`
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Row is a snapshot with its compressed payload.
type Row struct {
	Meta
	Payload []byte
}

// Store reads and writes snapshot rows in the document database.
type Store struct {
	db *sql.DB
}

// NewStore creates a handle. Call EnsureSchema once per database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the snapshots table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("snapshot: ensure schema: %w", err)
	}
	return nil
}

// Put upserts a snapshot row inside the caller's transaction. Idempotent per
// (doc, seq): a re-create overwrites.
func (s *Store) Put(ctx context.Context, tx *sql.Tx, docID string, seq int64, payload []byte, codec, sha string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (doc_id, seq, payload, codec, sha256, created_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (doc_id, seq) DO UPDATE SET
			payload = excluded.payload,
			codec = excluded.codec,
			sha256 = excluded.sha256,
			created_at = excluded.created_at`,
		docID, seq, payload, codec, sha, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("snapshot: put seq %d: %w", seq, err)
	}
	return nil
}

// Get returns the snapshot at exactly seq, or ErrNoSnapshot.
func (s *Store) Get(ctx context.Context, docID string, seq int64) (*Row, error) {
	return s.row(ctx,
		`SELECT seq, payload, codec, sha256, created_at FROM snapshots
		 WHERE doc_id = ? AND seq = ?`, docID, seq)
}

// Latest returns the newest snapshot with seq <= atOrBelow, or ErrNoSnapshot.
// The replayer walks older snapshots by calling Latest again with the
// previous seq minus one.
func (s *Store) Latest(ctx context.Context, docID string, atOrBelow int64) (*Row, error) {
	if atOrBelow < 1 {
		return nil, ErrNoSnapshot
	}
	return s.row(ctx,
		`SELECT seq, payload, codec, sha256, created_at FROM snapshots
		 WHERE doc_id = ? AND seq <= ? ORDER BY seq DESC LIMIT 1`, docID, atOrBelow)
}

func (s *Store) row(ctx context.Context, query, docID string, seq int64) (*Row, error) {
	r := Row{Meta: Meta{DocID: docID}}
	var createdMilli int64
	err := s.db.QueryRowContext(ctx, query, docID, seq).
		Scan(&r.Seq, &r.Payload, &r.Codec, &r.SHA256, &createdMilli)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: load: %w", err)
	}
	r.Size = int64(len(r.Payload))
	r.CreatedAt = time.UnixMilli(createdMilli).UTC()
	return &r, nil
}

// LatestSeq returns the seq of the newest snapshot, 0 when there is none.
func (s *Store) LatestSeq(ctx context.Context, docID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM snapshots WHERE doc_id = ?`, docID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("snapshot: latest seq: %w", err)
	}
	return seq, nil
}

// ListDescending returns all snapshot metas, newest first.
func (s *Store) ListDescending(ctx context.Context, docID string) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, codec, sha256, LENGTH(payload), created_at FROM snapshots
		 WHERE doc_id = ? ORDER BY seq DESC`, docID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		m := Meta{DocID: docID}
		var createdMilli int64
		if err := rows.Scan(&m.Seq, &m.Codec, &m.SHA256, &m.Size, &createdMilli); err != nil {
			return nil, fmt.Errorf("snapshot: scan: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdMilli).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteAfter removes snapshots with seq > after inside the caller's
// transaction. Called together with eventlog.TruncateAfter when a redo
// branch is invalidated — a snapshot past the truncation point would
// describe a state that no longer exists.
func (s *Store) DeleteAfter(ctx context.Context, tx *sql.Tx, docID string, after int64) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE doc_id = ? AND seq > ?`, docID, after)
	if err != nil {
		return 0, fmt.Errorf("snapshot: delete after %d: %w", after, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Prune deletes all but the newest keep snapshots. Best-effort retention,
// run outside the save transaction.
func (s *Store) Prune(ctx context.Context, docID string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE doc_id = ? AND seq NOT IN (
			SELECT seq FROM snapshots WHERE doc_id = ? ORDER BY seq DESC LIMIT ?
		)`, docID, docID, keep)
	if err != nil {
		return 0, fmt.Errorf("snapshot: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of stored snapshots for the document.
func (s *Store) Count(ctx context.Context, docID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE doc_id = ?`, docID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("snapshot: count: %w", err)
	}
	return n, nil
}
