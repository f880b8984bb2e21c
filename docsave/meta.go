package docsave

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FormatVersion is the .wire layout this build reads and writes.
const FormatVersion = 1

// ErrMetadataMissing means a document file has history tables but no
// metadata row — the file is real, its identity is gone.
var ErrMetadataMissing = errors.New("docsave: document metadata missing")

const metaSchema = `
CREATE TABLE IF NOT EXISTS documents (
    doc_id         TEXT PRIMARY KEY,
    title          TEXT NOT NULL,
    format_version INTEGER NOT NULL,
    created_at     INTEGER NOT NULL,
    modified_at    INTEGER NOT NULL
);
`

// Meta is the document identity row. One row per .wire file.
type Meta struct {
	DocID         string    `json:"doc_id"`
	Title         string    `json:"title"`
	FormatVersion int       `json:"format_version"`
	CreatedAt     time.Time `json:"created_at"`
	ModifiedAt    time.Time `json:"modified_at"`
}

// EnsureMetaSchema creates the documents table if it doesn't exist.
func EnsureMetaSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, metaSchema); err != nil {
		return fmt.Errorf("docsave: ensure meta schema: %w", err)
	}
	return nil
}

// ReadMeta returns the file's metadata row, ErrMetadataMissing when there is
// none.
func ReadMeta(ctx context.Context, db *sql.DB) (*Meta, error) {
	var (
		m        Meta
		created  int64
		modified int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT doc_id, title, format_version, created_at, modified_at
		 FROM documents LIMIT 1`,
	).Scan(&m.DocID, &m.Title, &m.FormatVersion, &created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMetadataMissing
	}
	if err != nil {
		return nil, fmt.Errorf("docsave: read meta: %w", err)
	}
	m.CreatedAt = time.UnixMilli(created).UTC()
	m.ModifiedAt = time.UnixMilli(modified).UTC()
	return &m, nil
}

// writeMeta upserts the metadata row inside the save transaction, bumping
// modified_at.
func writeMeta(ctx context.Context, tx *sql.Tx, m *Meta, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO documents (doc_id, title, format_version, created_at, modified_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (doc_id) DO UPDATE SET
			title = excluded.title,
			format_version = excluded.format_version,
			modified_at = excluded.modified_at`,
		m.DocID, m.Title, m.FormatVersion, m.CreatedAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("docsave: write meta: %w", err)
	}
	return nil
}
