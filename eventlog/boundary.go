package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/teacurran/WireTuner-sub000/event"
)

// Operation-boundary queries. The navigator undoes and redoes whole
// operations, so it needs the nearest group markers around a position.
// All three return seq 0 when no matching marker exists — sequences are
// 1-based, so 0 is unambiguous.

// OpStartBefore returns the nearest group.start with seq <= at, plus that
// operation's label.
func (s *Store) OpStartBefore(ctx context.Context, docID string, at int64) (int64, string, error) {
	return s.startMarker(ctx,
		`SELECT seq, payload FROM events
		 WHERE doc_id = ? AND seq <= ? AND kind = ?
		 ORDER BY seq DESC LIMIT 1`,
		docID, at)
}

// OpStartAfter returns the nearest group.start with seq > at, plus that
// operation's label. The redo menu label comes from here.
func (s *Store) OpStartAfter(ctx context.Context, docID string, at int64) (int64, string, error) {
	return s.startMarker(ctx,
		`SELECT seq, payload FROM events
		 WHERE doc_id = ? AND seq > ? AND kind = ?
		 ORDER BY seq ASC LIMIT 1`,
		docID, at)
}

// OpEndAfter returns the nearest group.end with seq > at, 0 when none.
func (s *Store) OpEndAfter(ctx context.Context, docID string, at int64) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM events
		 WHERE doc_id = ? AND seq > ? AND kind = ?
		 ORDER BY seq ASC LIMIT 1`,
		docID, at, event.KindGroupEnd,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("eventlog: end after %d: %w", at, err)
	}
	return seq, nil
}

func (s *Store) startMarker(ctx context.Context, query, docID string, at int64) (int64, string, error) {
	var (
		seq     int64
		payload []byte
	)
	err := s.db.QueryRowContext(ctx, query, docID, at, event.KindGroupStart).Scan(&seq, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("eventlog: start marker near %d: %w", at, err)
	}

	p, derr := event.Decode(event.KindGroupStart, payload)
	if derr != nil {
		// A marker with an unreadable label still works as a boundary.
		return seq, "", nil
	}
	start, ok := p.(event.GroupStart)
	if !ok {
		return seq, "", nil
	}
	return seq, start.Label, nil
}
